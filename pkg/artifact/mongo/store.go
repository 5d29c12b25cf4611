// Package mongo stores artifacts in a MongoDB collection.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/finitoshi/chibi/pkg/artifact"
	"github.com/finitoshi/chibi/pkg/models"
)

// Collection holds generated images.
const Collection = "images"

// Store is an append-only artifact.Store on MongoDB.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
	now    func() time.Time
}

var _ artifact.Store = (*Store)(nil)

// New connects to uri and verifies the connection.
func New(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	coll := client.Database(database).Collection(Collection)
	if _, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "timestamp", Value: -1}},
	}); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("create artifact index: %w", err)
	}

	return &Store{client: client, coll: coll, now: time.Now}, nil
}

func (s *Store) Save(ctx context.Context, a models.Artifact) (string, error) {
	a = artifact.Prepare(a, s.now())
	if _, err := s.coll.InsertOne(ctx, a); err != nil {
		return "", fmt.Errorf("save artifact: %w", err)
	}
	return a.ID, nil
}

func (s *Store) List(ctx context.Context, limit int) ([]models.Artifact, error) {
	if limit <= 0 {
		limit = 20
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetLimit(int64(limit))

	cur, err := s.coll.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer cur.Close(ctx)

	var out []models.Artifact
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode artifacts: %w", err)
	}
	return out, nil
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
