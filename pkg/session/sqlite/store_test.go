package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/finitoshi/chibi/pkg/session"
)

const validAddr = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGetCreatesUnlinked(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.Get(context.Background(), "chat-1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.State != session.Unlinked {
		t.Errorf("expected unlinked, got %s", sess.State)
	}
}

func TestLinkFlow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.SubmitAddress(ctx, "chat-1", validAddr); !errors.Is(err, session.ErrNotAwaiting) {
		t.Fatalf("expected ErrNotAwaiting, got %v", err)
	}

	if _, err := s.BeginLink(ctx, "chat-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SubmitAddress(ctx, "chat-1", "garbage"); !errors.Is(err, session.ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
	sess, _ := s.Get(ctx, "chat-1")
	if !sess.Awaiting() {
		t.Fatalf("expected awaiting after invalid address, got %s", sess.State)
	}

	if _, err := s.SubmitAddress(ctx, "chat-1", " "+validAddr+" "); err != nil {
		t.Fatal(err)
	}
	addr, ok, err := s.CurrentWallet(ctx, "chat-1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || addr != validAddr {
		t.Errorf("expected linked wallet %s, got %q (%v)", validAddr, addr, ok)
	}

	// Reconnect hides the old wallet until a new one is accepted.
	if _, err := s.BeginLink(ctx, "chat-1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.CurrentWallet(ctx, "chat-1"); ok {
		t.Error("expected no current wallet while awaiting")
	}
	sess, _ = s.Get(ctx, "chat-1")
	if sess.Wallet != validAddr {
		t.Errorf("previous address should be retained, got %q", sess.Wallet)
	}
}

func TestSessionsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	ctx := context.Background()

	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = s.BeginLink(ctx, "chat-1")
	_, _ = s.SubmitAddress(ctx, "chat-1", validAddr)
	s.Close()

	s, err = New(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if addr, ok, _ := s.CurrentWallet(ctx, "chat-1"); !ok || addr != validAddr {
		t.Errorf("expected persisted wallet, got %q", addr)
	}
}

func TestConcurrentSubmitAcceptsOne(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.BeginLink(ctx, "chat-1"); err != nil {
		t.Fatal(err)
	}

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.SubmitAddress(ctx, "chat-1", validAddr); err == nil {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := accepted.Load(); got != 1 {
		t.Errorf("expected exactly one accepted submit, got %d", got)
	}
}

func TestCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _ = s.Get(ctx, "a")
	_, _ = s.BeginLink(ctx, "b")

	counts, err := s.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[session.Unlinked] != 1 || counts[session.Awaiting] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}
