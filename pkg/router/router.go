package router

import (
	"errors"
	"fmt"

	"github.com/finitoshi/chibi/pkg/config"
	"github.com/finitoshi/chibi/pkg/tier"
)

// ErrNoRoute is returned for tiers that are not allowed to reach the backend.
var ErrNoRoute = errors.New("tier has no backend route")

// Route is the backend target a tier's queries are sent to.
type Route struct {
	Tier         tier.Tier
	Model        string
	SystemPrompt string
	AcceptsImage bool
}

// Router resolves capability tiers to backend models.
type Router struct {
	cfg config.RouterConfig
}

// New creates a Router from the given configuration.
func New(cfg config.RouterConfig) *Router {
	return &Router{cfg: cfg}
}

// Resolve returns the route for t. Basic has no route: the gateway answers
// it without calling the backend.
func (r *Router) Resolve(t tier.Tier) (Route, error) {
	switch t {
	case tier.Vision:
		if r.cfg.VisionModel == "" {
			return Route{}, fmt.Errorf("vision model not configured")
		}
		return Route{Tier: t, Model: r.cfg.VisionModel, SystemPrompt: r.cfg.VisionSystem, AcceptsImage: true}, nil
	case tier.Standard:
		if r.cfg.TextModel == "" {
			return Route{}, fmt.Errorf("text model not configured")
		}
		return Route{Tier: t, Model: r.cfg.TextModel, SystemPrompt: r.cfg.TextSystem}, nil
	default:
		return Route{}, ErrNoRoute
	}
}
