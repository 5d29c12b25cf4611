// Package tier maps on-chain asset ownership to a capability level.
package tier

import (
	"fmt"
	"strings"
)

// Tier is a capability level. Higher values grant more capability.
type Tier int

const (
	Basic Tier = iota
	Standard
	Vision
)

// Resolve computes the tier for a caller from ownership facts.
// Vision ownership is checked first and supersedes Standard.
func Resolve(ownsStandard, ownsVision bool) Tier {
	if ownsVision {
		return Vision
	}
	if ownsStandard {
		return Standard
	}
	return Basic
}

// AtLeast reports whether t grants at least the capability of other.
func (t Tier) AtLeast(other Tier) bool {
	return t >= other
}

func (t Tier) String() string {
	switch t {
	case Basic:
		return "basic"
	case Standard:
		return "standard"
	case Vision:
		return "vision"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Parse converts a tier name back to a Tier.
func Parse(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "basic":
		return Basic, nil
	case "standard":
		return Standard, nil
	case "vision":
		return Vision, nil
	default:
		return Basic, fmt.Errorf("unknown tier %q", s)
	}
}
