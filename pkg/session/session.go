// Package session binds a chat caller to a wallet address.
//
// A session moves Unlinked -> Awaiting -> Linked, and back to Awaiting when
// the caller reconnects. Transitions are computed by Next and applied by a
// Store under per-caller atomicity, so a submitted address is accepted only
// if the session is still awaiting when the write happens.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/finitoshi/chibi/pkg/wallet"
)

// Session states.
const (
	Unlinked = "unlinked"
	Awaiting = "awaiting"
	Linked   = "linked"
)

var (
	ErrInvalidAddress = errors.New("invalid wallet address")
	ErrNotAwaiting    = errors.New("session is not awaiting an address")
)

type Event string

const (
	EventBeginLink Event = "BEGIN_LINK"
	EventSubmit    Event = "SUBMIT_ADDRESS"
)

// Session is the link state of one caller. Wallet survives a reconnect and
// is only replaced when a new address is accepted.
type Session struct {
	CallerID  string    `json:"caller_id"`
	State     string    `json:"state"`
	Wallet    string    `json:"wallet,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New returns the initial session for a caller.
func New(callerID string) Session {
	return Session{CallerID: callerID, State: Unlinked}
}

func (s Session) Awaiting() bool { return s.State == Awaiting }

// CurrentWallet returns the linked address. An awaiting session reports
// none, even when it holds a previous address.
func (s Session) CurrentWallet() (string, bool) {
	if s.State != Linked || s.Wallet == "" {
		return "", false
	}
	return s.Wallet, true
}

// Next applies event to s. On error s is returned unchanged.
func Next(s Session, event Event, text string) (Session, error) {
	switch event {
	case EventBeginLink:
		s.State = Awaiting
		return s, nil
	case EventSubmit:
		if s.State != Awaiting {
			return s, ErrNotAwaiting
		}
		addr := wallet.Normalize(text)
		if !wallet.Valid(addr) {
			return s, ErrInvalidAddress
		}
		s.State = Linked
		s.Wallet = addr
		return s, nil
	default:
		return s, errors.New("unknown session event")
	}
}

// Store persists sessions. Implementations create a session on first access
// and apply transitions atomically per caller.
type Store interface {
	Get(ctx context.Context, callerID string) (Session, error)
	BeginLink(ctx context.Context, callerID string) (Session, error)
	SubmitAddress(ctx context.Context, callerID, text string) (Session, error)
	CurrentWallet(ctx context.Context, callerID string) (string, bool, error)
}
