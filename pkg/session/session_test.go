package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const (
	validAddr  = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
	otherAddr  = "So11111111111111111111111111111111111111112"
	callerChat = "12345"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNext(t *testing.T) {
	tests := []struct {
		name      string
		from      Session
		event     Event
		text      string
		wantState string
		wantAddr  string
		wantErr   error
	}{
		{"begin from unlinked", Session{State: Unlinked}, EventBeginLink, "", Awaiting, "", nil},
		{"begin is idempotent", Session{State: Awaiting}, EventBeginLink, "", Awaiting, "", nil},
		{"relink keeps old address", Session{State: Linked, Wallet: validAddr}, EventBeginLink, "", Awaiting, validAddr, nil},
		{"valid submit links", Session{State: Awaiting}, EventSubmit, "  " + validAddr + "\n", Linked, validAddr, nil},
		{"invalid submit stays awaiting", Session{State: Awaiting}, EventSubmit, "hello", Awaiting, "", ErrInvalidAddress},
		{"submit while unlinked", Session{State: Unlinked}, EventSubmit, validAddr, Unlinked, "", ErrNotAwaiting},
		{"submit while linked", Session{State: Linked, Wallet: validAddr}, EventSubmit, otherAddr, Linked, validAddr, ErrNotAwaiting},
		{"relink replaces address", Session{State: Awaiting, Wallet: validAddr}, EventSubmit, otherAddr, Linked, otherAddr, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Next(tt.from, tt.event, tt.text)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantState, got.State)
			assert.Equal(t, tt.wantAddr, got.Wallet)
		})
	}
}

func TestCurrentWalletHiddenWhileAwaiting(t *testing.T) {
	s := Session{State: Awaiting, Wallet: validAddr}
	_, ok := s.CurrentWallet()
	assert.False(t, ok)

	s.State = Linked
	addr, ok := s.CurrentWallet()
	assert.True(t, ok)
	assert.Equal(t, validAddr, addr)
}

func TestMemoryStoreLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s, err := store.Get(ctx, callerChat)
	require.NoError(t, err)
	assert.Equal(t, Unlinked, s.State)

	_, err = store.SubmitAddress(ctx, callerChat, validAddr)
	assert.ErrorIs(t, err, ErrNotAwaiting)

	s, err = store.BeginLink(ctx, callerChat)
	require.NoError(t, err)
	assert.True(t, s.Awaiting())

	_, err = store.SubmitAddress(ctx, callerChat, "nope")
	assert.ErrorIs(t, err, ErrInvalidAddress)
	s, _ = store.Get(ctx, callerChat)
	assert.True(t, s.Awaiting(), "invalid input must keep the session awaiting")

	s, err = store.SubmitAddress(ctx, callerChat, validAddr)
	require.NoError(t, err)
	assert.Equal(t, Linked, s.State)

	addr, ok, err := store.CurrentWallet(ctx, callerChat)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, validAddr, addr)

	_, err = store.BeginLink(ctx, callerChat)
	require.NoError(t, err)
	_, ok, _ = store.CurrentWallet(ctx, callerChat)
	assert.False(t, ok)
}

func TestMemoryStoreConcurrentSubmitAcceptsOne(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, err := store.BeginLink(ctx, callerChat)
	require.NoError(t, err)

	const n = 32
	var accepted, rejected atomic.Int32
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.SubmitAddress(ctx, callerChat, validAddr)
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, ErrNotAwaiting):
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, accepted.Load())
	assert.EqualValues(t, n-1, rejected.Load())
}

func TestMemoryStoreCallersAreIndependent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("chat-%d", i)
			_, _ = store.BeginLink(ctx, id)
			_, _ = store.SubmitAddress(ctx, id, validAddr)
		}()
	}
	wg.Wait()

	for i := range 16 {
		addr, ok, err := store.CurrentWallet(ctx, fmt.Sprintf("chat-%d", i))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, validAddr, addr)
	}
}
