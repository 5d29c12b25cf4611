package backend

import (
	"context"
	"sync"
)

// flight is the context a collapsed upstream call runs under. It is
// detached from any single caller and cancelled only once every caller
// waiting on it has gone.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

type flights struct {
	mu sync.Mutex
	m  map[string]*flight
}

func (fs *flights) join(ctx context.Context, key string) *flight {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.m == nil {
		fs.m = make(map[string]*flight)
	}
	f, ok := fs.m[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		fs.m[key] = f
	}
	f.waiters++
	return f
}

// leave reports whether f was abandoned by its last waiter.
func (fs *flights) leave(key string, f *flight) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return false
	}
	if fs.m[key] == f {
		delete(fs.m, key)
	}
	f.cancel()
	return true
}
