// Package gate runs a side-effecting call at most once per (signature, scope).
//
// Concurrent callers for the same key join the call already in flight. The
// leader consults the task cache first and only calls out on a miss. A
// successful payload is stored before the flight completes, so nobody can
// observe a finished call without its record. Failures are never cached.
package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"tablegate/internal/pkg/apperr"
	"tablegate/internal/pkg/logger"
	"tablegate/internal/pkg/metrics"
	"tablegate/internal/pkg/taskcache"
)

// Call performs the remote work. It must honour ctx.
type Call func(ctx context.Context) (string, error)

type Result struct {
	Payload string
	// Cached is set when no call was needed.
	Cached bool
	// Shared is set when this invocation joined another caller's flight.
	Shared bool
	// Persisted is false when the payload lives only in process memory
	// because the cache write failed.
	Persisted bool
}

// errAbandoned marks a flight whose leader went away before the call resolved.
var errAbandoned = errors.New("invocation abandoned by its caller")

// ErrCallPanicked is returned when a Call panics. The flight still ends.
var ErrCallPanicked = errors.New("call panicked")

type Gate struct {
	cache    *taskcache.Cache
	group    singleflight.Group
	inflight atomic.Int64

	// Results whose persistence failed, kept for the life of the process.
	sessionMu sync.RWMutex
	session   map[string]string
}

func New(cache *taskcache.Cache) *Gate {
	return &Gate{
		cache:   cache,
		session: make(map[string]string),
	}
}

func flightKey(sig, scope string) string {
	return scope + "\x00" + sig
}

// InvokeOnce returns the payload for (sig, scope), calling out only when neither
// the cache nor an in-flight call can answer.
func (g *Gate) InvokeOnce(ctx context.Context, sig, scope string, call Call) (Result, error) {
	key := flightKey(sig, scope)
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		led := false
		ch := g.group.DoChan(key, func() (val interface{}, err error) {
			led = true
			// singleflight re-panics on its own goroutine, out of reach of any caller.
			defer func() {
				if r := recover(); r != nil {
					logger.Log.Error("Call panicked",
						zap.String("scope", scope),
						zap.String("signature", sig),
						zap.Any("panic", r))
					val, err = nil, fmt.Errorf("%w: %v", ErrCallPanicked, r)
				}
			}()
			return g.run(ctx, sig, scope, call)
		})

		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				// Another caller's cancellation must not fail a live waiter.
				if !led && errors.Is(res.Err, errAbandoned) {
					continue
				}
				return Result{}, res.Err
			}
			result := res.Val.(Result)
			if !led {
				result.Shared = true
				metrics.GateShared.Inc()
			}
			return result, nil
		}
	}
}

func (g *Gate) run(ctx context.Context, sig, scope string, call Call) (Result, error) {
	record, err := g.cache.Get(ctx, sig, scope)
	switch {
	case err == nil:
		return Result{Payload: record.Payload, Cached: true, Persisted: true}, nil
	case errors.Is(err, apperr.ErrInvalidInput):
		return Result{}, err
	case !errors.Is(err, apperr.ErrNotFound):
		logger.Log.Warn("Cache lookup failed, treating as miss",
			zap.String("scope", scope),
			zap.String("signature", sig),
			zap.Error(err))
	}

	if payload, ok := g.sessionGet(sig, scope); ok {
		return Result{Payload: payload, Cached: true}, nil
	}

	g.inflight.Add(1)
	metrics.GateInFlight.Inc()
	defer func() {
		g.inflight.Add(-1)
		metrics.GateInFlight.Dec()
	}()

	payload, err := call(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil {
		// The target is stale now, drop whatever came back.
		return Result{}, fmt.Errorf("%w: %w", errAbandoned, ctxErr)
	}
	if err != nil {
		return Result{}, err
	}

	_, err = g.cache.Put(ctx, sig, scope, payload)
	switch {
	case err == nil:
		return Result{Payload: payload, Persisted: true}, nil
	case ctx.Err() != nil:
		// Cancelled while waiting for the writer, the scope may be gone already.
		return Result{}, fmt.Errorf("%w: %w", errAbandoned, ctx.Err())
	case !errors.Is(err, apperr.ErrStorageWrite):
		return Result{}, err
	}

	metrics.StorageWriteFailures.Inc()
	logger.Log.Warn("Keeping result in memory only, cache write failed",
		zap.String("scope", scope),
		zap.String("signature", sig),
		zap.Error(err))
	if !g.sessionPut(ctx, sig, scope, payload) {
		return Result{}, fmt.Errorf("%w: %w", errAbandoned, ctx.Err())
	}
	return Result{Payload: payload}, nil
}

// InFlight reports how many calls are executing right now.
func (g *Gate) InFlight() int {
	return int(g.inflight.Load())
}

// ForgetScope drops memory-only results kept for scope. Callers cancel the
// scope's contexts first, so no later sessionPut can bring a result back.
func (g *Gate) ForgetScope(scope string) {
	prefix := scope + "\x00"
	g.sessionMu.Lock()
	defer g.sessionMu.Unlock()
	for key := range g.session {
		if strings.HasPrefix(key, prefix) {
			delete(g.session, key)
		}
	}
}

func (g *Gate) sessionGet(sig, scope string) (string, bool) {
	g.sessionMu.RLock()
	defer g.sessionMu.RUnlock()
	payload, ok := g.session[flightKey(sig, scope)]
	return payload, ok
}

// sessionPut keeps payload unless ctx is done, and reports whether it did.
func (g *Gate) sessionPut(ctx context.Context, sig, scope, payload string) bool {
	g.sessionMu.Lock()
	defer g.sessionMu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	g.session[flightKey(sig, scope)] = payload
	return true
}
