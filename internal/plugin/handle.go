package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"

	"lodestone/internal/domain"
	"lodestone/internal/plugin/executable"
)

// actionQueue buffers a call's output until the caller relays it. Pushes
// never block the plugin.
type actionQueue struct {
	mu     sync.Mutex
	items  []domain.Action
	closed bool
	ready  chan struct{}
}

func newActionQueue() *actionQueue {
	return &actionQueue{ready: make(chan struct{}, 1)}
}

func (q *actionQueue) push(a domain.Action) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, a)
	q.mu.Unlock()
	q.signal()
}

func (q *actionQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *actionQueue) take() ([]domain.Action, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items, q.closed
}

func (q *actionQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// invocation is the running state behind a Handle. The backend is selected
// by kind: module calls run inside the shared runtime, executable calls own
// a child process.
type invocation struct {
	id     ulid.ULID
	plugin domain.Plugin
	hook   domain.HookInfo
	kind   domain.PluginKind
	logger *slog.Logger

	cancel  context.CancelFunc
	process atomic.Pointer[executable.Process] // executable backend only
	queue   *actionQueue

	done    chan struct{}
	payload json.RawMessage
	err     error
}

// relay forwards queued actions to sink in order until the call finishes.
func (inv *invocation) relay(ctx context.Context, sink domain.OutputSink) error {
	for {
		batch, closed := inv.queue.take()
		for _, a := range batch {
			domain.Relay(sink, a)
		}
		if closed {
			<-inv.done
			return nil
		}
		select {
		case <-inv.queue.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (inv *invocation) kill() error {
	inv.cancel()
	if inv.kind != domain.PluginKindExecutable {
		return nil
	}
	if p := inv.process.Load(); p != nil {
		return p.Kill()
	}
	return nil
}

// Handle is one hook call against one plugin. It is already running when
// returned; Result consumes it.
type Handle[R any] struct {
	inv      *invocation
	decode   func([]byte) (R, error)
	fallback func() R
	consumed atomic.Bool
}

// PluginID returns the id of the plugin being called.
func (h *Handle[R]) PluginID() string { return h.inv.plugin.ID }

// CallID returns the unique id of this call, as used in logs and traces.
func (h *Handle[R]) CallID() string { return h.inv.id.String() }

// Done is closed once the plugin has finished, whether or not Result was
// called.
func (h *Handle[R]) Done() <-chan struct{} { return h.inv.done }

// Kill cancels the call. For executable plugins the child process is
// terminated. Killing a finished call is a no-op.
func (h *Handle[R]) Kill() error {
	return h.inv.kill()
}

// Result relays the call's output to sink in emission order, waits for the
// call to finish and returns its result. Cancelling ctx kills the call.
// A handle yields its result once; later calls fail with ErrHandleConsumed.
func (h *Handle[R]) Result(ctx context.Context, sink domain.OutputSink) (R, error) {
	var zero R
	inv := h.inv
	if !h.consumed.CompareAndSwap(false, true) {
		return zero, domain.NewHookError(inv.plugin.ID, inv.hook.Name, domain.ErrHandleConsumed)
	}
	if sink == nil {
		sink = domain.DiscardSink{}
	}

	if err := inv.relay(ctx, sink); err != nil {
		if kerr := inv.kill(); kerr != nil {
			inv.logger.Warn("failed to kill plugin call", "error", kerr)
		}
		return zero, domain.NewHookError(inv.plugin.ID, inv.hook.Name, err)
	}

	if inv.err != nil {
		if inv.hook.TakesOver && (errors.Is(inv.err, domain.ErrPluginError) || errors.Is(inv.err, domain.ErrUnexpectedExit)) {
			inv.logger.Warn("plugin failed while owning the terminal", "error", inv.err)
			return h.fallback(), nil
		}
		return zero, domain.NewHookError(inv.plugin.ID, inv.hook.Name, inv.err)
	}

	r, err := h.decode(inv.payload)
	if err != nil {
		return zero, domain.NewHookError(inv.plugin.ID, inv.hook.Name, err)
	}
	return r, nil
}

// AwaitAll waits for every handle in order, relaying each one's output to
// sink. Plugins that turn out not to implement the hook are skipped. Every
// call is completed; the first failure is returned alongside the results of
// the calls that succeeded.
func AwaitAll[R any](ctx context.Context, handles []*Handle[R], sink domain.OutputSink) ([]R, error) {
	results := make([]R, 0, len(handles))
	var firstErr error
	for _, h := range handles {
		r, err := h.Result(ctx, sink)
		if err != nil {
			if errors.Is(err, domain.ErrNotImplemented) {
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		results = append(results, r)
	}
	return results, firstErr
}
