// Package enginetest provides a scripted in-memory engine for tests. It
// delivers listener events from a single dispatcher goroutine in enqueue
// order, matching the per-target ordering contract of the real engine.
package enginetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"bidid/internal/engine"
)

// Engine is a fake engine.Engine. NewTarget and Navigate synthesize the
// milestone events a real browser would emit; tests that need to interleave
// their own traffic between milestones set Manual and drive the milestones
// by hand.
type Engine struct {
	// FailNavigation maps URLs to a failure reason. Navigating to one of
	// them commits nothing and reports NavigationFailed instead.
	FailNavigation map[string]string

	// Manual suppresses automatic milestones for Navigate and Reload; the
	// initial about:blank load of NewTarget always completes on its own.
	Manual bool

	// EvaluateFunc, when set, backs Evaluate.
	EvaluateFunc func(expression string, awaitPromise bool) (json.RawMessage, error)

	// NewTargetHook, when set, runs at the start of every NewTarget call,
	// before the target exists. Tests use it to interleave tree mutations
	// with an in-flight create.
	NewTargetHook func()

	mu       sync.Mutex
	listener engine.Listener
	next     int
	open     map[engine.TargetID]bool
	urls     map[engine.TargetID]string

	queue chan func()
	done  chan struct{}
}

// New creates a fake engine. Wire the listener with SetListener before the
// first call; the tree and the engine reference each other, so one side has
// to attach late.
func New() *Engine {
	e := &Engine{
		FailNavigation: make(map[string]string),
		open:           make(map[engine.TargetID]bool),
		urls:           make(map[engine.TargetID]string),
		queue:          make(chan func(), 256),
		done:           make(chan struct{}),
	}
	go e.dispatch()
	return e
}

// SetListener attaches the event consumer.
func (e *Engine) SetListener(l engine.Listener) {
	e.mu.Lock()
	e.listener = l
	e.mu.Unlock()
}

func (e *Engine) dispatch() {
	defer close(e.done)
	for fn := range e.queue {
		fn()
	}
}

func (e *Engine) emit(fn func(l engine.Listener)) {
	e.queue <- func() {
		e.mu.Lock()
		l := e.listener
		e.mu.Unlock()
		if l != nil {
			fn(l)
		}
	}
}

// Sync blocks until every event enqueued so far has been delivered.
func (e *Engine) Sync() {
	flushed := make(chan struct{})
	e.queue <- func() { close(flushed) }
	<-flushed
}

// NewTarget implements engine.Engine.
func (e *Engine) NewTarget(ctx context.Context) (engine.TargetID, error) {
	if e.NewTargetHook != nil {
		e.NewTargetHook()
	}
	e.mu.Lock()
	e.next++
	id := engine.TargetID(fmt.Sprintf("target-%d", e.next))
	e.open[id] = true
	e.urls[id] = "about:blank"
	e.mu.Unlock()

	e.emit(func(l engine.Listener) { l.FrameNavigated(id, "about:blank") })
	e.emit(func(l engine.Listener) { l.DOMContentLoaded(id) })
	e.emit(func(l engine.Listener) { l.Load(id) })
	return id, nil
}

// CloseTarget implements engine.Engine.
func (e *Engine) CloseTarget(ctx context.Context, id engine.TargetID) error {
	e.mu.Lock()
	delete(e.open, id)
	delete(e.urls, id)
	e.mu.Unlock()
	return nil
}

// Navigate implements engine.Engine.
func (e *Engine) Navigate(ctx context.Context, id engine.TargetID, url string) error {
	e.mu.Lock()
	if !e.open[id] {
		e.mu.Unlock()
		return fmt.Errorf("no open target %s", id)
	}
	reason, fail := e.FailNavigation[url]
	if !fail {
		e.urls[id] = url
	}
	manual := e.Manual
	e.mu.Unlock()

	if fail {
		e.emit(func(l engine.Listener) { l.NavigationFailed(id, reason) })
		return nil
	}
	e.emit(func(l engine.Listener) { l.FrameNavigated(id, url) })
	if !manual {
		e.emit(func(l engine.Listener) { l.DOMContentLoaded(id) })
		e.emit(func(l engine.Listener) { l.Load(id) })
	}
	return nil
}

// Reload implements engine.Engine.
func (e *Engine) Reload(ctx context.Context, id engine.TargetID, ignoreCache bool) error {
	e.mu.Lock()
	url, ok := e.urls[id]
	manual := e.Manual
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("no open target %s", id)
	}

	e.emit(func(l engine.Listener) { l.FrameNavigated(id, url) })
	if !manual {
		e.emit(func(l engine.Listener) { l.DOMContentLoaded(id) })
		e.emit(func(l engine.Listener) { l.Load(id) })
	}
	return nil
}

// Evaluate implements engine.Engine.
func (e *Engine) Evaluate(ctx context.Context, id engine.TargetID, expression string, awaitPromise bool) (json.RawMessage, error) {
	e.mu.Lock()
	fn := e.EvaluateFunc
	open := e.open[id]
	e.mu.Unlock()
	if !open {
		return nil, fmt.Errorf("no open target %s", id)
	}
	if fn == nil {
		return json.RawMessage(`{"type":"undefined"}`), nil
	}
	return fn(expression, awaitPromise)
}

// Close implements engine.Engine, stopping the dispatcher.
func (e *Engine) Close() error {
	close(e.queue)
	<-e.done
	return nil
}

// AttachFrame scripts the browser spawning a nested frame under parent,
// including its implicit about:blank load.
func (e *Engine) AttachFrame(parent engine.TargetID) engine.TargetID {
	e.mu.Lock()
	e.next++
	id := engine.TargetID(fmt.Sprintf("target-%d", e.next))
	e.open[id] = true
	e.urls[id] = "about:blank"
	e.mu.Unlock()

	e.emit(func(l engine.Listener) { l.FrameAttached(id, parent) })
	e.emit(func(l engine.Listener) { l.FrameNavigated(id, "about:blank") })
	e.emit(func(l engine.Listener) { l.DOMContentLoaded(id) })
	e.emit(func(l engine.Listener) { l.Load(id) })
	return id
}

// DetachFrame scripts a frame being removed from its document.
func (e *Engine) DetachFrame(id engine.TargetID) {
	e.mu.Lock()
	delete(e.open, id)
	delete(e.urls, id)
	e.mu.Unlock()
	e.emit(func(l engine.Listener) { l.FrameDetached(id) })
}

// EmitDOMContentLoaded and EmitLoad drive milestones by hand in Manual mode.
func (e *Engine) EmitDOMContentLoaded(id engine.TargetID) {
	e.emit(func(l engine.Listener) { l.DOMContentLoaded(id) })
}

func (e *Engine) EmitLoad(id engine.TargetID) {
	e.emit(func(l engine.Listener) { l.Load(id) })
}

// EmitNavigationFailed scripts the in-flight navigation dying.
func (e *Engine) EmitNavigationFailed(id engine.TargetID, reason string) {
	e.emit(func(l engine.Listener) { l.NavigationFailed(id, reason) })
}

// EmitConsole scripts a console message on the target.
func (e *Engine) EmitConsole(id engine.TargetID, msg engine.ConsoleMessage) {
	e.emit(func(l engine.Listener) { l.Console(id, msg) })
}

// EmitRequest and EmitResponse script network traffic on the target.
func (e *Engine) EmitRequest(id engine.TargetID, ev engine.RequestWillBeSent) {
	e.emit(func(l engine.Listener) { l.Request(id, ev) })
}

func (e *Engine) EmitResponse(id engine.TargetID, ev engine.ResponseCompleted) {
	e.emit(func(l engine.Listener) { l.Response(id, ev) })
}
