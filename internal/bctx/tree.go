// Package bctx owns the live browsing-context tree: the set of contexts, their
// parent/child nesting, per-context URL, and the navigation lifecycle of each
// context. Mutations raise protocol events as a side effect, and the package
// implements engine.Listener so browser-side frame activity (iframes attaching,
// documents loading) flows through the same paths as explicit commands.
package bctx

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bidid/internal/engine"
	"bidid/internal/protocol"
)

// Publisher hands events to the event bus. Publish is called with the tree
// lock held so event order matches mutation order; implementations must
// enqueue and return, never call back into the tree.
type Publisher interface {
	Publish(method string, params any, contextID string)
}

// record is one live context in the arena. Parent/child links are ids, not
// pointers, so traversal stays cycle-free and lookups stay O(1).
type record struct {
	id       string
	target   engine.TargetID
	parent   string // empty for top-level contexts
	children []string
	url      string
	loaded   bool
	nav      *navigation
}

// pendingKind tags engine events buffered for targets the tree has not
// registered yet (the window between the engine creating a target and the
// create path adopting it).
type pendingKind int

const (
	pendingNavigated pendingKind = iota
	pendingDCL
	pendingLoad
	pendingFailed
	pendingAttached
	pendingDetached
)

type pendingEvent struct {
	kind   pendingKind
	url    string
	reason string
	child  engine.TargetID
}

const maxPendingEvents = 32

// Tree is the single source of truth for context state. All mutation happens
// under mu; events publish after the mutation is fully visible, never from a
// half-updated tree.
type Tree struct {
	log *zap.Logger
	eng engine.Engine
	pub Publisher

	mu       sync.Mutex
	contexts map[string]*record
	byTarget map[engine.TargetID]string
	roots    []string
	gone     map[engine.TargetID]struct{}
	pending  map[engine.TargetID][]pendingEvent
}

// New creates an empty Tree driving the given engine.
func New(eng engine.Engine, pub Publisher, log *zap.Logger) *Tree {
	return &Tree{
		log:      log,
		eng:      eng,
		pub:      pub,
		contexts: make(map[string]*record),
		byTarget: make(map[engine.TargetID]string),
		gone:     make(map[engine.TargetID]struct{}),
		pending:  make(map[engine.TargetID][]pendingEvent),
	}
}

// Create allocates a new top-level context (optionally nested under parent),
// emits contextCreated, and blocks until the implicit about:blank navigation
// completes, mirroring the command's release point.
func (t *Tree) Create(ctx context.Context, typ, parent string) (string, error) {
	switch typ {
	case "tab", "window":
	default:
		return "", protocol.InvalidArgument("unsupported context type %q", typ)
	}
	if parent != "" && !t.Has(parent) {
		return "", protocol.NoSuchContext(parent)
	}

	target, err := t.eng.NewTarget(ctx)
	if err != nil {
		return "", fmt.Errorf("create target: %w", err)
	}

	t.mu.Lock()
	if parent != "" {
		// Re-checked under the lock: the parent can close while NewTarget is
		// in flight, and attaching to it then would orphan the child outside
		// both roots and any live subtree.
		if _, ok := t.contexts[parent]; !ok {
			t.gone[target] = struct{}{}
			delete(t.pending, target)
			t.mu.Unlock()
			if err := t.eng.CloseTarget(ctx, target); err != nil {
				t.log.Warn("close orphaned target", zap.String("target", string(target)), zap.Error(err))
			}
			return "", protocol.NoSuchContext(parent)
		}
	}
	rec := &record{
		id:     uuid.NewString(),
		target: target,
		parent: parent,
		url:    "about:blank",
		nav:    newNavigation("about:blank"),
	}
	t.contexts[rec.id] = rec
	t.byTarget[target] = rec.id
	if parent != "" {
		t.contexts[parent].children = append(t.contexts[parent].children, rec.id)
	} else {
		t.roots = append(t.roots, rec.id)
	}
	nav := rec.nav
	replay := t.takePendingLocked(target)
	// contextCreated publishes before the lock drops so no milestone for
	// this context can overtake it. Publishing never re-enters the tree.
	t.pub.Publish(protocol.EventContextCreated, protocol.ContextEventParams{
		Context: rec.id,
		URL:     rec.url,
		Parent:  parent,
	}, rec.id)
	t.mu.Unlock()

	t.log.Info("context created",
		zap.String("context", rec.id),
		zap.String("target", string(target)),
		zap.String("parent", parent))
	t.replay(target, replay)

	if err := nav.wait(ctx, protocol.ReadinessComplete); err != nil {
		return "", err
	}
	return rec.id, nil
}

// Close destroys a context and its whole subtree. Each descendant's
// contextDestroyed is published before its ancestor's, and every navigation
// waiter in the subtree is released before the command returns.
func (t *Tree) Close(ctx context.Context, id string) error {
	t.mu.Lock()
	rec, ok := t.contexts[id]
	if !ok {
		t.mu.Unlock()
		return protocol.NoSuchContext(id)
	}
	destroyed := t.removeSubtreeLocked(rec)
	t.publishDestroyed(destroyed)
	t.mu.Unlock()

	if err := t.eng.CloseTarget(ctx, rec.target); err != nil {
		t.log.Warn("close target", zap.String("context", id), zap.Error(err))
	}
	return nil
}

// Navigate starts a navigation and blocks per the wait policy. The result is
// handed to release rather than returned: with wait "none" it must be
// enqueued before any milestone of this navigation, which only holding the
// tree lock across the enqueue can guarantee. release runs at most once and
// never after an error return. Same-document destinations resolve
// synchronously with a null navigation id and no milestone events.
func (t *Tree) Navigate(ctx context.Context, id, url string, wait protocol.ReadinessState, release func(protocol.NavigateResult)) error {
	t.mu.Lock()
	rec, ok := t.contexts[id]
	if !ok {
		t.mu.Unlock()
		return protocol.NoSuchContext(id)
	}

	if rec.loaded && rec.nav == nil && sameDocument(rec.url, url) {
		rec.url = url
		target := rec.target
		release(protocol.NavigateResult{Navigation: nil, URL: url})
		t.mu.Unlock()
		if err := t.eng.Navigate(ctx, target, url); err != nil {
			t.log.Warn("same-document navigate", zap.String("context", id), zap.Error(err))
		}
		return nil
	}

	if rec.nav != nil {
		rec.nav.state = NavAborted
		rec.nav.abort(protocol.NavigationAborted("navigation canceled by a newer navigation"))
	}
	nav := newNavigation(url)
	rec.nav = nav
	target := rec.target
	if wait == protocol.ReadinessNone {
		// Released under the lock: no milestone handler can run, so the
		// result precedes the navigation's events on every channel.
		release(protocol.NavigateResult{Navigation: &nav.id, URL: url})
	}
	t.mu.Unlock()

	if err := t.eng.Navigate(ctx, target, url); err != nil {
		t.dropNavigation(id, nav, err)
		if wait == protocol.ReadinessNone {
			t.log.Warn("navigate after release", zap.String("context", id), zap.Error(err))
			return nil
		}
		return fmt.Errorf("navigate: %w", err)
	}

	if wait == protocol.ReadinessNone {
		return nil
	}
	if err := nav.wait(ctx, wait); err != nil {
		return err
	}
	release(protocol.NavigateResult{Navigation: &nav.id, URL: url})
	return nil
}

// Reload re-navigates the context to its current document, with the same
// release discipline as Navigate. ignoreCache is forwarded to the engine,
// not tracked here.
func (t *Tree) Reload(ctx context.Context, id string, wait protocol.ReadinessState, ignoreCache bool, release func()) error {
	t.mu.Lock()
	rec, ok := t.contexts[id]
	if !ok {
		t.mu.Unlock()
		return protocol.NoSuchContext(id)
	}
	if rec.nav != nil {
		rec.nav.state = NavAborted
		rec.nav.abort(protocol.NavigationAborted("navigation canceled by reload"))
	}
	nav := newNavigation(rec.url)
	rec.nav = nav
	target := rec.target
	if wait == protocol.ReadinessNone {
		release()
	}
	t.mu.Unlock()

	if err := t.eng.Reload(ctx, target, ignoreCache); err != nil {
		t.dropNavigation(id, nav, err)
		if wait == protocol.ReadinessNone {
			t.log.Warn("reload after release", zap.String("context", id), zap.Error(err))
			return nil
		}
		return fmt.Errorf("reload: %w", err)
	}

	if wait == protocol.ReadinessNone {
		return nil
	}
	if err := nav.wait(ctx, wait); err != nil {
		return err
	}
	release()
	return nil
}

// GetTree snapshots the current tree under a given root, or all roots. The
// snapshot is consistent at call time; a mid-navigation node reports its
// pre-commit URL.
func (t *Tree) GetTree(rootID string) (protocol.GetTreeResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rootID != "" {
		rec, ok := t.contexts[rootID]
		if !ok {
			return protocol.GetTreeResult{}, protocol.NoSuchContext(rootID)
		}
		return protocol.GetTreeResult{Contexts: []protocol.ContextInfo{t.snapshotLocked(rec)}}, nil
	}

	infos := make([]protocol.ContextInfo, 0, len(t.roots))
	for _, id := range t.roots {
		infos = append(infos, t.snapshotLocked(t.contexts[id]))
	}
	return protocol.GetTreeResult{Contexts: infos}, nil
}

// Has reports whether id names a live context.
func (t *Tree) Has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.contexts[id]
	return ok
}

// Evaluate forwards a script expression to the context's frame.
func (t *Tree) Evaluate(ctx context.Context, id, expression string, awaitPromise bool) (json.RawMessage, error) {
	t.mu.Lock()
	rec, ok := t.contexts[id]
	if !ok {
		t.mu.Unlock()
		return nil, protocol.NoSuchContext(id)
	}
	target := rec.target
	t.mu.Unlock()
	return t.eng.Evaluate(ctx, target, expression, awaitPromise)
}

func (t *Tree) snapshotLocked(rec *record) protocol.ContextInfo {
	info := protocol.ContextInfo{
		Context:  rec.id,
		URL:      rec.url,
		Children: make([]protocol.ContextInfo, 0, len(rec.children)),
	}
	if rec.parent != "" {
		parent := rec.parent
		info.Parent = &parent
	}
	for _, child := range rec.children {
		info.Children = append(info.Children, t.snapshotLocked(t.contexts[child]))
	}
	return info
}

// removeSubtreeLocked detaches rec and every descendant from the live set and
// returns them depth-first, descendants before ancestors. In-flight
// navigations abort here so no waiter survives the destruction.
func (t *Tree) removeSubtreeLocked(rec *record) []*record {
	var out []*record
	var walk func(r *record)
	walk = func(r *record) {
		for _, childID := range r.children {
			if child, ok := t.contexts[childID]; ok {
				walk(child)
			}
		}
		if r.nav != nil {
			r.nav.state = NavAborted
			r.nav.abort(protocol.NavigationAborted("context destroyed"))
			r.nav = nil
		}
		delete(t.contexts, r.id)
		delete(t.byTarget, r.target)
		t.gone[r.target] = struct{}{}
		delete(t.pending, r.target)
		out = append(out, r)
	}
	walk(rec)

	if rec.parent == "" {
		for i, id := range t.roots {
			if id == rec.id {
				t.roots = append(t.roots[:i], t.roots[i+1:]...)
				break
			}
		}
	} else if p, ok := t.contexts[rec.parent]; ok {
		for i, id := range p.children {
			if id == rec.id {
				p.children = append(p.children[:i], p.children[i+1:]...)
				break
			}
		}
	}
	return out
}

func (t *Tree) publishDestroyed(destroyed []*record) {
	for _, r := range destroyed {
		t.log.Info("context destroyed", zap.String("context", r.id))
		t.pub.Publish(protocol.EventContextDestroyed, protocol.ContextEventParams{
			Context: r.id,
			URL:     r.url,
			Parent:  r.parent,
		}, r.id)
	}
}

// dropNavigation unwinds a navigation whose engine call failed before any
// milestone could arrive.
func (t *Tree) dropNavigation(id string, nav *navigation, err error) {
	t.mu.Lock()
	if rec, ok := t.contexts[id]; ok && rec.nav == nav {
		rec.nav = nil
	}
	nav.state = NavAborted
	t.mu.Unlock()
	nav.abort(protocol.NavigationAborted(err.Error()))
}

func (t *Tree) takePendingLocked(target engine.TargetID) []pendingEvent {
	events := t.pending[target]
	delete(t.pending, target)
	return events
}

// bufferLocked queues an engine event for a target the tree does not know
// yet. Events for tombstoned targets are stale and dropped.
func (t *Tree) bufferLocked(target engine.TargetID, ev pendingEvent) {
	if _, stale := t.gone[target]; stale {
		return
	}
	queue := t.pending[target]
	if len(queue) >= maxPendingEvents {
		t.log.Warn("dropping buffered engine event", zap.String("target", string(target)))
		return
	}
	t.pending[target] = append(queue, ev)
}

func (t *Tree) replay(target engine.TargetID, events []pendingEvent) {
	for _, ev := range events {
		switch ev.kind {
		case pendingNavigated:
			t.FrameNavigated(target, ev.url)
		case pendingDCL:
			t.DOMContentLoaded(target)
		case pendingLoad:
			t.Load(target)
		case pendingFailed:
			t.NavigationFailed(target, ev.reason)
		case pendingAttached:
			t.FrameAttached(ev.child, target)
		case pendingDetached:
			t.FrameDetached(target)
		}
	}
}

// FrameAttached implements engine.Listener: page content spawned a nested
// frame, so a child context appears with an implicit about:blank navigation.
// The event shape matches explicit creation, with the owner as parent.
func (t *Tree) FrameAttached(frame, parent engine.TargetID) {
	t.mu.Lock()
	if _, known := t.byTarget[frame]; known {
		t.mu.Unlock()
		return
	}
	parentID, ok := t.byTarget[parent]
	if !ok {
		t.bufferLocked(parent, pendingEvent{kind: pendingAttached, child: frame})
		t.mu.Unlock()
		return
	}
	rec := &record{
		id:     uuid.NewString(),
		target: frame,
		parent: parentID,
		url:    "about:blank",
		nav:    newNavigation("about:blank"),
	}
	t.contexts[rec.id] = rec
	t.byTarget[frame] = rec.id
	t.contexts[parentID].children = append(t.contexts[parentID].children, rec.id)
	replay := t.takePendingLocked(frame)
	t.pub.Publish(protocol.EventContextCreated, protocol.ContextEventParams{
		Context: rec.id,
		URL:     rec.url,
		Parent:  parentID,
	}, rec.id)
	t.mu.Unlock()

	t.log.Info("frame attached",
		zap.String("context", rec.id),
		zap.String("parent", parentID))
	t.replay(frame, replay)
}

// FrameDetached implements engine.Listener: a frame element was removed, so
// its context subtree is destroyed without a close command.
func (t *Tree) FrameDetached(frame engine.TargetID) {
	t.mu.Lock()
	id, ok := t.byTarget[frame]
	if !ok {
		t.mu.Unlock()
		return
	}
	destroyed := t.removeSubtreeLocked(t.contexts[id])
	t.publishDestroyed(destroyed)
	t.mu.Unlock()
}

// FrameNavigated implements engine.Listener: the commit point of a document
// change. The context URL updates here; milestone events carry it onward. A
// commit with no in-flight navigation is either a fragment move or a load the
// page itself initiated, which gets its own navigation id.
func (t *Tree) FrameNavigated(frame engine.TargetID, url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.byTarget[frame]
	if !ok {
		t.bufferLocked(frame, pendingEvent{kind: pendingNavigated, url: url})
		return
	}
	rec := t.contexts[id]
	switch {
	case rec.nav != nil:
		rec.url = url
	case url == rec.url:
		// Recommit of the current document. Replayed buffered events can
		// land after the live load settled; a fresh navigation here would
		// wedge the context.
	case sameDocument(rec.url, url):
		rec.url = url
	default:
		rec.nav = newNavigation(url)
		rec.url = url
		rec.loaded = false
	}
}

// DOMContentLoaded implements engine.Listener.
func (t *Tree) DOMContentLoaded(frame engine.TargetID) {
	t.mu.Lock()
	id, ok := t.byTarget[frame]
	if !ok {
		t.bufferLocked(frame, pendingEvent{kind: pendingDCL})
		t.mu.Unlock()
		return
	}
	rec := t.contexts[id]
	nav := rec.nav
	if nav == nil || nav.dclEmitted {
		t.mu.Unlock()
		return
	}
	nav.dclEmitted = true
	nav.state = NavDOMContentLoaded
	t.pub.Publish(protocol.EventDOMContentLoaded, protocol.NavigationEventParams{
		Context:    id,
		Navigation: nav.id,
		Timestamp:  time.Now().UnixMilli(),
		URL:        nav.url,
	}, id)
	t.mu.Unlock()

	nav.signalDCL()
}

// Load implements engine.Listener. The protocol guarantees domContentLoaded
// precedes load for one navigation, so a missing DCL is synthesized first.
// The navigation detaches from its context here: Complete returns to Idle.
func (t *Tree) Load(frame engine.TargetID) {
	t.mu.Lock()
	id, ok := t.byTarget[frame]
	if !ok {
		t.bufferLocked(frame, pendingEvent{kind: pendingLoad})
		t.mu.Unlock()
		return
	}
	rec := t.contexts[id]
	nav := rec.nav
	if nav == nil {
		t.mu.Unlock()
		return
	}
	needDCL := !nav.dclEmitted
	nav.dclEmitted = true
	nav.state = NavComplete
	rec.nav = nil
	rec.loaded = true
	params := protocol.NavigationEventParams{
		Context:    id,
		Navigation: nav.id,
		Timestamp:  time.Now().UnixMilli(),
		URL:        nav.url,
	}
	if needDCL {
		t.pub.Publish(protocol.EventDOMContentLoaded, params, id)
	}
	t.pub.Publish(protocol.EventLoad, params, id)
	t.mu.Unlock()

	nav.signalLoad()
}

// NavigationFailed implements engine.Listener: the engine reported the
// in-flight navigation dead. The waiter, if any, is released with an error;
// a waiter blocked past this point would be a correctness bug.
func (t *Tree) NavigationFailed(frame engine.TargetID, reason string) {
	t.mu.Lock()
	id, ok := t.byTarget[frame]
	if !ok {
		t.bufferLocked(frame, pendingEvent{kind: pendingFailed, reason: reason})
		t.mu.Unlock()
		return
	}
	rec := t.contexts[id]
	nav := rec.nav
	if nav == nil {
		t.mu.Unlock()
		return
	}
	rec.nav = nil
	nav.state = NavAborted
	t.mu.Unlock()

	t.log.Warn("navigation failed",
		zap.String("context", id),
		zap.String("reason", reason))
	nav.abort(protocol.NavigationAborted(reason))
}
