// Package engine defines the narrow contract between the protocol core and
// the underlying browser. The production implementation drives Chromium over
// CDP (engine/cdp); tests use a scripted in-memory engine (enginetest).
package engine

import (
	"context"
	"encoding/json"
	"time"
)

// TargetID identifies one browser-side frame. The protocol core never
// interprets it; it only maps targets to browsing-context ids.
type TargetID string

// Engine drives the browser. All calls may block on the browser's own
// round-trips and honor ctx cancellation.
type Engine interface {
	// NewTarget opens a new top-level page on about:blank and returns its
	// main frame's target id. Milestone events for the initial load are
	// delivered to the Listener afterwards.
	NewTarget(ctx context.Context) (TargetID, error)

	// CloseTarget closes a top-level page. Closing an already-gone target
	// is not an error.
	CloseTarget(ctx context.Context, id TargetID) error

	// Navigate starts a navigation of the given frame. It returns once the
	// browser accepted the navigation; milestones arrive via the Listener.
	Navigate(ctx context.Context, id TargetID, url string) error

	// Reload reloads the frame's document. ignoreCache bypasses the HTTP
	// cache for the top-level resource.
	Reload(ctx context.Context, id TargetID, ignoreCache bool) error

	// Evaluate runs a script expression in the frame's default realm and
	// returns the serialized result value.
	Evaluate(ctx context.Context, id TargetID, expression string, awaitPromise bool) (json.RawMessage, error)

	// Close tears down the engine and the browser it owns.
	Close() error
}

// Listener receives engine events. Events for a single target are delivered
// in browser order from one goroutine; the implementation must not call back
// into the Engine from a handler.
type Listener interface {
	// FrameAttached reports a new frame spawned inside parent by page
	// content (an iframe element). Explicitly created pages do not produce
	// this event.
	FrameAttached(frame, parent TargetID)

	// FrameDetached reports a frame removed from its document, including
	// all its descendants being gone browser-side.
	FrameDetached(frame TargetID)

	// FrameNavigated reports a committed document change: the frame's URL
	// from this point on.
	FrameNavigated(frame TargetID, url string)

	// DOMContentLoaded and Load report the milestones of the frame's
	// current document load.
	DOMContentLoaded(frame TargetID)
	Load(frame TargetID)

	// NavigationFailed reports that the in-flight navigation of the frame
	// will never complete (network error, interruption).
	NavigationFailed(frame TargetID, reason string)

	// Console reports console API calls and uncaught script errors.
	Console(frame TargetID, msg ConsoleMessage)

	// Request and Response report network activity for pass-through
	// network.* events.
	Request(frame TargetID, ev RequestWillBeSent)
	Response(frame TargetID, ev ResponseCompleted)
}

// ConsoleMessage is one console API call or script error, with values
// already serialized by the engine.
type ConsoleMessage struct {
	Type      string // "console" or "javascript"
	Method    string // log, info, warn, error, debug; empty for errors
	Level     string // info, warning, error, debug
	Text      string
	Realm     string
	Args      []json.RawMessage
	Stack     []StackFrame
	Timestamp time.Time
}

// StackFrame is one frame of a console message's stack trace.
type StackFrame struct {
	URL          string
	FunctionName string
	LineNumber   int
	ColumnNumber int
}

// RequestWillBeSent is the engine-side shape of network.beforeRequestSent.
type RequestWillBeSent struct {
	RequestID     string
	Request       json.RawMessage
	Initiator     json.RawMessage
	RedirectCount int
	Timestamp     time.Time
}

// ResponseCompleted is the engine-side shape of network.responseCompleted.
type ResponseCompleted struct {
	RequestID     string
	Request       json.RawMessage
	Response      json.RawMessage
	RedirectCount int
	Timestamp     time.Time
}
