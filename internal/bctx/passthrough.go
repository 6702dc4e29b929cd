package bctx

import (
	"bidid/internal/engine"
	"bidid/internal/protocol"
)

// Console implements engine.Listener: console API calls and script errors
// become log.entryAdded events on the owning context. Messages for targets
// the tree does not know are dropped, not buffered: a log entry with no
// context to attribute it to has no subscribers either.
func (t *Tree) Console(frame engine.TargetID, msg engine.ConsoleMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.byTarget[frame]
	if !ok {
		return
	}

	params := protocol.LogEntryParams{
		Level:     msg.Level,
		Source:    protocol.LogSource{Realm: msg.Realm, Context: id},
		Text:      msg.Text,
		Timestamp: msg.Timestamp.UnixMilli(),
		Type:      msg.Type,
		Method:    msg.Method,
		Args:      msg.Args,
	}
	if len(msg.Stack) > 0 {
		frames := make([]protocol.CallFrame, len(msg.Stack))
		for i, f := range msg.Stack {
			frames[i] = protocol.CallFrame{
				URL:          f.URL,
				FunctionName: f.FunctionName,
				LineNumber:   f.LineNumber,
				ColumnNumber: f.ColumnNumber,
			}
		}
		params.StackTrace = &protocol.StackTrace{CallFrames: frames}
	}
	t.pub.Publish(protocol.EventLogEntryAdded, params, id)
}

// Request implements engine.Listener, forwarding network.beforeRequestSent.
// Navigation is the context's in-flight navigation id, or null for requests
// issued by a settled document.
func (t *Tree) Request(frame engine.TargetID, ev engine.RequestWillBeSent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, nav := t.contextAndNavLocked(frame)
	if id == "" {
		return
	}
	t.pub.Publish(protocol.EventBeforeRequest, protocol.NetworkEventParams{
		Context:       id,
		Navigation:    nav,
		RedirectCount: ev.RedirectCount,
		Request:       ev.Request,
		Initiator:     ev.Initiator,
		Timestamp:     ev.Timestamp.UnixMilli(),
	}, id)
}

// Response implements engine.Listener, forwarding network.responseCompleted.
func (t *Tree) Response(frame engine.TargetID, ev engine.ResponseCompleted) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, nav := t.contextAndNavLocked(frame)
	if id == "" {
		return
	}
	t.pub.Publish(protocol.EventResponseDone, protocol.NetworkEventParams{
		Context:       id,
		Navigation:    nav,
		RedirectCount: ev.RedirectCount,
		Request:       ev.Request,
		Response:      ev.Response,
		Timestamp:     ev.Timestamp.UnixMilli(),
	}, id)
}

func (t *Tree) contextAndNavLocked(frame engine.TargetID) (string, *string) {
	id, ok := t.byTarget[frame]
	if !ok {
		return "", nil
	}
	rec := t.contexts[id]
	if rec.nav != nil {
		navID := rec.nav.id
		return id, &navID
	}
	return id, nil
}
