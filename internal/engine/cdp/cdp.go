// Package cdp implements engine.Engine on a Chromium instance over the
// DevTools protocol, using go-rod for transport and event plumbing. Target
// ids are DevTools frame ids; nested frames map to the page that owns them.
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"bidid/internal/config"
	"bidid/internal/engine"
)

// Engine drives one Chromium instance. Pages are created on demand by
// NewTarget; every page gets its own event pump feeding the Listener.
type Engine struct {
	log      *zap.Logger
	browser  *rod.Browser
	launcher *launcher.Launcher // nil when attached to an external browser

	listener engine.Listener

	mu        sync.Mutex
	pages     map[proto.PageFrameID]*pageHandle // main frame id -> page
	frames    map[proto.PageFrameID]*pageHandle // any frame id -> owning page
	redirects map[proto.NetworkRequestID]int
}

type pageHandle struct {
	page *rod.Page
	main proto.PageFrameID
}

// New connects to the browser named by cfg, launching one when no control
// URL is configured.
func New(cfg config.BrowserConfig, log *zap.Logger) (*Engine, error) {
	e := &Engine{
		log:       log,
		pages:     make(map[proto.PageFrameID]*pageHandle),
		frames:    make(map[proto.PageFrameID]*pageHandle),
		redirects: make(map[proto.NetworkRequestID]int),
	}

	controlURL := cfg.ControlURL
	if controlURL == "" {
		l := launcher.New().Headless(cfg.Headless)
		if cfg.Bin != "" {
			l = l.Bin(cfg.Bin)
		}
		for _, rawFlag := range cfg.LaunchArgs {
			flagStr := strings.TrimLeft(rawFlag, "-")
			name, val, hasVal := strings.Cut(flagStr, "=")
			if hasVal {
				l = l.Set(flags.Flag(name), val)
			} else {
				l = l.Set(flags.Flag(name))
			}
		}
		url, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = url
		e.launcher = l
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	e.browser = browser
	log.Info("browser connected", zap.String("control_url", controlURL))
	return e, nil
}

// Start attaches the event consumer. Must be called before NewTarget.
func (e *Engine) Start(l engine.Listener) {
	e.listener = l
}

// NewTarget implements engine.Engine.
func (e *Engine) NewTarget(ctx context.Context) (engine.TargetID, error) {
	page, err := e.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return "", fmt.Errorf("create page: %w", err)
	}
	page = page.Context(context.WithoutCancel(ctx))

	if err := (proto.PageEnable{}).Call(page); err != nil {
		return "", fmt.Errorf("enable page events: %w", err)
	}
	if err := (proto.PageSetLifecycleEventsEnabled{Enabled: true}).Call(page); err != nil {
		return "", fmt.Errorf("enable lifecycle events: %w", err)
	}
	if err := (proto.RuntimeEnable{}).Call(page); err != nil {
		return "", fmt.Errorf("enable runtime events: %w", err)
	}
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		return "", fmt.Errorf("enable network events: %w", err)
	}

	h := &pageHandle{page: page, main: page.FrameID}
	e.mu.Lock()
	e.pages[h.main] = h
	e.frames[h.main] = h
	e.mu.Unlock()

	e.pump(h)
	e.synthesizeInitial(h)
	return engine.TargetID(h.main), nil
}

// pump wires the page's event stream to the listener. EachEvent delivers on
// a single goroutine per page, which preserves per-target ordering.
func (e *Engine) pump(h *pageHandle) {
	l := e.listener
	wait := h.page.EachEvent(
		func(ev *proto.PageLifecycleEvent) {
			switch ev.Name {
			case "DOMContentLoaded":
				l.DOMContentLoaded(engine.TargetID(ev.FrameID))
			case "load":
				l.Load(engine.TargetID(ev.FrameID))
			}
		},
		func(ev *proto.PageFrameAttached) {
			e.mu.Lock()
			e.frames[ev.FrameID] = h
			e.mu.Unlock()
			l.FrameAttached(engine.TargetID(ev.FrameID), engine.TargetID(ev.ParentFrameID))
		},
		func(ev *proto.PageFrameDetached) {
			e.mu.Lock()
			delete(e.frames, ev.FrameID)
			e.mu.Unlock()
			l.FrameDetached(engine.TargetID(ev.FrameID))
		},
		func(ev *proto.PageFrameNavigated) {
			l.FrameNavigated(engine.TargetID(ev.Frame.ID), ev.Frame.URL)
		},
		func(ev *proto.RuntimeConsoleAPICalled) {
			l.Console(engine.TargetID(h.main), consoleMessage(ev))
		},
		func(ev *proto.RuntimeExceptionThrown) {
			l.Console(engine.TargetID(h.main), exceptionMessage(ev))
		},
		func(ev *proto.NetworkRequestWillBeSent) {
			frame := ev.FrameID
			if frame == "" {
				frame = h.main
			}
			e.mu.Lock()
			if ev.RedirectResponse != nil {
				e.redirects[ev.RequestID]++
			}
			count := e.redirects[ev.RequestID]
			e.mu.Unlock()
			l.Request(engine.TargetID(frame), engine.RequestWillBeSent{
				RequestID:     string(ev.RequestID),
				Request:       mustJSON(ev.Request),
				Initiator:     mustJSON(ev.Initiator),
				RedirectCount: count,
				Timestamp:     ev.WallTime.Time(),
			})
		},
		func(ev *proto.NetworkResponseReceived) {
			frame := ev.FrameID
			if frame == "" {
				frame = h.main
			}
			e.mu.Lock()
			count := e.redirects[ev.RequestID]
			delete(e.redirects, ev.RequestID)
			e.mu.Unlock()
			l.Response(engine.TargetID(frame), engine.ResponseCompleted{
				RequestID:     string(ev.RequestID),
				Response:      mustJSON(ev.Response),
				RedirectCount: count,
				Timestamp:     time.Now(),
			})
		},
	)
	go wait()
}

// synthesizeInitial reports milestones the pump missed for the initial
// about:blank document. Lifecycle events enabled after the load has settled
// never replay, so the document state is probed directly. Duplicates are
// harmless downstream.
func (e *Engine) synthesizeInitial(h *pageHandle) {
	res, err := proto.RuntimeEvaluate{
		Expression:    "document.readyState",
		ReturnByValue: true,
	}.Call(h.page)
	if err != nil {
		e.log.Debug("readyState probe failed", zap.Error(err))
		return
	}
	state := res.Result.Value.Str()

	target := engine.TargetID(h.main)
	e.listener.FrameNavigated(target, "about:blank")
	switch state {
	case "interactive":
		e.listener.DOMContentLoaded(target)
	case "complete":
		e.listener.DOMContentLoaded(target)
		e.listener.Load(target)
	}
}

// CloseTarget implements engine.Engine.
func (e *Engine) CloseTarget(ctx context.Context, id engine.TargetID) error {
	e.mu.Lock()
	h, ok := e.pages[proto.PageFrameID(id)]
	if ok {
		delete(e.pages, h.main)
		for frame, owner := range e.frames {
			if owner == h {
				delete(e.frames, frame)
			}
		}
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}
	if err := h.page.Close(); err != nil {
		return fmt.Errorf("close page: %w", err)
	}
	return nil
}

// Navigate implements engine.Engine. A navigation Chromium rejects outright
// is reported through the listener, matching failures detected later.
func (e *Engine) Navigate(ctx context.Context, id engine.TargetID, url string) error {
	h, err := e.ownerOf(id)
	if err != nil {
		return err
	}
	res, err := proto.PageNavigate{
		URL:     url,
		FrameID: proto.PageFrameID(id),
	}.Call(h.page.Context(ctx))
	if err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	if res.ErrorText != "" {
		e.listener.NavigationFailed(id, res.ErrorText)
	}
	return nil
}

// Reload implements engine.Engine. Reload is a page-level operation; the
// frame id must name a main frame.
func (e *Engine) Reload(ctx context.Context, id engine.TargetID, ignoreCache bool) error {
	e.mu.Lock()
	h, ok := e.pages[proto.PageFrameID(id)]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("no page for target %s", id)
	}
	if err := (proto.PageReload{IgnoreCache: ignoreCache}).Call(h.page.Context(ctx)); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	return nil
}

// Evaluate implements engine.Engine, returning the serialized remote object.
func (e *Engine) Evaluate(ctx context.Context, id engine.TargetID, expression string, awaitPromise bool) (json.RawMessage, error) {
	h, err := e.ownerOf(id)
	if err != nil {
		return nil, err
	}
	res, err := proto.RuntimeEvaluate{
		Expression:    expression,
		ReturnByValue: true,
		AwaitPromise:  awaitPromise,
	}.Call(h.page.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	if res.ExceptionDetails != nil {
		return nil, fmt.Errorf("evaluate: %s", res.ExceptionDetails.Text)
	}
	return mustJSON(res.Result), nil
}

// Close implements engine.Engine.
func (e *Engine) Close() error {
	err := e.browser.Close()
	if e.launcher != nil {
		e.launcher.Cleanup()
	}
	return err
}

func (e *Engine) ownerOf(id engine.TargetID) (*pageHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.frames[proto.PageFrameID(id)]
	if !ok {
		return nil, fmt.Errorf("no page for target %s", id)
	}
	return h, nil
}

func consoleMessage(ev *proto.RuntimeConsoleAPICalled) engine.ConsoleMessage {
	method := string(ev.Type)
	msg := engine.ConsoleMessage{
		Type:      "console",
		Method:    method,
		Level:     consoleLevel(method),
		Text:      stringifyConsoleArgs(ev.Args),
		Realm:     fmt.Sprintf("%d", ev.ExecutionContextID),
		Timestamp: time.UnixMilli(int64(ev.Timestamp)),
	}
	for _, arg := range ev.Args {
		msg.Args = append(msg.Args, mustJSON(arg))
	}
	if ev.StackTrace != nil {
		msg.Stack = stackFrames(ev.StackTrace)
	}
	return msg
}

func exceptionMessage(ev *proto.RuntimeExceptionThrown) engine.ConsoleMessage {
	detail := ev.ExceptionDetails
	text := detail.Text
	if detail.Exception != nil && detail.Exception.Description != "" {
		text = detail.Exception.Description
	}
	msg := engine.ConsoleMessage{
		Type:      "javascript",
		Level:     "error",
		Text:      text,
		Realm:     fmt.Sprintf("%d", detail.ExecutionContextID),
		Timestamp: time.UnixMilli(int64(ev.Timestamp)),
	}
	if detail.StackTrace != nil {
		msg.Stack = stackFrames(detail.StackTrace)
	}
	return msg
}

func stackFrames(st *proto.RuntimeStackTrace) []engine.StackFrame {
	frames := make([]engine.StackFrame, 0, len(st.CallFrames))
	for _, f := range st.CallFrames {
		frames = append(frames, engine.StackFrame{
			URL:          f.URL,
			FunctionName: f.FunctionName,
			LineNumber:   f.LineNumber,
			ColumnNumber: f.ColumnNumber,
		})
	}
	return frames
}

// consoleLevel maps a console API method to a log entry level.
func consoleLevel(method string) string {
	switch method {
	case "debug":
		return "debug"
	case "error", "assert":
		return "error"
	case "warning":
		return "warn"
	default:
		return "info"
	}
}

func stringifyConsoleArgs(args []*proto.RuntimeRemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if a == nil {
			continue
		}
		if !a.Value.Nil() {
			parts = append(parts, a.Value.String())
			continue
		}
		if a.Description != "" {
			parts = append(parts, a.Description)
		}
	}
	return strings.Join(parts, " ")
}

func mustJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
