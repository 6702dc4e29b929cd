// Package protocol defines the wire-level message shapes of the BiDi control
// protocol: id-correlated commands and responses, channel-tagged events, and
// the parameter/result structs for the commands this server implements.
package protocol

import "encoding/json"

// Command method names handled by the server.
const (
	MethodContextCreate   = "browsingContext.create"
	MethodContextClose    = "browsingContext.close"
	MethodContextNavigate = "browsingContext.navigate"
	MethodContextReload   = "browsingContext.reload"
	MethodContextGetTree  = "browsingContext.getTree"
	MethodSubscribe       = "session.subscribe"
	MethodUnsubscribe     = "session.unsubscribe"
	MethodScriptEvaluate  = "script.evaluate"
)

// Event method names emitted by the server.
const (
	EventContextCreated   = "browsingContext.contextCreated"
	EventContextDestroyed = "browsingContext.contextDestroyed"
	EventDOMContentLoaded = "browsingContext.domContentLoaded"
	EventLoad             = "browsingContext.load"
	EventLogEntryAdded    = "log.entryAdded"
	EventBeforeRequest    = "network.beforeRequestSent"
	EventResponseDone     = "network.responseCompleted"
)

// eventSpecs enumerates the subscribable names: every concrete event plus
// the module prefixes that cover them.
var eventSpecs = map[string]struct{}{
	"browsingContext":       {},
	EventContextCreated:     {},
	EventContextDestroyed:   {},
	EventDOMContentLoaded:   {},
	EventLoad:               {},
	"log":                   {},
	EventLogEntryAdded:      {},
	"network":               {},
	EventBeforeRequest:      {},
	EventResponseDone:       {},
}

// ValidEventSpec reports whether spec names a known event or event module.
func ValidEventSpec(spec string) bool {
	_, ok := eventSpecs[spec]
	return ok
}

// Command is one inbound client request. Channel is a top-level field, not a
// parameter: it tags which delivery channel the response belongs to.
type Command struct {
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Channel string          `json:"channel,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a successful command result.
type Response struct {
	ID      int64  `json:"id"`
	Result  any    `json:"result"`
	Channel string `json:"channel,omitempty"`
}

// ErrorResponse reports a failed command. ID is a pointer so that a response
// to an unparseable message can carry an explicit null id.
type ErrorResponse struct {
	ID      *int64 `json:"id"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Channel string `json:"channel,omitempty"`
}

// Event is one outbound notification. Channel is present iff the delivering
// channel is not the unlabeled default.
type Event struct {
	Method  string `json:"method"`
	Params  any    `json:"params"`
	Channel string `json:"channel,omitempty"`
}

// ReadinessState is the wait policy of navigate/reload: it governs when the
// command result is released relative to the navigation milestones.
type ReadinessState string

const (
	ReadinessNone        ReadinessState = "none"
	ReadinessInteractive ReadinessState = "interactive"
	ReadinessComplete    ReadinessState = "complete"
)

// Valid reports whether s is one of the defined wait policies.
func (s ReadinessState) Valid() bool {
	switch s {
	case ReadinessNone, ReadinessInteractive, ReadinessComplete:
		return true
	}
	return false
}

// CreateParams are the parameters of browsingContext.create.
type CreateParams struct {
	Type   string `json:"type"`
	Parent string `json:"parent,omitempty"`
}

// CreateResult is the result of browsingContext.create.
type CreateResult struct {
	Context string `json:"context"`
}

// CloseParams are the parameters of browsingContext.close.
type CloseParams struct {
	Context string `json:"context"`
}

// NavigateParams are the parameters of browsingContext.navigate.
type NavigateParams struct {
	Context string         `json:"context"`
	URL     string         `json:"url"`
	Wait    ReadinessState `json:"wait,omitempty"`
}

// NavigateResult is the result of browsingContext.navigate. Navigation is
// null for same-document navigations.
type NavigateResult struct {
	Navigation *string `json:"navigation"`
	URL        string  `json:"url"`
}

// ReloadParams are the parameters of browsingContext.reload.
type ReloadParams struct {
	Context     string         `json:"context"`
	Wait        ReadinessState `json:"wait,omitempty"`
	IgnoreCache bool           `json:"ignoreCache,omitempty"`
}

// GetTreeParams are the parameters of browsingContext.getTree.
type GetTreeParams struct {
	Root string `json:"root,omitempty"`
}

// GetTreeResult is the result of browsingContext.getTree.
type GetTreeResult struct {
	Contexts []ContextInfo `json:"contexts"`
}

// ContextInfo is one node of a tree snapshot. Unlike lifecycle events, a
// snapshot always carries an explicit children list (empty for leaves) and an
// explicit parent (null for roots).
type ContextInfo struct {
	Context  string        `json:"context"`
	URL      string        `json:"url"`
	Parent   *string       `json:"parent"`
	Children []ContextInfo `json:"children"`
}

// SubscribeParams are the parameters of session.subscribe and
// session.unsubscribe. Absent Contexts means all contexts.
type SubscribeParams struct {
	Events   []string `json:"events"`
	Contexts []string `json:"contexts,omitempty"`
}

// EmptyResult is the `{}` result of commands with no payload.
type EmptyResult struct{}

// EvaluateParams are the parameters of script.evaluate.
type EvaluateParams struct {
	Expression   string `json:"expression"`
	Target       Target `json:"target"`
	AwaitPromise bool   `json:"awaitPromise,omitempty"`
}

// Target names the context a script runs in.
type Target struct {
	Context string `json:"context"`
}

// EvaluateResult is the result of script.evaluate; Result is the engine's
// serialized value, passed through untouched.
type EvaluateResult struct {
	Result json.RawMessage `json:"result"`
}

// ContextEventParams is the payload of contextCreated and contextDestroyed.
// Children is deliberately absent: lifecycle events never report children,
// distinguishing them from tree snapshots.
type ContextEventParams struct {
	Context string `json:"context"`
	URL     string `json:"url"`
	Parent  string `json:"parent,omitempty"`
}

// NavigationEventParams is the payload of domContentLoaded and load.
type NavigationEventParams struct {
	Context    string `json:"context"`
	Navigation string `json:"navigation"`
	Timestamp  int64  `json:"timestamp"`
	URL        string `json:"url"`
}

// LogSource identifies where a log entry originated.
type LogSource struct {
	Realm   string `json:"realm"`
	Context string `json:"context"`
}

// CallFrame is one stack frame of a log entry.
type CallFrame struct {
	URL          string `json:"url"`
	FunctionName string `json:"functionName"`
	LineNumber   int    `json:"lineNumber"`
	ColumnNumber int    `json:"columnNumber"`
}

// StackTrace is the stack attached to a log entry.
type StackTrace struct {
	CallFrames []CallFrame `json:"callFrames"`
}

// LogEntryParams is the payload of log.entryAdded. Args carry the engine's
// serialized values untouched; value serialization is the engine's concern.
type LogEntryParams struct {
	Level      string            `json:"level"`
	Source     LogSource         `json:"source"`
	Text       string            `json:"text"`
	Timestamp  int64             `json:"timestamp"`
	StackTrace *StackTrace       `json:"stackTrace,omitempty"`
	Type       string            `json:"type"`
	Method     string            `json:"method,omitempty"`
	Args       []json.RawMessage `json:"args,omitempty"`
}

// NetworkEventParams is the payload of the pass-through network events. The
// request/response bodies are the engine's structures, forwarded untouched.
type NetworkEventParams struct {
	Context       string          `json:"context"`
	Navigation    *string         `json:"navigation"`
	RedirectCount int             `json:"redirectCount"`
	Request       json.RawMessage `json:"request"`
	Response      json.RawMessage `json:"response,omitempty"`
	Initiator     json.RawMessage `json:"initiator,omitempty"`
	Timestamp     int64           `json:"timestamp"`
}
