package session

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"bidid/internal/bctx"
	"bidid/internal/protocol"
)

// Handler dispatches parsed commands against the shared tree. One Handler
// serves every session; per-session state lives in the Session.
type Handler struct {
	log  *zap.Logger
	tree *bctx.Tree
}

// NewHandler creates a Handler.
func NewHandler(tree *bctx.Tree, log *zap.Logger) *Handler {
	return &Handler{log: log, tree: tree}
}

// Handle runs one command to completion and enqueues exactly one response.
// Commands pipeline: the server calls Handle on its own goroutine per
// command, and a navigate waiting on milestones blocks only that goroutine.
func (h *Handler) Handle(ctx context.Context, sess *Session, cmd protocol.Command) {
	if err := h.dispatch(ctx, sess, cmd); err != nil {
		perr := asProtocolError(err)
		h.log.Debug("command failed",
			zap.String("session", sess.ID()),
			zap.Int64("id", cmd.ID),
			zap.String("method", cmd.Method),
			zap.String("error", perr.Code))
		sess.SendError(&cmd.ID, cmd.Channel, perr)
	}
}

func (h *Handler) dispatch(ctx context.Context, sess *Session, cmd protocol.Command) error {
	switch cmd.Method {
	case protocol.MethodContextCreate:
		return h.create(ctx, sess, cmd)
	case protocol.MethodContextClose:
		return h.close(ctx, sess, cmd)
	case protocol.MethodContextNavigate:
		return h.navigate(ctx, sess, cmd)
	case protocol.MethodContextReload:
		return h.reload(ctx, sess, cmd)
	case protocol.MethodContextGetTree:
		return h.getTree(sess, cmd)
	case protocol.MethodSubscribe:
		return h.subscribe(sess, cmd)
	case protocol.MethodUnsubscribe:
		return h.unsubscribe(sess, cmd)
	case protocol.MethodScriptEvaluate:
		return h.evaluate(ctx, sess, cmd)
	default:
		return protocol.UnknownMethod(cmd.Method)
	}
}

func (h *Handler) create(ctx context.Context, sess *Session, cmd protocol.Command) error {
	var params protocol.CreateParams
	if err := unmarshalParams(cmd.Params, &params); err != nil {
		return err
	}
	id, err := h.tree.Create(ctx, params.Type, params.Parent)
	if err != nil {
		return err
	}
	sess.SendResult(cmd.ID, cmd.Channel, protocol.CreateResult{Context: id})
	return nil
}

func (h *Handler) close(ctx context.Context, sess *Session, cmd protocol.Command) error {
	var params protocol.CloseParams
	if err := unmarshalParams(cmd.Params, &params); err != nil {
		return err
	}
	if params.Context == "" {
		return protocol.InvalidArgument("context is required")
	}
	if err := h.tree.Close(ctx, params.Context); err != nil {
		return err
	}
	sess.SendResult(cmd.ID, cmd.Channel, protocol.EmptyResult{})
	return nil
}

func (h *Handler) navigate(ctx context.Context, sess *Session, cmd protocol.Command) error {
	var params protocol.NavigateParams
	if err := unmarshalParams(cmd.Params, &params); err != nil {
		return err
	}
	if params.Context == "" || params.URL == "" {
		return protocol.InvalidArgument("context and url are required")
	}
	wait, err := waitPolicy(params.Wait)
	if err != nil {
		return err
	}
	return h.tree.Navigate(ctx, params.Context, params.URL, wait, func(res protocol.NavigateResult) {
		sess.SendResult(cmd.ID, cmd.Channel, res)
	})
}

func (h *Handler) reload(ctx context.Context, sess *Session, cmd protocol.Command) error {
	var params protocol.ReloadParams
	if err := unmarshalParams(cmd.Params, &params); err != nil {
		return err
	}
	if params.Context == "" {
		return protocol.InvalidArgument("context is required")
	}
	wait, err := waitPolicy(params.Wait)
	if err != nil {
		return err
	}
	return h.tree.Reload(ctx, params.Context, wait, params.IgnoreCache, func() {
		sess.SendResult(cmd.ID, cmd.Channel, protocol.EmptyResult{})
	})
}

func (h *Handler) getTree(sess *Session, cmd protocol.Command) error {
	var params protocol.GetTreeParams
	if err := unmarshalParams(cmd.Params, &params); err != nil {
		return err
	}
	res, err := h.tree.GetTree(params.Root)
	if err != nil {
		return err
	}
	sess.SendResult(cmd.ID, cmd.Channel, res)
	return nil
}

func (h *Handler) subscribe(sess *Session, cmd protocol.Command) error {
	var params protocol.SubscribeParams
	if err := unmarshalParams(cmd.Params, &params); err != nil {
		return err
	}
	if err := validateEventSpecs(params.Events); err != nil {
		return err
	}
	for _, ctxID := range params.Contexts {
		if !h.tree.Has(ctxID) {
			return protocol.NoSuchContext(ctxID)
		}
	}
	sess.Subscriptions().Subscribe(cmd.Channel, params.Events, params.Contexts)
	sess.SendResult(cmd.ID, cmd.Channel, protocol.EmptyResult{})
	return nil
}

func (h *Handler) unsubscribe(sess *Session, cmd protocol.Command) error {
	var params protocol.SubscribeParams
	if err := unmarshalParams(cmd.Params, &params); err != nil {
		return err
	}
	if err := validateEventSpecs(params.Events); err != nil {
		return err
	}
	sess.Subscriptions().Unsubscribe(cmd.Channel, params.Events)
	sess.SendResult(cmd.ID, cmd.Channel, protocol.EmptyResult{})
	return nil
}

func (h *Handler) evaluate(ctx context.Context, sess *Session, cmd protocol.Command) error {
	var params protocol.EvaluateParams
	if err := unmarshalParams(cmd.Params, &params); err != nil {
		return err
	}
	if params.Expression == "" || params.Target.Context == "" {
		return protocol.InvalidArgument("expression and target.context are required")
	}
	value, err := h.tree.Evaluate(ctx, params.Target.Context, params.Expression, params.AwaitPromise)
	if err != nil {
		return err
	}
	sess.SendResult(cmd.ID, cmd.Channel, protocol.EvaluateResult{Result: value})
	return nil
}

func unmarshalParams(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return protocol.InvalidArgument("malformed params: %v", err)
	}
	return nil
}

func waitPolicy(state protocol.ReadinessState) (protocol.ReadinessState, error) {
	if state == "" {
		return protocol.ReadinessNone, nil
	}
	if !state.Valid() {
		return "", protocol.InvalidArgument("unknown wait policy %q", state)
	}
	return state, nil
}

func validateEventSpecs(events []string) error {
	if len(events) == 0 {
		return protocol.InvalidArgument("events must not be empty")
	}
	for _, spec := range events {
		if !protocol.ValidEventSpec(spec) {
			return protocol.InvalidArgument("unknown event %q", spec)
		}
	}
	return nil
}

func asProtocolError(err error) *protocol.Error {
	var perr *protocol.Error
	if errors.As(err, &perr) {
		return perr
	}
	return &protocol.Error{Code: protocol.CodeUnknownError, Message: err.Error()}
}
