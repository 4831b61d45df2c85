// Package router implements the name-keyed dispatch table for free-form
// message types and RPC methods (spec §3.4, §4.6). It is the structural
// descendant of BX-D-mini-RPC's server/service.go method table, but the
// dispatch key is a plain string name with a hand-described parameter
// schema instead of a Go struct pair resolved through reflection — the
// wire protocol here carries self-describing maps, not typed Args/Reply
// structs, so there is nothing for reflect.Call to hook into.
package router

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"connectd/cerrors"
	"connectd/message"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ResponseSender is the subset of *conn.Connection the router needs to
// deliver a handler's result back to the peer. Defined here (not in conn)
// so router never imports conn; *conn.Connection satisfies it structurally.
type ResponseSender interface {
	ID() string
	SendMessageReply(typeTag string, correlation uint64, data map[string]any) error
	SendRPCResponse(correlation uint64, result any) error
	SendRPCError(correlation uint64, code int, errMsg string, details map[string]any) error
}

// MessageHandler processes a free-form MESSAGE. A non-nil returned map is
// sent back as a MESSAGE frame with the same type tag and correlation id
// (spec §4.6, §9 Open Question 1).
type MessageHandler func(ctx context.Context, sender ResponseSender, payload map[string]any) (map[string]any, error)

// RPCHandler processes an RPC_REQUEST's params and returns a result value
// to wrap in RPC_RESPONSE, or an error to wrap in RPC_ERROR.
type RPCHandler func(ctx context.Context, sender ResponseSender, params map[string]any) (any, error)

// ParamKind names the accepted shape of one schema field, used for
// discovery and request validation.
type ParamKind string

const (
	KindString ParamKind = "string"
	KindInt    ParamKind = "int"
	KindFloat  ParamKind = "float"
	KindBool   ParamKind = "bool"
	KindMap    ParamKind = "map"
	KindArray  ParamKind = "array"
	KindAny    ParamKind = "any"
)

// ParamSpec describes one named parameter for discovery and validation.
type ParamSpec struct {
	Kind     ParamKind
	Required bool
}

// Schema maps parameter name to its spec.
type Schema map[string]ParamSpec

type messageEntry struct {
	name     string
	handler  MessageHandler
	priority int
}

type rpcEntry struct {
	name        string
	description string
	handler     RPCHandler
	schema      Schema
	limiter     *rate.Limiter
}

// Router is the handler registry. Registration is safe to call
// concurrently with Dispatch: readers take a snapshot of the relevant
// slice/entry while holding the lock only for the map access itself (spec
// §5 "read-mostly; writes must be serialized; readers take a snapshot").
type Router struct {
	mu       sync.RWMutex
	messages map[string][]*messageEntry // type tag -> handlers, priority desc
	rpcs     map[string]*rpcEntry
	logger   *zap.Logger
}

// New creates an empty Router. logger may be nil (a no-op logger is used).
func New(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		messages: make(map[string][]*messageEntry),
		rpcs:     make(map[string]*rpcEntry),
		logger:   logger,
	}
}

// RegisterMessage registers a handler for typeTag under the given unique
// name. Duplicate registration under the same name replaces the prior
// entry; distinct names may stack on the same typeTag, ordered by
// priority (higher runs first, spec §4.6).
func (r *Router) RegisterMessage(name, typeTag string, priority int, handler MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.messages[typeTag]
	for i, e := range entries {
		if e.name == name {
			entries[i] = &messageEntry{name: name, handler: handler, priority: priority}
			sortMessageEntries(entries)
			r.messages[typeTag] = entries
			return
		}
	}
	entries = append(entries, &messageEntry{name: name, handler: handler, priority: priority})
	sortMessageEntries(entries)
	r.messages[typeTag] = entries
}

func sortMessageEntries(entries []*messageEntry) {
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].priority > entries[j].priority })
}

// RegisterRPC registers an RPC method. Duplicate registration under the
// same name replaces the prior entry. limiter is optional (nil disables
// per-method rate limiting).
func (r *Router) RegisterRPC(name, description string, schema Schema, limiter *rate.Limiter, handler RPCHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rpcs[name] = &rpcEntry{name: name, description: description, handler: handler, schema: schema, limiter: limiter}
}

// Dispatch routes one decoded Message to its handler(s) and sends the
// response, if any, back through sender.
func (r *Router) Dispatch(ctx context.Context, msg *message.Message, sender ResponseSender) {
	switch msg.Kind {
	case message.KindMessage:
		r.dispatchMessage(ctx, msg, sender)
	case message.KindRPCRequest:
		r.dispatchRPC(ctx, msg, sender)
	default:
		r.logger.Debug("dispatch: ignoring non-dispatchable message kind", zap.Int("kind", int(msg.Kind)))
	}
}

func (r *Router) dispatchMessage(ctx context.Context, msg *message.Message, sender ResponseSender) {
	r.mu.RLock()
	entries := append([]*messageEntry(nil), r.messages[msg.TypeTag]...)
	r.mu.RUnlock()

	if len(entries) == 0 {
		r.logger.Debug("dispatch: no handler for message type", zap.String("type", msg.TypeTag))
		return
	}

	var authoritative map[string]any
	var authoritativeErr error
	for i, e := range entries {
		resp, err := safeCallMessage(e.handler, ctx, sender, msg.Payload)
		if i == 0 {
			authoritative, authoritativeErr = resp, err
		}
	}

	if authoritativeErr != nil {
		r.logger.Debug("dispatch: message handler error", zap.String("type", msg.TypeTag), zap.Error(authoritativeErr))
		return
	}
	if authoritative != nil {
		if err := sender.SendMessageReply(msg.TypeTag, msg.Correlation, authoritative); err != nil {
			r.logger.Debug("dispatch: failed to send message reply", zap.Error(err))
		}
	}
}

func safeCallMessage(h MessageHandler, ctx context.Context, sender ResponseSender, payload map[string]any) (resp map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &cerrors.HandlerError{Cause: panicAsError(rec)}
		}
	}()
	return h(ctx, sender, payload)
}

func (r *Router) dispatchRPC(ctx context.Context, msg *message.Message, sender ResponseSender) {
	method, _ := msg.Payload["method"].(string)
	params, _ := msg.Payload["params"].(map[string]any)
	if params == nil {
		params = map[string]any{}
	}

	if method == "listall" {
		r.handleListAll(msg.Correlation, sender)
		return
	}

	r.mu.RLock()
	entry, ok := r.rpcs[method]
	r.mu.RUnlock()
	if !ok {
		code, errMsg := cerrors.AsRPCError(&cerrors.MethodNotFound{Method: method})
		sender.SendRPCError(msg.Correlation, code, errMsg, nil)
		return
	}

	if entry.limiter != nil && !entry.limiter.Allow() {
		code, errMsg := cerrors.AsRPCError(&cerrors.RateLimited{Method: method})
		sender.SendRPCError(msg.Correlation, code, errMsg, nil)
		return
	}

	if err := validate(method, entry.schema, params); err != nil {
		code, errMsg := cerrors.AsRPCError(err)
		sender.SendRPCError(msg.Correlation, code, errMsg, nil)
		return
	}

	result, err := safeCallRPC(entry.handler, ctx, sender, params)
	if err != nil {
		herr := &cerrors.HandlerError{Method: method, Cause: err}
		code, errMsg := cerrors.AsRPCError(herr)
		sender.SendRPCError(msg.Correlation, code, errMsg, nil)
		return
	}
	sender.SendRPCResponse(msg.Correlation, result)
}

func safeCallRPC(h RPCHandler, ctx context.Context, sender ResponseSender, params map[string]any) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = panicAsError(rec)
		}
	}()
	return h(ctx, sender, params)
}

func panicAsError(rec any) error {
	if err, ok := rec.(error); ok {
		return err
	}
	return fmt.Errorf("panic: %v", rec)
}

func validate(method string, schema Schema, params map[string]any) error {
	for name, spec := range schema {
		v, present := params[name]
		if !present {
			if spec.Required {
				return &cerrors.InvalidParams{Method: method, Reason: "missing required parameter " + name}
			}
			continue
		}
		if spec.Kind == KindAny {
			continue
		}
		if !kindMatches(spec.Kind, v) {
			return &cerrors.InvalidParams{Method: method, Reason: "parameter " + name + " has wrong type"}
		}
	}
	return nil
}

func kindMatches(kind ParamKind, v any) bool {
	switch kind {
	case KindString:
		_, ok := v.(string)
		return ok
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindInt:
		switch v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		}
		return false
	case KindFloat:
		switch v.(type) {
		case float32, float64:
			return true
		}
		return false
	case KindMap:
		_, ok := v.(map[string]any)
		return ok
	case KindArray:
		_, ok := v.([]any)
		return ok
	default:
		return true
	}
}

func (r *Router) handleListAll(correlation uint64, sender ResponseSender) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]map[string]any, 0, len(r.rpcs))
	for _, e := range r.rpcs {
		params := make(map[string]any, len(e.schema))
		for name, spec := range e.schema {
			params[name] = map[string]any{"kind": string(spec.Kind), "required": spec.Required}
		}
		out = append(out, map[string]any{
			"name":        e.name,
			"description": e.description,
			"parameters":  params,
		})
	}
	sender.SendRPCResponse(correlation, out)
}
