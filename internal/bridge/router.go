package bridge

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ent0n29/voicetalk/internal/observability"
)

// DefaultCallTimeout bounds every Send when the caller's context has no
// tighter deadline.
const DefaultCallTimeout = 15 * time.Second

// Handler serves every request addressed to one component. Returning
// ErrUnknownEvent makes the Router ignore the request without replying.
type Handler func(ctx context.Context, req Request) (any, error)

// EventHandler receives unsolicited events.
type EventHandler func(ctx context.Context, env Envelope)

type callResult struct {
	env Envelope
	err error
}

type pendingCall struct {
	event string
	ch    chan callResult
}

// Router correlates outbound calls with replies and dispatches inbound
// requests to registered components. All methods are safe for concurrent use.
type Router struct {
	transport   Transport
	callTimeout time.Duration
	metrics     *observability.Metrics
	logger      zerolog.Logger

	mu        sync.RWMutex
	handlers  map[string]Handler
	listeners map[string][]EventHandler

	pendingMu sync.Mutex
	pending   map[string]*pendingCall
}

type Option func(*Router)

func WithCallTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.callTimeout = d
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

func NewRouter(t Transport, opts ...Option) *Router {
	r := &Router{
		transport:   t,
		callTimeout: DefaultCallTimeout,
		logger:      log.With().Str("component", "bridge").Logger(),
		handlers:    make(map[string]Handler),
		listeners:   make(map[string][]EventHandler),
		pending:     make(map[string]*pendingCall),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds h to every request addressed to component, replacing any
// previous handler.
func (r *Router) Register(component string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[component] = h
}

// OnEvent subscribes fn to unsolicited events of component/event.
func (r *Router) OnEvent(component, event string, fn EventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := listenerKey(component, event)
	r.listeners[key] = append(r.listeners[key], fn)
}

// Send issues a request and waits for its reply. A reply carrying an error
// payload resolves as *CallError. Running past the call timeout resolves as
// ErrCallTimeout locally; the peer is not told and any late reply is dropped.
func (r *Router) Send(ctx context.Context, component, event string, payload any) (Reply, error) {
	data, err := encodeData(payload)
	if err != nil {
		return Reply{}, err
	}
	id := uuid.NewString()
	call := &pendingCall{event: event, ch: make(chan callResult, 1)}

	r.pendingMu.Lock()
	r.pending[id] = call
	r.pendingMu.Unlock()
	defer r.settle(id)

	started := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	env := Envelope{Component: component, Event: event, CorrelationID: id, Kind: KindRequest, Data: data}
	if err := r.transport.Send(callCtx, env); err != nil {
		r.metrics.ObserveBridgeCall(event, "send_error", time.Since(started))
		return Reply{}, fmt.Errorf("bridge send %s: %w", event, err)
	}

	select {
	case res := <-call.ch:
		if res.err != nil {
			r.metrics.ObserveBridgeCall(event, "transport_closed", time.Since(started))
			return Reply{}, res.err
		}
		reply := Reply{Event: res.env.Event, CorrelationID: id, Data: res.env.Data}
		if cerr := replyError(res.env.Data); cerr != nil {
			r.metrics.ObserveBridgeCall(event, string(cerr.Code), time.Since(started))
			return reply, cerr
		}
		r.metrics.ObserveBridgeCall(event, "ok", time.Since(started))
		return reply, nil
	case <-callCtx.Done():
		if ctx.Err() != nil {
			r.metrics.ObserveBridgeCall(event, "canceled", time.Since(started))
			return Reply{}, ctx.Err()
		}
		r.metrics.ObserveBridgeCall(event, string(CodeCallTimeout), time.Since(started))
		return Reply{}, NewCallError(CodeCallTimeout, "%s after %s", event, r.callTimeout)
	}
}

// Reply answers req with payload.
func (r *Router) Reply(ctx context.Context, req Request, payload any) error {
	data, err := encodeData(payload)
	if err != nil {
		return err
	}
	return r.transport.Send(ctx, Envelope{
		Component:     req.Component,
		Event:         req.Event,
		CorrelationID: req.CorrelationID,
		Kind:          KindReply,
		Data:          data,
	})
}

// Notify emits an unsolicited event. The correlation id is fresh and never
// matches a pending call.
func (r *Router) Notify(ctx context.Context, component, event string, payload any) error {
	data, err := encodeData(payload)
	if err != nil {
		return err
	}
	return r.transport.Send(ctx, Envelope{
		Component:     component,
		Event:         event,
		CorrelationID: uuid.NewString(),
		Kind:          KindEvent,
		Data:          data,
	})
}

// Pending reports how many calls are awaiting a reply.
func (r *Router) Pending() int {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	return len(r.pending)
}

// Run dispatches inbound envelopes until ctx is done or the transport closes.
// Outstanding calls are failed with ErrTransportClosed on return.
func (r *Router) Run(ctx context.Context) error {
	defer r.failPending(ErrTransportClosed)
	in := r.transport.Receive()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-in:
			if !ok {
				return ErrTransportClosed
			}
			r.dispatch(ctx, env)
		}
	}
}

func (r *Router) dispatch(ctx context.Context, env Envelope) {
	switch env.Kind {
	case KindReply:
		r.routeReply(env)
	case KindEvent:
		r.routeEvent(ctx, env)
	case KindRequest:
		r.routeRequest(ctx, env)
	default:
		// Peers that omit kind: a matching correlation id wins, otherwise treat
		// it as a request.
		if r.routeReplyIfPending(env) {
			return
		}
		r.routeRequest(ctx, env)
	}
}

func (r *Router) routeReply(env Envelope) {
	if r.routeReplyIfPending(env) {
		return
	}
	if r.metrics != nil {
		r.metrics.BridgeLateReplies.Inc()
	}
	r.logger.Debug().
		Str("event", env.Event).
		Str("correlation_id", env.CorrelationID).
		Msg("discarding reply for settled or unknown call")
}

func (r *Router) routeReplyIfPending(env Envelope) bool {
	r.pendingMu.Lock()
	call, ok := r.pending[env.CorrelationID]
	if ok {
		delete(r.pending, env.CorrelationID)
	}
	r.pendingMu.Unlock()
	if !ok {
		return false
	}
	call.ch <- callResult{env: env}
	return true
}

func (r *Router) routeEvent(ctx context.Context, env Envelope) {
	r.mu.RLock()
	fns := append([]EventHandler(nil), r.listeners[listenerKey(env.Component, env.Event)]...)
	r.mu.RUnlock()
	if len(fns) == 0 {
		r.logger.Debug().Str("component", env.Component).Str("event", env.Event).Msg("no listener for event")
		return
	}
	for _, fn := range fns {
		go r.safeEvent(ctx, fn, env)
	}
}

func (r *Router) safeEvent(ctx context.Context, fn EventHandler, env Envelope) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Str("event", env.Event).Msg("event listener panicked")
		}
	}()
	fn(ctx, env)
}

func (r *Router) routeRequest(ctx context.Context, env Envelope) {
	r.mu.RLock()
	h, ok := r.handlers[env.Component]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn().Str("component", env.Component).Str("event", env.Event).Msg("ignoring request for unknown component")
		return
	}
	req := Request{Component: env.Component, Event: env.Event, CorrelationID: env.CorrelationID, Data: env.Data}
	go r.serve(ctx, h, req)
}

func (r *Router) serve(ctx context.Context, h Handler, req Request) {
	result, err := r.invoke(ctx, h, req)
	if errors.Is(err, ErrUnknownEvent) {
		r.logger.Warn().Str("component", req.Component).Str("event", req.Event).Msg("ignoring unknown event")
		return
	}
	payload := result
	if err != nil {
		var cerr *CallError
		if !errors.As(err, &cerr) {
			cerr = &CallError{Code: CodeHandlerFault, Message: err.Error()}
		}
		r.logger.Info().Str("event", req.Event).Str("code", string(cerr.Code)).Msg("request resolved with error")
		payload = errorPayload{Error: cerr}
	}
	if err := r.Reply(ctx, req, payload); err != nil {
		r.logger.Warn().Err(err).Str("event", req.Event).Msg("reply not delivered")
	}
}

func (r *Router) invoke(ctx context.Context, h Handler, req Request) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().
				Interface("panic", p).
				Str("event", req.Event).
				Bytes("stack", debug.Stack()).
				Msg("handler panicked")
			result = nil
			err = NewCallError(CodeHandlerFault, "%s handler panicked", req.Event)
		}
	}()
	return h(ctx, req)
}

func (r *Router) settle(id string) {
	r.pendingMu.Lock()
	delete(r.pending, id)
	r.pendingMu.Unlock()
}

func (r *Router) failPending(err error) {
	r.pendingMu.Lock()
	calls := r.pending
	r.pending = make(map[string]*pendingCall)
	r.pendingMu.Unlock()
	for _, call := range calls {
		call.ch <- callResult{err: err}
	}
}

func listenerKey(component, event string) string {
	return component + "/" + event
}
