// package relay orchestrates one conversational turn end-to-end:
// admission, context assembly, upstream dispatch, incremental
// forwarding, and the two commit points around the exchange.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Xuzeipan/ai-chat/pkg/chat"
	"github.com/Xuzeipan/ai-chat/pkg/provider"
	"github.com/Xuzeipan/ai-chat/pkg/store"
)

var (
	// ErrSessionBusy rejects a concurrent second turn on the same
	// session, before any store mutation.
	ErrSessionBusy     = errors.New("a turn is already in flight for this session")
	ErrUnknownProvider = errors.New("unknown provider")
	ErrUnknownMode     = errors.New("unknown mode")
	ErrEmptyMessage    = errors.New("message must not be empty")
	ErrEmptyModel      = errors.New("model must not be empty")
	// ErrProviderMismatch rejects a turn naming a provider other
	// than the one the session was created with.
	ErrProviderMismatch = errors.New("session is bound to a different provider")
)

// UpstreamStreamError reports an upstream failure after streaming had
// started. Partial content received before the failure is committed.
type UpstreamStreamError struct {
	Err error
}

func (e *UpstreamStreamError) Error() string {
	return fmt.Sprintf("upstream stream failed: %v", e.Err)
}

func (e *UpstreamStreamError) Unwrap() error {
	return e.Err
}

type EventType string

const (
	EventSession EventType = "session"
	EventMessage EventType = "message"
	EventDone    EventType = "done"
	EventError   EventType = "error"
)

// Event is one entry of the outbound per-turn stream. Order is
// [session]? message* (done | error).
type Event struct {
	Type EventType

	// SessionID is set on session events (new session only).
	SessionID string
	// Content is the increment carried by a message event.
	Content string

	// Done metadata.
	MessageID    string
	ResponseTime time.Duration
	TokenCount   int

	Err error
}

type turnState int

const (
	stateIdle turnState = iota
	stateAssembling
	stateDispatching
	stateStreaming
	stateCommitting
	stateDone
	stateAborted
)

func (s turnState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateAssembling:
		return "assembling"
	case stateDispatching:
		return "dispatching"
	case stateStreaming:
		return "streaming"
	case stateCommitting:
		return "committing"
	case stateDone:
		return "done"
	case stateAborted:
		return "aborted"
	}
	return "unknown"
}

// TurnRequest is one inbound turn. An empty SessionID creates a new
// session bound to the given provider, model and mode; later turns
// run against that binding and may leave Provider and Model empty.
type TurnRequest struct {
	SessionID string
	UserID    string
	Message   string
	Provider  string
	Model     string
	Mode      string
}

const maxTitleRunes = 64

type Relay struct {
	store       store.Store
	providers   *provider.Registry
	modes       map[string]chat.Mode
	defaultMode string
	idleTimeout time.Duration
	logger      *slog.Logger

	// active tracks sessions with a turn in flight; admission is an
	// atomic check-and-set keyed by session id.
	active sync.Map
}

type Options struct {
	// IdleTimeout aborts a stream when no upstream bytes arrive
	// within the bound. Zero disables the timeout.
	IdleTimeout time.Duration
	Logger      *slog.Logger
}

func New(st store.Store, providers *provider.Registry, modes []chat.Mode, opts Options) *Relay {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Relay{
		store:       st,
		providers:   providers,
		modes:       make(map[string]chat.Mode, len(modes)),
		idleTimeout: opts.IdleTimeout,
		logger:      logger,
	}
	for i, m := range modes {
		r.modes[m.ID] = m
		if i == 0 {
			r.defaultMode = m.ID
		}
	}
	return r
}

// Run validates and admits one turn, then drives it asynchronously.
// The returned channel carries the turn's event stream and is closed
// when the turn reaches a terminal state. Cancelling ctx aborts the
// upstream connection; content received so far is still committed.
func (r *Relay) Run(ctx context.Context, req TurnRequest) (<-chan Event, error) {
	if req.Message == "" {
		return nil, ErrEmptyMessage
	}

	t := &turn{
		relay: r,
		req:   req,
		ch:    make(chan Event),
		state: stateIdle,
	}
	if req.SessionID == "" {
		prov, ok := r.providers.Get(req.Provider)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, req.Provider)
		}
		if req.Model == "" {
			return nil, ErrEmptyModel
		}
		modeID := req.Mode
		if modeID == "" {
			modeID = r.defaultMode
		}
		mode, ok := r.modes[modeID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownMode, modeID)
		}
		now := time.Now()
		t.provider = prov
		t.mode = mode
		t.created = true
		t.session = &store.Session{
			ID:        newID(),
			UserID:    req.UserID,
			Title:     deriveTitle(req.Message),
			Mode:      mode.ID,
			Provider:  req.Provider,
			Model:     req.Model,
			CreatedAt: now,
			UpdatedAt: now,
		}
	} else {
		sess, err := r.store.GetSession(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		// The provider binding is fixed at creation. A later turn
		// may omit the provider but not change it.
		if req.Provider != "" && req.Provider != sess.Provider {
			return nil, fmt.Errorf("%w: %s", ErrProviderMismatch, sess.Provider)
		}
		prov, ok := r.providers.Get(sess.Provider)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, sess.Provider)
		}
		mode, ok := r.modes[sess.Mode]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownMode, sess.Mode)
		}
		t.provider = prov
		t.mode = mode
		t.session = sess
	}

	if _, loaded := r.active.LoadOrStore(t.session.ID, struct{}{}); loaded {
		return nil, ErrSessionBusy
	}

	t.logger = r.logger.With("session_id", t.session.ID, "provider", t.session.Provider, "model", t.model())
	go t.run(ctx)
	return t.ch, nil
}

type turn struct {
	relay    *Relay
	req      TurnRequest
	provider provider.Provider
	session  *store.Session
	mode     chat.Mode
	created  bool
	ch       chan Event
	state    turnState
	logger   *slog.Logger
}

func (t *turn) model() string {
	if t.created {
		return t.req.Model
	}
	return t.session.Model
}

func (t *turn) setState(s turnState) {
	t.logger.Debug("turn state change", "from", t.state.String(), "to", s.String())
	t.state = s
}

// send forwards one event to the client, giving up when the client
// context is gone. Reports whether the event was delivered.
func (t *turn) send(ctx context.Context, ev Event) bool {
	select {
	case t.ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (t *turn) abort(ctx context.Context, err error) {
	t.setState(stateAborted)
	if err != nil {
		t.send(ctx, Event{Type: EventError, Err: err})
	}
}

func (t *turn) run(ctx context.Context) {
	defer close(t.ch)
	defer t.relay.active.Delete(t.session.ID)

	// Commits must survive a client disconnect.
	commitCtx := context.WithoutCancel(ctx)

	if t.created {
		if err := t.relay.store.CreateSession(commitCtx, t.session); err != nil {
			t.logger.Error("failed to create session", "error", err)
			t.abort(ctx, err)
			return
		}
		if !t.send(ctx, Event{Type: EventSession, SessionID: t.session.ID}) {
			t.setState(stateAborted)
			return
		}
	}

	// The user message is committed before any upstream call so the
	// input survives a later streaming failure.
	t.setState(stateAssembling)
	userMsg := &store.Message{
		ID:        newID(),
		SessionID: t.session.ID,
		Role:      chat.RoleUser,
		Content:   t.req.Message,
		CreatedAt: time.Now(),
	}
	if err := t.relay.store.AppendMessage(commitCtx, userMsg); err != nil {
		t.logger.Error("failed to commit user message", "error", err)
		t.abort(ctx, err)
		return
	}

	history, err := t.relay.store.ListHistory(ctx, t.session.ID)
	if err != nil {
		t.logger.Error("failed to load history", "error", err)
		t.abort(ctx, err)
		return
	}
	wire := make([]chat.Message, 0, len(history))
	for _, m := range history {
		wire = append(wire, chat.Message{Role: m.Role, Content: m.Content})
	}
	window := chat.AssembleContext(wire, t.mode)

	t.setState(stateDispatching)
	start := time.Now()
	stream, err := t.provider.SendStreaming(ctx, window, t.model())
	if err != nil {
		t.logger.Warn("upstream rejected the turn", "error", err)
		t.abort(ctx, err)
		return
	}
	defer stream.Cancel()
	defer stream.Body.Close()

	t.setState(stateStreaming)
	reply, tokenCount, streamErr, disconnected := t.pump(ctx, stream)

	t.setState(stateCommitting)
	elapsed := time.Since(start)
	var assistantID string
	if reply != "" || (streamErr == nil && !disconnected) {
		assistant := &store.Message{
			ID:           newID(),
			SessionID:    t.session.ID,
			Role:         chat.RoleAssistant,
			Content:      reply,
			TokenCount:   tokenCount,
			ResponseTime: elapsed,
			Partial:      streamErr != nil || disconnected,
			CreatedAt:    time.Now(),
		}
		if err := t.relay.store.AppendMessage(commitCtx, assistant); err != nil {
			t.logger.Error("failed to commit assistant message", "error", err)
			t.abort(ctx, err)
			return
		}
		assistantID = assistant.ID
	}
	if err := t.relay.store.TouchSession(commitCtx, t.session.ID, time.Now()); err != nil {
		t.logger.Warn("failed to touch session", "error", err)
	}

	switch {
	case disconnected:
		// Nobody is listening; the partial content is durable.
		t.logger.Info("client disconnected mid-stream", "partial_len", len(reply))
		t.setState(stateAborted)
	case streamErr != nil:
		t.logger.Warn("stream failed after partial content",
			"error", streamErr, "partial_len", len(reply))
		t.abort(ctx, &UpstreamStreamError{Err: streamErr})
	default:
		// The terminal signal reaches the client only after the
		// commit above succeeded.
		t.logger.Info("turn committed",
			"message_id", assistantID,
			"response_time", elapsed,
			"token_count", tokenCount)
		if t.send(ctx, Event{
			Type:         EventDone,
			MessageID:    assistantID,
			ResponseTime: elapsed,
			TokenCount:   tokenCount,
		}) {
			t.setState(stateDone)
		} else {
			t.setState(stateAborted)
		}
	}
}

// pump drives the read loop: raw bytes from the upstream body go
// through the decoder and every increment is forwarded immediately.
// It returns the accumulated reply, the upstream-reported token
// count, a mid-stream error if any, and whether the client went away.
func (t *turn) pump(ctx context.Context, stream *provider.Stream) (reply string, tokenCount int, streamErr error, disconnected bool) {
	dec := provider.NewDecoder(t.provider.ParseRecord)

	var timedOut atomic.Bool
	var idle *time.Timer
	if t.relay.idleTimeout > 0 {
		idle = time.AfterFunc(t.relay.idleTimeout, func() {
			timedOut.Store(true)
			stream.Cancel()
		})
		defer idle.Stop()
	}

	var buf []byte
	raw := make([]byte, 16*1024)
	for {
		n, readErr := stream.Body.Read(raw)
		if n > 0 {
			if idle != nil {
				idle.Reset(t.relay.idleTimeout)
			}
			for _, ev := range dec.Feed(raw[:n]) {
				switch {
				case ev.Err != nil:
					return string(buf), tokenCount, ev.Err, false
				case ev.Done:
					if ev.TokenCount > 0 {
						tokenCount = ev.TokenCount
					}
					return string(buf), tokenCount, nil, false
				default:
					buf = append(buf, ev.Delta...)
					if !t.send(ctx, Event{Type: EventMessage, Content: ev.Delta}) {
						stream.Cancel()
						return string(buf), tokenCount, nil, true
					}
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				// Clean closure without a terminal record.
				return string(buf), tokenCount, nil, false
			}
			if timedOut.Load() {
				return string(buf), tokenCount, fmt.Errorf("no upstream data within %s", t.relay.idleTimeout), false
			}
			if ctx.Err() != nil {
				stream.Cancel()
				return string(buf), tokenCount, nil, true
			}
			return string(buf), tokenCount, readErr, false
		}
	}
}

// newID returns a time-ordered UUID so ids sort in creation order.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func deriveTitle(message string) string {
	runes := []rune(message)
	if len(runes) > maxTitleRunes {
		return string(runes[:maxTitleRunes])
	}
	return message
}
