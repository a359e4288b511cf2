// Package sessionhttp exposes a session.Manager over HTTP. One resource per
// session:
//
//	POST   /sessions/{id}         start a new turn; the request body is the input
//	GET    /sessions/{id}/stream  attach to the output stream as Server-Sent Events
//	GET    /sessions/{id}         liveness and generation
//	DELETE /sessions/{id}         request cancellation; always acknowledged
//
// Disconnecting from the stream never cancels the turn; only DELETE does.
package sessionhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/xifanezz/turnstream-go/internal/logctx"
	"github.com/xifanezz/turnstream-go/session"
	"github.com/xifanezz/turnstream-go/stream"
)

var (
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const maxInputBytes = 1 << 20

// Option configures the handler.
type Option func(*Handler)

// WithLogger sets the slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// Handler serves the session API. The producer is fixed at construction; the
// per-turn input arrives in the begin request body.
type Handler struct {
	log      *slog.Logger
	mgr      *session.Manager
	producer session.Producer
	mux      *http.ServeMux
}

// New builds the HTTP surface over mgr. Every turn started through this
// handler runs producer with the request body as input.
func New(mgr *session.Manager, producer session.Producer, opts ...Option) (*Handler, error) {
	if mgr == nil {
		return nil, fmt.Errorf("manager is required")
	}
	if producer == nil {
		return nil, fmt.Errorf("producer is required")
	}

	h := &Handler{log: slog.Default(), mgr: mgr, producer: producer}
	for _, opt := range opts {
		opt(h)
	}
	h.log = slog.New(logctx.Handler{Handler: h.log.Handler()})

	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions/{id}", h.handleBegin)
	mux.HandleFunc("GET /sessions/{id}/stream", h.handleAttach)
	mux.HandleFunc("GET /sessions/{id}", h.handleState)
	mux.HandleFunc("DELETE /sessions/{id}", h.handleStop)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

func (h *Handler) handleBegin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := r.PathValue("id")

	input, err := io.ReadAll(io.LimitReader(r.Body, maxInputBytes))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		h.log.WarnContext(ctx, "http.begin.read_body_fail", slog.String("err", err.Error()))
		return
	}

	if err := h.mgr.Begin(ctx, sessionID, string(input), h.producer); err != nil {
		if errors.Is(err, session.ErrConflict) {
			http.Error(w, "a turn is already running for this session", http.StatusConflict)
			h.log.InfoContext(ctx, "http.begin.conflict", slog.String("session_id", sessionID))
			return
		}
		http.Error(w, "failed to start turn", http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "http.begin.fail",
			slog.String("session_id", sessionID),
			slog.String("err", err.Error()))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"sessionId": sessionID})
	h.log.InfoContext(ctx, "http.begin.ok", slog.String("session_id", sessionID))
}

func (h *Handler) handleAttach(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := r.PathValue("id")

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		h.log.WarnContext(ctx, "http.attach.unsupported_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	rd, err := h.mgr.Attach(ctx, sessionID)
	if err != nil {
		switch {
		case errors.Is(err, stream.ErrNotFound), errors.Is(err, session.ErrDebounced):
			// Nothing to stream; the client retries after its backoff.
			w.WriteHeader(http.StatusNoContent)
			h.log.InfoContext(ctx, "http.attach.empty",
				slog.String("session_id", sessionID),
				slog.String("reason", err.Error()))
		default:
			w.WriteHeader(http.StatusInternalServerError)
			h.log.ErrorContext(ctx, "http.attach.fail",
				slog.String("session_id", sessionID),
				slog.String("err", err.Error()))
		}
		return
	}
	defer rd.Close()

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start", slog.String("session_id", sessionID))

	for {
		chunk, err := rd.Next(ctx)
		if err != nil {
			var perr *stream.ProducerError
			switch {
			case errors.Is(err, io.EOF):
				if werr := writeSSEEvent(wf, "", "finish", []byte("{}")); werr != nil {
					h.log.WarnContext(ctx, "sse.finish.write_fail", slog.String("err", werr.Error()))
				}
				h.log.InfoContext(ctx, "sse.stream.end", slog.String("session_id", sessionID))
			case errors.As(err, &perr):
				payload, _ := json.Marshal(map[string]string{"error": perr.Msg})
				if werr := writeSSEEvent(wf, "", "error", payload); werr != nil {
					h.log.WarnContext(ctx, "sse.error.write_fail", slog.String("err", werr.Error()))
				}
				h.log.InfoContext(ctx, "sse.stream.producer_fail", slog.String("session_id", sessionID))
			case errors.Is(err, context.Canceled):
				// Client went away; the turn keeps running.
				h.log.InfoContext(ctx, "sse.client.disconnect", slog.String("session_id", sessionID))
			default:
				h.log.ErrorContext(ctx, "sse.read.fail",
					slog.String("session_id", sessionID),
					slog.String("err", err.Error()))
			}
			return
		}
		if err := writeSSEEvent(wf, chunk.ID, "", chunk.Data); err != nil {
			h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			return
		}
	}
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := r.PathValue("id")

	st, err := h.mgr.State(ctx, sessionID)
	if err != nil {
		http.Error(w, "failed to query session state", http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "http.state.fail",
			slog.String("session_id", sessionID),
			slog.String("err", err.Error()))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := r.PathValue("id")

	// Stop is fire-and-forget: the ack only means the signal was dispatched.
	// Completion is observed on the stream or via the state endpoint.
	_ = h.mgr.Stop(ctx, sessionID)
	w.WriteHeader(http.StatusAccepted)
	h.log.InfoContext(ctx, "http.stop.ok", slog.String("session_id", sessionID))
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an
// optional context. It serializes concurrent writes/flushes and avoids
// writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// writeSSEEvent writes one Server-Sent Event and flushes it. Empty id and
// event fields are omitted from the frame.
func writeSSEEvent(wf *lockedWriteFlusher, msgID, event string, payload []byte) error {
	if msgID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", msgID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if event != "" {
		if _, err := fmt.Fprintf(wf, "event: %s\n", event); err != nil {
			return fmt.Errorf("failed to write SSE event type: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}
