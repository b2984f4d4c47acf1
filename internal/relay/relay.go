// Package relay runs one assistant turn against an upstream provider and
// streams cumulative snapshots of the reply to the caller.
package relay

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatrelay/internal/llm"
	"github.com/capitalize-ai/chatrelay/internal/model"
	"github.com/capitalize-ai/chatrelay/internal/provider"
	"github.com/capitalize-ai/chatrelay/pkg/logger"
	"github.com/capitalize-ai/chatrelay/pkg/metrics"
)

// DefaultTimeout bounds a turn when no timeout is configured.
const DefaultTimeout = 100 * time.Second

var (
	// ErrTimeout is the cause of a turn that exceeded its wall-clock budget.
	ErrTimeout = errors.New("upstream request timed out")

	// ErrCancelled marks a turn aborted by the caller.
	ErrCancelled = errors.New("request cancelled")
)

// ProgressFunc receives every snapshot of a turn, in order. Text is cumulative.
type ProgressFunc func(msg model.ChatMessage)

// Result is the terminal outcome of a turn. Err holds the underlying error for
// failures and cancellations and is never serialized.
type Result struct {
	model.ChatResult
	Err error `json:"-"`
}

// Succeeded reports whether the turn completed.
func (r *Result) Succeeded() bool { return r.Type == model.ResultSuccess }

// Cancelled reports whether the caller aborted the turn.
func (r *Result) Cancelled() bool { return r.Type == model.ResultCancelled }

// TimedOut reports whether the turn failed on its wall-clock budget.
func (r *Result) TimedOut() bool { return errors.Is(r.Err, ErrTimeout) }

// Option configures a Relay.
type Option func(*Relay)

// WithTimeout sets the per-turn wall-clock budget. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(r *Relay) { r.timeout = d }
}

// WithDefaults sets the model and sampling values used when a request omits them.
func WithDefaults(d llm.Defaults) Option {
	return func(r *Relay) { r.defaults = d }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(r *Relay) { r.logger = l }
}

// Relay orchestrates turns. It keeps no per-turn state, so concurrent calls
// are independent.
type Relay struct {
	router   *provider.Router
	client   llm.StreamClient
	defaults llm.Defaults
	timeout  time.Duration
	logger   *logger.Logger
	tracer   trace.Tracer
}

// New creates a relay.
func New(router *provider.Router, client llm.StreamClient, opts ...Option) *Relay {
	r := &Relay{
		router:   router,
		client:   client,
		defaults: llm.Defaults{Model: "gemini-3-flash-preview", Temperature: 0.8, TopP: 1},
		timeout:  DefaultTimeout,
		logger:   logger.Global(),
		tracer:   otel.Tracer("github.com/capitalize-ai/chatrelay/internal/relay"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Defaults returns the values applied to requests that omit them.
func (r *Relay) Defaults() llm.Defaults { return r.defaults }

// Timeout returns the per-turn budget.
func (r *Relay) Timeout() time.Duration { return r.timeout }

// Process runs one turn. progress may be nil. Process never panics on
// upstream errors and always returns a result.
func (r *Relay) Process(ctx context.Context, req *model.ChatRequest, progress ProgressFunc) *Result {
	start := time.Now()
	modelID := llm.ModelFor(req, r.defaults)
	ep := r.router.Resolve(modelID)

	ctx, span := r.tracer.Start(ctx, "relay.Process", trace.WithAttributes(
		attribute.String("llm.model", modelID),
		attribute.String("llm.provider", ep.Name),
	))
	defer span.End()

	parent := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, r.timeout, ErrTimeout)
		defer cancel()
	}

	msg := model.ChatMessage{
		ID:     uuid.NewString(),
		Role:   model.RoleAssistant,
		Images: req.Images,
	}
	if msg.Images == nil {
		// browser clients index images on every snapshot
		msg.Images = []string{}
	}
	if req.LastContext != nil {
		msg.ConversationID = req.LastContext.ConversationID
		msg.ParentMessageID = req.LastContext.ParentMessageID
	}
	if msg.ConversationID == "" {
		msg.ConversationID = uuid.NewString()
	}

	deltas, err := r.stream(ctx, ep, req, &msg, progress)
	res := classify(parent, ctx, msg, err)

	status := statusLabel(res)
	metrics.RecordTurn(modelID, status, time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("relay.deltas", deltas), attribute.String("relay.status", status))

	log := r.logger.With(
		zap.String("model", modelID),
		zap.String("provider", ep.Name),
		zap.String("message_id", msg.ID),
		zap.String("status", status),
		zap.Int("deltas", deltas),
		zap.Duration("duration", time.Since(start)),
	)
	switch res.Type {
	case model.ResultSuccess:
		log.Info("relay turn completed", zap.Int("chars", len(res.Data.Text)))
	case model.ResultCancelled:
		log.Info("relay turn cancelled")
	default:
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Message)
		log.Warn("relay turn failed", zap.Error(res.Err))
	}

	return res
}

// stream performs the upstream call and feeds snapshots to progress. It
// returns the number of deltas seen.
func (r *Relay) stream(ctx context.Context, ep provider.Endpoint, req *model.ChatRequest, msg *model.ChatMessage, progress ProgressFunc) (int, error) {
	body, err := r.client.Stream(ctx, ep, llm.BuildRequest(req, r.defaults))
	if err != nil {
		return 0, err
	}
	defer body.Close()

	dec := llm.NewDecoder(body)
	dec.OnSkip = func(line []byte, err error) {
		metrics.RelayDecodeSkipped.WithLabelValues(ep.Name).Inc()
		r.logger.Debug("skipping malformed stream line",
			zap.String("provider", ep.Name),
			zap.ByteString("line", line),
			zap.Error(err),
		)
	}

	var acc strings.Builder
	n := 0
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return n, err
		}

		n++
		acc.WriteString(ev.Delta)
		msg.Text = acc.String()
		msg.Detail = ev.Raw
		metrics.RelayDeltasTotal.WithLabelValues(ep.Name).Inc()

		if progress != nil {
			progress(*msg)
		}
	}

	// a body cut short by cancellation can surface as a clean EOF
	if err := ctx.Err(); err != nil {
		return n, err
	}
	return n, nil
}

func classify(parent, ctx context.Context, msg model.ChatMessage, err error) *Result {
	if err == nil {
		final := msg
		final.Detail = nil
		return &Result{ChatResult: model.ChatResult{Type: model.ResultSuccess, Data: &final}}
	}

	if ctx.Err() != nil {
		if errors.Is(context.Cause(ctx), ErrTimeout) && parent.Err() == nil {
			return &Result{
				ChatResult: model.ChatResult{Type: model.ResultFail, Message: TimeoutMessage},
				Err:        ErrTimeout,
			}
		}
		return &Result{
			ChatResult: model.ChatResult{Type: model.ResultCancelled},
			Err:        ErrCancelled,
		}
	}

	return &Result{
		ChatResult: model.ChatResult{Type: model.ResultFail, Message: UserMessage(err)},
		Err:        err,
	}
}

func statusLabel(res *Result) string {
	switch {
	case res.Succeeded():
		return "success"
	case res.Cancelled():
		return "cancelled"
	case res.TimedOut():
		return "timeout"
	default:
		return "fail"
	}
}
