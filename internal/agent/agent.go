// Package agent drives the reason-act loop: recall memory, reason with
// the model router, execute tool intents, retain the turn. One Loop
// serves every channel; per-turn state lives on the stack of a single
// Run or Stream call.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jedikim/jedisos-sub000/internal/conversation"
	"github.com/jedikim/jedisos-sub000/internal/llm"
	"github.com/jedikim/jedisos-sub000/internal/memory"
	"github.com/jedikim/jedisos-sub000/internal/observability"
	"github.com/jedikim/jedisos-sub000/internal/tools"
	"github.com/jedikim/jedisos-sub000/pkg/models"
)

const (
	// DefaultMaxToolCalls bounds tool batches per turn. Each batch may
	// carry several intents; the counter moves once per batch.
	DefaultMaxToolCalls = 10

	// DefaultRecallDeadline bounds the memory lookup at turn start.
	// Past it the turn proceeds without context.
	DefaultRecallDeadline = 3 * time.Second

	// memoryContextHeader introduces recalled context in the system
	// prompt.
	memoryContextHeader = "관련 기억:\n"
)

// Router is the model access the loop needs.
type Router interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
	Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error)
}

// Dispatcher executes one tool intent through policy and audit.
type Dispatcher interface {
	Invoke(ctx context.Context, call models.ToolCall, caller tools.Caller) models.ToolOutcome
}

// Memory is the capture-wrapped engine surface the loop uses.
type Memory interface {
	Retain(ctx context.Context, content, role, bankID string) (*memory.RetainResult, error)
	Recall(ctx context.Context, query, bankID string) (*memory.RecallResult, error)
}

// Config tunes one Loop.
type Config struct {
	// Personas supplies the persona system prompt per bank. Nil means
	// no persona.
	Personas *Personas

	// MaxToolCalls bounds batches per turn; zero means default.
	MaxToolCalls int

	// RecallDeadline bounds the recall phase; zero means default.
	RecallDeadline time.Duration
}

// Loop is the shared turn engine.
type Loop struct {
	router        Router
	registry      *tools.Registry
	dispatcher    Dispatcher
	memory        Memory
	conversations *conversation.Store
	logger        *slog.Logger
	metrics       *observability.Metrics
	tracer        *observability.Tracer

	personas       *Personas
	maxToolCalls   int
	recallDeadline time.Duration

	// Tool specs are snapshotted once per turn and invalidated by
	// registry change events, so a turn in flight keeps a stable
	// catalog while the next one sees updates.
	specMu     sync.Mutex
	specs      []llm.ToolSpec
	specsValid bool

	// Background retains tracked until shutdown.
	retains   sync.WaitGroup
	retainMu  sync.Mutex
	retaining map[string]struct{}
}

// New wires a Loop and subscribes it to catalog changes.
func New(cfg Config, router Router, registry *tools.Registry, dispatcher Dispatcher, mem Memory, conversations *conversation.Store, logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		router:         router,
		registry:       registry,
		dispatcher:     dispatcher,
		memory:         mem,
		conversations:  conversations,
		logger:         logger.With("component", "agent"),
		metrics:        metrics,
		tracer:         tracer,
		personas:       cfg.Personas,
		maxToolCalls:   cfg.MaxToolCalls,
		recallDeadline: cfg.RecallDeadline,
		retaining:      make(map[string]struct{}),
	}
	if l.maxToolCalls <= 0 {
		l.maxToolCalls = DefaultMaxToolCalls
	}
	if l.recallDeadline <= 0 {
		l.recallDeadline = DefaultRecallDeadline
	}
	registry.Subscribe(func(tools.ChangeEvent) { l.invalidateSpecs() })
	return l
}

func (l *Loop) invalidateSpecs() {
	l.specMu.Lock()
	l.specsValid = false
	l.specMu.Unlock()
}

// toolSpecs returns the cached catalog snapshot, rebuilding it after a
// change event.
func (l *Loop) toolSpecs() []llm.ToolSpec {
	l.specMu.Lock()
	defer l.specMu.Unlock()
	if !l.specsValid {
		fns := l.registry.FunctionSpecs()
		l.specs = make([]llm.ToolSpec, 0, len(fns))
		for _, fn := range fns {
			l.specs = append(l.specs, llm.ToolSpec{
				Name:        fn.Name,
				Description: fn.Description,
				Parameters:  fn.Parameters,
			})
		}
		l.specsValid = true
	}
	out := make([]llm.ToolSpec, len(l.specs))
	copy(out, l.specs)
	return out
}

// recall fetches memory context for the turn. The query is built from
// the last two user messages so follow-ups stay anchored to their
// subject. Failures and deadline overruns degrade to no context.
func (l *Loop) recall(ctx context.Context, env *models.Envelope, bankID string) string {
	history := l.conversations.History(env.Channel, env.UserID)

	var parts []string
	for i := len(history) - 1; i >= 0 && len(parts) < 1; i-- {
		if history[i].Role == models.RoleUser {
			parts = append([]string{history[i].Content}, parts...)
		}
	}
	parts = append(parts, env.Text)
	query := strings.Join(parts, "\n")

	ctx, cancel := context.WithTimeout(ctx, l.recallDeadline)
	defer cancel()

	res, err := l.memory.Recall(ctx, query, bankID)
	if err != nil {
		l.logger.Warn("recall degraded", "error", err, "envelope", env.ID)
		return ""
	}
	env.Memories = res.Memories
	return res.Context
}

// systemPrompt composes the bank persona and recalled context.
func (l *Loop) systemPrompt(bankID, memoryContext string) string {
	var sb strings.Builder
	if persona := l.personas.For(bankID); persona != "" {
		sb.WriteString(persona)
	}
	if memoryContext != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(memoryContextHeader)
		sb.WriteString(memoryContext)
	}
	return sb.String()
}

// retainAsync persists the turn in the background. The envelope id
// tracks the handle until the write finishes; Drain waits for all of
// them at shutdown.
func (l *Loop) retainAsync(env *models.Envelope, response, bankID string) {
	content := fmt.Sprintf("user: %s\nassistant: %s", env.Text, response)

	l.retainMu.Lock()
	l.retaining[env.ID] = struct{}{}
	l.retainMu.Unlock()
	l.retains.Add(1)

	go func() {
		defer func() {
			l.retainMu.Lock()
			delete(l.retaining, env.ID)
			l.retainMu.Unlock()
			l.retains.Done()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := l.memory.Retain(ctx, content, string(models.RoleUser), bankID); err != nil {
			l.logger.Warn("retain failed", "envelope", env.ID, "error", err)
		}
	}()
}

// RetainingCount reports in-flight background retains.
func (l *Loop) RetainingCount() int {
	l.retainMu.Lock()
	defer l.retainMu.Unlock()
	return len(l.retaining)
}

// Drain waits for background retains, bounded by ctx.
func (l *Loop) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.retains.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// bankFor resolves the memory bank for an envelope.
func bankFor(env *models.Envelope) string {
	if bank := env.Metadata["bank_id"]; bank != "" {
		return bank
	}
	return memory.DefaultBank
}

// normalizeHistory maps stored roles onto provider roles.
func normalizeHistory(history []models.Message) []models.Message {
	out := make([]models.Message, len(history))
	for i, msg := range history {
		msg.Role = models.NormalizeRole(string(msg.Role))
		out[i] = msg
	}
	return out
}

func (l *Loop) span(ctx context.Context, name string, env *models.Envelope) (context.Context, func(error)) {
	if l.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := l.tracer.Start(ctx, name,
		attribute.String("envelope.id", env.ID),
		attribute.String("channel", string(env.Channel)))
	return ctx, func(err error) {
		observability.RecordError(span, err)
		span.End()
	}
}
