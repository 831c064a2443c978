package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"github.com/jedikim/jedisos-sub000/internal/llm"
	"github.com/jedikim/jedisos-sub000/internal/tools"
	"github.com/jedikim/jedisos-sub000/pkg/models"
)

// Event is one unit of streaming turn output. Text events carry a
// delta; the final event has Done set with the assembled response.
type Event struct {
	Text     string
	Done     bool
	Response string
	BankID   string
	Err      error
}

// label is the intent class assigned to an incoming message.
type label string

const (
	labelChat         label = "chat"
	labelQuestion     label = "question"
	labelRemember     label = "remember"
	labelSkillRequest label = "skill_request"
	labelComplex      label = "complex"
)

const classifySystemPrompt = `Classify the user message into exactly one of these labels:
chat - small talk, greetings, casual conversation
question - a factual or informational question
remember - the user asks to remember or recall something
skill_request - the user asks for a new tool or capability to be built
complex - multi-step work needing planning or several tools

Respond with the label only.`

// classify assigns an intent label. Any failure defaults to chat; a
// misclassified turn still answers, just with the lighter model.
func (l *Loop) classify(ctx context.Context, text string) label {
	resp, err := l.router.Complete(ctx, llm.Request{
		Role:      llm.RoleClassify,
		System:    classifySystemPrompt,
		Messages:  []models.Message{{Role: models.RoleUser, Content: text}},
		MaxTokens: 8,
	})
	if err != nil {
		l.logger.Debug("classification degraded to chat", "error", err)
		return labelChat
	}

	got := label(strings.Trim(strings.ToLower(strings.TrimSpace(resp.Text)), ".'\"`"))
	switch got {
	case labelChat, labelQuestion, labelRemember, labelSkillRequest, labelComplex:
		return got
	}
	return labelChat
}

func roleForLabel(lb label) llm.Role {
	switch lb {
	case labelComplex:
		return llm.RoleReason
	case labelSkillRequest:
		return llm.RoleCode
	default:
		return llm.RoleChat
	}
}

// filterSpecs removes skill-management tools from plain conversation
// turns so the chat model is not tempted to mutate the catalog.
func (l *Loop) filterSpecs(specs []llm.ToolSpec, lb label) []llm.ToolSpec {
	if lb != labelChat && lb != labelQuestion {
		return specs
	}
	out := specs[:0:0]
	for _, spec := range specs {
		if d, ok := l.registry.Get(spec.Name); ok && d.HasTag(tools.TagSkillManagement) {
			continue
		}
		out = append(out, spec)
	}
	return out
}

// Stream drives one streaming turn. Events arrive on the returned
// channel; it closes after the Done or Err event. Cancelling ctx stops
// the provider stream and the turn.
func (l *Loop) Stream(ctx context.Context, env *models.Envelope) (<-chan Event, error) {
	if env.State() == models.StateCreated {
		if err := env.Transition(models.StateAuthorized); err != nil {
			return nil, err
		}
	}
	if err := env.Transition(models.StateProcessing); err != nil {
		return nil, err
	}

	out := make(chan Event)
	go l.streamTurn(ctx, env, out)
	return out, nil
}

func (l *Loop) streamTurn(ctx context.Context, env *models.Envelope, out chan<- Event) {
	defer close(out)
	start := time.Now()
	ctx, finish := l.span(ctx, "agent.stream", env)
	var runErr error
	defer func() { finish(runErr) }()

	if l.metrics != nil {
		l.metrics.ActiveStreams.WithLabelValues(string(env.Channel)).Inc()
		defer l.metrics.ActiveStreams.WithLabelValues(string(env.Channel)).Dec()
	}

	bankID := bankFor(env)
	memoryContext := l.recall(ctx, env, bankID)

	lb := l.classify(ctx, env.Text)
	role := roleForLabel(lb)
	specs := l.filterSpecs(l.toolSpecs(), lb)

	history := normalizeHistory(l.conversations.History(env.Channel, env.UserID))
	messages := append(history, models.Message{Role: models.RoleUser, Content: env.Text})

	system := l.systemPrompt(bankID, memoryContext)
	caller := tools.Caller{UserID: env.UserID, Channel: string(env.Channel)}

	l.logger.Debug("stream turn started",
		"envelope", env.ID,
		"label", string(lb),
		"role", string(role),
		"tools", len(specs))

	var full strings.Builder
	for batch := 0; ; batch++ {
		chunks, err := l.router.Stream(ctx, llm.Request{
			Role:     role,
			System:   system,
			Messages: messages,
			Tools:    specs,
		})
		if err != nil {
			runErr = l.fail(env, fmt.Errorf("stream open: %w", err))
			l.emit(ctx, out, Event{Err: runErr})
			return
		}

		var segment strings.Builder
		acc := toolAccumulator{}
		aborted := false
		for chunk := range chunks {
			switch {
			case chunk.Err != nil:
				runErr = l.fail(env, chunk.Err)
				l.emit(ctx, out, Event{Err: runErr})
				return
			case chunk.ToolDelta != nil:
				acc.add(chunk.ToolDelta)
			case chunk.Text != "":
				segment.WriteString(chunk.Text)
				if !l.emit(ctx, out, Event{Text: chunk.Text}) {
					aborted = true
				}
			}
			if aborted {
				break
			}
		}
		if aborted {
			// The cancelled provider closes its channel after at most one
			// more chunk; drain so its goroutine can exit.
			go func() {
				for range chunks {
				}
			}()
			runErr = l.fail(env, ctx.Err())
			return
		}
		full.WriteString(segment.String())

		calls := acc.calls()
		if len(calls) == 0 || batch >= l.maxToolCalls {
			break
		}

		messages = append(messages, models.Message{
			Role:      models.RoleAssistant,
			Content:   segment.String(),
			ToolCalls: calls,
		})
		env.ToolCalls = append(env.ToolCalls, calls...)

		if err := env.Transition(models.StateToolCalling); err != nil {
			runErr = l.fail(env, err)
			l.emit(ctx, out, Event{Err: runErr})
			return
		}
		for _, call := range calls {
			outcome := l.dispatcher.Invoke(ctx, call, caller)
			messages = append(messages, models.Message{
				Role:       models.RoleTool,
				Content:    outcome.Content,
				ToolCallID: outcome.CallID,
			})
		}
		if err := env.Transition(models.StateProcessing); err != nil {
			runErr = l.fail(env, err)
			l.emit(ctx, out, Event{Err: runErr})
			return
		}
	}

	final := full.String()
	env.Response = final
	if err := env.Transition(models.StateCompleted); err != nil {
		runErr = err
		l.emit(ctx, out, Event{Err: err})
		return
	}

	l.conversations.Append(env.Channel, env.UserID,
		models.Message{Role: models.RoleUser, Content: env.Text},
		models.Message{Role: models.RoleAssistant, Content: final},
	)
	l.retainAsync(env, final, bankID)

	if l.metrics != nil {
		l.metrics.TurnDuration.WithLabelValues(string(env.Channel)).Observe(time.Since(start).Seconds())
	}
	l.emit(ctx, out, Event{Done: true, Response: final, BankID: bankID})
}

// emit delivers one event unless the consumer has gone away.
func (l *Loop) emit(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// toolAccumulator assembles streamed tool-call fragments keyed by chunk
// index.
type toolAccumulator struct {
	order   []int
	pending map[int]*pendingCall
}

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

func (a *toolAccumulator) add(d *llm.ToolCallDelta) {
	if a.pending == nil {
		a.pending = make(map[int]*pendingCall)
	}
	p, ok := a.pending[d.Index]
	if !ok {
		p = &pendingCall{}
		a.pending[d.Index] = p
		a.order = append(a.order, d.Index)
	}
	if d.ID != "" {
		p.id = d.ID
	}
	if d.Name != "" {
		p.name = d.Name
	}
	p.args.WriteString(d.Arguments)
}

// calls finalizes the accumulated intents in arrival order. Argument
// JSON from a stream is occasionally damaged; repair is attempted
// before giving up and passing empty arguments (the dispatcher will
// answer with a tool error the model can read).
func (a *toolAccumulator) calls() []models.ToolCall {
	out := make([]models.ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		p := a.pending[idx]
		call := models.ToolCall{ID: p.id, Name: p.name}
		raw := strings.TrimSpace(p.args.String())
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &call.Arguments); err != nil {
				if repaired, rerr := jsonrepair.JSONRepair(raw); rerr == nil {
					_ = json.Unmarshal([]byte(repaired), &call.Arguments)
				}
			}
		}
		out = append(out, call)
	}
	return out
}
