package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/jedikim/jedisos-sub000/internal/llm"
	"github.com/jedikim/jedisos-sub000/internal/tools"
	"github.com/jedikim/jedisos-sub000/pkg/models"
)

// Run drives one blocking turn: recall, then reason and execute until
// the model stops asking for tools, then retain in the background. The
// returned string is the final reply text.
func (l *Loop) Run(ctx context.Context, env *models.Envelope) (string, error) {
	start := time.Now()
	ctx, finish := l.span(ctx, "agent.turn", env)
	var runErr error
	defer func() { finish(runErr) }()

	if env.State() == models.StateCreated {
		if err := env.Transition(models.StateAuthorized); err != nil {
			runErr = err
			return "", err
		}
	}
	if err := env.Transition(models.StateProcessing); err != nil {
		runErr = err
		return "", err
	}

	bankID := bankFor(env)
	memoryContext := l.recall(ctx, env, bankID)

	history := normalizeHistory(l.conversations.History(env.Channel, env.UserID))
	messages := append(history, models.Message{Role: models.RoleUser, Content: env.Text})

	system := l.systemPrompt(bankID, memoryContext)
	specs := l.toolSpecs()
	caller := tools.Caller{UserID: env.UserID, Channel: string(env.Channel)}

	var final string
	batches := 0
	for {
		resp, err := l.router.Complete(ctx, llm.Request{
			Role:     llm.RoleReason,
			System:   system,
			Messages: messages,
			Tools:    specs,
		})
		if err != nil {
			runErr = l.fail(env, fmt.Errorf("reason: %w", err))
			return "", runErr
		}

		if len(resp.ToolCalls) == 0 || batches >= l.maxToolCalls {
			final = resp.Text
			break
		}

		messages = append(messages, models.Message{
			Role:      models.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		env.ToolCalls = append(env.ToolCalls, resp.ToolCalls...)

		if err := env.Transition(models.StateToolCalling); err != nil {
			runErr = l.fail(env, err)
			return "", runErr
		}
		for _, call := range resp.ToolCalls {
			outcome := l.dispatcher.Invoke(ctx, call, caller)
			messages = append(messages, models.Message{
				Role:       models.RoleTool,
				Content:    outcome.Content,
				ToolCallID: outcome.CallID,
			})
		}
		if err := env.Transition(models.StateProcessing); err != nil {
			runErr = l.fail(env, err)
			return "", runErr
		}
		batches++
	}

	env.Response = final
	if err := env.Transition(models.StateCompleted); err != nil {
		runErr = err
		return "", err
	}

	l.conversations.Append(env.Channel, env.UserID,
		models.Message{Role: models.RoleUser, Content: env.Text},
		models.Message{Role: models.RoleAssistant, Content: final},
	)
	l.retainAsync(env, final, bankID)

	if l.metrics != nil {
		l.metrics.TurnDuration.WithLabelValues(string(env.Channel)).Observe(time.Since(start).Seconds())
	}
	l.logger.Info("turn completed",
		"envelope", env.ID,
		"channel", env.Channel,
		"batches", batches,
		"elapsed", time.Since(start))
	return final, nil
}

// fail moves the envelope to Failed and records the cause. The caller
// owns any user-facing wording.
func (l *Loop) fail(env *models.Envelope, err error) error {
	env.Error = err.Error()
	if terr := env.Transition(models.StateFailed); terr != nil {
		l.logger.Error("fail transition rejected", "envelope", env.ID, "error", terr)
	}
	l.logger.Error("turn failed", "envelope", env.ID, "error", err)
	return err
}
