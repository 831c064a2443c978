// Package channels defines the contract every chat surface implements
// and the shared fan-in handler that turns inbound messages into agent
// turns. Adapters translate platform traffic to envelopes; the handler
// owns metrics, recent-chat tracking, and the user-facing error line.
package channels

import (
	"context"
	"log/slog"

	"github.com/jedikim/jedisos-sub000/internal/observability"
	"github.com/jedikim/jedisos-sub000/pkg/models"
)

// Apology is the only text a user sees when a turn fails. Internal
// error detail stays in the logs and on the envelope.
const Apology = "죄송합니다, 처리 중 오류가 발생했습니다"

// Handler consumes one inbound envelope and returns the reply text.
// An empty reply means there is nothing to deliver.
type Handler func(ctx context.Context, env *models.Envelope) string

// Adapter is a single chat surface wired into the gateway.
type Adapter interface {
	// Name identifies the surface and matches the envelope channel.
	Name() string

	// Start connects the surface and begins forwarding inbound
	// messages to handler. It returns once the connection is up;
	// receiving continues in the background until Stop.
	Start(ctx context.Context, handler Handler) error

	// Deliver pushes text to a user outside a request cycle, for
	// notification fan-out.
	Deliver(ctx context.Context, userID, text string) error

	// Stop shuts the surface down, honoring the context deadline.
	Stop(ctx context.Context) error
}

// TurnRunner executes one blocking agent turn.
type TurnRunner interface {
	Run(ctx context.Context, env *models.Envelope) (string, error)
}

// NewTurnHandler builds the fan-in handler shared by the chat
// adapters. It counts traffic, remembers the chat for notification
// fan-out, and converts turn failures into the apology line so
// adapters never leak internal errors to users.
func NewTurnHandler(runner TurnRunner, registry *Registry, metrics *observability.Metrics, logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "channels")

	return func(ctx context.Context, env *models.Envelope) string {
		channel := string(env.Channel)
		if metrics != nil {
			metrics.MessageCounter.WithLabelValues(channel, "inbound").Inc()
		}
		if registry != nil {
			registry.Touch(channel, env.UserID)
		}

		reply, err := runner.Run(ctx, env)
		if err != nil {
			logger.Error("turn failed",
				"channel", channel,
				"user_id", env.UserID,
				"envelope_id", env.ID,
				"error", err)
			reply = Apology
		}

		if reply != "" && metrics != nil {
			metrics.MessageCounter.WithLabelValues(channel, "outbound").Inc()
		}
		return reply
	}
}
