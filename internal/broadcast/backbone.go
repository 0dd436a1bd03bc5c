package broadcast

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/gokatarajesh/daily-quiz/internal/metrics"
	ws "github.com/gokatarajesh/daily-quiz/pkg/http/ws"
)

// Envelope kinds carried on the Redis channel.
const (
	KindEvent   = "event"
	KindGlobal  = "global"
	KindKick    = "kick"
	KindControl = "control"
)

// ActionStop asks the instance driving a quiz to cancel its loop.
const ActionStop = "stop"

// Envelope is the cross-instance message format.
type Envelope struct {
	Kind    string      `json:"kind"`
	Origin  string      `json:"origin"`
	QuizID  uuid.UUID   `json:"quiz_id"`
	UserID  uuid.UUID   `json:"user_id"`
	ConnID  uuid.UUID   `json:"conn_id"`
	Action  string      `json:"action,omitempty"`
	Message *ws.Message `json:"message,omitempty"`
}

// ControlHandler reacts to control messages published by other instances.
type ControlHandler func(ctx context.Context, quizID uuid.UUID, action string)

// Backbone delivers room messages to the local hub and relays them to every other instance
// over Redis Pub/Sub. Without Redis it degrades to local delivery only.
type Backbone struct {
	redis    *redis.Client
	hub      *ws.Hub
	channel  string
	origin   string
	logger   zerolog.Logger
	mu       sync.RWMutex
	controls []ControlHandler
}

// NewBackbone creates a backbone. channel defaults to "quiz:events".
func NewBackbone(redis *redis.Client, hub *ws.Hub, channel string, logger zerolog.Logger) *Backbone {
	if channel == "" {
		channel = "quiz:events"
	}
	return &Backbone{
		redis:   redis,
		hub:     hub,
		channel: channel,
		origin:  uuid.NewString(),
		logger:  logger.With().Str("component", "backbone").Logger(),
	}
}

// OnControl registers a handler for remote control messages.
func (b *Backbone) OnControl(fn ControlHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.controls = append(b.controls, fn)
}

// Publish sends msg to every connection in quizID across all instances.
func (b *Backbone) Publish(ctx context.Context, quizID uuid.UUID, msg ws.Message) {
	metrics.BroadcastMessages.WithLabelValues(msg.Type).Inc()
	b.hub.BroadcastToQuiz(quizID, msg)
	b.relay(ctx, Envelope{Kind: KindEvent, QuizID: quizID, Message: &msg})
}

// PublishGlobal sends msg to every connected client across all instances.
func (b *Backbone) PublishGlobal(ctx context.Context, msg ws.Message) {
	metrics.BroadcastMessages.WithLabelValues(msg.Type).Inc()
	b.hub.BroadcastAll(msg)
	b.relay(ctx, Envelope{Kind: KindGlobal, Message: &msg})
}

// Kick asks other instances to drop the user's connection in quizID, keeping connID.
func (b *Backbone) Kick(ctx context.Context, quizID, userID, connID uuid.UUID) {
	b.relay(ctx, Envelope{Kind: KindKick, QuizID: quizID, UserID: userID, ConnID: connID})
}

// Control broadcasts a control action for quizID to other instances.
func (b *Backbone) Control(ctx context.Context, quizID uuid.UUID, action string) {
	b.relay(ctx, Envelope{Kind: KindControl, QuizID: quizID, Action: action})
}

func (b *Backbone) relay(ctx context.Context, env Envelope) {
	if b.redis == nil {
		return
	}
	env.Origin = b.origin
	data, err := json.Marshal(env)
	if err != nil {
		b.logger.Warn().Err(err).Str("kind", env.Kind).Msg("failed to marshal envelope")
		return
	}
	if err := b.redis.Publish(ctx, b.channel, data).Err(); err != nil {
		b.logger.Warn().Err(err).Str("kind", env.Kind).Msg("failed to publish envelope")
	}
}

// Run subscribes to the channel and blocks until the context is cancelled.
func (b *Backbone) Run(ctx context.Context) error {
	if b.redis == nil {
		<-ctx.Done()
		return nil
	}

	sub := b.redis.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.handle(ctx, msg.Payload)
		}
	}
}

func (b *Backbone) handle(ctx context.Context, payload string) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.logger.Warn().Err(err).Msg("failed to decode envelope")
		return
	}
	if env.Origin == b.origin {
		return
	}

	switch env.Kind {
	case KindEvent:
		if env.Message != nil {
			b.hub.BroadcastToQuiz(env.QuizID, *env.Message)
		}
	case KindGlobal:
		if env.Message != nil {
			b.hub.BroadcastAll(*env.Message)
		}
	case KindKick:
		if b.hub.Kick(env.QuizID, env.UserID, env.ConnID) {
			b.logger.Info().Str("quiz_id", env.QuizID.String()).Str("user_id", env.UserID.String()).Msg("connection replaced remotely")
		}
	case KindControl:
		b.mu.RLock()
		handlers := append([]ControlHandler(nil), b.controls...)
		b.mu.RUnlock()
		for _, fn := range handlers {
			fn(ctx, env.QuizID, env.Action)
		}
	default:
		b.logger.Debug().Str("kind", env.Kind).Msg("ignoring unknown envelope")
	}
}
