package nats

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/capitalize-ai/marketplace-messaging/internal/gateway"
	"github.com/capitalize-ai/marketplace-messaging/internal/model"
	"github.com/capitalize-ai/marketplace-messaging/internal/service"
	"github.com/capitalize-ai/marketplace-messaging/pkg/logger"
	"github.com/capitalize-ai/marketplace-messaging/pkg/metrics"
)

// SubjectPrefix is the prefix for all room event subjects.
const SubjectPrefix = "chat.events"

// UserSubject returns the subject for events addressed to a user room.
func UserSubject(userID string) string {
	return fmt.Sprintf("%s.user.%s", SubjectPrefix, userID)
}

// ConversationSubject returns the subject for events addressed to a conversation room.
func ConversationSubject(conversationID string) string {
	return fmt.Sprintf("%s.conversation.%s", SubjectPrefix, conversationID)
}

// roomFromSubject maps a subject back to the gateway room it addresses.
func roomFromSubject(subject string) (string, bool) {
	rest, ok := strings.CutPrefix(subject, SubjectPrefix+".")
	if !ok {
		return "", false
	}
	kind, id, ok := strings.Cut(rest, ".")
	if !ok || id == "" || strings.Contains(id, ".") {
		return "", false
	}
	switch kind {
	case "user":
		return gateway.UserRoom(id), true
	case "conversation":
		return gateway.ConversationRoom(id), true
	}
	return "", false
}

// Bus is the pub/sub surface the fan-out needs. *Client implements it.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(subject string, data []byte)) (func() error, error)
}

var _ Bus = (*Client)(nil)

// LocalDeliverer hands encoded frames to this instance's connections.
type LocalDeliverer interface {
	Deliver(room string, event model.EventType, frame []byte)
}

// envelope is the message body on the bus.
type envelope struct {
	Event model.EventType `json:"event"`
	Frame json.RawMessage `json:"frame"`
}

// Fanout is a service.Broadcaster that publishes every room event on core
// NATS so each gateway instance delivers it to its own connections. Events
// are fire-and-forget: an instance that is not subscribed never sees them.
// If a publish fails the event is delivered locally only.
type Fanout struct {
	bus    Bus
	local  LocalDeliverer
	logger *logger.Logger
}

// NewFanout creates a fan-out broadcaster.
func NewFanout(bus Bus, local LocalDeliverer, log *logger.Logger) *Fanout {
	return &Fanout{
		bus:    bus,
		local:  local,
		logger: log.Named("fanout"),
	}
}

var _ service.Broadcaster = (*Fanout)(nil)

// EmitToUser implements service.Broadcaster.
func (f *Fanout) EmitToUser(userID string, event model.EventType, payload interface{}) {
	f.publish(UserSubject(userID), gateway.UserRoom(userID), event, payload)
}

// EmitToConversation implements service.Broadcaster.
func (f *Fanout) EmitToConversation(conversationID string, event model.EventType, payload interface{}) {
	f.publish(ConversationSubject(conversationID), gateway.ConversationRoom(conversationID), event, payload)
}

func (f *Fanout) publish(subject, room string, event model.EventType, payload interface{}) {
	frame, err := gateway.EncodeFrame(event, payload)
	if err != nil {
		f.logger.Error("failed to encode event", zap.String("event", string(event)), zap.Error(err))
		return
	}
	body, err := json.Marshal(envelope{Event: event, Frame: frame})
	if err != nil {
		f.logger.Error("failed to encode envelope", zap.String("event", string(event)), zap.Error(err))
		return
	}

	if err := f.bus.Publish(subject, body); err != nil {
		metrics.FanoutPublishErrors.Inc()
		f.logger.Warn("failed to publish event, delivering locally",
			zap.String("subject", subject),
			zap.String("event", string(event)),
			zap.Error(err),
		)
		f.local.Deliver(room, event, frame)
	}
}

// Serve subscribes to all room events and delivers them to local
// connections until ctx is canceled. It implements suture.Service.
func (f *Fanout) Serve(ctx context.Context) error {
	unsubscribe, err := f.bus.Subscribe(SubjectPrefix+".>", f.handle)
	if err != nil {
		return err
	}
	defer func() {
		if err := unsubscribe(); err != nil {
			f.logger.Warn("failed to unsubscribe", zap.Error(err))
		}
	}()

	f.logger.Info("fan-out subscriber started", zap.String("subject", SubjectPrefix+".>"))
	<-ctx.Done()
	return ctx.Err()
}

// String implements fmt.Stringer for supervisor logs.
func (f *Fanout) String() string { return "nats-fanout" }

func (f *Fanout) handle(subject string, data []byte) {
	room, ok := roomFromSubject(subject)
	if !ok {
		f.logger.Warn("ignoring event on unexpected subject", zap.String("subject", subject))
		return
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || len(env.Frame) == 0 {
		f.logger.Warn("ignoring malformed event", zap.String("subject", subject), zap.Error(err))
		return
	}
	f.local.Deliver(room, env.Event, env.Frame)
}
