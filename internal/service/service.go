// Package service provides the business logic for marketplace messaging.
// It is the single place that enforces authorization and validation; the
// REST handlers and the live-channel gateway are thin adapters over it.
package service

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/capitalize-ai/marketplace-messaging/internal/auth"
	"github.com/capitalize-ai/marketplace-messaging/internal/model"
	"github.com/capitalize-ai/marketplace-messaging/internal/validation"
)

// Error taxonomy shared by every transport.
var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
	ErrInvalid   = errors.New("invalid input")
)

// Pagination limits.
const (
	DefaultConversationLimit = 20
	DefaultMessageLimit      = 50
	MaxPageLimit             = 100
)

// Transports a request can arrive on, used as a metrics label.
const (
	TransportREST = "rest"
	TransportLive = "live"
)

// Broadcaster delivers events to gateway rooms. Delivery is best effort.
type Broadcaster interface {
	EmitToUser(userID string, event model.EventType, payload interface{})
	EmitToConversation(conversationID string, event model.EventType, payload interface{})
}

// NopBroadcaster drops every event.
type NopBroadcaster struct{}

// EmitToUser implements Broadcaster.
func (NopBroadcaster) EmitToUser(string, model.EventType, interface{}) {}

// EmitToConversation implements Broadcaster.
func (NopBroadcaster) EmitToConversation(string, model.EventType, interface{}) {}

// RoleChecker decides whether a principal bypasses participant checks.
type RoleChecker interface {
	IsElevated(p auth.Principal) bool
}

type transportKey struct{}

// WithTransport tags ctx with the transport that carried the request.
func WithTransport(ctx context.Context, transport string) context.Context {
	return context.WithValue(ctx, transportKey{}, transport)
}

func transportFrom(ctx context.Context) string {
	if t, ok := ctx.Value(transportKey{}).(string); ok {
		return t
	}
	return TransportREST
}

var tracer = otel.Tracer("github.com/capitalize-ai/marketplace-messaging/internal/service")

func startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalid, msg)
}

func validate(v interface{}) error {
	if err := validation.ValidateStruct(v); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, err.Error())
	}
	return nil
}

func checkPage(page, limit int) error {
	if page < 1 {
		return invalid("page must be a positive integer")
	}
	if limit < 1 || limit > MaxPageLimit {
		return invalid(fmt.Sprintf("limit must be between 1 and %d", MaxPageLimit))
	}
	// The skip of (page-1)*limit must fit in an int.
	if page > math.MaxInt/limit {
		return invalid("page is out of range")
	}
	return nil
}
