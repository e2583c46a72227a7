// Package delivery hands OTP codes to whatever actually sends them. Nothing
// here retries; a failed delivery is reported back so the voter can resend.
package delivery

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

var ErrRejected = errors.New("delivery rejected by gateway")

type Message struct {
	SessionID string    `json:"sessionId"`
	ProjectID string    `json:"projectId"`
	Channel   string    `json:"channel"`
	To        string    `json:"to"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type Gateway interface {
	Deliver(ctx context.Context, msg Message) error
}

// LogGateway writes codes to the log. Development only.
type LogGateway struct {
	logger *zap.Logger
}

func NewLogGateway(logger *zap.Logger) *LogGateway {
	return &LogGateway{logger: logger}
}

func (g *LogGateway) Deliver(_ context.Context, msg Message) error {
	g.logger.Warn("OTP delivered to log",
		zap.String("session_id", msg.SessionID),
		zap.String("channel", msg.Channel),
		zap.String("to", msg.To),
		zap.String("code", msg.Code))
	return nil
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, msg Message) error

func (f GatewayFunc) Deliver(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}
