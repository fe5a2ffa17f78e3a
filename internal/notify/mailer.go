// Package notify provides out-of-band code delivery for MFA challenges and
// account recovery, implementing the auth.Sender interface.
package notify

import (
	"context"
	"log/slog"
)

// DevSender logs codes instead of delivering them. Useful for local
// development and for cmd/exampleserver, never for a real deployment.
type DevSender struct {
	Logger *slog.Logger
}

func (s *DevSender) SendCode(ctx context.Context, contact string, code string) error {
	s.Logger.Info("one-time code issued", "contact", contact, "code", code)
	return nil
}
