package notificator

import (
	"context"
	"runtime/debug"

	"github.com/core-coin/pecunia/pkg/logger"
)

// channel is one operator alert transport.
type channel interface {
	Name() string
	Send(ctx context.Context, subject, message string) error
}

// Notificator fans operator alerts out to every configured channel. It
// implements models.AlertService.
type Notificator struct {
	logger *logger.Logger

	channels []channel
}

// NewNotificator accepts nil transports for channels that are not configured.
func NewNotificator(logger *logger.Logger, telNotif *TelegramNotificator, emailNotif *EmailNotificator) *Notificator {
	n := &Notificator{logger: logger.Named("notificator")}
	if telNotif != nil {
		n.channels = append(n.channels, telNotif)
	}
	if emailNotif != nil {
		n.channels = append(n.channels, emailNotif)
	}
	return n
}

// safeCall runs a function with panic recovery (synchronous, no goroutine spawning)
func (n *Notificator) safeCall(fn func(), context string) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("Function panicked",
				"context", context,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}

func (n *Notificator) Alert(ctx context.Context, subject, message string) {
	if len(n.channels) == 0 {
		n.logger.Warn("Operator alert (no channel configured)", "subject", subject, "message", message)
		return
	}
	for _, ch := range n.channels {
		ch := ch
		n.safeCall(func() {
			if err := ch.Send(ctx, subject, message); err != nil {
				n.logger.Error("Failed to send operator alert", "channel", ch.Name(), "subject", subject, "error", err)
			}
		}, ch.Name()+"Alert")
	}
}
