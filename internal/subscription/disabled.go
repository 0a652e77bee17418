package subscription

import (
	"context"
	"errors"
)

var ErrSourceDisabled = errors.New("notification source not configured")

// Disabled is the notification source used when none is configured. Every
// address stays unmonitored and shows up in health checks.
type Disabled struct{}

func (Disabled) Subscribe(context.Context, string, string, string) (string, error) {
	return "", ErrSourceDisabled
}

func (Disabled) Unsubscribe(context.Context, string) error {
	return ErrSourceDisabled
}
