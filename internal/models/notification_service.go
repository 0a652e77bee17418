package models

import "context"

// AlertService notifies operators about conditions that need a human.
type AlertService interface {
	Alert(ctx context.Context, subject, message string)
}
