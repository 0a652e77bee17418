package notificator

import (
	"context"
	"fmt"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/core-coin/pecunia/pkg/logger"
)

type EmailNotificator struct {
	logger *logger.Logger

	SMTPHost   string
	SMTPPort   int
	SMTPSender string
	Recipient  string

	SMTPAuth smtp.Auth

	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailNotificator(logger *logger.Logger, SMTPHost string, SMTPPort int, SMTPUser, SMTPPassword, SMTPSender, recipient string) *EmailNotificator {
	var auth smtp.Auth
	if SMTPUser != "" {
		auth = smtp.PlainAuth("", SMTPUser, SMTPPassword, SMTPHost)
	}
	return &EmailNotificator{
		logger:     logger.Named("email"),
		SMTPAuth:   auth,
		SMTPHost:   SMTPHost,
		SMTPPort:   SMTPPort,
		SMTPSender: SMTPSender,
		Recipient:  recipient,
		sendMail:   smtp.SendMail,
	}
}

func (e *EmailNotificator) Name() string { return "email" }

// Send ignores ctx; net/smtp has no context support.
func (e *EmailNotificator) Send(_ context.Context, subject, message string) error {
	addr := e.SMTPHost + ":" + strconv.Itoa(e.SMTPPort)
	if err := e.sendMail(addr, e.SMTPAuth, e.SMTPSender, []string{e.Recipient}, e.message(subject, message)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

func (e *EmailNotificator) message(subject, body string) []byte {
	subject = strings.NewReplacer("\r", " ", "\n", " ").Replace(subject)
	return []byte(fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: [pecunia] %s\r\n\r\n%s",
		e.SMTPSender,
		e.Recipient,
		subject,
		body,
	))
}
