package notificator

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync"
	"testing"

	"github.com/go-telegram/bot"
	"github.com/stretchr/testify/require"

	"github.com/core-coin/pecunia/pkg/logger"
)

type fakeChannel struct {
	name  string
	err   error
	panic bool
	sent  []string
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(_ context.Context, subject, _ string) error {
	if f.panic {
		panic("boom")
	}
	f.sent = append(f.sent, subject)
	return f.err
}

func TestAlertFansOutAndSurvivesFailures(t *testing.T) {
	broken := &fakeChannel{name: "broken", panic: true}
	failing := &fakeChannel{name: "failing", err: errors.New("down")}
	ok := &fakeChannel{name: "ok"}
	n := &Notificator{logger: logger.NewNop(), channels: []channel{broken, failing, ok}}

	n.Alert(context.Background(), "webhook dead-lettered", "delivery 1")

	require.Equal(t, []string{"webhook dead-lettered"}, failing.sent)
	require.Equal(t, []string{"webhook dead-lettered"}, ok.sent)
}

func TestAlertWithoutChannels(t *testing.T) {
	n := NewNotificator(logger.NewNop(), nil, nil)
	require.Empty(t, n.channels)
	n.Alert(context.Background(), "subject", "message")
}

func TestEmailMessage(t *testing.T) {
	e := NewEmailNotificator(logger.NewNop(), "smtp.example.com", 587, "user", "pass", "alerts@example.com", "ops@example.com")
	var gotAddr string
	var gotTo []string
	var gotMsg []byte
	e.sendMail = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, msg
		require.Equal(t, "alerts@example.com", from)
		return nil
	}

	require.NoError(t, e.Send(context.Background(), "wallet\r\ncorrupted", "wallet w1 disabled"))
	require.Equal(t, "smtp.example.com:587", gotAddr)
	require.Equal(t, []string{"ops@example.com"}, gotTo)
	require.Equal(t,
		"From: alerts@example.com\r\nTo: ops@example.com\r\nSubject: [pecunia] wallet  corrupted\r\n\r\nwallet w1 disabled",
		string(gotMsg))

	e.sendMail = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("refused") }
	require.ErrorContains(t, e.Send(context.Background(), "s", "m"), "refused")
}

func TestTelegramSend(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, r.URL.Path+" "+string(raw))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`)
	}))
	defer srv.Close()

	tg, err := NewTelegramNotificator(logger.NewNop(), "123:abc", "42", bot.WithServerURL(srv.URL), bot.WithSkipGetMe())
	require.NoError(t, err)
	require.NoError(t, tg.Send(context.Background(), "subject", "details"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1)
	require.True(t, strings.HasPrefix(bodies[0], "/bot123:abc/sendMessage "), bodies[0])
	require.Contains(t, bodies[0], "subject\n\ndetails")
}
