package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/stakepool/internal/notify"
)

type recordingSender struct {
	name  string
	err   error
	calls []string
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.calls = append(r.calls, title)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifierFiltersEvents(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := notify.NewNotifier([]notify.Sender{s}, []string{notify.EventDataIntegrity}, discardLogger())

	require.NoError(t, n.Notify(context.Background(), notify.EventRootPublished, "published", ""))
	require.NoError(t, n.Notify(context.Background(), notify.EventDataIntegrity, "integrity", ""))
	assert.Equal(t, []string{"integrity"}, s.calls)
}

func TestNotifierThrottles(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := notify.NewNotifier([]notify.Sender{s}, nil, discardLogger(), notify.WithLimit(rate.Limit(0.001), 2))

	for i := 0; i < 5; i++ {
		require.NoError(t, n.Notify(context.Background(), notify.EventSweepFailed, "sweep", ""))
	}
	assert.Len(t, s.calls, 2)
}

func TestNotifierCollectsSenderErrors(t *testing.T) {
	boom := errors.New("boom")
	bad := &recordingSender{name: "bad", err: boom}
	good := &recordingSender{name: "good"}
	n := notify.NewNotifier([]notify.Sender{bad, good}, nil, discardLogger())

	err := n.Notify(context.Background(), notify.EventRootMismatch, "mismatch", "")
	assert.ErrorIs(t, err, boom)
	assert.Len(t, good.calls, 1)
}

func TestNilNotifierIsNoop(t *testing.T) {
	var n *notify.Notifier
	assert.NoError(t, n.Notify(context.Background(), notify.EventDataIntegrity, "x", "y"))
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := notify.NewTelegramSenderWithBaseURL(srv.URL, "tok", "42")
	require.NoError(t, s.Send(context.Background(), "Settled", "p1"))
	assert.Equal(t, "/bottok/sendMessage", path)
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Settled*\np1", got["text"])
}

func TestDiscordSenderReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := notify.NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}
