package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

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

func TestNotifier_FansOutAndJoinsErrors(t *testing.T) {
	ok := &recordingSender{name: "ok"}
	bad := &recordingSender{name: "bad", err: errors.New("boom")}
	n := NewNotifier([]Sender{bad, ok}, 0, testLogger())

	err := n.Alert(context.Background(), "execution halted", "ambiguous bundle")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Equal(t, []string{"execution halted"}, ok.calls, "delivery continues past a failing sender")
}

func TestNotifier_Cooldown(t *testing.T) {
	s := &recordingSender{name: "s"}
	n := NewNotifier([]Sender{s}, time.Minute, testLogger())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n.nowFn = func() time.Time { return now }

	require.NoError(t, n.Alert(context.Background(), "loss limit", "a"))
	require.NoError(t, n.Alert(context.Background(), "loss limit", "b"))
	require.NoError(t, n.Alert(context.Background(), "halted", "c"))
	now = now.Add(2 * time.Minute)
	require.NoError(t, n.Alert(context.Background(), "loss limit", "d"))

	assert.Equal(t, []string{"loss limit", "halted", "loss limit"}, s.calls)
}

func TestNotifier_NoSenders(t *testing.T) {
	assert.NoError(t, NewNotifier(nil, 0, testLogger()).Alert(context.Background(), "t", "m"))
}

func TestDiscordSender(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, NewDiscordSender(srv.URL).Send(context.Background(), "halted", "details"))
	embeds := got["embeds"].([]any)
	require.Len(t, embeds, 1)
	embed := embeds[0].(map[string]any)
	assert.Equal(t, "halted", embed["title"])
	assert.Equal(t, "details", embed["description"])

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer failing.Close()
	assert.Error(t, NewDiscordSender(failing.URL).Send(context.Background(), "t", "m"))
}

func TestTelegramSender(t *testing.T) {
	var path string
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.baseURL = srv.URL
	require.NoError(t, s.Send(context.Background(), "halted", "liq:bob_1"))
	assert.Equal(t, "/botTOKEN/sendMessage", path)
	assert.Equal(t, "42", got["chat_id"])
	assert.Contains(t, got["text"], "liq:bob_1")
}
