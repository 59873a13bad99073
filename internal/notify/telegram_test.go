package notify

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"hedgerd/internal/config"
)

func TestDisabledWithoutCredentials(t *testing.T) {
	t.Parallel()

	cases := []config.TelegramConfig{
		{Enabled: false, BotToken: "tok", ChatID: "42"},
		{Enabled: true, BotToken: "", ChatID: "42"},
		{Enabled: true, BotToken: "tok", ChatID: ""},
	}
	for _, cfg := range cases {
		n := New(cfg, slog.Default())
		if n.Enabled() {
			t.Errorf("Enabled() = true for %+v", cfg)
		}
		// Must be safe to call while disabled.
		n.Notify(context.Background(), "hello")
	}
}

func TestNotifySendsMessage(t *testing.T) {
	t.Parallel()

	var gotPath, gotChat, gotText string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		r.ParseForm()
		gotChat = r.FormValue("chat_id")
		gotText = r.FormValue("text")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	n := New(config.TelegramConfig{Enabled: true, BotToken: "tok", ChatID: "42"}, slog.Default())
	n.http.SetBaseURL(srv.URL + "/bottok")

	n.Notify(context.Background(), "hedged pair-1")

	if gotPath != "/bottok/sendMessage" {
		t.Errorf("path = %s", gotPath)
	}
	if gotChat != "42" || gotText != "hedged pair-1" {
		t.Errorf("form = chat %q text %q", gotChat, gotText)
	}
}

func TestNotifySwallowsServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := New(config.TelegramConfig{Enabled: true, BotToken: "tok", ChatID: "42"}, slog.Default())
	n.http.SetBaseURL(srv.URL)

	// Must not panic or propagate anything.
	n.Notify(context.Background(), "boom")
}
