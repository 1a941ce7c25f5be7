package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"signalcartel/internal/types"
)

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, a Alert) error {
	return m.Called(a.Kind).Error(0)
}

type recordingText struct {
	sent chan string
}

func (r *recordingText) SendText(_ context.Context, text string) error {
	r.sent <- text
	return nil
}

func TestTelegramRetriesUntilSuccess(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "42", body["chat_id"])
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tg := NewTelegram("TOKEN", "42")
	tg.BaseURL = srv.URL
	tg.Backoff = time.Millisecond
	require.NoError(t, tg.SendText(context.Background(), "hello"))
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestTelegramGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()
	tg := NewTelegram("TOKEN", "42")
	tg.BaseURL = srv.URL
	tg.Backoff = time.Millisecond
	err := tg.SendText(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")

	assert.Error(t, NewTelegram("", "").SendText(context.Background(), "x"))
}

func TestRenderMarkdown(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	text := MessageFor(Alert{
		Kind:       AlertRegimeChange,
		Severity:   types.SeverityWarning,
		Instrument: "BTCUSDT",
		Title:      "regime trending_bull -> volatile_down",
		Lines:      []string{"confidence 0.72", " ", "``` injected"},
		At:         at,
	}).RenderMarkdown()
	assert.True(t, strings.HasPrefix(text, "⚠️ BTCUSDT regime"))
	assert.Contains(t, text, "- confidence 0.72")
	assert.Contains(t, text, "''' injected")
	assert.NotContains(t, text, "- \n")
	assert.True(t, strings.HasSuffix(text, "2026-03-01 12:00:00 UTC"))

	long := StructuredMessage{Title: strings.Repeat("x", 5000)}.RenderMarkdown()
	assert.Len(t, long, maxStructuredMessageLen+3)
}

func TestDispatcherFansOut(t *testing.T) {
	text := &recordingText{sent: make(chan string, 1)}
	pub := &MockPublisher{}
	done := make(chan struct{})
	pub.On("Publish", AlertHalt).Return(nil).Run(func(mock.Arguments) { close(done) })

	d := NewDispatcher(4, time.Second, []TextNotifier{text}, []Publisher{pub})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Notify(Alert{Kind: AlertHalt, Severity: types.SeverityCritical, Title: "issuance halted"})
	select {
	case msg := <-text.sent:
		assert.Contains(t, msg, "issuance halted")
	case <-time.After(2 * time.Second):
		t.Fatal("text notifier not called")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher not called")
	}
	pub.AssertExpectations(t)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	d := NewDispatcher(2, time.Second, nil, nil)
	for i := 0; i < 5; i++ {
		d.Notify(Alert{Kind: AlertCycle})
	}
	assert.Equal(t, 3, d.Dropped())
}
