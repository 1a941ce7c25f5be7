package venue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"signalcartel/internal/pkg/circuit"
	"signalcartel/internal/types"
)

type MockVenue struct {
	mock.Mock
}

func (m *MockVenue) Submit(ctx context.Context, intent OrderIntent) (Result, error) {
	args := m.Called(ctx, intent)
	return args.Get(0).(Result), args.Error(1)
}

func (m *MockVenue) Cancel(ctx context.Context, orderID string) error {
	return m.Called(ctx, orderID).Error(0)
}

func (m *MockVenue) Events() <-chan Event { return nil }

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":"close","trigger_id":"t1","symbol":"ethusdt","price":101.5,"slippage":0.0004,"ts":1700000000000}`))
	require.NoError(t, err)
	assert.Equal(t, EventClose, ev.Kind)
	assert.Equal(t, "ETHUSDT", ev.Instrument)
	assert.Equal(t, 101.5, ev.Price)
	assert.Equal(t, 1.0, ev.Fraction)
	assert.Equal(t, time.UnixMilli(1_700_000_000_000).UTC(), ev.At)

	ev, err = ParseEvent([]byte(`{"kind":"fill","trigger_id":"t2","instrument":"BTCUSDT","price":50000,"fraction":0.5,"ts":"2026-01-02T03:04:05Z"}`))
	require.NoError(t, err)
	assert.Equal(t, EventFill, ev.Kind)
	assert.Equal(t, 0.5, ev.Fraction)
	assert.Equal(t, 2026, ev.At.Year())

	for _, bad := range []string{
		`not json`,
		`{"type":"cancel","trigger_id":"t","price":1}`,
		`{"type":"fill","price":1}`,
		`{"type":"fill","trigger_id":"t"}`,
		`{"type":"fill","trigger_id":"t","price":1,"ts":"yesterday"}`,
	} {
		_, err := ParseEvent([]byte(bad))
		assert.Error(t, err, bad)
	}
}

func TestPaperVenueFillsAndRejects(t *testing.T) {
	p := NewPaperVenue(4)
	res, err := p.Submit(context.Background(), OrderIntent{TriggerID: "a", Instrument: "X", Kind: KindOpen, EntryPrice: 10})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	ev := <-p.Events()
	assert.Equal(t, EventFill, ev.Kind)
	assert.Equal(t, "a", ev.TriggerID)

	p.RejectWhen(func(i OrderIntent) (string, bool) { return "halted symbol", i.Instrument == "Y" })
	res, err = p.Submit(context.Background(), OrderIntent{TriggerID: "b", Instrument: "Y"})
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, "halted symbol", res.Reason)
	assert.Len(t, p.Intents(), 1)
}

func TestGuardedVenueTripsOnTransportErrors(t *testing.T) {
	inner := &MockVenue{}
	inner.On("Submit", mock.Anything, mock.Anything).Return(Result{}, errors.New("connection reset")).Twice()
	g := NewGuarded(inner, circuit.New("venue", 2, time.Hour), time.Second)

	for i := 0; i < 2; i++ {
		_, err := g.Submit(context.Background(), OrderIntent{Instrument: "X"})
		require.Error(t, err)
		assert.True(t, types.IsKind(err, types.KindVenueRejection))
	}
	_, err := g.Submit(context.Background(), OrderIntent{Instrument: "X"})
	require.Error(t, err)
	assert.ErrorIs(t, err, circuit.ErrOpen)
	inner.AssertNumberOfCalls(t, "Submit", 2)
}

func TestGuardedVenueRejectionIsNotFailure(t *testing.T) {
	inner := &MockVenue{}
	inner.On("Submit", mock.Anything, mock.Anything).Return(Result{Accepted: false, Reason: "margin"}, nil)
	g := NewGuarded(inner, circuit.New("venue", 1, time.Hour), time.Second)
	for i := 0; i < 3; i++ {
		res, err := g.Submit(context.Background(), OrderIntent{Instrument: "X"})
		require.NoError(t, err)
		assert.False(t, res.Accepted)
	}
	assert.Equal(t, circuit.StateClosed, g.Breaker().State())
}
