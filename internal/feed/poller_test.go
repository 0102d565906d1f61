package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/flowwatch/internal/models"
)

var base = time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

type fakeSource struct {
	name   string
	events []models.MarketEvent
	err    error

	mu     sync.Mutex
	sinces []time.Time
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Fetch(ctx context.Context, symbols []string, since time.Time) ([]models.MarketEvent, error) {
	f.mu.Lock()
	f.sinces = append(f.sinces, since)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.events, nil
}

func tradeAt(symbol string, at time.Time) models.MarketEvent {
	return models.MarketEvent{
		Symbol:    symbol,
		Timestamp: at,
		Kind:      models.KindTrade,
		Payload:   models.Trade{Price: 10, Volume: 100, Size: 100},
	}
}

func TestPoller_MergesAndOrders(t *testing.T) {
	a := &fakeSource{name: "a", events: []models.MarketEvent{tradeAt("XYZ", base.Add(2 * time.Second))}}
	b := &fakeSource{name: "b", events: []models.MarketEvent{tradeAt("ABC", base)}}

	p := NewPoller([]Source{a, b}, []string{"XYZ", "ABC"}, time.Minute, 0, 0)
	events, err := p.Poll(context.Background(), base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "ABC", events[0].Symbol)
	assert.Equal(t, "XYZ", events[1].Symbol)

	assert.Equal(t, []time.Time{base}, a.sinces)
}

func TestPoller_CursorAdvances(t *testing.T) {
	a := &fakeSource{name: "a", events: []models.MarketEvent{
		tradeAt("XYZ", base.Add(5*time.Second)),
		tradeAt("XYZ", base.Add(3*time.Second)),
	}}

	p := NewPoller([]Source{a}, nil, 10*time.Minute, 0, 1)
	_, err := p.Poll(context.Background(), base)
	require.NoError(t, err)

	a.events = nil
	_, err = p.Poll(context.Background(), base.Add(time.Minute))
	require.NoError(t, err)
	_, err = p.Poll(context.Background(), base.Add(2*time.Minute))
	require.NoError(t, err)

	assert.Equal(t, []time.Time{
		base.Add(-10 * time.Minute),
		base.Add(5 * time.Second),
		base.Add(5 * time.Second),
	}, a.sinces)
}

func TestPoller_OverlapPicksUpLateEvents(t *testing.T) {
	a := &fakeSource{name: "a", events: []models.MarketEvent{tradeAt("XYZ", base.Add(5*time.Second))}}

	p := NewPoller([]Source{a}, nil, 10*time.Minute, 2*time.Second, 1)
	events, err := p.Poll(context.Background(), base)
	require.NoError(t, err)
	require.Len(t, events, 1)

	// the source redelivers the 5s event and publishes a late 4s one
	late := tradeAt("XYZ", base.Add(4*time.Second))
	a.events = []models.MarketEvent{tradeAt("XYZ", base.Add(5*time.Second)), late}
	events, err = p.Poll(context.Background(), base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Timestamp.Equal(late.Timestamp))

	events, err = p.Poll(context.Background(), base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, events, "everything inside the overlap was already delivered")

	assert.Equal(t, []time.Time{
		base.Add(-10 * time.Minute),
		base.Add(3 * time.Second),
		base.Add(3 * time.Second),
	}, a.sinces)
}

func TestPoller_PartialFailure(t *testing.T) {
	ok := &fakeSource{name: "ok", events: []models.MarketEvent{tradeAt("XYZ", base)}}
	bad := &fakeSource{name: "bad", err: errors.New("connection refused")}

	p := NewPoller([]Source{ok, bad}, nil, time.Minute, 0, 2)
	events, err := p.Poll(context.Background(), base)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestPoller_AllSourcesFail(t *testing.T) {
	boom := errors.New("connection refused")
	p := NewPoller([]Source{
		&fakeSource{name: "a", err: boom},
		&fakeSource{name: "b", err: errors.New("timeout")},
	}, nil, time.Minute, 0, 2)

	_, err := p.Poll(context.Background(), base)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	_, err = NewPoller(nil, nil, time.Minute, 0, 1).Poll(context.Background(), base)
	assert.Error(t, err)
}
