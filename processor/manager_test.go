package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"l2flow/internal/channel"
	"l2flow/models"
)

func TestManagerRunsInstrumentsIndependently(t *testing.T) {
	cfg := testConfig("BTC-USDT-SWAP", "ETH-USDT-SWAP")
	ch := channel.NewChannels(cfg.Source.Okx.Instruments, 16, 16)
	tr := &fakeTransport{}
	m, err := NewManager(cfg, ch, tr)
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []models.Event
	m.AddEventSink(EventSinkFunc(func(evt models.Event) {
		mu.Lock()
		seen = append(seen, evt)
		mu.Unlock()
	}))

	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	defer m.Stop()
	assert.Error(t, m.Start(ctx), "second start must fail")

	ch.SendRaw(ctx, okxFrame("BTC-USDT-SWAP", "snapshot", -1, 1, 0, levels(lv("100", "1")), levels(lv("101", "1"))))
	ch.SendRaw(ctx, okxFrame("ETH-USDT-SWAP", "snapshot", -1, 1, 0, levels(lv("10", "1")), levels(lv("11", "1"))))
	// gap on ETH only
	ch.SendRaw(ctx, okxFrame("ETH-USDT-SWAP", "update", 7, 8, 0, nil, nil))

	require.Eventually(t, func() bool {
		btc, _ := m.Book("BTC-USDT-SWAP")
		eth, _ := m.Book("ETH-USDT-SWAP")
		return btc.Valid() && !eth.Valid() && tr.count() == 1
	}, time.Second, 5*time.Millisecond)

	status := m.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "BTC-USDT-SWAP", status[0].InstrumentID)
	assert.Equal(t, "valid", status[0].State)
	assert.Equal(t, "awaiting_snapshot", status[1].State)
	assert.EqualValues(t, 1, status[1].Stats.Gaps)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range seen {
			if e.Kind == models.EventGapDetected && e.InstrumentID == "ETH-USDT-SWAP" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	assert.Len(t, m.Books(), 2)
	_, ok := m.Book("SOL-USDT-SWAP")
	assert.False(t, ok)
}

func TestManagerReportsFatalError(t *testing.T) {
	cfg := testConfig("BTC-USDT-SWAP", "ETH-USDT-SWAP")
	ch := channel.NewChannels(cfg.Source.Okx.Instruments, 4, 4)
	m, err := NewManager(cfg, ch, &fakeTransport{})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	ch.SendRaw(ctx, models.RawBookMessage{InstrumentID: "ETH-USDT-SWAP", Data: []byte(`{"arg":{"instId":"ETH-USDT-SWAP"},"action":"snapshot","data":[{}]}`)})

	select {
	case err := <-m.Fatal():
		require.Error(t, err)
		assert.True(t, errors.Is(err, models.ErrSchema))
	case <-time.After(time.Second):
		t.Fatal("fatal error not reported")
	}
}

func TestManagerDisconnectReachesEveryInstrument(t *testing.T) {
	cfg := testConfig("BTC-USDT-SWAP", "ETH-USDT-SWAP")
	ch := channel.NewChannels(cfg.Source.Okx.Instruments, 4, 16)
	tr := &fakeTransport{}
	m, err := NewManager(cfg, ch, tr)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	for _, inst := range cfg.Source.Okx.Instruments {
		ch.SendRaw(ctx, okxFrame(inst, "snapshot", -1, 1, 0, levels(lv("100", "1")), levels(lv("101", "1"))))
	}
	require.Eventually(t, func() bool {
		for _, b := range m.Books() {
			if !b.Valid() {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, ch.BroadcastDisconnect(ctx, time.Now()))
	require.Eventually(t, func() bool {
		for _, b := range m.Books() {
			if b.Valid() {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, tr.count())
}
