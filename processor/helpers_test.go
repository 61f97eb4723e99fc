package processor

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"l2flow/config"
	"l2flow/models"
)

const testInst = "BTC-USDT-SWAP"

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeTransport struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeTransport) Resubscribe(_ context.Context, instID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, instID)
	return f.err
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTransport) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

var errTransportDown = errors.New("transport down")

type eventLog struct {
	mu     sync.Mutex
	events []models.Event
}

func (l *eventLog) emit(evt models.Event) {
	l.mu.Lock()
	l.events = append(l.events, evt)
	l.mu.Unlock()
}

func (l *eventLog) kinds() []models.EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.EventKind, len(l.events))
	for i, e := range l.events {
		out[i] = e.Kind
	}
	return out
}

func (l *eventLog) byKind(kind models.EventKind) []models.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.Event
	for _, e := range l.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func testConfig(instruments ...string) *config.Config {
	cfg := config.Default()
	if len(instruments) == 0 {
		instruments = []string{testInst}
	}
	cfg.Source.Okx.Instruments = instruments
	cfg.Checksum.Enabled = false
	cfg.Recovery = config.RecoveryConfig{
		SnapshotTimeout:   time.Second,
		MaxRetries:        3,
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2,
		TickInterval:      5 * time.Millisecond,
	}
	return &cfg
}

// mustLevel builds a level from literals that are known to parse.
func mustLevel(price, quantity string, orderCount int64) models.Level {
	l, err := models.NewLevel(price, quantity, orderCount)
	if err != nil {
		panic(err)
	}
	return l
}

// lv renders an OKX level tuple.
func lv(price, size string) []string { return []string{price, size, "0", "1"} }

func levels(ls ...[]string) [][]string {
	if ls == nil {
		return [][]string{}
	}
	return ls
}

func okxFrame(inst, action string, prev, seq int64, checksum int32, bids, asks [][]string) models.RawBookMessage {
	if bids == nil {
		bids = [][]string{}
	}
	if asks == nil {
		asks = [][]string{}
	}
	payload := map[string]any{
		"arg":    map[string]string{"channel": "books", "instId": inst},
		"action": action,
		"data": []map[string]any{{
			"bids":      bids,
			"asks":      asks,
			"ts":        strconv.FormatInt(t0.UnixMilli()+seq, 10),
			"seqId":     seq,
			"prevSeqId": prev,
			"checksum":  checksum,
		}},
	}
	data, _ := json.Marshal(payload)
	return models.RawBookMessage{Exchange: "okx", InstrumentID: inst, Data: data, Timestamp: t0}
}

func snapshotFrame(seq int64, bids, asks [][]string) models.RawBookMessage {
	return okxFrame(testInst, "snapshot", -1, seq, 0, bids, asks)
}

func updateFrame(prev, seq int64, bids, asks [][]string) models.RawBookMessage {
	return okxFrame(testInst, "update", prev, seq, 0, bids, asks)
}
