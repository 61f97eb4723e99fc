// Package channel holds the buffered channels between the websocket reader,
// the per-instrument book processors and the event consumers.
package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"l2flow/logger"
	"l2flow/models"
)

type ChannelStats struct {
	RawSent        int64
	RawDropped     int64
	EventsSent     int64
	EventsDropped  int64
	Disconnects    int64
	Reconnects     int64
	UnknownDropped int64
}

// Channels routes raw frames to one buffered channel per instrument, so a
// slow instrument never delays another one.
type Channels struct {
	raw    map[string]chan models.RawBookMessage
	Events chan models.Event

	rawSent        int64
	rawDropped     int64
	eventsSent     int64
	eventsDropped  int64
	disconnects    int64
	reconnects     int64
	unknownDropped int64

	closeOnce sync.Once
	log       *logger.Log
}

func NewChannels(instruments []string, rawBufferSize, eventBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		raw:    make(map[string]chan models.RawBookMessage, len(instruments)),
		Events: make(chan models.Event, eventBufferSize),
		log:    log,
	}
	for _, inst := range instruments {
		c.raw[inst] = make(chan models.RawBookMessage, rawBufferSize)
	}

	log.WithComponent("book_channels").WithFields(logger.Fields{
		"instruments":       len(instruments),
		"raw_buffer_size":   rawBufferSize,
		"event_buffer_size": eventBufferSize,
	}).Info("book channels initialized")
	return c
}

// Raw returns the receive side of instID's raw channel.
func (c *Channels) Raw(instID string) (<-chan models.RawBookMessage, error) {
	ch, ok := c.raw[instID]
	if !ok {
		return nil, fmt.Errorf("no raw channel for instrument %s", instID)
	}
	return ch, nil
}

// Instruments lists the routed instruments in sorted order.
func (c *Channels) Instruments() []string {
	out := make([]string, 0, len(c.raw))
	for inst := range c.raw {
		out = append(out, inst)
	}
	sort.Strings(out)
	return out
}

// SendRaw never blocks the websocket read loop: when the instrument's buffer
// is full the frame is dropped and counted. The dropped update shows up as a
// sequence gap downstream and triggers a resync.
func (c *Channels) SendRaw(ctx context.Context, msg models.RawBookMessage) bool {
	ch, ok := c.raw[msg.InstrumentID]
	if !ok {
		atomic.AddInt64(&c.unknownDropped, 1)
		return false
	}
	select {
	case ch <- msg:
		atomic.AddInt64(&c.rawSent, 1)
		return true
	case <-ctx.Done():
		return false
	default:
		atomic.AddInt64(&c.rawDropped, 1)
		logger.IncrementRawDropped()
		return false
	}
}

// BroadcastDisconnect delivers a disconnect marker to every instrument. It
// blocks until each one is queued or ctx ends: unlike data frames, the
// marker must not be lost.
func (c *Channels) BroadcastDisconnect(ctx context.Context, at time.Time) error {
	return c.broadcast(ctx, models.RawEventDisconnect, at, &c.disconnects)
}

// BroadcastReconnect tells every instrument that the connection is back and
// its book channel was subscribed again. It blocks like BroadcastDisconnect.
func (c *Channels) BroadcastReconnect(ctx context.Context, at time.Time) error {
	return c.broadcast(ctx, models.RawEventReconnect, at, &c.reconnects)
}

func (c *Channels) broadcast(ctx context.Context, event string, at time.Time, counter *int64) error {
	for _, inst := range c.Instruments() {
		msg := models.RawBookMessage{
			Exchange:     "okx",
			InstrumentID: inst,
			Event:        event,
			Timestamp:    at,
		}
		select {
		case c.raw[inst] <- msg:
			atomic.AddInt64(counter, 1)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// SendEvent queues a diagnostic event without blocking. Events are advisory;
// a full buffer drops them.
func (c *Channels) SendEvent(evt models.Event) bool {
	select {
	case c.Events <- evt:
		atomic.AddInt64(&c.eventsSent, 1)
		return true
	default:
		atomic.AddInt64(&c.eventsDropped, 1)
		return false
	}
}

// RawLen reports occupancy and capacity of instID's raw buffer.
func (c *Channels) RawLen(instID string) (length, capacity int) {
	ch, ok := c.raw[instID]
	if !ok {
		return 0, 0
	}
	return len(ch), cap(ch)
}

func (c *Channels) GetStats() ChannelStats {
	return ChannelStats{
		RawSent:        atomic.LoadInt64(&c.rawSent),
		RawDropped:     atomic.LoadInt64(&c.rawDropped),
		EventsSent:     atomic.LoadInt64(&c.eventsSent),
		EventsDropped:  atomic.LoadInt64(&c.eventsDropped),
		Disconnects:    atomic.LoadInt64(&c.disconnects),
		Reconnects:     atomic.LoadInt64(&c.reconnects),
		UnknownDropped: atomic.LoadInt64(&c.unknownDropped),
	}
}

// Close closes every channel. Producers must have stopped first.
func (c *Channels) Close() {
	c.closeOnce.Do(func() {
		for _, ch := range c.raw {
			close(ch)
		}
		close(c.Events)
		c.log.WithComponent("book_channels").Info("book channels closed")
	})
}
