package metrics

import (
	"context"
	"time"

	"l2flow/logger"
)

// RawBuffers is the view of the raw channels the size reporter needs.
type RawBuffers interface {
	Instruments() []string
	RawLen(instID string) (length, capacity int)
}

// StartChannelSizeMetrics publishes raw buffer occupancy per instrument every
// interval until ctx is cancelled. A non-positive interval means one second.
func StartChannelSizeMetrics(ctx context.Context, buffers RawBuffers, interval time.Duration) {
	if buffers == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reportChannelSizes(log, buffers)
			}
		}
	}()
}

func reportChannelSizes(log *logger.Log, buffers RawBuffers) {
	for _, inst := range buffers.Instruments() {
		length, capacity := buffers.RawLen(inst)
		SetRawBufferLength(inst, length)
		EmitMetric(log, "channel_buffers", "raw_buffer_length", length, "gauge", logger.Fields{
			"instrument": inst,
			"capacity":   capacity,
		})
	}
}
