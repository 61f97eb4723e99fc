package processor

import (
	"l2flow/logger"
	"l2flow/models"
)

// EventSink receives every diagnostic event after it has been logged.
type EventSink interface {
	HandleEvent(models.Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(models.Event)

func (f EventSinkFunc) HandleEvent(evt models.Event) { f(evt) }

// drainEvents logs events and fans them out until the manager stops. Events
// still queued at shutdown are dropped.
func (m *Manager) drainEvents() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case evt, ok := <-m.channels.Events:
			if !ok {
				return
			}
			logEvent(m.log, evt)
			m.mu.RLock()
			sinks := m.sinks
			m.mu.RUnlock()
			for _, s := range sinks {
				s.HandleEvent(evt)
			}
		}
	}
}

func logEvent(log *logger.Log, evt models.Event) {
	fields := logger.Fields{
		"event":      string(evt.Kind),
		"event_time": evt.Time,
	}
	if evt.RecoveryID != "" {
		fields["recovery_id"] = evt.RecoveryID
	}
	if evt.Seq != 0 {
		fields["seq"] = evt.Seq
	}
	switch evt.Kind {
	case models.EventGapDetected:
		fields["expected_prev_seq"] = ptrValue(evt.ExpectedPrevSeq)
		fields["received_prev_seq"] = ptrValue(evt.ReceivedPrevSeq)
	case models.EventChecksumMismatch:
		fields["advertised_checksum"] = evt.AdvertisedChecksum
		fields["computed_checksum"] = evt.ComputedChecksum
	case models.EventResubscribe, models.EventRecoveryFailed:
		fields["attempt"] = evt.Attempt
		fields["reason"] = evt.Reason
	}
	log.WithInstrument("events", evt.InstrumentID).WithFields(fields).Info("book event")
}
