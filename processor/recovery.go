package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"l2flow/config"
	"l2flow/internal/metrics"
	"l2flow/logger"
	"l2flow/models"
)

// ErrRecoveryFailed is returned by Tick when an instrument exhausts its
// resubscribe attempts.
var ErrRecoveryFailed = errors.New("recovery failed")

// Resubscriber asks the transport to unsubscribe and resubscribe one
// instrument's book channel. Implementations must not block for long; the
// caller is the instrument's message path.
type Resubscriber interface {
	Resubscribe(ctx context.Context, instID string) error
}

// State of an instrument's recovery state machine.
type State int

const (
	StateAwaitingSnapshot State = iota
	StateValid
	StateGapDetected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAwaitingSnapshot:
		return "awaiting_snapshot"
	case StateValid:
		return "valid"
	case StateGapDetected:
		return "gap_detected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RecoveryController drives one instrument through
// VALID -> GAP_DETECTED -> AWAITING_SNAPSHOT -> VALID. Waiting for a snapshot
// is bounded: when the deadline passes Tick re-issues the resubscribe with
// exponential backoff, and after MaxRetries attempts the instrument is FAILED.
// While the transport is disconnected the deadline is held; the wait starts
// again on reconnect.
type RecoveryController struct {
	instrumentID string
	cfg          config.RecoveryConfig
	transport    Resubscriber
	emit         func(models.Event)
	log          *logger.Log

	mu         sync.Mutex
	state      State
	attempts   int
	deadline   time.Time
	backoff    *backoff.Backoff
	recoveryID string

	disconnected bool
}

// NewRecoveryController starts in AWAITING_SNAPSHOT: a freshly subscribed
// instrument has no book until its first snapshot.
func NewRecoveryController(instrumentID string, cfg config.RecoveryConfig, transport Resubscriber, emit func(models.Event), now time.Time) *RecoveryController {
	if emit == nil {
		emit = func(models.Event) {}
	}
	rc := &RecoveryController{
		instrumentID: instrumentID,
		cfg:          cfg,
		transport:    transport,
		emit:         emit,
		log:          logger.GetLogger(),
		state:        StateAwaitingSnapshot,
		deadline:     now.Add(cfg.SnapshotTimeout),
		backoff: &backoff.Backoff{
			Min:    cfg.BaseDelay,
			Max:    cfg.MaxDelay,
			Factor: cfg.BackoffMultiplier,
		},
	}
	metrics.SetRecoveryState(instrumentID, int(rc.state))
	return rc
}

func (rc *RecoveryController) State() State {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// Attempts is the number of resubscribe requests in the current cycle.
func (rc *RecoveryController) Attempts() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.attempts
}

// RecoveryID identifies the current recovery cycle, empty when valid.
func (rc *RecoveryController) RecoveryID() string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.recoveryID
}

// Deadline is when Tick next acts while awaiting a snapshot.
func (rc *RecoveryController) Deadline() time.Time {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.deadline
}

// Disconnected reports whether the controller is waiting for the transport
// to come back.
func (rc *RecoveryController) Disconnected() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.disconnected
}

func (rc *RecoveryController) setState(s State) {
	rc.state = s
	metrics.SetRecoveryState(rc.instrumentID, int(s))
}

// OnGap records the gap and issues the first resubscribe. The caller has
// already invalidated and cleared the book.
func (rc *RecoveryController) OnGap(ctx context.Context, expectedPrev, receivedPrev *int64, seq int64, now time.Time) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.state == StateFailed {
		return
	}

	rc.setState(StateGapDetected)
	rc.recoveryID = uuid.NewString()
	rc.attempts = 0
	rc.backoff.Reset()

	rc.emit(models.Event{
		Kind:            models.EventGapDetected,
		InstrumentID:    rc.instrumentID,
		RecoveryID:      rc.recoveryID,
		Seq:             seq,
		ExpectedPrevSeq: expectedPrev,
		ReceivedPrevSeq: receivedPrev,
		Time:            now,
	})
	rc.log.WithInstrument("recovery", rc.instrumentID).WithFields(logger.Fields{
		"recovery_id":       rc.recoveryID,
		"seq":               seq,
		"expected_prev_seq": ptrValue(expectedPrev),
		"received_prev_seq": ptrValue(receivedPrev),
	}).Warn("sequence gap detected, book invalidated")

	rc.resubscribe(ctx, now, "gap")
}

// OnSnapshot returns the controller to VALID after a snapshot was applied.
func (rc *RecoveryController) OnSnapshot(seq int64, now time.Time) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.state == StateFailed || rc.state == StateValid {
		return
	}

	rc.emit(models.Event{
		Kind:         models.EventSnapshotApplied,
		InstrumentID: rc.instrumentID,
		RecoveryID:   rc.recoveryID,
		Seq:          seq,
		Attempt:      rc.attempts,
		Time:         now,
	})
	rc.log.WithInstrument("recovery", rc.instrumentID).WithFields(logger.Fields{
		"recovery_id": rc.recoveryID,
		"seq":         seq,
		"attempts":    rc.attempts,
	}).Info("snapshot applied, book valid")

	rc.setState(StateValid)
	rc.disconnected = false
	rc.attempts = 0
	rc.recoveryID = ""
	rc.backoff.Reset()
}

// OnDisconnect moves to AWAITING_SNAPSHOT without resubscribing: the
// transport re-subscribes every instrument when it reconnects. No attempt is
// spent until OnReconnect.
func (rc *RecoveryController) OnDisconnect(now time.Time) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.state == StateFailed {
		return
	}
	rc.setState(StateAwaitingSnapshot)
	rc.disconnected = true
	rc.attempts = 0
	rc.recoveryID = uuid.NewString()
	rc.backoff.Reset()
	rc.deadline = now.Add(rc.cfg.SnapshotTimeout)

	rc.emit(models.Event{
		Kind:         models.EventDisconnect,
		InstrumentID: rc.instrumentID,
		RecoveryID:   rc.recoveryID,
		Time:         now,
	})
}

// OnReconnect restarts the snapshot wait from now. The transport has already
// subscribed the instrument again, so the first attempt is the wait itself.
func (rc *RecoveryController) OnReconnect(now time.Time) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.state == StateFailed || !rc.disconnected {
		return
	}
	rc.disconnected = false
	rc.attempts = 0
	rc.backoff.Reset()
	rc.deadline = now.Add(rc.cfg.SnapshotTimeout)

	rc.emit(models.Event{
		Kind:         models.EventReconnect,
		InstrumentID: rc.instrumentID,
		RecoveryID:   rc.recoveryID,
		Time:         now,
	})
}

// Tick acts on an expired snapshot deadline: it re-issues the resubscribe
// or, once MaxRetries requests went unanswered, moves to FAILED and returns
// ErrRecoveryFailed exactly once.
func (rc *RecoveryController) Tick(ctx context.Context, now time.Time) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.state != StateAwaitingSnapshot || rc.disconnected || now.Before(rc.deadline) {
		return nil
	}
	if rc.attempts >= rc.cfg.MaxRetries {
		rc.fail(now)
		return fmt.Errorf("%w: instrument %s after %d attempts", ErrRecoveryFailed, rc.instrumentID, rc.attempts)
	}
	if rc.recoveryID == "" {
		rc.recoveryID = uuid.NewString()
	}
	rc.resubscribe(ctx, now, "snapshot_timeout")
	return nil
}

// resubscribe counts an attempt whether or not the transport accepted it. A
// rejected request is retried after the backoff delay alone; an accepted one
// also waits the snapshot timeout.
func (rc *RecoveryController) resubscribe(ctx context.Context, now time.Time, reason string) {
	rc.attempts++
	delay := rc.backoff.Duration()
	log := rc.log.WithInstrument("recovery", rc.instrumentID).WithFields(logger.Fields{
		"recovery_id": rc.recoveryID,
		"attempt":     rc.attempts,
		"max_retries": rc.cfg.MaxRetries,
		"reason":      reason,
	})

	evt := models.Event{
		Kind:         models.EventResubscribe,
		InstrumentID: rc.instrumentID,
		RecoveryID:   rc.recoveryID,
		Attempt:      rc.attempts,
		Reason:       reason,
		Time:         now,
	}

	var err error
	if rc.transport == nil {
		err = errors.New("no transport")
	} else {
		err = rc.transport.Resubscribe(ctx, rc.instrumentID)
	}
	metrics.IncResubscribe(rc.instrumentID)

	if err != nil {
		evt.Reason = reason + ": " + err.Error()
		rc.deadline = now.Add(delay)
		log.WithError(err).Warn("resubscribe request failed")
	} else {
		rc.deadline = now.Add(rc.cfg.SnapshotTimeout + delay)
		log.Info("resubscribe requested, awaiting snapshot")
	}
	rc.emit(evt)
	rc.setState(StateAwaitingSnapshot)
}

func (rc *RecoveryController) fail(now time.Time) {
	rc.setState(StateFailed)
	rc.emit(models.Event{
		Kind:         models.EventRecoveryFailed,
		InstrumentID: rc.instrumentID,
		RecoveryID:   rc.recoveryID,
		Attempt:      rc.attempts,
		Reason:       "no snapshot after max retries",
		Time:         now,
	})

	logger.IncrementRecoveryFailure()
	metrics.IncRecoveryFailure(rc.instrumentID)
	rc.log.WithInstrument("recovery", rc.instrumentID).WithFields(logger.Fields{
		"recovery_id": rc.recoveryID,
		"attempts":    rc.attempts,
	}).Error("recovery failed, instrument disabled until restart")
	rc.log.LogMetric("recovery", "RecoveryFailed", 1, logger.Fields{"instrument": rc.instrumentID})
}

func ptrValue(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
