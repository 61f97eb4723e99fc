package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"l2flow/config"
	"l2flow/internal/book"
	"l2flow/internal/metrics"
	"l2flow/logger"
	"l2flow/models"
)

// ProcessorStats counts what happened to every message of one instrument.
type ProcessorStats struct {
	Applied            int64
	Snapshots          int64
	Stale              int64
	Discarded          int64
	Gaps               int64
	ChecksumMismatches int64
	Disconnects        int64
}

// BookProcessor is the single writer of one instrument's book. It parses raw
// frames, classifies them against the book and applies, drops or hands them
// to recovery.
type BookProcessor struct {
	config       *config.Config
	instrumentID string
	book         *book.Book
	recovery     *RecoveryController
	raw          <-chan models.RawBookMessage
	emit         func(models.Event)
	now          func() time.Time

	ctx     context.Context
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	applied, snapshots, stale, discarded, gaps, mismatches, disconnects int64
}

// NewBookProcessor wires a fresh, invalid book to its recovery controller.
func NewBookProcessor(cfg *config.Config, instrumentID string, raw <-chan models.RawBookMessage, transport Resubscriber, emit func(models.Event)) *BookProcessor {
	if emit == nil {
		emit = func(models.Event) {}
	}
	p := &BookProcessor{
		config:       cfg,
		instrumentID: instrumentID,
		book:         book.New(instrumentID),
		raw:          raw,
		emit:         emit,
		now:          time.Now,
		log:          logger.GetLogger(),
	}
	p.recovery = NewRecoveryController(instrumentID, cfg.Recovery, transport, emit, p.now())
	return p
}

func (p *BookProcessor) InstrumentID() string { return p.instrumentID }

// Book returns the live book. Readers must go through SnapshotView.
func (p *BookProcessor) Book() *book.Book { return p.book }

func (p *BookProcessor) Recovery() *RecoveryController { return p.recovery }

func (p *BookProcessor) entry(component string) *logger.Entry {
	return p.log.WithInstrument(component, p.instrumentID)
}

func (p *BookProcessor) GetStats() ProcessorStats {
	return ProcessorStats{
		Applied:            atomic.LoadInt64(&p.applied),
		Snapshots:          atomic.LoadInt64(&p.snapshots),
		Stale:              atomic.LoadInt64(&p.stale),
		Discarded:          atomic.LoadInt64(&p.discarded),
		Gaps:               atomic.LoadInt64(&p.gaps),
		ChecksumMismatches: atomic.LoadInt64(&p.mismatches),
		Disconnects:        atomic.LoadInt64(&p.disconnects),
	}
}

// Run consumes the raw channel until ctx ends or the channel closes. It
// returns a non-nil error only for fatal conditions: a schema violation or
// an update applied to an invalid book. Recovery timeouts are driven by a
// ticker in the same loop, so nothing in the message path sleeps.
func (p *BookProcessor) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("book processor %s already running", p.instrumentID)
	}
	p.running = true
	p.ctx = ctx
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	log := p.entry("book_processor")
	log.Info("starting book processor")

	ticker := time.NewTicker(p.config.Recovery.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("book processor stopped")
			return nil
		case msg, ok := <-p.raw:
			if !ok {
				log.Info("raw channel closed, book processor stopped")
				return nil
			}
			if err := p.Handle(ctx, msg); err != nil {
				log.WithError(err).Error("fatal book processing error")
				return err
			}
		case <-ticker.C:
			if err := p.recovery.Tick(ctx, p.now()); err != nil && !errors.Is(err, ErrRecoveryFailed) {
				return err
			}
		}
	}
}

// Handle processes one raw frame.
func (p *BookProcessor) Handle(ctx context.Context, msg models.RawBookMessage) error {
	switch msg.Event {
	case models.RawEventDisconnect:
		p.onDisconnect(msg.Timestamp)
		return nil
	case models.RawEventReconnect:
		p.recovery.OnReconnect(p.now())
		p.entry("book_processor").WithFields(logger.Fields{"reconnected_at": msg.Timestamp}).Info("transport reconnected, awaiting snapshot")
		return nil
	}
	if p.recovery.State() == StateFailed {
		atomic.AddInt64(&p.discarded, 1)
		return nil
	}

	logger.RecordChannelMessage("okx_books_raw", len(msg.Data))
	feed, err := models.ParseOkxBooks(msg.Data)
	if err != nil {
		return fmt.Errorf("instrument %s: %w", p.instrumentID, err)
	}
	for i := range feed {
		if feed[i].InstrumentID != p.instrumentID {
			return fmt.Errorf("%w: frame for %s routed to %s", book.ErrInstrumentMismatch, feed[i].InstrumentID, p.instrumentID)
		}
		if err := p.apply(ctx, &feed[i]); err != nil {
			return err
		}
	}
	return nil
}

func (p *BookProcessor) apply(ctx context.Context, msg *models.FeedMessage) error {
	switch class := book.Classify(msg, p.book); class {
	case book.ClassApply:
		if msg.Kind == models.KindSnapshot {
			if err := p.book.ApplySnapshot(msg); err != nil {
				return err
			}
			atomic.AddInt64(&p.snapshots, 1)
			logger.IncrementSnapshotApplied()
			metrics.IncSnapshotApplied(p.instrumentID)
			p.recovery.OnSnapshot(msg.Seq, p.now())
		} else {
			if err := p.book.ApplyUpdate(msg); err != nil {
				return err
			}
			atomic.AddInt64(&p.applied, 1)
			logger.IncrementUpdateApplied()
		}
		p.verifyChecksum(msg)

	case book.ClassStale:
		atomic.AddInt64(&p.stale, 1)
		logger.IncrementStale()
		metrics.IncStale(p.instrumentID)
		p.entry("gap_detector").WithFields(logger.Fields{"seq": msg.Seq}).Debug("stale update dropped")

	case book.ClassDiscard:
		atomic.AddInt64(&p.discarded, 1)

	case book.ClassGap:
		atomic.AddInt64(&p.gaps, 1)
		logger.IncrementGap()
		metrics.IncGap(p.instrumentID)
		last := p.book.Invalidate()
		p.book.MarkGap()
		p.recovery.OnGap(ctx, last, msg.PrevSeq, msg.Seq, p.now())
	}
	return nil
}

// verifyChecksum is advisory: a mismatch is reported and counted but the book
// stays valid.
func (p *BookProcessor) verifyChecksum(msg *models.FeedMessage) {
	if !p.config.Checksum.Enabled {
		return
	}
	computed, ok := book.Verify(p.book, msg.Checksum, p.config.Checksum.Depth)
	if ok {
		return
	}
	atomic.AddInt64(&p.mismatches, 1)
	logger.IncrementChecksumMismatch()
	metrics.IncChecksumMismatch(p.instrumentID)
	p.emit(models.Event{
		Kind:               models.EventChecksumMismatch,
		InstrumentID:       p.instrumentID,
		Seq:                msg.Seq,
		AdvertisedChecksum: msg.Checksum,
		ComputedChecksum:   computed,
		Time:               p.now(),
	})
	p.entry("checksum").WithFields(logger.Fields{
		"seq":                 msg.Seq,
		"kind":                msg.Kind.String(),
		"advertised_checksum": msg.Checksum,
		"computed_checksum":   computed,
		"depth":               p.config.Checksum.Depth,
	}).Warn("checksum mismatch")
}

func (p *BookProcessor) onDisconnect(at time.Time) {
	atomic.AddInt64(&p.disconnects, 1)
	last := p.book.Invalidate()
	p.recovery.OnDisconnect(p.now())
	p.entry("book_processor").WithFields(logger.Fields{
		"last_seq":        ptrValue(last),
		"disconnected_at": at,
	}).Warn("transport disconnected, book invalidated")
}
