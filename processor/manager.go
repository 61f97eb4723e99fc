package processor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"l2flow/config"
	"l2flow/internal/book"
	"l2flow/internal/channel"
	"l2flow/logger"
	"l2flow/models"
)

// InstrumentStatus is what the status server shows per instrument.
type InstrumentStatus struct {
	InstrumentID string         `json:"instrument_id"`
	State        string         `json:"state"`
	Valid        bool           `json:"valid"`
	LastSeq      *int64         `json:"last_seq"`
	Attempts     int            `json:"recovery_attempts"`
	RecoveryID   string         `json:"recovery_id,omitempty"`
	Stats        ProcessorStats `json:"stats"`
}

// Manager runs one BookProcessor per instrument. Processors share nothing;
// the first fatal error cancels the group and is delivered on Fatal.
type Manager struct {
	config     *config.Config
	channels   *channel.Channels
	processors map[string]*BookProcessor
	sinks      []EventSink

	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	fatal   chan error
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

func NewManager(cfg *config.Config, ch *channel.Channels, transport Resubscriber) (*Manager, error) {
	m := &Manager{
		config:     cfg,
		channels:   ch,
		processors: make(map[string]*BookProcessor),
		fatal:      make(chan error, 1),
		wg:         &sync.WaitGroup{},
		log:        logger.GetLogger(),
	}
	for _, inst := range ch.Instruments() {
		raw, err := ch.Raw(inst)
		if err != nil {
			return nil, err
		}
		m.processors[inst] = NewBookProcessor(cfg, inst, raw, transport, m.sendEvent)
	}
	return m, nil
}

func (m *Manager) sendEvent(evt models.Event) {
	m.channels.SendEvent(evt)
}

// AddEventSink registers a consumer of diagnostic events. It must be called
// before Start.
func (m *Manager) AddEventSink(s EventSink) {
	m.mu.Lock()
	m.sinks = append(m.sinks, s)
	m.mu.Unlock()
}

// Start launches every processor and the event drain.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("manager already running")
	}
	m.running = true
	m.ctx, m.cancel = context.WithCancel(ctx)

	var gctx context.Context
	m.group, gctx = errgroup.WithContext(m.ctx)
	for _, p := range m.processors {
		p := p
		m.group.Go(func() error { return p.Run(gctx) })
	}

	m.wg.Add(1)
	go m.drainEvents()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.group.Wait(); err != nil {
			m.fatal <- err
		}
		close(m.fatal)
	}()

	m.log.WithComponent("processor_manager").WithFields(logger.Fields{
		"instruments": len(m.processors),
	}).Info("book processors started")
	return nil
}

// Fatal yields the first fatal processing error, then closes.
func (m *Manager) Fatal() <-chan error {
	return m.fatal
}

// Stop cancels all processors and waits for them to return.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
	m.log.WithComponent("processor_manager").Info("book processors stopped")
}

// Books returns every managed book keyed by instrument.
func (m *Manager) Books() map[string]*book.Book {
	out := make(map[string]*book.Book, len(m.processors))
	for inst, p := range m.processors {
		out[inst] = p.Book()
	}
	return out
}

func (m *Manager) Book(instID string) (*book.Book, bool) {
	p, ok := m.processors[instID]
	if !ok {
		return nil, false
	}
	return p.Book(), true
}

// Status reports every instrument sorted by id.
func (m *Manager) Status() []InstrumentStatus {
	out := make([]InstrumentStatus, 0, len(m.processors))
	for inst, p := range m.processors {
		lastSeq, valid := p.Book().Sequence()
		rc := p.Recovery()
		out = append(out, InstrumentStatus{
			InstrumentID: inst,
			State:        rc.State().String(),
			Valid:        valid,
			LastSeq:      lastSeq,
			Attempts:     rc.Attempts(),
			RecoveryID:   rc.RecoveryID(),
			Stats:        p.GetStats(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentID < out[j].InstrumentID })
	return out
}
