package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	kafka "github.com/segmentio/kafka-go"

	appconfig "l2flow/config"
	"l2flow/logger"
	"l2flow/models"
)

// messageWriter is the part of kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type PublisherStats struct {
	Published int64
	Failed    int64
	Dropped   int64
}

// KafkaPublisher mirrors written records to a Kafka topic keyed by
// instrument id, so one instrument's records stay ordered in a partition.
type KafkaPublisher struct {
	config *appconfig.Config
	writer messageWriter
	queue  chan models.SnapshotRecord

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	published, failed, dropped int64
}

func NewKafkaPublisher(cfg *appconfig.Config) (*KafkaPublisher, error) {
	if len(cfg.Storage.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	kw := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Storage.Kafka.Brokers...),
		Topic:        cfg.Storage.Kafka.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	p := newKafkaPublisher(cfg, kw)
	p.log.WithComponent("kafka_publisher").WithFields(logger.Fields{
		"brokers": cfg.Storage.Kafka.Brokers,
		"topic":   cfg.Storage.Kafka.Topic,
	}).Debug("kafka publisher initialized")
	return p, nil
}

func newKafkaPublisher(cfg *appconfig.Config, w messageWriter) *KafkaPublisher {
	return &KafkaPublisher{
		config: cfg,
		writer: w,
		queue:  make(chan models.SnapshotRecord, 1024),
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
	}
}

func (p *KafkaPublisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("kafka publisher already running")
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.run()
	return nil
}

// Publish queues rec without blocking the sampler. It reports false when the
// record was dropped.
func (p *KafkaPublisher) Publish(rec models.SnapshotRecord) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return false
	}
	select {
	case p.queue <- rec:
		return true
	default:
		atomic.AddInt64(&p.dropped, 1)
		p.log.WithInstrument("kafka_publisher", rec.InstrumentID).Warn("publish queue full, dropping record")
		return false
	}
}

func (p *KafkaPublisher) run() {
	defer p.wg.Done()
	log := p.log.WithComponent("kafka_publisher")
	for rec := range p.queue {
		data, err := json.Marshal(rec)
		if err != nil {
			log.WithError(err).Warn("failed to marshal record")
			continue
		}
		msg := kafka.Message{
			Key:   []byte(rec.InstrumentID),
			Value: data,
		}
		if err := p.writer.WriteMessages(context.WithoutCancel(p.ctx), msg); err != nil {
			atomic.AddInt64(&p.failed, 1)
			log.WithError(err).Warn("failed to write message")
			continue
		}
		atomic.AddInt64(&p.published, 1)
	}
}

// Stop drains the queue and closes the Kafka writer.
func (p *KafkaPublisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	log := p.log.WithComponent("kafka_publisher")
	log.Debug("stopping kafka publisher")
	close(p.queue)
	p.wg.Wait()
	if err := p.writer.Close(); err != nil {
		log.WithError(err).Warn("failed to close kafka writer")
	}
	p.cancel()
	log.Debug("kafka publisher stopped")
}

func (p *KafkaPublisher) GetStats() PublisherStats {
	return PublisherStats{
		Published: atomic.LoadInt64(&p.published),
		Failed:    atomic.LoadInt64(&p.failed),
		Dropped:   atomic.LoadInt64(&p.dropped),
	}
}
