package okx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/flate"
	"golang.org/x/time/rate"

	"l2flow/config"
	"l2flow/internal/channel"
	"l2flow/internal/metrics"
	"l2flow/logger"
	"l2flow/models"
)

var (
	// ErrNotConnected is returned by Resubscribe while the websocket is down.
	// The reconnect subscribes every instrument again.
	ErrNotConnected = errors.New("okx websocket not connected")
	// ErrResubscribeQueueFull means too many resubscribes are already pending.
	ErrResubscribeQueueFull = errors.New("okx resubscribe queue full")
)

const userAgent = "l2flow/1.0"

// ReaderStats counts frames seen by the books reader.
type ReaderStats struct {
	Frames       int64
	Routed       int64
	Dropped      int64
	Reconnects   int64
	Resubscribes int64
}

// BooksReader keeps one websocket to the OKX public endpoint, subscribes the
// configured instruments to the books channel and routes every data frame,
// unparsed, to the instrument's raw channel.
type BooksReader struct {
	config   *config.Config
	channels *channel.Channels
	limiter  *rate.Limiter
	dialer   *websocket.Dialer
	resub    chan string

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	connMu  sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	frames, routed, dropped, reconnects, resubscribes int64
}

func NewBooksReader(cfg *config.Config, ch *channel.Channels) *BooksReader {
	okx := cfg.Source.Okx
	burst := okx.SubscribeBurst
	if burst <= 0 {
		burst = 1
	}
	rps := okx.SubscribeRate
	if rps <= 0 {
		rps = 3
	}
	return &BooksReader{
		config:   cfg,
		channels: ch,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		resub:    make(chan string, len(okx.Instruments)*2+1),
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

// Start dials the websocket and keeps it connected until ctx ends or Stop is
// called.
func (r *BooksReader) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("okx books reader already running")
	}
	okx := r.config.Source.Okx
	if len(okx.Instruments) == 0 {
		return fmt.Errorf("okx books reader: no instruments configured")
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(2)
	go r.stream()
	go r.resubscribeWorker()

	r.log.WithComponent("okx_books_reader").WithFields(logger.Fields{
		"url":         okx.URL,
		"channel":     okx.Channel,
		"instruments": okx.Instruments,
	}).Info("okx books reader started")
	return nil
}

// Stop closes the connection and waits for the reader goroutines.
func (r *BooksReader) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()

	r.closeConn()
	r.wg.Wait()
	r.log.WithComponent("okx_books_reader").Info("okx books reader stopped")
}

// Resubscribe queues an unsubscribe/subscribe cycle for one instrument and
// returns immediately. The cycle runs on the reader's own goroutine so book
// processors never wait on the socket.
func (r *BooksReader) Resubscribe(ctx context.Context, instID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.currentConn() == nil {
		return ErrNotConnected
	}
	select {
	case r.resub <- instID:
		return nil
	default:
		return ErrResubscribeQueueFull
	}
}

func (r *BooksReader) GetStats() ReaderStats {
	return ReaderStats{
		Frames:       atomic.LoadInt64(&r.frames),
		Routed:       atomic.LoadInt64(&r.routed),
		Dropped:      atomic.LoadInt64(&r.dropped),
		Reconnects:   atomic.LoadInt64(&r.reconnects),
		Resubscribes: atomic.LoadInt64(&r.resubscribes),
	}
}

func (r *BooksReader) currentConn() *websocket.Conn {
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	return r.conn
}

func (r *BooksReader) setConn(c *websocket.Conn) {
	r.connMu.Lock()
	r.conn = c
	r.connMu.Unlock()
}

func (r *BooksReader) closeConn() {
	r.connMu.Lock()
	c := r.conn
	r.conn = nil
	r.connMu.Unlock()
	if c != nil {
		c.Close()
	}
}

// stream handles the websocket lifecycle. Every lost connection is announced
// to all processors before redialing.
func (r *BooksReader) stream() {
	defer r.wg.Done()
	okx := r.config.Source.Okx
	log := r.log.WithComponent("okx_books_reader").WithFields(logger.Fields{"worker": "books_stream"})

	reconnecting := false
	for {
		if r.ctx.Err() != nil {
			return
		}

		header := http.Header{}
		header.Set("User-Agent", userAgent)
		conn, _, err := r.dialer.DialContext(r.ctx, okx.URL, header)
		if err != nil {
			log.WithError(err).Warn("failed to connect websocket, retrying")
			if !r.sleep(okx.ReconnectDelay) {
				return
			}
			continue
		}

		if err := r.writeJSON(conn, subscribeRequest("subscribe", okx.Channel, okx.Instruments...)); err != nil {
			log.WithError(err).Warn("failed to subscribe")
			conn.Close()
			if !r.sleep(okx.ReconnectDelay) {
				return
			}
			continue
		}
		r.setConn(conn)
		log.WithFields(logger.Fields{"instruments": len(okx.Instruments)}).Info("websocket connected and subscribed")
		if reconnecting {
			if err := r.channels.BroadcastReconnect(r.ctx, time.Now().UTC()); err != nil {
				r.closeConn()
				return
			}
			reconnecting = false
		}

		done := make(chan struct{})
		go r.keepAlive(conn, done)

		err = r.readLoop(conn)
		close(done)
		r.closeConn()
		if r.ctx.Err() != nil {
			return
		}

		atomic.AddInt64(&r.reconnects, 1)
		log.WithError(err).Warn("websocket read error, reconnecting")
		if err := r.channels.BroadcastDisconnect(r.ctx, time.Now().UTC()); err != nil {
			return
		}
		reconnecting = true
		if !r.sleep(okx.ReconnectDelay) {
			return
		}
	}
}

func (r *BooksReader) readLoop(conn *websocket.Conn) error {
	timeout := 3 * r.config.Source.Okx.PingInterval
	for {
		if timeout > 0 {
			conn.SetReadDeadline(time.Now().Add(timeout))
		}
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if kind == websocket.BinaryMessage {
			if data, err := decompress(msg); err == nil {
				msg = data
			}
		}
		r.handleFrame(msg)
	}
}

// keepAlive sends the text ping OKX expects on idle connections and closes
// the socket when the reader is cancelled.
func (r *BooksReader) keepAlive(conn *websocket.Conn, done <-chan struct{}) {
	interval := r.config.Source.Okx.PingInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.ctx.Done():
			conn.Close()
			return
		case <-ticker.C:
			if err := r.writeText(conn, "ping"); err != nil {
				r.log.WithComponent("okx_books_reader").WithError(err).Debug("ping failed")
			}
		}
	}
}

type envelope struct {
	Event string `json:"event"`
	Code  string `json:"code"`
	Msg   string `json:"msg"`
	Arg   struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data json.RawMessage `json:"data"`
}

// handleFrame routes a data frame to its instrument. Control frames (pong,
// subscribe acks, errors) stop here.
func (r *BooksReader) handleFrame(msg []byte) {
	if bytes.Equal(msg, []byte("pong")) {
		return
	}
	atomic.AddInt64(&r.frames, 1)
	log := r.log.WithComponent("okx_books_reader")

	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		log.WithError(err).Debug("failed to decode message")
		return
	}
	switch env.Event {
	case "":
	case "error":
		log.WithFields(logger.Fields{"code": env.Code, "msg": env.Msg}).Warn("okx rejected request")
		return
	default:
		log.WithFields(logger.Fields{"event": env.Event, "instrument": env.Arg.InstID}).Debug("control event")
		return
	}
	if env.Arg.InstID == "" || env.Data == nil || env.Arg.Channel != r.config.Source.Okx.Channel {
		return
	}

	data := make([]byte, len(msg))
	copy(data, msg)
	raw := models.RawBookMessage{
		Exchange:     "okx",
		InstrumentID: env.Arg.InstID,
		Data:         data,
		Timestamp:    time.Now().UTC(),
	}
	if r.channels.SendRaw(r.ctx, raw) {
		atomic.AddInt64(&r.routed, 1)
		logger.RecordChannelMessage("raw_"+env.Arg.InstID, len(data))
		return
	}
	if r.ctx.Err() != nil {
		return
	}
	atomic.AddInt64(&r.dropped, 1)
	metrics.IncRawDropped(env.Arg.InstID)
	log.WithFields(logger.Fields{"instrument": env.Arg.InstID}).Warn("raw channel full or unknown instrument, dropping frame")
}

// resubscribeWorker performs queued resubscribes one at a time, paced by the
// subscribe rate limit.
func (r *BooksReader) resubscribeWorker() {
	defer r.wg.Done()
	okx := r.config.Source.Okx
	log := r.log.WithComponent("okx_books_reader").WithFields(logger.Fields{"worker": "resubscribe"})
	for {
		select {
		case <-r.ctx.Done():
			return
		case inst := <-r.resub:
			if err := r.resubscribe(inst, okx); err != nil {
				log.WithError(err).WithFields(logger.Fields{"instrument": inst}).Warn("resubscribe failed")
				continue
			}
			atomic.AddInt64(&r.resubscribes, 1)
			log.WithFields(logger.Fields{"instrument": inst}).Info("resubscribed")
		}
	}
}

func (r *BooksReader) resubscribe(inst string, okx config.OkxSourceConfig) error {
	if err := r.limiter.Wait(r.ctx); err != nil {
		return err
	}
	conn := r.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	if err := r.writeJSON(conn, subscribeRequest("unsubscribe", okx.Channel, inst)); err != nil {
		return err
	}
	if !r.sleep(okx.ResubscribeGap) {
		return r.ctx.Err()
	}
	if err := r.limiter.Wait(r.ctx); err != nil {
		return err
	}
	if conn = r.currentConn(); conn == nil {
		return ErrNotConnected
	}
	return r.writeJSON(conn, subscribeRequest("subscribe", okx.Channel, inst))
}

func (r *BooksReader) writeJSON(conn *websocket.Conn, v interface{}) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(v)
}

func (r *BooksReader) writeText(conn *websocket.Conn, s string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, []byte(s))
}

func (r *BooksReader) sleep(d time.Duration) bool {
	if d <= 0 {
		return r.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.ctx.Done():
		return false
	}
}

type subscribeArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type subscribeOp struct {
	Op   string         `json:"op"`
	Args []subscribeArg `json:"args"`
}

func subscribeRequest(op, ch string, instruments ...string) subscribeOp {
	args := make([]subscribeArg, 0, len(instruments))
	for _, inst := range instruments {
		args = append(args, subscribeArg{Channel: ch, InstID: inst})
	}
	return subscribeOp{Op: op, Args: args}
}

func decompress(msg []byte) ([]byte, error) {
	reader := flate.NewReader(bytes.NewReader(msg))
	defer reader.Close()
	return io.ReadAll(reader)
}
