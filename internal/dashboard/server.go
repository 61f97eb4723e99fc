package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"l2flow/config"
	"l2flow/internal/book"
	"l2flow/internal/metrics"
	"l2flow/logger"
	"l2flow/models"
	"l2flow/processor"
)

const (
	defaultDepth = 25
	maxDepth     = 400
)

// BookSource is what the status server reads from the running processors.
type BookSource interface {
	Status() []processor.InstrumentStatus
	Book(instID string) (*book.Book, bool)
}

// Server is the gin status server: book state, recent events, logs and
// metrics, and the Prometheus scrape endpoint.
type Server struct {
	cfg             config.DashboardConfig
	appName         string
	books           BookSource
	log             *logger.Log
	metricStore     *metricStore
	logStore        *logStore
	eventStore      *eventStore
	metricHandler   metrics.MetricHandlerID
	httpServer      *http.Server
	resourceSampler *resourceSampler
	started         time.Time
}

// NewServer returns nil when the dashboard is disabled. buffers may be nil,
// in which case /api/resources reports bucket disk usage only.
func NewServer(cfg *config.Config, books BookSource, buffers metrics.RawBuffers, log *logger.Log) (*Server, error) {
	dc := cfg.Dashboard
	if !dc.Enabled {
		return nil, nil
	}
	if books == nil {
		return nil, errors.New("dashboard needs a book source")
	}

	dc.Address = normalizeAddress(dc.Address)
	if dc.RefreshInterval <= 0 {
		dc.RefreshInterval = 5 * time.Second
	}

	metricStore := newMetricStore(dc.MetricsHistory)
	handlerID := metrics.RegisterMetricHandler(metricStore.handle)

	logStore := newLogStore(dc.LogHistory)
	log.AddHook(logStore)

	return &Server{
		cfg:             dc,
		appName:         cfg.L2flow.Name,
		books:           books,
		log:             log,
		metricStore:     metricStore,
		logStore:        logStore,
		eventStore:      newEventStore(dc.EventHistory),
		metricHandler:   handlerID,
		resourceSampler: newResourceSampler(dc.MetricsHistory, dc.RefreshInterval, cfg.Storage.Local.BaseDir, buffers, log),
		started:         time.Now(),
	}, nil
}

// EventSink records processor events for /api/events.
func (s *Server) EventSink() processor.EventSink {
	return s.eventStore
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.resourceSampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.WithComponent("dashboard").WithFields(logger.Fields{"address": s.cfg.Address}).Info("status server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	s.logStore.close()
	s.resourceSampler.stop()
}

func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"app":                 s.appName,
			"uptime_seconds":      int64(time.Since(s.started).Seconds()),
			"refresh_interval_ms": s.cfg.RefreshInterval.Milliseconds(),
			"routes":              []string{"/healthz", "/books", "/books/:inst", "/api/events", "/api/logs", "/api/metrics", "/api/resources", "/metrics"},
		})
	})

	router.GET("/healthz", s.handleHealth)
	router.GET("/books", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"books": s.books.Status()})
	})
	router.GET("/books/:inst", s.handleBook)

	router.GET("/api/events", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"events": s.eventStore.snapshot(c.Query("instrument"))})
	})

	router.GET("/api/metrics", func(c *gin.Context) {
		metricsSnapshot := s.metricStore.snapshot()
		payload := make([]gin.H, 0, len(metricsSnapshot))
		for _, m := range metricsSnapshot {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": payload})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot()})
	})

	router.GET("/api/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.resourceSampler.snapshot()})
	})

	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	return router, nil
}

// handleHealth is 200 while no instrument has exhausted recovery.
func (s *Server) handleHealth(c *gin.Context) {
	status := s.books.Status()
	valid, failed := 0, 0
	for _, st := range status {
		if st.Valid {
			valid++
		}
		if st.State == processor.StateFailed.String() {
			failed++
		}
	}
	code := http.StatusOK
	if failed > 0 {
		code = http.StatusServiceUnavailable
	}
	body := gin.H{
		"instruments": len(status),
		"valid":       valid,
		"failed":      failed,
	}
	// a full snapshot volume degrades archiving, not the books
	if snap, ok := s.resourceSampler.latest(); ok {
		body["disk_low"] = snap.DiskLow
	}
	c.JSON(code, body)
}

func (s *Server) handleBook(c *gin.Context) {
	inst := c.Param("inst")
	b, ok := s.books.Book(inst)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown instrument " + inst})
		return
	}
	depth := defaultDepth
	if q := c.Query("depth"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "depth must be a positive integer"})
			return
		}
		depth = n
	}
	if depth > maxDepth {
		depth = maxDepth
	}
	c.JSON(http.StatusOK, viewJSON(b.SnapshotView(depth)))
}

type levelJSON struct {
	Price      string `json:"price"`
	Quantity   string `json:"quantity"`
	OrderCount int64  `json:"order_count"`
}

type bookJSON struct {
	InstrumentID string      `json:"instrument_id"`
	Valid        bool        `json:"valid"`
	Bids         []levelJSON `json:"bids"`
	Asks         []levelJSON `json:"asks"`
	BestBid      *levelJSON  `json:"best_bid"`
	BestAsk      *levelJSON  `json:"best_ask"`
	MidPrice     *string     `json:"mid_price"`
	LastSeq      *int64      `json:"last_seq"`
	PrevSeq      *int64      `json:"prev_seq"`
	Checksum     int32       `json:"checksum"`
	EventTime    *time.Time  `json:"event_time"`
	GapDetected  bool        `json:"gap_detected"`
}

func viewJSON(v book.View) bookJSON {
	out := bookJSON{
		InstrumentID: v.InstrumentID,
		Valid:        v.Valid,
		Bids:         levelsJSON(v.Bids),
		Asks:         levelsJSON(v.Asks),
		LastSeq:      v.LastSeq,
		PrevSeq:      v.PrevSeq,
		Checksum:     v.Checksum,
		GapDetected:  v.GapDetected,
	}
	if v.BestBid != nil {
		l := levelJSON{Price: v.BestBid.RawPrice, Quantity: v.BestBid.RawQuantity, OrderCount: v.BestBid.OrderCount}
		out.BestBid = &l
	}
	if v.BestAsk != nil {
		l := levelJSON{Price: v.BestAsk.RawPrice, Quantity: v.BestAsk.RawQuantity, OrderCount: v.BestAsk.OrderCount}
		out.BestAsk = &l
	}
	if v.MidPrice != nil {
		mid := v.MidPrice.String()
		out.MidPrice = &mid
	}
	if !v.EventTime.IsZero() {
		t := v.EventTime.UTC()
		out.EventTime = &t
	}
	return out
}

func levelsJSON(levels []models.Level) []levelJSON {
	out := make([]levelJSON, len(levels))
	for i, l := range levels {
		out[i] = levelJSON{Price: l.RawPrice, Quantity: l.RawQuantity, OrderCount: l.OrderCount}
	}
	return out
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
