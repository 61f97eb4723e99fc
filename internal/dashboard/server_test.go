package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"l2flow/config"
	"l2flow/internal/book"
	"l2flow/internal/metrics"
	"l2flow/logger"
	"l2flow/models"
	"l2flow/processor"
)

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":                               "0.0.0.0:8080",
		"  :9090  ":                      "0.0.0.0:9090",
		"localhost":                      "localhost:8080",
		"0.0.0.0:80":                     "0.0.0.0:80",
		"[::1]:443":                      "[::1]:443",
		"::1":                            "[::1]:8080",
		"*:8080":                         "0.0.0.0:8080",
		"http://13.200.112.203:8080":     "13.200.112.203:8080",
		"https://13.200.112.203":         "13.200.112.203:8080",
		"http://:7070":                   "0.0.0.0:7070",
		"tcp://localhost:5050":           "localhost:5050",
		"https://dashboard.example.com/": "dashboard.example.com:8080",
	}

	for input, want := range cases {
		if got := normalizeAddress(input); got != want {
			t.Fatalf("normalizeAddress(%q) = %q, want %q", input, got, want)
		}
	}
}

type fakeBooks struct {
	books  map[string]*book.Book
	status []processor.InstrumentStatus
}

func (f *fakeBooks) Status() []processor.InstrumentStatus { return f.status }

func (f *fakeBooks) Book(inst string) (*book.Book, bool) {
	b, ok := f.books[inst]
	return b, ok
}

func newTestServer(t *testing.T, books *fakeBooks) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Dashboard.Enabled = true
	cfg.Dashboard.Address = ":9000"
	cfg.Storage.Local.BaseDir = t.TempDir()
	srv, err := NewServer(&cfg, books, nil, logger.Logger())
	if err != nil {
		t.Fatalf("NewServer returned error: %v", err)
	}
	if srv == nil {
		t.Fatal("expected dashboard server, got nil")
	}
	t.Cleanup(srv.cleanup)
	return srv
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	router, err := srv.buildRouter()
	if err != nil {
		t.Fatalf("buildRouter error: %v", err)
	}
	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, path, nil))
	return res
}

// mustLevel builds a level from literals that are known to parse.
func mustLevel(price, quantity string, orderCount int64) models.Level {
	l, err := models.NewLevel(price, quantity, orderCount)
	if err != nil {
		panic(err)
	}
	return l
}

func btcBook(t *testing.T) *book.Book {
	t.Helper()
	b := book.New("BTC-USDT-SWAP")
	err := b.ApplySnapshot(&models.FeedMessage{
		Kind:         models.KindSnapshot,
		InstrumentID: "BTC-USDT-SWAP",
		Seq:          10,
		Bids:         []models.Level{mustLevel("100.0", "2", 1), mustLevel("99.5", "1", 3)},
		Asks:         []models.Level{mustLevel("101.0", "4", 2)},
		EventTime:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	return b
}

func TestNewServerDisabled(t *testing.T) {
	cfg := config.Default()
	srv, err := NewServer(&cfg, &fakeBooks{}, nil, logger.Logger())
	if err != nil || srv != nil {
		t.Fatalf("disabled dashboard = %v, %v; want nil, nil", srv, err)
	}
	if srv.Address() != "" {
		t.Fatal("nil server should report an empty address")
	}
}

func TestNewServerNormalizesConfiguredAddress(t *testing.T) {
	srv := newTestServer(t, &fakeBooks{})
	if got := srv.Address(); got != "0.0.0.0:9000" {
		t.Fatalf("server address = %q, want %q", got, "0.0.0.0:9000")
	}
}

func TestBookEndpointServesView(t *testing.T) {
	srv := newTestServer(t, &fakeBooks{books: map[string]*book.Book{"BTC-USDT-SWAP": btcBook(t)}})

	res := get(t, srv, "/books/BTC-USDT-SWAP?depth=1")
	if res.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", res.Code)
	}
	var body bookJSON
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Valid || len(body.Bids) != 1 || len(body.Asks) != 1 {
		t.Fatalf("unexpected view: %+v", body)
	}
	if body.Bids[0].Price != "100.0" || body.BestAsk.Price != "101.0" {
		t.Fatalf("exchange strings not preserved: %+v", body)
	}
	if body.MidPrice == nil || *body.MidPrice != "100.5" {
		t.Fatalf("mid = %v, want 100.5", body.MidPrice)
	}
	if body.LastSeq == nil || *body.LastSeq != 10 {
		t.Fatalf("last_seq = %v, want 10", body.LastSeq)
	}

	if res := get(t, srv, "/books/ETH-USDT-SWAP"); res.Code != http.StatusNotFound {
		t.Fatalf("unknown instrument status = %d", res.Code)
	}
	if res := get(t, srv, "/books/BTC-USDT-SWAP?depth=zero"); res.Code != http.StatusBadRequest {
		t.Fatalf("bad depth status = %d", res.Code)
	}
}

func TestHealthReflectsFailedRecovery(t *testing.T) {
	books := &fakeBooks{status: []processor.InstrumentStatus{
		{InstrumentID: "BTC-USDT-SWAP", State: processor.StateValid.String(), Valid: true},
		{InstrumentID: "ETH-USDT-SWAP", State: processor.StateAwaitingSnapshot.String()},
	}}
	srv := newTestServer(t, books)

	if res := get(t, srv, "/healthz"); res.Code != http.StatusOK {
		t.Fatalf("healthz = %d, want 200", res.Code)
	}

	books.status[1].State = processor.StateFailed.String()
	res := get(t, srv, "/healthz")
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("healthz = %d, want 503", res.Code)
	}
	if !strings.Contains(res.Body.String(), `"failed":1`) {
		t.Fatalf("unexpected body: %s", res.Body.String())
	}

	res = get(t, srv, "/books")
	if !strings.Contains(res.Body.String(), `"instrument_id":"ETH-USDT-SWAP"`) {
		t.Fatalf("status listing missing instrument: %s", res.Body.String())
	}
}

func TestEventsEndpointFiltersByInstrument(t *testing.T) {
	srv := newTestServer(t, &fakeBooks{})
	sink := srv.EventSink()
	sink.HandleEvent(models.Event{Kind: models.EventGapDetected, InstrumentID: "BTC-USDT-SWAP"})
	sink.HandleEvent(models.Event{Kind: models.EventResubscribe, InstrumentID: "ETH-USDT-SWAP", Attempt: 1})

	res := get(t, srv, "/api/events?instrument=ETH-USDT-SWAP")
	var body struct {
		Events []models.Event `json:"events"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Events) != 1 || body.Events[0].Kind != models.EventResubscribe {
		t.Fatalf("unexpected events: %+v", body.Events)
	}
}

func TestMetricsEndpointsServeStoreAndPrometheus(t *testing.T) {
	srv := newTestServer(t, &fakeBooks{})
	metrics.Init()
	metrics.IncGap("BTC-USDT-SWAP")
	metrics.EmitMetric(logger.Logger(), "channels", "raw_buffer_length", 5, "gauge", logger.Fields{"capacity": 10})

	if res := get(t, srv, "/api/metrics"); res.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", res.Code)
	}
	if len(srv.metricStore.snapshot()) == 0 {
		t.Fatal("metrics store empty")
	}

	res := get(t, srv, "/metrics")
	if res.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), `l2flow_gaps_total{instrument="BTC-USDT-SWAP"}`) {
		t.Fatal("prometheus output missing gap counter")
	}
}
