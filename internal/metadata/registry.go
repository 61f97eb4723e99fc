package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"l2flow/config"
	"l2flow/logger"
	"l2flow/models"
)

// negativeTTL bounds how often a failed lookup is retried.
const negativeTTL = time.Minute

// Info is the contract metadata the writer needs for notional fields.
// Available is false when tick size or contract value is missing or invalid;
// callers then emit null notional fields.
type Info struct {
	InstrumentID string
	Available    bool
	TickSize     decimal.Decimal
	CtVal        decimal.Decimal
	CtMult       decimal.Decimal
	RawTickSize  string
	RawCtVal     string
}

// Multiplier returns ctVal*ctMult, the base-currency size of one contract.
func (i Info) Multiplier() decimal.Decimal {
	return i.CtVal.Mul(i.CtMult)
}

// instrumentFile is the on-disk form under {dir}/okx/instruments/{instId}.json.
type instrumentFile struct {
	InstID     string            `json:"instId"`
	Raw        json.RawMessage   `json:"raw"`
	Normalized map[string]string `json:"normalized"`
	FetchedAt  time.Time         `json:"fetched_at"`
}

// Registry looks up OKX instrument metadata once per instrument and caches
// it in memory and on disk.
type Registry struct {
	config  config.MetadataConfig
	client  *http.Client
	limiter *rate.Limiter

	mu     sync.Mutex
	cache  map[string]Info
	failed map[string]time.Time
	now    func() time.Time
	log    *logger.Log
}

func NewRegistry(cfg config.MetadataConfig) *Registry {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Registry{
		config: cfg,
		client: &http.Client{
			Transport: userAgentTransport{agent: "curl/8.5.0", base: http.DefaultTransport},
			Timeout:   timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		cache:   make(map[string]Info),
		failed:  make(map[string]time.Time),
		now:     time.Now,
		log:     logger.GetLogger(),
	}
}

// Lookup returns the metadata for instID. A disabled registry, a recent
// failure or an unusable response all yield Info{Available: false}; only
// context cancellation is returned as an error.
func (r *Registry) Lookup(ctx context.Context, instID string) (Info, error) {
	r.mu.Lock()
	if info, ok := r.cache[instID]; ok {
		r.mu.Unlock()
		return info, nil
	}
	if at, ok := r.failed[instID]; ok && r.now().Sub(at) < negativeTTL {
		r.mu.Unlock()
		return Info{InstrumentID: instID}, nil
	}
	r.mu.Unlock()

	if !r.config.Enabled {
		return r.store(instID, Info{InstrumentID: instID}), nil
	}

	log := r.log.WithInstrument("metadata", instID)
	raw, inst, err := r.fetch(ctx, instID)
	if err != nil {
		if ctx.Err() != nil {
			return Info{InstrumentID: instID}, ctx.Err()
		}
		log.WithError(err).Warn("instrument metadata fetch failed, trying local copy")
		raw, inst, err = r.readFile(instID)
		if err != nil {
			log.WithError(err).Warn("instrument metadata unavailable, notional fields will be null")
			r.mu.Lock()
			r.failed[instID] = r.now()
			r.mu.Unlock()
			return Info{InstrumentID: instID}, nil
		}
	} else if err := r.writeFile(instID, raw, inst); err != nil {
		log.WithError(err).Warn("failed to persist instrument metadata")
	}

	info := parseInfo(instID, inst)
	if !info.Available {
		log.WithFields(logger.Fields{"tick_size": inst.TickSz, "ct_val": inst.CtVal}).Warn("invalid instrument metadata, notional fields will be null")
	} else {
		log.WithFields(logger.Fields{"tick_size": info.RawTickSize, "ct_val": info.RawCtVal, "ct_mult": info.CtMult.String()}).Info("instrument metadata loaded")
	}
	return r.store(instID, info), nil
}

func (r *Registry) store(instID string, info Info) Info {
	r.mu.Lock()
	r.cache[instID] = info
	delete(r.failed, instID)
	r.mu.Unlock()
	return info
}

type instrumentsResponse struct {
	Code string            `json:"code"`
	Msg  string            `json:"msg"`
	Data []json.RawMessage `json:"data"`
}

func (r *Registry) fetch(ctx context.Context, instID string) (json.RawMessage, models.OkxInstrument, error) {
	var inst models.OkxInstrument
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, inst, err
	}
	q := url.Values{}
	q.Set("instType", InstrumentType(instID))
	q.Set("instId", instID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.config.URL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, inst, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, inst, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, inst, fmt.Errorf("instruments request: status %d", resp.StatusCode)
	}
	var wrapper instrumentsResponse
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		return nil, inst, fmt.Errorf("decode instruments response: %w", err)
	}
	if wrapper.Code != "0" {
		return nil, inst, fmt.Errorf("instruments request: code %s: %s", wrapper.Code, wrapper.Msg)
	}
	if len(wrapper.Data) == 0 {
		return nil, inst, fmt.Errorf("instruments request: no data for %s", instID)
	}
	if err := json.Unmarshal(wrapper.Data[0], &inst); err != nil {
		return nil, inst, fmt.Errorf("decode instrument: %w", err)
	}
	return wrapper.Data[0], inst, nil
}

func (r *Registry) path(instID string) string {
	return filepath.Join(r.config.Dir, "okx", "instruments", instID+".json")
}

func (r *Registry) writeFile(instID string, raw json.RawMessage, inst models.OkxInstrument) error {
	if r.config.Dir == "" {
		return nil
	}
	path := r.path(instID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(instrumentFile{
		InstID: instID,
		Raw:    raw,
		Normalized: map[string]string{
			"tickSz": inst.TickSz,
			"lotSz":  inst.LotSz,
			"ctVal":  inst.CtVal,
			"ctMult": inst.CtMult,
		},
		FetchedAt: r.now().UTC(),
	}, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (r *Registry) readFile(instID string) (json.RawMessage, models.OkxInstrument, error) {
	var inst models.OkxInstrument
	if r.config.Dir == "" {
		return nil, inst, fmt.Errorf("no metadata dir configured")
	}
	b, err := os.ReadFile(r.path(instID))
	if err != nil {
		return nil, inst, err
	}
	var f instrumentFile
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, inst, fmt.Errorf("decode %s: %w", r.path(instID), err)
	}
	if err := json.Unmarshal(f.Raw, &inst); err != nil {
		return nil, inst, fmt.Errorf("decode %s raw: %w", r.path(instID), err)
	}
	return f.Raw, inst, nil
}

func parseInfo(instID string, inst models.OkxInstrument) Info {
	info := Info{InstrumentID: instID, RawTickSize: inst.TickSz, RawCtVal: inst.CtVal}
	tick, err := decimal.NewFromString(inst.TickSz)
	if err != nil || tick.Sign() <= 0 {
		return info
	}
	ctVal, err := decimal.NewFromString(inst.CtVal)
	if err != nil || ctVal.Sign() <= 0 {
		return info
	}
	ctMult := decimal.NewFromInt(1)
	if inst.CtMult != "" {
		m, err := decimal.NewFromString(inst.CtMult)
		if err != nil || m.Sign() <= 0 {
			return info
		}
		ctMult = m
	}
	info.TickSize = tick
	info.CtVal = ctVal
	info.CtMult = ctMult
	info.Available = true
	return info
}

// InstrumentType maps an OKX instrument id to the instType query parameter.
func InstrumentType(instID string) string {
	parts := strings.Split(instID, "-")
	switch {
	case strings.HasSuffix(instID, "-SWAP"):
		return "SWAP"
	case len(parts) == 5:
		return "OPTION"
	case len(parts) == 3:
		return "FUTURES"
	default:
		return "SPOT"
	}
}
