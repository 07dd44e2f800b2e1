package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"lims-eln-sync/internal/domain"
)

// HTTPConfig configures the REST adapter of one system.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	// RequestsPerSecond of zero disables client-side limiting.
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
}

// HTTPAdapter talks to a system exposing
//
//	GET  /records/{id}
//	PUT  /records/{id}          (Idempotency-Key header)
//	GET  /changes?cursor=&limit=
//
// and translates native field names through the schema mapping.
type HTTPAdapter struct {
	system  domain.System
	cfg     HTTPConfig
	schema  *domain.Schema
	client  *http.Client
	limiter *rate.Limiter
	fetches singleflight.Group
	now     func() time.Time
}

type wireRecord struct {
	RecordID   string         `json:"record_id"`
	RecordType string         `json:"record_type"`
	Version    string         `json:"version"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Fields     map[string]any `json:"fields"`
}

type wirePush struct {
	RecordType string         `json:"record_type"`
	Fields     map[string]any `json:"fields"`
}

type wireAck struct {
	Version   string `json:"version"`
	Duplicate bool   `json:"duplicate"`
}

type wireChanges struct {
	Changes    []Change `json:"changes"`
	NextCursor string   `json:"next_cursor"`
}

func NewHTTPAdapter(system domain.System, cfg HTTPConfig, schema *domain.Schema) *HTTPAdapter {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &HTTPAdapter{
		system:  system,
		cfg:     cfg,
		schema:  schema,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		now:     time.Now,
	}
}

func (a *HTTPAdapter) System() domain.System {
	return a.system
}

// Fetch coalesces concurrent fetches of the same record into one request.
func (a *HTTPAdapter) Fetch(ctx context.Context, recordID string) (domain.CanonicalRecord, error) {
	v, err, _ := a.fetches.Do(recordID, func() (interface{}, error) {
		return a.fetch(ctx, recordID)
	})
	if err != nil {
		return domain.CanonicalRecord{}, err
	}
	return v.(domain.CanonicalRecord), nil
}

func (a *HTTPAdapter) fetch(ctx context.Context, recordID string) (domain.CanonicalRecord, error) {
	var wr wireRecord
	if err := a.do(ctx, "fetch", http.MethodGet, a.recordURL(recordID), nil, nil, &wr); err != nil {
		return domain.CanonicalRecord{}, err
	}
	if wr.RecordID == "" {
		wr.RecordID = recordID
	}
	observed := wr.UpdatedAt
	if observed.IsZero() {
		observed = a.now()
	}
	fields := a.toCanonical(wr.RecordType, wr.Fields)
	return domain.NewCanonicalRecord(wr.RecordID, wr.RecordType, a.system, wr.Version, observed, fields), nil
}

func (a *HTTPAdapter) Push(ctx context.Context, req PushRequest) (Ack, error) {
	body, err := json.Marshal(wirePush{RecordType: req.RecordType, Fields: a.toNative(req.RecordType, req.Fields)})
	if err != nil {
		return Ack{}, fmt.Errorf("failed to encode push for %s: %w", req.RecordID, err)
	}
	headers := http.Header{}
	headers.Set("Idempotency-Key", req.IdempotencyKey)
	var ack wireAck
	if err := a.do(ctx, "push", http.MethodPut, a.recordURL(req.RecordID), headers, body, &ack); err != nil {
		return Ack{}, err
	}
	return Ack{Version: ack.Version, Duplicate: ack.Duplicate}, nil
}

func (a *HTTPAdapter) Changes(ctx context.Context, cursor string, limit int) (ChangePage, error) {
	q := url.Values{}
	q.Set("cursor", cursor)
	q.Set("limit", strconv.Itoa(limit))
	var page wireChanges
	if err := a.do(ctx, "changes", http.MethodGet, a.cfg.BaseURL+"/changes?"+q.Encode(), nil, nil, &page); err != nil {
		return ChangePage{}, err
	}
	return ChangePage{Changes: page.Changes, Next: page.NextCursor}, nil
}

func (a *HTTPAdapter) recordURL(recordID string) string {
	return strings.TrimRight(a.cfg.BaseURL, "/") + "/records/" + url.PathEscape(recordID)
}

func (a *HTTPAdapter) do(ctx context.Context, op, method, target string, headers http.Header, body []byte, out any) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return transportError(a.system, op, err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return &Error{System: a.system, Op: op, Kind: KindRejected, Err: err}
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return transportError(a.system, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		e := statusError(a.system, op, resp, strings.TrimSpace(string(msg)))
		log.WithFields(log.Fields{
			"system": a.system,
			"op":     op,
			"status": resp.StatusCode,
			"kind":   e.Kind,
		}).Debug("adapter request failed")
		return e
	}
	if out == nil {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil && err != io.EOF {
		return &Error{System: a.system, Op: op, Kind: KindUnavailable, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

// toCanonical renames native fields; unmapped names pass through.
func (a *HTTPAdapter) toCanonical(recordType string, native map[string]any) map[string]any {
	mapping := a.mapping(recordType)
	out := make(map[string]any, len(native))
	for k, v := range native {
		if name, ok := mapping[k]; ok {
			out[name] = v
			continue
		}
		out[k] = v
	}
	return out
}

func (a *HTTPAdapter) toNative(recordType string, fields domain.Fields) map[string]any {
	reverse := make(map[string]string)
	for native, canonical := range a.mapping(recordType) {
		reverse[canonical] = native
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if name, ok := reverse[k]; ok {
			out[name] = v
			continue
		}
		out[k] = v
	}
	return out
}

func (a *HTTPAdapter) mapping(recordType string) map[string]string {
	if a.schema == nil {
		return nil
	}
	rs, err := a.schema.ForType(recordType)
	if err != nil {
		return nil
	}
	return rs.Mapping[a.system]
}
