package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lims-eln-sync/internal/domain"
)

func mappedSchema() *domain.Schema {
	return domain.MustSchema("1.0.0", map[string]*domain.RecordSchema{
		"sample": {
			Fields: []domain.FieldSpec{
				{Name: "sample_id", Type: domain.TypeString, Required: true},
				{Name: "status", Type: domain.TypeString},
			},
			Mapping: map[domain.System]map[string]string{
				domain.SystemLIMS: {"SampleStatus": "status"},
			},
		},
	})
}

func TestHTTPAdapter_FetchTranslatesFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/records/S-1", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"record_id":   "S-1",
			"record_type": "sample",
			"version":     "7",
			"updated_at":  "2026-01-02T03:04:05Z",
			"fields":      map[string]any{"SampleStatus": "pending", "sample_id": "S-1", "volume": 12},
		})
	}))
	defer srv.Close()

	a := NewHTTPAdapter(domain.SystemLIMS, HTTPConfig{BaseURL: srv.URL, APIKey: "secret"}, mappedSchema())
	rec, err := a.Fetch(context.Background(), "S-1")
	require.NoError(t, err)

	assert.Equal(t, "7", rec.SourceVersion)
	assert.Equal(t, domain.SystemLIMS, rec.SourceSystem)
	assert.Equal(t, "pending", rec.Fields["status"])
	assert.Equal(t, 12.0, rec.Fields["volume"])
	assert.NotContains(t, rec.Fields, "SampleStatus")
}

func TestHTTPAdapter_PushSendsIdempotencyKey(t *testing.T) {
	var got wirePush
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "job-1", r.Header.Get("Idempotency-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(wireAck{Version: "8"})
	}))
	defer srv.Close()

	a := NewHTTPAdapter(domain.SystemLIMS, HTTPConfig{BaseURL: srv.URL}, mappedSchema())
	ack, err := a.Push(context.Background(), PushRequest{
		RecordID:       "S-1",
		RecordType:     "sample",
		Fields:         domain.Fields{"status": "complete"},
		IdempotencyKey: "job-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "8", ack.Version)
	assert.Equal(t, "complete", got.Fields["SampleStatus"])
}

func TestHTTPAdapter_StatusMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		kind      Kind
		transient bool
	}{
		{"not found", http.StatusNotFound, KindNotFound, false},
		{"rate limited", http.StatusTooManyRequests, KindRateLimited, true},
		{"server error", http.StatusBadGateway, KindUnavailable, true},
		{"gateway timeout", http.StatusGatewayTimeout, KindTimeout, true},
		{"bad request", http.StatusBadRequest, KindRejected, false},
		{"conflict", http.StatusConflict, KindRejected, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.status == http.StatusTooManyRequests {
					w.Header().Set("Retry-After", "2")
				}
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			a := NewHTTPAdapter(domain.SystemELN, HTTPConfig{BaseURL: srv.URL}, nil)
			_, err := a.Fetch(context.Background(), "S-1")

			var ae *Error
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, tt.kind, ae.Kind)
			assert.Equal(t, tt.status, ae.StatusCode)
			assert.Equal(t, tt.transient, ae.Transient())
			if tt.kind == KindRateLimited {
				assert.Equal(t, 2*time.Second, ae.RetryAfter)
			}
		})
	}
}

func TestHTTPAdapter_TimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	a := NewHTTPAdapter(domain.SystemELN, HTTPConfig{BaseURL: srv.URL}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := a.Fetch(ctx, "S-1")
	var ae *Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, KindTimeout, ae.Kind)
}

func TestHTTPAdapter_Changes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/changes", r.URL.Path)
		assert.Equal(t, "c1", r.URL.Query().Get("cursor"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode(wireChanges{
			Changes:    []Change{{RecordID: "S-2", ObservedAt: time.Unix(10, 0).UTC()}},
			NextCursor: "c2",
		})
	}))
	defer srv.Close()

	a := NewHTTPAdapter(domain.SystemLIMS, HTTPConfig{BaseURL: srv.URL}, nil)
	page, err := a.Changes(context.Background(), "c1", 50)
	require.NoError(t, err)
	assert.Equal(t, "c2", page.Next)
	require.Len(t, page.Changes, 1)
	assert.Equal(t, "S-2", page.Changes[0].RecordID)
}
