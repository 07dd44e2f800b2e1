package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"lims-eln-sync/internal/domain"
)

const QualityCheckName = "quality"

// DefaultThreshold is the score at and above which a record is flagged.
const DefaultThreshold = 0.7

// Score is a classifier verdict in [0, 1]; higher is more anomalous.
type Score struct {
	Value   float64  `json:"score"`
	Label   string   `json:"label,omitempty"`
	Reasons []string `json:"reasons,omitempty"`
}

// Classifier is the pluggable quality capability.
type Classifier interface {
	Classify(ctx context.Context, rec *domain.CanonicalRecord) (Score, error)
}

// NoopClassifier scores every record as clean.
type NoopClassifier struct{}

func (NoopClassifier) Classify(context.Context, *domain.CanonicalRecord) (Score, error) {
	return Score{}, nil
}

// QualityCheck calls the classifier under a timeout. A timeout or any other
// classifier failure is a Warn so sync never blocks on the classifier.
type QualityCheck struct {
	classifier Classifier
	timeout    time.Duration
	threshold  float64
}

func NewQualityCheck(c Classifier, timeout time.Duration, threshold float64) *QualityCheck {
	if c == nil {
		c = NoopClassifier{}
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &QualityCheck{classifier: c, timeout: timeout, threshold: threshold}
}

func (q *QualityCheck) Name() string {
	return QualityCheckName
}

func (q *QualityCheck) Run(ctx context.Context, rec *domain.CanonicalRecord, _ domain.Delta) ([]domain.ValidationResult, bool) {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	type verdict struct {
		score Score
		err   error
	}
	done := make(chan verdict, 1)
	go func() {
		s, err := q.classifier.Classify(ctx, rec)
		done <- verdict{s, err}
	}()

	var v verdict
	select {
	case v = <-done:
	case <-ctx.Done():
		v.err = ctx.Err()
	}

	if v.err != nil {
		log.WithError(v.err).WithField("record_id", rec.RecordID).Warn("quality classifier unavailable")
		return []domain.ValidationResult{{
			Check:   QualityCheckName,
			Outcome: domain.OutcomeWarn,
			Detail:  fmt.Sprintf("classifier unavailable: %v", v.err),
		}}, false
	}
	if v.score.Value >= q.threshold {
		detail := fmt.Sprintf("quality score %.2f at or above %.2f", v.score.Value, q.threshold)
		if len(v.score.Reasons) > 0 {
			detail += ": " + strings.Join(v.score.Reasons, "; ")
		}
		return []domain.ValidationResult{{Check: QualityCheckName, Outcome: domain.OutcomeWarn, Detail: detail}}, false
	}
	return []domain.ValidationResult{{Check: QualityCheckName, Outcome: domain.OutcomePass}}, false
}

// HTTPClassifier posts records to an external scoring service at
// {BaseURL}/classify.
type HTTPClassifier struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClassifier(baseURL string) *HTTPClassifier {
	return &HTTPClassifier{baseURL: strings.TrimRight(baseURL, "/"), client: &http.Client{}}
}

func (c *HTTPClassifier) Classify(ctx context.Context, rec *domain.CanonicalRecord) (Score, error) {
	body, err := json.Marshal(map[string]any{
		"record_id":   rec.RecordID,
		"record_type": rec.RecordType,
		"fields":      rec.Fields,
	})
	if err != nil {
		return Score{}, fmt.Errorf("failed to encode classifier request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/classify", bytes.NewReader(body))
	if err != nil {
		return Score{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return Score{}, fmt.Errorf("classifier request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Score{}, fmt.Errorf("classifier returned status %d", resp.StatusCode)
	}
	var s Score
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return Score{}, fmt.Errorf("failed to decode classifier response: %w", err)
	}
	return s, nil
}
