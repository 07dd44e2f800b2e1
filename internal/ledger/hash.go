package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gowebpki/jcs"

	"lims-eln-sync/internal/domain"
)

// GenesisHash is the prev_hash of the first entry.
var GenesisHash = strings.Repeat("0", sha256.Size*2)

// envelope is the hashed payload of every entry.
type envelope struct {
	RecordID  string           `json:"record_id"`
	JobID     string           `json:"job_id,omitempty"`
	EventKind domain.EventKind `json:"event_kind"`
	Data      json.RawMessage  `json:"data,omitempty"`
}

// canonicalPayload renders an event as RFC 8785 canonical JSON.
func canonicalPayload(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event data: %w", err)
	}
	raw, err := json.Marshal(envelope{RecordID: ev.RecordID, JobID: ev.JobID, EventKind: ev.Kind, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event envelope: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize payload: %w", err)
	}
	return out, nil
}

// Timestamp is the precision and layout entries are hashed and stored with.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Hash computes sha256(prev_hash ‖ payload ‖ timestamp) as lowercase hex.
func Hash(prevHash string, payload []byte, ts time.Time) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(payload)
	h.Write([]byte(Timestamp(ts)))
	return hex.EncodeToString(h.Sum(nil))
}

// EntryHash recomputes the hash of a stored entry.
func EntryHash(e domain.AuditEntry) string {
	return Hash(e.PrevHash, e.Payload, e.Timestamp)
}

// JobID returns the job id carried in an entry's payload.
func JobID(e domain.AuditEntry) string {
	var env envelope
	if err := json.Unmarshal(e.Payload, &env); err != nil {
		return ""
	}
	return env.JobID
}

// DecodeData unmarshals the event data of an entry into v.
func DecodeData(e domain.AuditEntry, v any) error {
	var env envelope
	if err := json.Unmarshal(e.Payload, &env); err != nil {
		return fmt.Errorf("failed to decode audit payload %d: %w", e.Sequence, err)
	}
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("failed to decode audit data %d: %w", e.Sequence, err)
	}
	return nil
}
