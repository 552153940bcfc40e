package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// WritePriority routes a set across tiers.
type WritePriority string

const (
	PriorityCritical WritePriority = "critical"
	PriorityHigh     WritePriority = "high"
	PriorityNormal   WritePriority = "normal"
	PriorityLow      WritePriority = "low"
)

func (p WritePriority) durable() bool {
	return p == PriorityCritical || p == PriorityHigh
}

// Envelope wraps a cached payload with the metadata needed for integrity
// validation and prefetch decisions. The envelope, JSON-encoded, is what
// actually lives in every tier.
type Envelope struct {
	Data        []byte        `json:"data"`
	Timestamp   int64         `json:"timestamp"`  // unix ms at seal time
	ExpiresAt   int64         `json:"expires_at"` // unix ms
	Checksum    string        `json:"checksum"`   // sha256 hex of Data
	Priority    WritePriority `json:"priority"`
	ContentType string        `json:"content_type"`
	RelatedKeys []string      `json:"related_keys,omitempty"`
}

// Seal builds an envelope around data with a fresh checksum.
func Seal(data []byte, contentType string, priority WritePriority, ttl time.Duration, related []string, now time.Time) *Envelope {
	return &Envelope{
		Data:        data,
		Timestamp:   now.UnixMilli(),
		ExpiresAt:   now.Add(ttl).UnixMilli(),
		Checksum:    checksum(data),
		Priority:    priority,
		ContentType: contentType,
		RelatedKeys: related,
	}
}

// Encode serialises the envelope for tier storage.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a stored envelope.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &e, nil
}

// Validate checks integrity: the checksum must match the recomputed hash,
// the nominal expiry must not have passed, and regardless of nominal TTL an
// envelope older than maxAge is stale. Any failure means the entry is
// treated as a miss and purged.
func (e *Envelope) Validate(now time.Time, maxAge time.Duration) error {
	if checksum(e.Data) != e.Checksum {
		return fmt.Errorf("checksum mismatch")
	}
	if now.UnixMilli() >= e.ExpiresAt {
		return fmt.Errorf("expired")
	}
	if now.UnixMilli()-e.Timestamp > maxAge.Milliseconds() {
		return fmt.Errorf("older than %s", maxAge)
	}
	return nil
}

// RemainingTTLFraction returns how much of the envelope's life is left,
// in [0, 1]. 0 when the lifetime is degenerate.
func (e *Envelope) RemainingTTLFraction(now time.Time) float64 {
	life := e.ExpiresAt - e.Timestamp
	if life <= 0 {
		return 0
	}
	left := e.ExpiresAt - now.UnixMilli()
	if left <= 0 {
		return 0
	}
	f := float64(left) / float64(life)
	if f > 1 {
		f = 1
	}
	return f
}

// RemainingTTL returns the time until nominal expiry, floored at zero.
func (e *Envelope) RemainingTTL(now time.Time) time.Duration {
	d := time.Duration(e.ExpiresAt-now.UnixMilli()) * time.Millisecond
	if d < 0 {
		return 0
	}
	return d
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
