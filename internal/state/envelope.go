package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrChecksumMismatch is returned when a payload does not hash to its recorded checksum.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// Envelope kinds.
const (
	EnvelopeState    = "state"
	EnvelopeRecord   = "record"
	EnvelopeSnapshot = "snapshot"
)

// #region paths
// StatePath is where the current document lives on every destination.
const StatePath = "state/dna.json"

// RecordPath is the append-only key for a mutation record.
func RecordPath(rec MutationRecord) string {
	return fmt.Sprintf("records/%012d-%s.json", rec.ResultingVersion, rec.ID)
}

// SnapshotPath is the key for a stored snapshot.
func SnapshotPath(id string) string {
	return "snapshots/" + id + ".json"
}
// #endregion paths

// #region envelope
// Envelope wraps every persisted payload so integrity can be verified no
// matter which destination served the bytes.
type Envelope struct {
	Kind         string          `json:"kind"`
	Checksum     string          `json:"checksum"`
	LastModified time.Time       `json:"last_modified"`
	Payload      json.RawMessage `json:"payload"`
}

// Checksum returns the content checksum used across all persisted layouts.
func Checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Seal marshals v and wraps it in a checksummed envelope.
func Seal(kind string, v any, lastModified time.Time) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	env := Envelope{
		Kind:         kind,
		Checksum:     Checksum(payload),
		LastModified: lastModified.UTC(),
		Payload:      payload,
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return out, nil
}

// Peek decodes and verifies the envelope without touching the payload.
func Peek(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Checksum == "" || Checksum(env.Payload) != env.Checksum {
		return env, ErrChecksumMismatch
	}
	return env, nil
}

// Unseal verifies data and decodes its payload into v.
func Unseal(data []byte, v any) (Envelope, error) {
	env, err := Peek(data)
	if err != nil {
		return env, err
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return env, fmt.Errorf("decode %s payload: %w", env.Kind, err)
	}
	return env, nil
}
// #endregion envelope
