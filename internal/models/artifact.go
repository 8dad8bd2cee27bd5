package models

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"strconv"
	"time"
)

// Artifact is the content-addressed, immutable output of one step execution.
type Artifact struct {
	ID          string         `json:"id"`
	StepID      string         `json:"step_id"`
	PlanVersion int            `json:"plan_version"`
	Value       map[string]any `json:"value"`
	Parents     []string       `json:"parents,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ArtifactID computes hash(step_id, version, canonical JSON of value).
// encoding/json sorts map keys, which makes the serialization canonical.
func ArtifactID(stepID string, version int, value map[string]any) (string, error) {
	if value == nil {
		value = map[string]any{}
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("artifact %s: serialize output: %w", stepID, err)
	}
	h := sha256.New()
	writeField(h, []byte(stepID))
	writeField(h, []byte(strconv.Itoa(version)))
	writeField(h, payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// writeField length-prefixes each field so adjacent fields cannot collide.
func writeField(h hash.Hash, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	h.Write(n[:])
	h.Write(b)
}
