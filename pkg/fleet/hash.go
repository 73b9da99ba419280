package fleet

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

type contentHashPayload struct {
	Type         string          `json:"type"`
	TestLevel    string          `json:"test_level,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
	Resources    Resources       `json:"resources"`
	CPUCores     float64         `json:"cpu_cores,omitempty"`
	MemoryGB     float64         `json:"memory_gb,omitempty"`
	SourceFiles  []string        `json:"source_files,omitempty"`
}

// ContentHash computes a canonical hash of what a task does, ignoring its
// identity and lifecycle fields. Two submissions of the same work hash
// equally even if their ids differ.
func ContentHash(t Task) (string, error) {
	payload, err := canonicalJSON(t.Payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}

	caps := slices.Clone(t.Requirements.Capabilities)
	slices.Sort(caps)
	caps = slices.Compact(caps)
	files := slices.Clone(t.SourceFiles)
	slices.Sort(files)

	b, err := json.Marshal(contentHashPayload{
		Type:         strings.TrimSpace(t.Type),
		TestLevel:    strings.TrimSpace(t.TestLevel),
		Payload:      payload,
		Capabilities: caps,
		Resources:    t.Requirements.Resources,
		CPUCores:     t.Requirements.CPUCores,
		MemoryGB:     t.Requirements.MemoryGB,
		SourceFiles:  files,
	})
	if err != nil {
		return "", fmt.Errorf("marshal content hash payload: %w", err)
	}

	sha := sha256.Sum256(b)
	return hex.EncodeToString(sha[:]), nil
}

// canonicalJSON re-encodes raw JSON with sorted object keys and no
// insignificant whitespace.
func canonicalJSON(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
