// Package trace verifies adapter-submitted execution traces. Steps form a
// hash chain like the audit log does, but the chain is built by the adapter;
// the gateway only checks it and stamps the result.
package trace

import (
	"encoding/json"
	"fmt"

	"github.com/openclaw/warden/pkg/canonical"
	"github.com/openclaw/warden/pkg/contracts"
)

// stepHashInput is the field set a step hash covers.
type stepHashInput struct {
	TraceID      string              `json:"trace_id"`
	StepID       string              `json:"step_id"`
	PrevStepHash string              `json:"prev_step_hash"`
	Type         contracts.StepType  `json:"type"`
	Payload      json.RawMessage     `json:"payload"`
}

// StepHash computes the expected hash for one step of a trace.
func StepHash(traceID string, step contracts.TraceStep) (string, error) {
	payload := step.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return canonical.Hash(stepHashInput{
		TraceID:      traceID,
		StepID:       step.StepID,
		PrevStepHash: step.PrevStepHash,
		Type:         step.Type,
		Payload:      payload,
	})
}

// Verify walks the step chain and returns the integrity status the bundle
// should be stored with.
//
//   - no step carries a hash: unsigned
//   - every hash recomputes and links: verified
//   - anything else (partial hashes, broken link, mismatch): compromised
func Verify(bundle *contracts.TraceBundle) contracts.IntegrityStatus {
	if len(bundle.Steps) == 0 {
		return contracts.IntegrityUnsigned
	}

	hashed := 0
	for _, s := range bundle.Steps {
		if s.StepHash != "" {
			hashed++
		}
	}
	if hashed == 0 {
		return contracts.IntegrityUnsigned
	}
	if hashed != len(bundle.Steps) {
		return contracts.IntegrityCompromised
	}

	prev := ""
	for _, s := range bundle.Steps {
		if s.PrevStepHash != prev {
			return contracts.IntegrityCompromised
		}
		expected, err := StepHash(bundle.TraceID, s)
		if err != nil || expected != s.StepHash {
			return contracts.IntegrityCompromised
		}
		prev = s.StepHash
	}
	return contracts.IntegrityVerified
}

// ValidateSteps rejects bundles with malformed steps before verification.
func ValidateSteps(bundle *contracts.TraceBundle) error {
	seen := make(map[string]struct{}, len(bundle.Steps))
	for i, s := range bundle.Steps {
		if s.StepID == "" {
			return fmt.Errorf("step %d: missing step_id", i)
		}
		if !s.Type.Valid() {
			return fmt.Errorf("step %d: unknown type %q", i, s.Type)
		}
		if _, dup := seen[s.StepID]; dup {
			return fmt.Errorf("step %d: duplicate step_id %q", i, s.StepID)
		}
		seen[s.StepID] = struct{}{}
		if len(s.Payload) > 0 && !json.Valid(s.Payload) {
			return fmt.Errorf("step %d: payload is not valid JSON", i)
		}
	}
	return nil
}

// Chain fills in prev/step hashes for a slice of steps. Adapters use this to
// produce verifiable bundles; tests use it to build fixtures.
func Chain(traceID string, steps []contracts.TraceStep) ([]contracts.TraceStep, error) {
	out := make([]contracts.TraceStep, len(steps))
	prev := ""
	for i, s := range steps {
		s.PrevStepHash = prev
		h, err := StepHash(traceID, s)
		if err != nil {
			return nil, fmt.Errorf("hash step %d: %w", i, err)
		}
		s.StepHash = h
		out[i] = s
		prev = h
	}
	return out, nil
}
