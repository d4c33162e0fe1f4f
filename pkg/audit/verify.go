package audit

import (
	"context"
	"fmt"

	"github.com/openclaw/warden/pkg/contracts"
	"github.com/openclaw/warden/pkg/store"
)

// ChainReader provides the stored chain for verification.
type ChainReader interface {
	ChainEntries(ctx context.Context, tenantID string) ([]*contracts.AuditEvent, error)
	ChainHead(ctx context.Context, tenantID string) (uint64, string, error)
}

// VerifyResult reports the outcome of a full chain walk.
type VerifyResult struct {
	TenantID string                `json:"tenant_id"`
	Status   contracts.ChainStatus `json:"status"`
	Checked  int                   `json:"checked"`
	BrokenAt uint64                `json:"broken_at,omitempty"`
	Reason   string                `json:"reason,omitempty"`
}

// VerifyChain recomputes every event hash and linkage for a tenant. Any
// mismatch marks the chain compromised at the first broken entry. An empty
// chain verifies trivially.
func VerifyChain(ctx context.Context, reader ChainReader, tenantID string) (*VerifyResult, error) {
	entries, err := reader.ChainEntries(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load chain for %s: %w", tenantID, err)
	}

	res := &VerifyResult{TenantID: tenantID, Status: contracts.ChainVerified, Checked: len(entries)}

	prevHash := ""
	var expectedSeq uint64 = 1
	for _, e := range entries {
		if e.Seq != expectedSeq {
			return broken(res, e.Seq, fmt.Sprintf("sequence gap: got %d, expected %d", e.Seq, expectedSeq)), nil
		}
		if e.PrevEventHash != prevHash {
			return broken(res, e.Seq, "prev_event_hash does not match predecessor"), nil
		}
		recomputed, err := store.EventHash(e)
		if err != nil {
			return nil, fmt.Errorf("recompute hash at seq %d: %w", e.Seq, err)
		}
		if recomputed != e.EventHash {
			return broken(res, e.Seq, "event_hash does not recompute from stored fields"), nil
		}
		prevHash = e.EventHash
		expectedSeq++
	}

	// The recorded head must agree with the walked tail.
	headSeq, headHash, err := reader.ChainHead(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("chain head for %s: %w", tenantID, err)
	}
	if len(entries) > 0 {
		tail := entries[len(entries)-1]
		if headSeq != tail.Seq || headHash != tail.EventHash {
			return broken(res, tail.Seq, "chain head does not match last entry"), nil
		}
	} else if headSeq != 0 {
		return broken(res, headSeq, "chain head points past an empty log"), nil
	}

	return res, nil
}

func broken(res *VerifyResult, seq uint64, reason string) *VerifyResult {
	res.Status = contracts.ChainCompromised
	res.BrokenAt = seq
	res.Reason = reason
	return res
}
