// Package anchor records finalized verification outcomes on an external,
// durable ledger. Anchoring is decoupled from the consensus path: the local
// terminal decision is authoritative even when anchoring is delayed or
// ultimately dead-lettered.
package anchor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/clearstake/attest-engine/internal/model"
)

// Anchorer writes one finalized outcome to the ledger and returns the
// externally-verifiable anchor reference.
type Anchorer interface {
	Anchor(ctx context.Context, req *model.VerificationRequest) (string, error)
}

// Request is the wire payload sent to the ledger endpoint.
type Request struct {
	RequestID          string              `json:"request_id"`
	AssetID            string              `json:"asset_id"`
	FinalStatus        model.RequestStatus `json:"final_status"`
	CombinedScoreBps   int                 `json:"combined_score_bps"`
	AttestationDigests []string            `json:"attestation_digests"`
}

// Digests returns the SHA-256 digest of each attestation in arrival order.
// The digest covers the fields that make an attestation unique and
// non-repudiable; comments are excluded so free text never lands on the
// ledger.
func Digests(req *model.VerificationRequest) []string {
	out := make([]string, len(req.Attestations))
	for i, a := range req.Attestations {
		out[i] = digest(a)
	}
	return out
}

func digest(a model.Attestation) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d|%s|%d",
		a.RequestID, a.AttestorID, a.ScoreBps, a.Recommendation, a.SubmittedAt.UnixNano()))
	return hex.EncodeToString(sum[:])
}

func payload(req *model.VerificationRequest) Request {
	return Request{
		RequestID:          req.ID,
		AssetID:            req.AssetID,
		FinalStatus:        req.Status,
		CombinedScoreBps:   req.CombinedScoreBps,
		AttestationDigests: Digests(req),
	}
}
