package model

import "time"

// RequestStatus represents the lifecycle state of a verification request.
type RequestStatus string

const (
	// StatusSubmitted is the nominal intake state. Submission validates and
	// snapshots the policy in one step, so a request observable through any
	// API is already Collecting; the constant exists for wire compatibility
	// with consumers that distinguish intake from collection.
	StatusSubmitted  RequestStatus = "submitted"
	StatusCollecting RequestStatus = "collecting"
	StatusApproved   RequestStatus = "approved"
	StatusRejected   RequestStatus = "rejected"
	StatusExpired    RequestStatus = "expired"
)

// IsTerminal reports whether the status has no outgoing transitions.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Recommendation is an attestor's explicit verdict, independent of the
// numeric score they assign.
type Recommendation string

const (
	RecommendVerified Recommendation = "verified"
	RecommendRejected Recommendation = "rejected"
)

// Attestation is one attestor's judgment on one request. At most one
// attestation per (request, attestor) pair is ever recorded.
type Attestation struct {
	RequestID      string         `json:"request_id"`
	AttestorID     string         `json:"attestor_id"`
	ScoreBps       int            `json:"score_bps"`
	Recommendation Recommendation `json:"recommendation"`
	Comments       string         `json:"comments,omitempty"`
	SubmittedAt    time.Time      `json:"submitted_at"`
}

// VerificationRequest tracks one verification attempt for one asset. The
// policy in force at submission time is snapshotted into the request so
// later policy changes never affect it.
type VerificationRequest struct {
	ID                   string          `json:"id"`
	AssetID              string          `json:"asset_id"`
	AssetType            AssetType       `json:"asset_type"`
	AutomatedScoreBps    int             `json:"automated_score_bps"`
	EvidenceReference    string          `json:"evidence_reference"`
	CandidateAttestors   []string        `json:"candidate_attestors"`
	PolicySnapshot       AssetTypePolicy `json:"policy_snapshot"`
	Status               RequestStatus   `json:"status"`
	Attestations         []Attestation   `json:"attestations"`
	CombinedScoreBps     int             `json:"combined_score_bps"`
	ReadyForManualReview bool            `json:"ready_for_manual_review"`
	CreatedAt            time.Time       `json:"created_at"`
	ExpiresAt            time.Time       `json:"expires_at"`
	FinalizedAt          *time.Time      `json:"finalized_at,omitempty"`
}

// IsCandidate reports whether the attestor is in the request's candidate set.
func (r *VerificationRequest) IsCandidate(attestorID string) bool {
	for _, id := range r.CandidateAttestors {
		if id == attestorID {
			return true
		}
	}
	return false
}

// HasAttested reports whether the attestor already submitted an attestation.
func (r *VerificationRequest) HasAttested(attestorID string) bool {
	for _, a := range r.Attestations {
		if a.AttestorID == attestorID {
			return true
		}
	}
	return false
}

// RejectCount returns the number of recorded attestations whose explicit
// recommendation is rejected.
func (r *VerificationRequest) RejectCount() int {
	n := 0
	for _, a := range r.Attestations {
		if a.Recommendation == RecommendRejected {
			n++
		}
	}
	return n
}

// Clone returns a deep copy safe to hand to callers outside the
// coordinator's critical section.
func (r *VerificationRequest) Clone() *VerificationRequest {
	cp := *r
	cp.CandidateAttestors = append([]string(nil), r.CandidateAttestors...)
	cp.Attestations = append([]Attestation(nil), r.Attestations...)
	if r.FinalizedAt != nil {
		t := *r.FinalizedAt
		cp.FinalizedAt = &t
	}
	return &cp
}

// Outcome is the downstream-facing view of a request, read by the
// tokenization collaborator before minting.
type Outcome struct {
	RequestID        string        `json:"request_id"`
	AssetID          string        `json:"asset_id"`
	Status           RequestStatus `json:"status"`
	CombinedScoreBps int           `json:"combined_score_bps"`
	ExpiresAt        time.Time     `json:"expires_at"`
	FinalizedAt      *time.Time    `json:"finalized_at,omitempty"`
}
