package model

import "github.com/rotisserie/eris"

// Validation errors: the caller must correct its input before retrying.
var (
	ErrInvalidPolicy          = eris.New("invalid policy")
	ErrInsufficientStake      = eris.New("stake below minimum bond")
	ErrDuplicateAttestor      = eris.New("attestor already registered")
	ErrPolicyNotConfigured    = eris.New("no policy configured for asset type")
	ErrInsufficientCandidates = eris.New("candidate set smaller than required quorum")
	ErrNotEligible            = eris.New("attestor not eligible for asset type")
	ErrInvalidScore           = eris.New("score outside basis-point range")
	ErrInvalidRecommendation  = eris.New("unknown recommendation")
	ErrInvalidCandidate       = eris.New("candidate is missing required fields")
	ErrNotAuthorized          = eris.New("caller not authorized")
)

// State-conflict errors: the caller must re-read current state before retrying.
var (
	ErrRequestNotCollecting   = eris.New("request is not collecting attestations")
	ErrNotCandidate           = eris.New("attestor is not a candidate for this request")
	ErrDuplicateAttestation   = eris.New("attestor already attested on this request")
	ErrManualReviewNotReady   = eris.New("request is not ready for manual review")
	ErrRequestNotFound        = eris.New("request not found")
	ErrAttestorNotFound       = eris.New("attestor not found")
)

// Temporal errors: not retryable for the same request; resubmit instead.
var (
	ErrRequestExpired = eris.New("request validity window has elapsed")
)

// ErrorCategory buckets failures for API mapping and logging.
type ErrorCategory string

const (
	CategoryValidation    ErrorCategory = "validation"
	CategoryStateConflict ErrorCategory = "state_conflict"
	CategoryTemporal      ErrorCategory = "temporal"
	CategoryNotFound      ErrorCategory = "not_found"
	CategoryForbidden     ErrorCategory = "forbidden"
	CategoryInternal      ErrorCategory = "internal"
)

// Categorize maps an error to its taxonomy bucket.
func Categorize(err error) ErrorCategory {
	switch {
	case err == nil:
		return ""
	case eris.Is(err, ErrRequestNotFound), eris.Is(err, ErrAttestorNotFound):
		return CategoryNotFound
	case eris.Is(err, ErrNotAuthorized):
		return CategoryForbidden
	case eris.Is(err, ErrRequestExpired):
		return CategoryTemporal
	case eris.Is(err, ErrRequestNotCollecting),
		eris.Is(err, ErrNotCandidate),
		eris.Is(err, ErrDuplicateAttestation),
		eris.Is(err, ErrManualReviewNotReady):
		return CategoryStateConflict
	case eris.Is(err, ErrInvalidPolicy),
		eris.Is(err, ErrInsufficientStake),
		eris.Is(err, ErrDuplicateAttestor),
		eris.Is(err, ErrPolicyNotConfigured),
		eris.Is(err, ErrInsufficientCandidates),
		eris.Is(err, ErrNotEligible),
		eris.Is(err, ErrInvalidScore),
		eris.Is(err, ErrInvalidRecommendation),
		eris.Is(err, ErrInvalidCandidate):
		return CategoryValidation
	default:
		return CategoryInternal
	}
}
