// Package score combines the automated evidence score with attestor
// consensus into a single basis-point value.
package score

import "github.com/clearstake/attest-engine/internal/model"

// Signal weights in basis points. Automated evidence is a necessary but
// insufficient signal; human attestation carries the majority weight.
const (
	AutomatedWeightBps = 4000
	HumanWeightBps     = 6000
)

// Combine blends the automated score with the mean attestor score using the
// fixed 40/60 weighting. With no attestations yet the automated score passes
// through unchanged; the coordinator never finalizes in that state.
func Combine(automatedScoreBps int, attestationScores []int) int {
	if len(attestationScores) == 0 {
		return automatedScoreBps
	}
	mean := meanBps(attestationScores)
	return (automatedScoreBps*AutomatedWeightBps + mean*HumanWeightBps) / model.MaxScoreBps
}

// meanBps computes the integer mean, rounding half up.
func meanBps(scores []int) int {
	sum := 0
	for _, s := range scores {
		sum += s
	}
	return (sum + len(scores)/2) / len(scores)
}
