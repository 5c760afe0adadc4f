package score

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCombine_NoAttestationsPassesThroughAutomated(t *testing.T) {
	assert.Equal(t, 7200, Combine(7200, nil))
	assert.Equal(t, 0, Combine(0, []int{}))
}

func TestCombine_WeightedBlend(t *testing.T) {
	// 7500*0.4 + mean(9000,8200)*0.6 = 3000 + 5160 = 8160.
	assert.Equal(t, 8160, Combine(7500, []int{9000, 8200}))

	// Single attestation: 8000*0.4 + 5000*0.6 = 6200.
	assert.Equal(t, 6200, Combine(8000, []int{5000}))

	// Extremes stay within range.
	assert.Equal(t, 10000, Combine(10000, []int{10000, 10000, 10000}))
	assert.Equal(t, 0, Combine(0, []int{0, 0}))
}

func TestCombine_MeanRoundsHalfUp(t *testing.T) {
	// mean(1,2) = 1.5 -> 2; combined = 0*0.4 + 2*0.6 = 1 (integer bps).
	assert.Equal(t, 1, Combine(0, []int{1, 2}))

	// mean(0,1) = 0.5 -> 1; 1*0.6 = 0.6 bps truncates to 0.
	assert.Equal(t, 0, Combine(0, []int{0, 1}))

	// mean(7000,7001) = 7000.5 -> 7001; 7000*0.4 + 7001*0.6 = 7000.6 -> 7000.
	assert.Equal(t, 7000, Combine(7000, []int{7000, 7001}))
}

func TestWeightsSumToOne(t *testing.T) {
	assert.Equal(t, 10000, AutomatedWeightBps+HumanWeightBps)
}
