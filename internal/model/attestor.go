package model

import "time"

// AssetType identifies a category of real-world asset (e.g. "farmland",
// "solar_array", "warehouse"). Policies and attestor specialties are keyed
// by asset type.
type AssetType string

// Attestor is a staked party authorized to submit human judgment on an
// asset's legitimacy. Stake is held in minor currency units.
type Attestor struct {
	ID                string      `json:"id"`
	OrganizationName  string      `json:"organization_name"`
	Region            string      `json:"region"`
	Specialties       []AssetType `json:"specialties,omitempty"`
	StakeAmount       int64       `json:"stake_amount"`
	Active            bool        `json:"active"`
	ReputationScore   float64     `json:"reputation_score"`
	TotalAttestations int         `json:"total_attestations"`
	RegisteredAt      time.Time   `json:"registered_at"`
}

// HasSpecialty reports whether the attestor covers the given asset type.
// An empty specialty list means generalist: every asset type is covered.
func (a *Attestor) HasSpecialty(assetType AssetType) bool {
	if len(a.Specialties) == 0 {
		return true
	}
	for _, s := range a.Specialties {
		if s == assetType {
			return true
		}
	}
	return false
}
