package registry

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var foldCaser = cases.Fold()

// identityKey derives the duplicate-detection key for an attestor identity.
// Organization names are NFKC-normalized, case-folded, and whitespace-
// collapsed so "ACME  Surveyors" and "acme surveyors" map to the same key.
func identityKey(organizationName, region string) string {
	return normalizeName(organizationName) + "|" + normalizeName(region)
}

func normalizeName(s string) string {
	s = norm.NFKC.String(s)
	s = foldCaser.String(s)
	return strings.Join(strings.Fields(s), " ")
}
