// Package auth provides the static, config-driven capability checks used by
// the registry, policy store, and coordinator. Authentication itself happens
// upstream; these checks only decide what an already-identified principal
// may do.
package auth

import "context"

// Static grants capabilities from fixed principal lists. Admins implicitly
// hold the reviewer capability.
type Static struct {
	admins    map[string]struct{}
	reviewers map[string]struct{}
}

// NewStatic builds a Static authorizer from admin and reviewer principals.
func NewStatic(admins, reviewers []string) *Static {
	s := &Static{
		admins:    make(map[string]struct{}, len(admins)),
		reviewers: make(map[string]struct{}, len(reviewers)),
	}
	for _, p := range admins {
		s.admins[p] = struct{}{}
	}
	for _, p := range reviewers {
		s.reviewers[p] = struct{}{}
	}
	return s
}

func (s *Static) CanManageAttestors(_ context.Context, principal string) bool {
	_, ok := s.admins[principal]
	return ok
}

func (s *Static) CanAdministerPolicies(_ context.Context, principal string) bool {
	_, ok := s.admins[principal]
	return ok
}

func (s *Static) CanReviewRequests(_ context.Context, principal string) bool {
	if _, ok := s.admins[principal]; ok {
		return true
	}
	_, ok := s.reviewers[principal]
	return ok
}
