package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearstake/attest-engine/internal/auth"
	"github.com/clearstake/attest-engine/internal/consensus"
	"github.com/clearstake/attest-engine/internal/model"
	"github.com/clearstake/attest-engine/internal/monitoring"
	"github.com/clearstake/attest-engine/internal/policy"
	"github.com/clearstake/attest-engine/internal/registry"
)

const (
	adminPrincipal    = "ops@clearstake.io"
	reviewerPrincipal = "review@clearstake.io"
)

type testEnv struct {
	srv      *httptest.Server
	registry *registry.MemRegistry
	policies *policy.MemStore
	coord    *consensus.Coordinator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	authz := auth.NewStatic([]string{adminPrincipal}, []string{reviewerPrincipal})
	reg := registry.NewMemRegistry(100_000, authz)
	pol := policy.NewMemStore(authz)
	coord := consensus.New(reg, pol, consensus.WithReviewAuthorizer(authz))
	metrics := monitoring.NewCollector(coord, reg, nil, nil)

	srv := httptest.NewServer(NewServer(coord, reg, pol, metrics).Router())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, registry: reg, policies: pol, coord: coord}
}

func (e *testEnv) do(t *testing.T, method, path, principal string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if principal != "" {
		req.Header.Set("X-Principal", principal)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *testEnv) registerAttestor(t *testing.T, org string) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/v1/attestors", adminPrincipal, registerAttestorRequest{
		OrganizationName: org,
		Region:           "eu-west",
		StakeAmount:      500_000,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[model.Attestor](t, resp).ID
}

func (e *testEnv) setPolicy(t *testing.T, assetType string, minScore, quorum int) {
	t.Helper()
	resp := e.do(t, http.MethodPut, "/v1/policies/"+assetType, adminPrincipal, model.AssetTypePolicy{
		MinScoreBps:           minScore,
		ValidityWindowSeconds: 3600,
		RequiredAttestorCount: quorum,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[map[string]string](t, resp)["status"])
}

func TestRegisterAttestor_Unauthorized(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/v1/attestors", "anon", registerAttestorRequest{
		OrganizationName: "Veritas Labs",
		Region:           "eu-west",
		StakeAmount:      500_000,
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden", decode[map[string]string](t, resp)["category"])
}

func TestRegisterAttestor_InsufficientStake(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/v1/attestors", adminPrincipal, registerAttestorRequest{
		OrganizationName: "Veritas Labs",
		Region:           "eu-west",
		StakeAmount:      50_000,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation", decode[map[string]string](t, resp)["category"])
}

func TestSetPolicy_Versioning(t *testing.T) {
	env := newTestEnv(t)

	env.setPolicy(t, "real_estate", 7500, 3)

	resp := env.do(t, http.MethodPut, "/v1/policies/real_estate", adminPrincipal, model.AssetTypePolicy{
		MinScoreBps:           8000,
		ValidityWindowSeconds: 3600,
		RequiredAttestorCount: 3,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	p := decode[model.AssetTypePolicy](t, resp)
	assert.Equal(t, 2, p.Version)
	assert.Equal(t, model.AssetType("real_estate"), p.AssetType)

	listResp := env.do(t, http.MethodGet, "/v1/policies", "", nil)
	require.Equal(t, http.StatusOK, listResp.StatusCode)
	list := decode[map[string][]model.AssetTypePolicy](t, listResp)
	assert.Len(t, list["policies"], 1)
}

func TestGetPolicy_NotConfigured(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/v1/policies/carbon_credit", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitAndAttest_FullApprovalFlow(t *testing.T) {
	env := newTestEnv(t)
	env.setPolicy(t, "real_estate", 7500, 2)
	a1 := env.registerAttestor(t, "Veritas Labs")
	a2 := env.registerAttestor(t, "Argus Audit")

	resp := env.do(t, http.MethodPost, "/v1/requests", "", consensus.SubmitParams{
		AssetID:            "asset-1",
		AssetType:          "real_estate",
		AutomatedScoreBps:  7500,
		EvidenceReference:  "evidence://bundle/1",
		CandidateAttestors: []string{a1, a2},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	req := decode[model.VerificationRequest](t, resp)
	assert.Equal(t, model.StatusCollecting, req.Status)

	attest := func(attestorID string, score int) *http.Response {
		return env.do(t, http.MethodPost, fmt.Sprintf("/v1/requests/%s/attestations", req.ID), "", attestRequest{
			AttestorID:     attestorID,
			ScoreBps:       score,
			Recommendation: model.RecommendVerified,
		})
	}

	r1 := attest(a1, 9000)
	require.Equal(t, http.StatusOK, r1.StatusCode)
	assert.Equal(t, model.StatusCollecting, decode[model.VerificationRequest](t, r1).Status)

	r2 := attest(a2, 8200)
	require.Equal(t, http.StatusOK, r2.StatusCode)
	final := decode[model.VerificationRequest](t, r2)
	assert.Equal(t, model.StatusApproved, final.Status)
	assert.Equal(t, 8160, final.CombinedScoreBps)

	// Further attestations conflict with the terminal state.
	r3 := attest(a1, 9000)
	assert.Equal(t, http.StatusConflict, r3.StatusCode)

	outResp := env.do(t, http.MethodGet, "/v1/requests/"+req.ID+"/outcome", "", nil)
	require.Equal(t, http.StatusOK, outResp.StatusCode)
	out := decode[model.Outcome](t, outResp)
	assert.Equal(t, model.StatusApproved, out.Status)
	assert.Equal(t, 8160, out.CombinedScoreBps)
}

func TestGetRequest_NotFound(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/v1/requests/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decode[map[string]string](t, resp)["category"])
}

func TestManualApprove_Unauthorized(t *testing.T) {
	env := newTestEnv(t)
	env.setPolicy(t, "real_estate", 7500, 1)
	a1 := env.registerAttestor(t, "Veritas Labs")

	resp := env.do(t, http.MethodPost, "/v1/requests", "", consensus.SubmitParams{
		AssetID:            "asset-1",
		AssetType:          "real_estate",
		AutomatedScoreBps:  8000,
		CandidateAttestors: []string{a1},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	req := decode[model.VerificationRequest](t, resp)

	approveResp := env.do(t, http.MethodPost, "/v1/requests/"+req.ID+"/approve", "anon", nil)
	assert.Equal(t, http.StatusForbidden, approveResp.StatusCode)
}

func TestAttest_InvalidBody(t *testing.T) {
	env := newTestEnv(t)
	env.setPolicy(t, "real_estate", 7500, 1)
	a1 := env.registerAttestor(t, "Veritas Labs")

	resp := env.do(t, http.MethodPost, "/v1/requests", "", consensus.SubmitParams{
		AssetID:            "asset-1",
		AssetType:          "real_estate",
		AutomatedScoreBps:  8000,
		CandidateAttestors: []string{a1},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	req := decode[model.VerificationRequest](t, resp)

	httpReq, err := http.NewRequest(http.MethodPost, env.srv.URL+"/v1/requests/"+req.ID+"/attestations",
		bytes.NewBufferString("not json"))
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(httpReq)
	require.NoError(t, err)
	defer raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.registerAttestor(t, "Veritas Labs")

	resp := env.do(t, http.MethodGet, "/v1/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decode[monitoring.MetricsSnapshot](t, resp)
	assert.Equal(t, 1, snap.AttestorsTotal)
	assert.Equal(t, 1, snap.AttestorsActive)
}

func TestDeactivateAttestor(t *testing.T) {
	env := newTestEnv(t)
	id := env.registerAttestor(t, "Veritas Labs")

	resp := env.do(t, http.MethodDelete, "/v1/attestors/"+id, adminPrincipal, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	getResp := env.do(t, http.MethodGet, "/v1/attestors/"+id, "", nil)
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	assert.False(t, decode[model.Attestor](t, getResp).Active)
}
