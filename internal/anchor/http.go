package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/clearstake/attest-engine/internal/model"
	"github.com/clearstake/attest-engine/internal/resilience"
)

// HTTPAnchorer posts anchor payloads to a ledger gateway over HTTP.
type HTTPAnchorer struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// HTTPOption configures an HTTPAnchorer.
type HTTPOption func(*HTTPAnchorer)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(a *HTTPAnchorer) { a.http = hc }
}

// NewHTTPAnchorer creates an anchorer posting to baseURL/v1/anchors.
func NewHTTPAnchorer(baseURL, apiKey string, opts ...HTTPOption) *HTTPAnchorer {
	a := &HTTPAnchorer{
		baseURL: baseURL,
		apiKey:  apiKey,
		http: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type anchorResponse struct {
	AnchorReference string `json:"anchor_reference"`
}

func (a *HTTPAnchorer) Anchor(ctx context.Context, req *model.VerificationRequest) (string, error) {
	body, err := json.Marshal(payload(req))
	if err != nil {
		return "", eris.Wrap(err, "anchor: marshal payload")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/anchors", bytes.NewReader(body))
	if err != nil {
		return "", eris.Wrap(err, "anchor: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.http.Do(httpReq)
	if err != nil {
		return "", resilience.NewTransientError(eris.Wrap(err, "anchor: post"), 0)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", eris.Wrap(err, "anchor: read response")
	}

	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return "", resilience.NewTransientError(
			eris.Errorf("anchor: status %d: %s", resp.StatusCode, string(respBody)), resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", eris.Errorf("anchor: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed anchorResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", eris.Wrap(err, "anchor: unmarshal response")
	}
	if parsed.AnchorReference == "" {
		return "", eris.New("anchor: response missing anchor_reference")
	}
	return parsed.AnchorReference, nil
}
