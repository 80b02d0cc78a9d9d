package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/kindlyrobotics/ratchetclient/errs"
	"github.com/kindlyrobotics/ratchetclient/model"
)

// lookupResponse is the JSON shape of GET /api/directory?handle=.
type lookupResponse struct {
	Host               string `json:"host"`
	PublicIdentityKey  []byte `json:"public_identity_key"`
	PublicTransportKey []byte `json:"public_transport_key"`
}

// HTTPSource resolves handles against the relay's directory endpoint.
type HTTPSource struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPSource constructs a Source hitting baseURL with the given
// request timeout.
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{BaseURL: baseURL, Client: &http.Client{Timeout: timeout}}
}

// LookupHandle implements Source via GET /api/directory?handle=<handle>.
func (h *HTTPSource) LookupHandle(ctx context.Context, handle model.Handle) (Entry, error) {
	reqURL := fmt.Sprintf("%s/api/directory?handle=%s", h.BaseURL, url.QueryEscape(handle.String()))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Entry{}, errs.New(errs.NetworkTransient, "directory.LookupHandle", err)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return Entry{}, errs.New(errs.NetworkTransient, "directory.LookupHandle", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Entry{}, errs.New(errs.NetworkTransient, "directory.LookupHandle", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var body lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Entry{}, errs.New(errs.InvalidPayload, "directory.LookupHandle", err)
	}

	return Entry{
		Handle:             handle,
		Host:               body.Host,
		PublicIdentityKey:  body.PublicIdentityKey,
		PublicTransportKey: body.PublicTransportKey,
		FetchedAt:          time.Now(),
	}, nil
}
