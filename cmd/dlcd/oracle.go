package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vctt94/dcrdlc/manager"
	"github.com/vctt94/dcrdlc/oracle"
)

// httpOracleClient fetches announcements and attestations from a REST oracle:
// GET {base}/announcement/{event} and GET {base}/attestation/{event}. A 404
// on the attestation endpoint means the oracle has not attested yet.
type httpOracleClient struct {
	base   string
	client *http.Client
}

var _ manager.OracleGateway = (*httpOracleClient)(nil)

func newHTTPOracleClient(base string) *httpOracleClient {
	return &httpOracleClient{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (o *httpOracleClient) get(ctx context.Context, path, eventID string, out interface{}) (int, error) {
	u := o.base + "/" + path + "/" + url.PathEscape(eventID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, fmt.Errorf("oracle returned %s for %s", resp.Status, u)
	}
	return resp.StatusCode, json.NewDecoder(resp.Body).Decode(out)
}

func (o *httpOracleClient) GetAnnouncement(ctx context.Context, eventID string) (*oracle.Announcement, error) {
	var ann oracle.Announcement
	if _, err := o.get(ctx, "announcement", eventID, &ann); err != nil {
		return nil, err
	}
	if err := ann.Validate(); err != nil {
		return nil, fmt.Errorf("oracle announcement: %w", err)
	}
	return &ann, nil
}

func (o *httpOracleClient) GetAttestation(ctx context.Context, eventID string) (*oracle.Attestation, error) {
	var att oracle.Attestation
	status, err := o.get(ctx, "attestation", eventID, &att)
	if status == http.StatusNotFound {
		return nil, manager.ErrNoAttestation
	}
	if err != nil {
		return nil, err
	}
	return &att, nil
}
