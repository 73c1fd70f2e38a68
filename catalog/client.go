package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/songzhibin97/chatflow/types"
)

const maxResponseBytes = 1 << 20

// Client reads the catalog from the clinic management service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

// NewClient creates a new catalog client.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Procedure implements workflow.Catalog.
func (c *Client) Procedure(ctx context.Context, code string) (types.Procedure, error) {
	var p types.Procedure
	err := c.get(ctx, "/procedures/"+url.PathEscape(code), nil, &p, ErrProcedureNotFound)
	return p, err
}

// Clinic implements workflow.Catalog.
func (c *Client) Clinic(ctx context.Context, code string) (types.Clinic, error) {
	var cl types.Clinic
	err := c.get(ctx, "/clinics/"+url.PathEscape(code), nil, &cl, ErrClinicNotFound)
	return cl, err
}

// InsuranceEntries implements collect.InsuranceCatalog.
func (c *Client) InsuranceEntries(ctx context.Context) ([]types.CatalogEntry, error) {
	var plans []types.Insurance
	if err := c.get(ctx, "/insurances", nil, &plans, ErrInsuranceNotFound); err != nil {
		return nil, err
	}
	out := make([]types.CatalogEntry, len(plans))
	for i, p := range plans {
		out[i] = p.Entry()
	}
	return out, nil
}

type coverageResponse struct {
	Percent float64 `json:"percent"`
}

// CoveragePercent implements rules.CoverageLookup.
func (c *Client) CoveragePercent(ctx context.Context, insuranceCode, procedureCode string) (float64, error) {
	var resp coverageResponse
	q := url.Values{"procedure": {procedureCode}}
	path := "/insurances/" + url.PathEscape(insuranceCode) + "/coverage"
	if err := c.get(ctx, path, q, &resp, ErrInsuranceNotFound); err != nil {
		return 0, err
	}
	return resp.Percent, nil
}

// Quote implements workflow.Catalog.
func (c *Client) Quote(ctx context.Context, procedureCode, insuranceCode string) (types.Quote, error) {
	var quote types.Quote
	q := url.Values{"procedure": {procedureCode}}
	if insuranceCode != "" {
		q.Set("insurance", insuranceCode)
	}
	err := c.get(ctx, "/quote", q, &quote, ErrProcedureNotFound)
	return quote, err
}

// Snapshot downloads the whole catalog, for refreshing the static copy.
func (c *Client) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := c.get(ctx, "/snapshot", nil, &snap, ErrUnavailable)
	return snap, err
}

func (c *Client) get(ctx context.Context, path string, query url.Values, result any, notFound error) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: reading response: %w", ErrUnavailable, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", notFound, path)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("%w: unmarshaling response: %w", ErrUnavailable, err)
	}
	return nil
}
