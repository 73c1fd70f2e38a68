package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/songzhibin97/chatflow/types"
)

type outboundCall struct {
	method  string
	url     string
	headers map[string]string
	body    interface{}
}

func (i *Interpreter) httpRequest(ctx context.Context, node types.Node, ec *ExecContext, body interface{}) outboundCall {
	method := strings.ToUpper(node.Content.Method)
	if method == "" {
		method = http.MethodPost
	}
	return outboundCall{
		method:  method,
		url:     i.render(ctx, node.Content.URL, ec),
		headers: node.Content.Headers,
		body:    body,
	}
}

// doJSON sends call and decodes a JSON response body, if any. Non-2xx
// statuses are errors so they are retried.
func (i *Interpreter) doJSON(ctx context.Context, call outboundCall) (interface{}, error) {
	if call.url == "" {
		return nil, fmt.Errorf("no url configured")
	}
	var body io.Reader
	if call.body != nil && call.method != http.MethodGet {
		payload, err := json.Marshal(call.body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, call.method, call.url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range call.headers {
		req.Header.Set(k, v)
	}

	resp, err := i.doer.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, call.url)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return out, nil
}
