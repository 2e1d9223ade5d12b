package callx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const maxResponseBytes = 1 << 20

// HTTPRequest is a fully resolved request.
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Query   map[string]string
	Body    any
	Timeout time.Duration
	Policy  *RetryPolicy
}

// HTTPResponse is stored by API Call nodes as {status, headers, body}.
type HTTPResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body"`
}

// ToMap returns the response in variable-store shape.
func (r *HTTPResponse) ToMap() map[string]any {
	headers := make(map[string]any, len(r.Headers))
	for k, v := range r.Headers {
		headers[k] = v
	}
	return map[string]any{
		"status":  float64(r.Status),
		"headers": headers,
		"body":    r.Body,
	}
}

// HTTPClient performs HTTP calls through an Invoker.
type HTTPClient struct {
	client  *http.Client
	invoker Invoker
}

func NewHTTPClient(client *http.Client, invoker Invoker) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPClient{client: client, invoker: invoker}
}

// Do sends req. On a 4xx the response is returned together with a permanent
// CallError so callers can still store what the backend said.
func (c *HTTPClient) Do(ctx context.Context, req HTTPRequest) (*HTTPResponse, error) {
	target, err := buildURL(req.URL, req.Query)
	if err != nil {
		return nil, &CallError{Kind: KindPermanent, Backend: "http", Message: "malformed url", Cause: ErrMalformedSpec().WithDetail("url", req.URL)}
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	var payload []byte
	if req.Body != nil {
		switch b := req.Body.(type) {
		case string:
			payload = []byte(b)
		case []byte:
			payload = b
		default:
			payload, err = json.Marshal(b)
			if err != nil {
				return nil, &CallError{Kind: KindPermanent, Backend: "http", Message: "body is not serializable", Cause: err}
			}
		}
	}

	var last *HTTPResponse
	_, err = c.invoker.Invoke(ctx, Call{
		Backend: "http",
		Name:    method + " " + target,
		Timeout: req.Timeout,
		Policy:  req.Policy,
		Do: func(ctx context.Context) (any, error) {
			var body io.Reader
			if payload != nil {
				body = bytes.NewReader(payload)
			}
			httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
			if err != nil {
				return nil, Permanent(err)
			}
			for k, v := range req.Headers {
				httpReq.Header.Set(k, v)
			}
			if payload != nil && httpReq.Header.Get("Content-Type") == "" {
				httpReq.Header.Set("Content-Type", "application/json")
			}

			resp, err := c.client.Do(httpReq)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()

			raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
			if err != nil {
				return nil, err
			}
			last = &HTTPResponse{
				Status:  resp.StatusCode,
				Headers: flattenHeaders(resp.Header),
				Body:    decodeBody(raw),
			}
			if kind := StatusKind(resp.StatusCode); kind != "" {
				return nil, &CallError{
					Kind:       kind,
					Backend:    "http",
					StatusCode: resp.StatusCode,
					Message:    fmt.Sprintf("HTTP %d", resp.StatusCode),
				}
			}
			return last, nil
		},
	})
	if err != nil {
		return last, err
	}
	return last, nil
}

func buildURL(raw string, query map[string]string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host")
	}
	if len(query) > 0 {
		q := u.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out[strings.ToLower(k)] = strings.Join(h[k], ", ")
	}
	return out
}

// decodeBody returns parsed JSON when the body is JSON, the raw text otherwise.
func decodeBody(raw []byte) any {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err == nil {
		return v
	}
	return string(raw)
}
