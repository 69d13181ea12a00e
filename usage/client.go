/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package usage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
)

// UsagePath is the path of the usage endpoint relative to the server's base URL.
const UsagePath = "/api/quota/v1/usage"

const maxResponseBodySize = 10 << 20

// ResponseError is returned by Client when the server responds with a failed envelope or an unexpected status.
type ResponseError struct {
	StatusCode int
	Message    string
}

func (e *ResponseError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("usage request failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("usage request failed with status %d: %s", e.StatusCode, e.Message)
}

type summaryEnvelope struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Body    *Summary `json:"body"`
}

// Client fetches usage summaries from a running server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new Client. httpClient may be nil, http.DefaultClient is used then.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// Summary requests the summary. If days is 0, the server's default number of days is used.
func (c *Client) Summary(ctx context.Context, days int) (*Summary, error) {
	u := c.baseURL + UsagePath
	if days > 0 {
		u += "?" + url.Values{"days": {strconv.Itoa(days)}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("read usage response: %w", err)
	}
	var env summaryEnvelope
	if err = sonic.ConfigDefault.Unmarshal(data, &env); err != nil {
		return nil, &ResponseError{StatusCode: resp.StatusCode, Message: "malformed response body"}
	}
	if resp.StatusCode != http.StatusOK || !env.Success || env.Body == nil {
		return nil, &ResponseError{StatusCode: resp.StatusCode, Message: env.Message}
	}
	return env.Body, nil
}
