// Package bybit implements the market-data and execution gateways against
// the Bybit v5 perpetual futures API.
package bybit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/quantara/perpbot/internal/crypto"
	"github.com/quantara/perpbot/internal/domain"
)

const (
	category   = "linear"
	recvWindow = "5000"
)

// Client is the REST client for the Bybit v5 API. All derivatives endpoints
// use the "linear" category.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
}

// NewClient creates a Bybit REST client.
//
// baseURL is the API root, e.g. "https://api-testnet.bybit.com".
func NewClient(baseURL, apiKey, apiSecret string) *Client {
	return &Client{
		baseURL:   baseURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiResponse is the envelope every v5 endpoint returns.
type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// doPublic performs an unsigned GET request.
func (c *Client) doPublic(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("bybit: build request: %w", err)
	}
	return c.do(req)
}

// doSigned performs a signed request. GET requests sign the query string,
// POST requests sign the JSON body.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values, body any) (json.RawMessage, error) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)

	var (
		payload string
		reader  io.Reader
	)
	switch method {
	case http.MethodGet:
		payload = params.Encode()
	case http.MethodPost:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("bybit: marshal body: %w", err)
		}
		payload = string(data)
		reader = bytes.NewReader(data)
	default:
		return nil, fmt.Errorf("bybit: unsupported method %s", method)
	}

	u := c.baseURL + path
	if method == http.MethodGet && len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("bybit: build request: %w", err)
	}
	req.Header.Set("X-BAPI-API-KEY", c.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", ts)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("X-BAPI-SIGN", crypto.SignHMAC(c.apiSecret, ts+c.apiKey+recvWindow+payload))
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req)
}

// do executes the request and unwraps the v5 envelope. Network failures and
// 5xx responses come back as transient errors; a non-zero retCode is a hard
// API error.
func (c *Client) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, domain.Transient("bybit "+req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, domain.Transient("bybit read "+req.URL.Path, err)
	}
	if resp.StatusCode >= 500 {
		return nil, domain.Transient("bybit "+req.URL.Path,
			fmt.Errorf("status %d: %s", resp.StatusCode, string(data)))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bybit: %s: status %d: %s", req.URL.Path, resp.StatusCode, string(data))
	}

	var env apiResponse
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("bybit: decode envelope: %w", err)
	}
	if env.RetCode != 0 {
		return nil, &APIError{Code: env.RetCode, Msg: env.RetMsg, Path: req.URL.Path}
	}
	return env.Result, nil
}

// APIError is a Bybit-reported failure (retCode != 0).
type APIError struct {
	Code int
	Msg  string
	Path string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bybit: %s: retCode %d: %s", e.Path, e.Code, e.Msg)
}

// rate-limit and matching-engine-busy codes are worth retrying
var transientCodes = map[int]bool{
	10006:  true, // rate limit
	10016:  true, // server error
	170007: true, // timeout awaiting matching engine
}

// IsTransientCode reports whether a Bybit retCode indicates a retryable
// condition.
func IsTransientCode(err error) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		return transientCodes[ae.Code]
	}
	return false
}
