package boltz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/Klingon-tech/klingswap/pkg/logging"
)

const maxResponseBytes = 1 << 20

// ClientConfig configures the REST client.
type ClientConfig struct {
	URL     string
	Timeout time.Duration

	// RequestsPerSecond throttles outgoing calls. Zero disables throttling.
	RequestsPerSecond float64
	Burst             int

	// HTTPClient overrides the default client. Used by tests.
	HTTPClient *http.Client
}

// Client is a Boltz v2 REST client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logging.Logger
}

// NewClient creates a REST client for the provider at cfg.URL.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 5
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, burst),
		log:        logging.GetDefault().Component("boltz"),
	}
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CreateSubmarineSwap registers a submarine swap.
func (c *Client) CreateSubmarineSwap(ctx context.Context, req *SubmarineRequest) (*SubmarineResponse, error) {
	var resp SubmarineResponse
	if err := c.do(ctx, http.MethodPost, "/v2/swap/submarine", req, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("%w: submarine swap without id", ErrDecode)
	}
	return &resp, nil
}

// CreateReverseSwap registers a reverse swap.
func (c *Client) CreateReverseSwap(ctx context.Context, req *ReverseRequest) (*ReverseResponse, error) {
	var resp ReverseResponse
	if err := c.do(ctx, http.MethodPost, "/v2/swap/reverse", req, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("%w: reverse swap without id", ErrDecode)
	}
	return &resp, nil
}

// CreateChainSwap registers a chain swap.
func (c *Client) CreateChainSwap(ctx context.Context, req *ChainRequest) (*ChainResponse, error) {
	var resp ChainResponse
	if err := c.do(ctx, http.MethodPost, "/v2/swap/chain", req, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("%w: chain swap without id", ErrDecode)
	}
	return &resp, nil
}

// GetSubmarineClaim fetches the provider's claim details for a submarine swap.
func (c *Client) GetSubmarineClaim(ctx context.Context, id string) (*SubmarineClaimDetails, error) {
	var resp SubmarineClaimDetails
	if err := c.do(ctx, http.MethodGet, "/v2/swap/submarine/"+url.PathEscape(id)+"/claim", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PostSubmarineClaim sends our nonce and partial signature for the provider's claim.
func (c *Client) PostSubmarineClaim(ctx context.Context, id string, sig *PartialSignature) error {
	return c.do(ctx, http.MethodPost, "/v2/swap/submarine/"+url.PathEscape(id)+"/claim", sig, nil)
}

// PostReverseClaim asks the provider to cosign our claim transaction.
func (c *Client) PostReverseClaim(ctx context.Context, id string, req *ReverseClaimRequest) (*PartialSignature, error) {
	var resp PartialSignature
	if err := c.do(ctx, http.MethodPost, "/v2/swap/reverse/"+url.PathEscape(id)+"/claim", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetChainClaim fetches the provider's own claim that needs our refund-leg signature.
func (c *Client) GetChainClaim(ctx context.Context, id string) (*ChainClaimDetails, error) {
	var resp ChainClaimDetails
	if err := c.do(ctx, http.MethodGet, "/v2/swap/chain/"+url.PathEscape(id)+"/claim", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PostChainClaim exchanges partial signatures for both chain swap legs.
func (c *Client) PostChainClaim(ctx context.Context, id string, req *ChainClaimRequest) (*PartialSignature, error) {
	var resp PartialSignature
	if err := c.do(ctx, http.MethodPost, "/v2/swap/chain/"+url.PathEscape(id)+"/claim", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BroadcastTransaction pushes a raw transaction through the provider.
// A transaction the node already knows counts as broadcast.
func (c *Client) BroadcastTransaction(ctx context.Context, symbol, txHex string) (string, error) {
	var resp struct {
		ID   string `json:"id"`
		TxID string `json:"txid"`
	}
	body := map[string]string{"hex": txHex}
	err := c.do(ctx, http.MethodPost, "/v2/chain/"+url.PathEscape(symbol)+"/transaction", body, &resp)
	if err != nil {
		if apiErr, ok := err.(*APIError); ok && isAlreadyKnown(apiErr.Message) {
			c.log.Debug("Transaction already known", "symbol", symbol)
			return "", nil
		}
		return "", err
	}
	if resp.ID != "" {
		return resp.ID, nil
	}
	return resp.TxID, nil
}

// SwapStatus polls the status of a swap.
func (c *Client) SwapStatus(ctx context.Context, id string) (*SwapStatus, error) {
	var resp SwapStatus
	if err := c.do(ctx, http.MethodGet, "/v2/swap/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmarinePairs returns the submarine pair quotes.
func (c *Client) SubmarinePairs(ctx context.Context) (SubmarinePairs, error) {
	var resp SubmarinePairs
	if err := c.do(ctx, http.MethodGet, "/v2/swap/submarine", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ReversePairs returns the reverse pair quotes.
func (c *Client) ReversePairs(ctx context.Context) (ReversePairs, error) {
	var resp ReversePairs
	if err := c.do(ctx, http.MethodGet, "/v2/swap/reverse", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ChainPairs returns the chain pair quotes.
func (c *Client) ChainPairs(ctx context.Context) (ChainPairs, error) {
	var resp ChainPairs
	if err := c.do(ctx, http.MethodGet, "/v2/swap/chain", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// do performs one JSON request. Transport errors, 429 and 5xx map to
// ErrNetwork, other 4xx to *APIError.
func (c *Client) do(ctx context.Context, method, path string, body, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrNetwork, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: read %s: %w", ErrNetwork, path, err)
	}

	c.log.Debug("Provider request", "method", method, "path", path, "status", resp.StatusCode)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", ErrNetwork, ErrRateLimited)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s %s: status %d", ErrNetwork, method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		return newAPIError(resp.StatusCode, data)
	}

	if result == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrDecode, method, path, err)
	}
	return nil
}

func isAlreadyKnown(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "already in block chain") ||
		strings.Contains(msg, "already known") ||
		strings.Contains(msg, "txn-already-in-mempool") ||
		strings.Contains(msg, "transaction already")
}
