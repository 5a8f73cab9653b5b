// Package trustyclaw is a thin Go client for the TrustyClaw REST API.
package trustyclaw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the TrustyClaw REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Intent is a payment intent as returned by the API.
type Intent struct {
	ID          string         `json:"intent_id"`
	From        string         `json:"from_wallet"`
	To          string         `json:"to_wallet"`
	Amount      int64          `json:"amount"`
	AmountUSD   float64        `json:"amount_usd"`
	Description string         `json:"description"`
	Status      string         `json:"status"`
	Signature   string         `json:"signature,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// IntentRequest creates a payment intent. AmountUSD takes precedence over
// Amount (micro-units) when set.
type IntentRequest struct {
	Amount      int64          `json:"amount,omitempty"`
	AmountUSD   string         `json:"amount_usd,omitempty"`
	From        string         `json:"from_wallet"`
	To          string         `json:"to_wallet"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Result is the structured outcome of execute, cancel and escrow operations.
type Result struct {
	Success     bool   `json:"success"`
	IntentID    string `json:"payment_intent_id,omitempty"`
	Signature   string `json:"signature,omitempty"`
	Status      string `json:"status,omitempty"`
	ErrorCode   string `json:"error_code,omitempty"`
	Error       string `json:"error,omitempty"`
	ExplorerURL string `json:"explorer_url,omitempty"`
}

// Escrow is an escrow record.
type Escrow struct {
	ID         string            `json:"escrow_id"`
	IntentID   string            `json:"payment_intent_id"`
	Amount     int64             `json:"amount"`
	From       string            `json:"from_wallet"`
	To         string            `json:"to_wallet"`
	Status     string            `json:"status"`
	Signatures map[string]string `json:"signatures"`
}

// EscrowRequest opens an escrow.
type EscrowRequest struct {
	EscrowID    string `json:"escrow_id,omitempty"`
	Amount      int64  `json:"amount,omitempty"`
	AmountUSD   string `json:"amount_usd,omitempty"`
	From        string `json:"from_wallet"`
	To          string `json:"to_wallet"`
	Description string `json:"description,omitempty"`
}

// ReviewRequest creates a review for a provider.
type ReviewRequest struct {
	Provider        string `json:"provider"`
	Renter          string `json:"renter"`
	SkillID         string `json:"skill_id"`
	Rating          int    `json:"rating"`
	CompletedOnTime bool   `json:"completed_on_time"`
	OutputQuality   string `json:"output_quality,omitempty"`
	Comment         string `json:"comment,omitempty"`
}

// Review is a stored review.
type Review struct {
	ID       string `json:"review_id"`
	Provider string `json:"provider"`
	Renter   string `json:"renter"`
	Rating   int    `json:"rating"`
	Status   string `json:"status"`
}

// AgentRating is the aggregated rating of an agent.
type AgentRating struct {
	Agent         string  `json:"agent"`
	TotalReviews  int     `json:"total_reviews"`
	AverageRating float64 `json:"average_rating"`
	OnTimeRate    float64 `json:"on_time_rate"`
	Score         float64 `json:"score"`
	Rating        string  `json:"rating"`
}

// APIError is returned for any response with status >= 400.
type APIError struct {
	StatusCode int
	Code       string `json:"error_code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("trustyclaw api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("trustyclaw api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client. When httpClient is nil a default client with
// DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// CreateIntent creates a pending payment intent.
func (c *Client) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	var intent Intent
	err := c.send(ctx, http.MethodPost, "/api/v1/intents", req, &intent)
	return intent, err
}

// GetIntent fetches an intent by id.
func (c *Client) GetIntent(ctx context.Context, id string) (Intent, error) {
	var intent Intent
	err := c.send(ctx, http.MethodGet, "/api/v1/intents/"+url.PathEscape(id), nil, &intent)
	return intent, err
}

// ExecuteIntent executes an intent. Ledger failures are reported both in the
// returned Result and as an *APIError.
func (c *Client) ExecuteIntent(ctx context.Context, id string) (Result, error) {
	return c.result(ctx, "/api/v1/intents/"+url.PathEscape(id)+"/execute", nil)
}

// OpenEscrow opens an escrow backed by a new payment intent.
func (c *Client) OpenEscrow(ctx context.Context, req EscrowRequest) (Escrow, error) {
	var escrow Escrow
	err := c.send(ctx, http.MethodPost, "/api/v1/escrows", req, &escrow)
	return escrow, err
}

// FundEscrow executes the escrow's intent.
func (c *Client) FundEscrow(ctx context.Context, id string) (Result, error) {
	return c.result(ctx, "/api/v1/escrows/"+url.PathEscape(id)+"/fund", nil)
}

// ReleaseEscrow releases a funded escrow, optionally adding a signature.
func (c *Client) ReleaseEscrow(ctx context.Context, id, authority, signature string) (Result, error) {
	return c.result(ctx, "/api/v1/escrows/"+url.PathEscape(id)+"/release", map[string]string{
		"authority": authority,
		"signature": signature,
	})
}

// CreateReview stores a pending review.
func (c *Client) CreateReview(ctx context.Context, req ReviewRequest) (Review, error) {
	var review Review
	err := c.send(ctx, http.MethodPost, "/api/v1/reviews", req, &review)
	return review, err
}

// SubmitReview publishes a pending review.
func (c *Client) SubmitReview(ctx context.Context, id string) (Review, error) {
	var review Review
	err := c.send(ctx, http.MethodPost, "/api/v1/reviews/"+url.PathEscape(id)+"/submit", nil, &review)
	return review, err
}

// AgentRating returns the aggregated rating of agent.
func (c *Client) AgentRating(ctx context.Context, agent string) (AgentRating, error) {
	var rating AgentRating
	err := c.send(ctx, http.MethodGet, "/api/v1/agents/"+url.PathEscape(agent)+"/rating", nil, &rating)
	return rating, err
}

func (c *Client) result(ctx context.Context, endpoint string, payload any) (Result, error) {
	var res Result
	err := c.send(ctx, http.MethodPost, endpoint, payload, &res)
	if apiErr, ok := err.(*APIError); ok && res.ErrorCode == "" {
		res.ErrorCode, res.Error = apiErr.Code, apiErr.Message
	}
	return res, err
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		// 支付类失败同时返回结构化结果，先解码给调用方。
		if out != nil {
			_ = json.Unmarshal(data, out)
		}
		_ = json.Unmarshal(data, apiErr)
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
