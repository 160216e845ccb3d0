package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/transfer_engine/config"
	"github.com/sirupsen/logrus"
)

// Client calls the decision advisor over HTTP. Every failure becomes Unavailable.
type Client struct {
	url     string
	apiKey  string
	timeout time.Duration
	http    *http.Client
	logger  *logrus.Logger
}

func NewClient(cfg config.AdvisorConfig, logger *logrus.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		url:     cfg.URL,
		apiKey:  cfg.APIKey,
		timeout: timeout,
		http:    &http.Client{},
		logger:  logger,
	}
}

func NewSessionID() string {
	return uuid.NewString()
}

type adviseResponse struct {
	Recommendation *Recommendation `json:"recommendation"`
}

func (c *Client) Advise(ctx context.Context, req Request) Result {
	if c == nil || c.url == "" {
		return Unavailable(ErrNotConfigured)
	}
	rec, err := c.call(ctx, req)
	if err != nil {
		if c.logger != nil {
			c.logger.WithFields(logrus.Fields{
				"field":      "Advisor",
				"action":     req.Action,
				"session_id": req.SessionID,
			}).Warn("advisor unavailable; using fallback: " + err.Error())
		}
		return Unavailable(err)
	}
	return Ok(*rec)
}

func (c *Client) call(ctx context.Context, req Request) (*Recommendation, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("advisor http %d", resp.StatusCode)
	}

	var parsed adviseResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("advisor response: %w", err)
	}
	if parsed.Recommendation == nil {
		return nil, fmt.Errorf("advisor response has no recommendation")
	}
	if parsed.Recommendation.Confidence < 0 || parsed.Recommendation.Confidence > 1 {
		return nil, fmt.Errorf("advisor confidence %v out of range", parsed.Recommendation.Confidence)
	}
	return parsed.Recommendation, nil
}
