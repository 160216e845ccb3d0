package ordersync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mmdatafocus/transfer_engine/config"
	"github.com/mmdatafocus/transfer_engine/utils"
)

const (
	EndpointAcknowledgeOrder  = "acknowledge_order"
	EndpointUpdateOrderStatus = "update_order_status"
	EndpointUpdateInventory   = "update_inventory"

	versionHeader = "X-Integration-Version"
	tokenIssuer   = "transfer_engine"
)

var ErrClientNotConfigured = errors.New("order api base url is not configured")

// OrderAPI is the external order system.
type OrderAPI interface {
	Post(ctx context.Context, endpoint string, payload any) (json.RawMessage, error)
}

type Client struct {
	baseURL   string
	token     string
	jwtSecret []byte
	version   string
	http      *http.Client
}

func NewClient(cfg config.SyncConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	version := cfg.SchemaVersion
	if version == "" {
		version = "2.0"
	}
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		version: version,
		http:    &http.Client{Timeout: timeout},
	}
	if cfg.JWTSecret != "" {
		c.jwtSecret = []byte(cfg.JWTSecret)
	}
	return c
}

// Post sends payload as JSON to {base}/{endpoint}. HTTP >= 400 and non-JSON bodies
// are failures; see IsRetryable for which of them are transient.
func (c *Client) Post(ctx context.Context, endpoint string, payload any) (json.RawMessage, error) {
	if c == nil || c.baseURL == "" {
		return nil, &SyncError{Op: endpoint, Err: ErrClientNotConfigured}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &SyncError{Op: endpoint, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &SyncError{Op: endpoint, Err: err}
	}
	bearer, err := c.bearer()
	if err != nil {
		return nil, &SyncError{Op: endpoint, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(versionHeader, c.version)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if correlationId, ok := utils.GetCorrelationIdFromContext(ctx); ok && correlationId != "" {
		req.Header.Set("x-correlation-id", correlationId)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classify(endpoint, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		return nil, classify(endpoint, &HTTPStatusError{StatusCode: resp.StatusCode, Body: truncate(strings.TrimSpace(string(raw)), 300)})
	}
	if !json.Valid(raw) {
		return nil, &SyncError{Op: endpoint, Err: fmt.Errorf("invalid JSON response from order api")}
	}
	return json.RawMessage(raw), nil
}

func (c *Client) bearer() (string, error) {
	if len(c.jwtSecret) > 0 {
		return utils.SignServiceToken(c.jwtSecret, tokenIssuer, c.version, 5*time.Minute)
	}
	return c.token, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
