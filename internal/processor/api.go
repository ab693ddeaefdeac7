// Package processor holds the domain processors the outbox drains into: each
// one delivers a mutation to the backend API over the bounded retrying call.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/httpcall"
	"github.com/vietddude/relay/internal/outbox"
)

// APIConfig holds backend API settings.
type APIConfig struct {
	BaseURL     string        `yaml:"base_url"`
	AuthToken   string        `yaml:"auth_token"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	MaxRetries  int           `yaml:"max_retries"`
}

// API delivers mutations to the backend. Requests carry the item ID as an
// idempotency key so an at-least-once replay cannot double-apply.
type API struct {
	cfg    APIConfig
	client *httpcall.Client
	log    *slog.Logger
}

// NewAPI creates an API processor set.
func NewAPI(cfg APIConfig, client *httpcall.Client) *API {
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &API{
		cfg:    cfg,
		client: client,
		log:    slog.Default(),
	}
}

// Register binds the processors to their item types.
func (a *API) Register(reg *outbox.Registry) {
	reg.Register(domain.ItemTypeBounty, a.CreateBounty)
	reg.Register(domain.ItemTypeMessage, a.SendMessage)
}

// CreateBounty posts a bounty creation mutation.
func (a *API) CreateBounty(ctx context.Context, item domain.Item) error {
	var p domain.BountyPayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		return fmt.Errorf("invalid bounty payload: %w", err)
	}
	return a.post(ctx, "/v1/bounties", item)
}

// SendMessage posts a chat message mutation.
func (a *API) SendMessage(ctx context.Context, item domain.Item) error {
	var p domain.MessagePayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		return fmt.Errorf("invalid message payload: %w", err)
	}
	return a.post(ctx, "/v1/messages", item)
}

func (a *API) post(ctx context.Context, path string, item domain.Item) error {
	url := strings.TrimRight(a.cfg.BaseURL, "/") + path
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(item.Payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", item.ID)
	if a.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.AuthToken)
	}

	opts := httpcall.DefaultOptions
	opts.Timeout = a.cfg.CallTimeout
	opts.MaxRetries = a.cfg.MaxRetries

	resp, err := a.client.Do(ctx, req, opts)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		a.log.Debug("mutation accepted", "path", path, "item_id", item.ID, "status", resp.StatusCode)
		return nil
	}

	// Keep a snippet of the body for the item's last_error.
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	return fmt.Errorf("%s: unexpected status %d: %s", path, resp.StatusCode, string(snippet))
}
