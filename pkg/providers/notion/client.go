package notion

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/pkg/errors"

	"github.com/everlight/trellis/pkg/expressions"
	"github.com/everlight/trellis/pkg/httpclient"
	"github.com/everlight/trellis/pkg/models"
	"github.com/everlight/trellis/pkg/providers"
	"github.com/everlight/trellis/pkg/redis"
	"github.com/everlight/trellis/pkg/tracing"
)

const (
	baseURL  = "https://api.notion.com/v1"
	tokenURL = "https://api.notion.com/v1/oauth/token"

	apiVersion = "2022-06-28"

	// Notion allows an average of 3 requests per second per integration.
	rateLimitKey    = "notion"
	rateLimitPerSec = 3

	searchPageSize = 100
)

// tokenPaths describes Notion's OAuth token response. The bot ID identifies
// the workspace integration and doubles as the webhook routing key.
var tokenPaths = providers.TokenPaths{
	AccessToken: "access_token",
	RoutingKey:  "bot_id",
}

// Config holds Notion OAuth settings
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// Client talks to the Notion API
type Client struct {
	http    *httpclient.Client
	cfg     Config
	eval    *expressions.Evaluator
	limiter *redis.RateLimiter
	logger  ectologger.Logger
}

// NewClient creates a Notion source
func NewClient(http *httpclient.Client, cfg Config, eval *expressions.Evaluator, limiter *redis.RateLimiter, logger ectologger.Logger) *Client {
	return &Client{
		http:    http,
		cfg:     cfg,
		eval:    eval,
		limiter: limiter,
		logger:  logger,
	}
}

// Name returns the provider name
func (c *Client) Name() string {
	return models.ProviderNotion
}

// ExchangeCode trades an OAuth authorization code for an access token. Notion
// authenticates the call with HTTP basic auth over client credentials.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*providers.TokenBundle, error) {
	ctx, span := tracing.StartSpan(ctx, "Notion.ExchangeCode")
	defer span.End()

	if c.cfg.ClientID == "" || c.cfg.ClientSecret == "" || c.cfg.RedirectURI == "" {
		return nil, providers.ErrProviderNotConfigured
	}

	basic := base64.StdEncoding.EncodeToString([]byte(c.cfg.ClientID + ":" + c.cfg.ClientSecret))
	resp, err := c.http.PostJSON(ctx, tokenURL, map[string]any{
		"grant_type":   "authorization_code",
		"code":         code,
		"redirect_uri": c.cfg.RedirectURI,
	}, map[string]string{
		"Accept":        "application/json",
		"Authorization": "Basic " + basic,
	})
	if err != nil {
		return nil, errors.Wrap(err, "notion token exchange request failed")
	}
	if !resp.IsSuccess() {
		c.logger.WithContext(ctx).Warnf("Notion token exchange failed with status %d", resp.StatusCode)
		return nil, errors.Wrapf(providers.ErrUpstreamAuth, "notion token exchange returned %d", resp.StatusCode)
	}

	return providers.ParseTokenResponse(c.eval, resp.Body, tokenPaths)
}

// RefreshToken is not supported. Notion integration tokens do not expire.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*providers.TokenBundle, error) {
	return nil, providers.ErrRefreshNotSupported
}

// RevokeToken is a no-op. Notion exposes no revocation endpoint; tokens are
// invalidated by removing the integration from the workspace.
func (c *Client) RevokeToken(ctx context.Context, token string) error {
	return nil
}

// FetchItem retrieves a page and all of its blocks in Notion's native format.
func (c *Client) FetchItem(ctx context.Context, accessToken string, externalID string) (*providers.Item, error) {
	ctx, span := tracing.StartSpan(ctx, "Notion.FetchItem")
	defer span.End()

	page, err := c.get(ctx, accessToken, fmt.Sprintf("%s/pages/%s", baseURL, url.PathEscape(externalID)))
	if err != nil {
		return nil, err
	}

	blocks, err := c.listBlocks(ctx, accessToken, externalID)
	if err != nil {
		return nil, err
	}

	return &providers.Item{
		ExternalID: externalID,
		Content:    BuildContent(externalID, page, blocks),
		Text:       ExtractText(page, blocks),
	}, nil
}

// ListItemIDs lists accessible page IDs via the search endpoint.
func (c *Client) ListItemIDs(ctx context.Context, accessToken string, max int) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "Notion.ListItemIDs")
	defer span.End()

	var ids []string
	var cursor string

	for {
		body := map[string]any{
			"filter":    map[string]any{"property": "object", "value": "page"},
			"page_size": searchPageSize,
		}
		if cursor != "" {
			body["start_cursor"] = cursor
		}

		data, err := c.post(ctx, accessToken, baseURL+"/search", body)
		if err != nil {
			return nil, err
		}

		results, _ := data["results"].([]any)
		for _, raw := range results {
			page, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if id, ok := page["id"].(string); ok {
				ids = append(ids, id)
				if max > 0 && len(ids) >= max {
					return ids, nil
				}
			}
		}

		hasMore, _ := data["has_more"].(bool)
		if !hasMore {
			break
		}
		cursor, _ = data["next_cursor"].(string)
		if cursor == "" {
			break
		}
	}

	return ids, nil
}

func (c *Client) listBlocks(ctx context.Context, accessToken string, pageID string) ([]any, error) {
	var blocks []any
	var cursor string

	for {
		u := fmt.Sprintf("%s/blocks/%s/children?page_size=%d", baseURL, url.PathEscape(pageID), searchPageSize)
		if cursor != "" {
			u += "&start_cursor=" + url.QueryEscape(cursor)
		}

		data, err := c.get(ctx, accessToken, u)
		if err != nil {
			return nil, err
		}

		results, _ := data["results"].([]any)
		blocks = append(blocks, results...)

		hasMore, _ := data["has_more"].(bool)
		if !hasMore {
			break
		}
		cursor, _ = data["next_cursor"].(string)
		if cursor == "" {
			break
		}
	}

	return blocks, nil
}

func (c *Client) get(ctx context.Context, accessToken string, url string) (map[string]any, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	resp, err := c.http.Get(ctx, url, c.headers(accessToken))
	if err != nil {
		return nil, errors.Wrap(providers.ErrTransientFetch, err.Error())
	}

	return c.decode(ctx, resp)
}

func (c *Client) post(ctx context.Context, accessToken string, url string, body map[string]any) (map[string]any, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	resp, err := c.http.PostJSON(ctx, url, body, c.headers(accessToken))
	if err != nil {
		return nil, errors.Wrap(providers.ErrTransientFetch, err.Error())
	}

	return c.decode(ctx, resp)
}

func (c *Client) decode(ctx context.Context, resp *httpclient.Response) (map[string]any, error) {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, providers.ErrUpstreamAuth
	case resp.StatusCode == http.StatusNotFound:
		return nil, providers.ErrItemNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		c.backOff(ctx, resp)
		return nil, errors.Wrap(providers.ErrTransientFetch, "notion rate limited")
	case !resp.IsSuccess():
		return nil, errors.Wrapf(providers.ErrTransientFetch, "notion returned %d", resp.StatusCode)
	}

	var data map[string]any
	if err := resp.DecodeJSON(&data); err != nil {
		return nil, errors.Wrap(providers.ErrTransientFetch, err.Error())
	}
	return data, nil
}

func (c *Client) headers(accessToken string) map[string]string {
	return map[string]string{
		"Authorization":  "Bearer " + accessToken,
		"Notion-Version": apiVersion,
	}
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx, rateLimitKey, rateLimitPerSec, time.Second)
}

func (c *Client) backOff(ctx context.Context, resp *httpclient.Response) {
	if c.limiter == nil {
		return
	}
	retryAfter := 1
	if v := resp.Headers["Retry-After"]; v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			retryAfter = parsed
		}
	}
	if err := c.limiter.BlockFor(ctx, rateLimitKey, time.Duration(retryAfter)*time.Second); err != nil {
		c.logger.WithContext(ctx).WithError(err).Warn("failed to record notion backoff")
	}
}
