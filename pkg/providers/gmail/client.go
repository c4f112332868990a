package gmail

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/Gobusters/ectologger"
	"github.com/pkg/errors"

	"github.com/everlight/trellis/pkg/expressions"
	"github.com/everlight/trellis/pkg/httpclient"
	"github.com/everlight/trellis/pkg/models"
	"github.com/everlight/trellis/pkg/providers"
	"github.com/everlight/trellis/pkg/tracing"
)

const (
	apiBaseURL = "https://gmail.googleapis.com/gmail/v1/users/me"
	tokenURL   = "https://oauth2.googleapis.com/token"
	revokeURL  = "https://oauth2.googleapis.com/revoke"

	inboxQuery = "in:inbox"
)

// tokenPaths describes Google's OAuth token response.
var tokenPaths = providers.TokenPaths{
	AccessToken:  "access_token",
	RefreshToken: "refresh_token",
	ExpiresIn:    "expires_in",
}

// Config holds Gmail OAuth settings
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string

	// PubSubTopic is the Cloud Pub/Sub topic watch registrations publish to.
	PubSubTopic string
}

// Client talks to the Gmail API
type Client struct {
	http   *httpclient.Client
	cfg    Config
	eval   *expressions.Evaluator
	logger ectologger.Logger
}

// NewClient creates a Gmail source
func NewClient(http *httpclient.Client, cfg Config, eval *expressions.Evaluator, logger ectologger.Logger) *Client {
	return &Client{
		http:   http,
		cfg:    cfg,
		eval:   eval,
		logger: logger,
	}
}

// Name returns the provider name
func (c *Client) Name() string {
	return models.ProviderGmail
}

// ExchangeCode trades an OAuth authorization code for tokens, then resolves
// the mailbox address to use as the routing key for inbound notifications.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*providers.TokenBundle, error) {
	ctx, span := tracing.StartSpan(ctx, "Gmail.ExchangeCode")
	defer span.End()

	if c.cfg.ClientID == "" || c.cfg.ClientSecret == "" || c.cfg.RedirectURI == "" {
		return nil, providers.ErrProviderNotConfigured
	}

	bundle, err := c.postToken(ctx, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {c.cfg.RedirectURI},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
	})
	if err != nil {
		return nil, err
	}

	address, err := c.GetProfileAddress(ctx, bundle.AccessToken)
	if err != nil {
		return nil, err
	}
	bundle.RoutingKey = &address

	return bundle, nil
}

// RefreshToken obtains a new access token. Google does not rotate the
// refresh token on use, so the caller keeps the one it has.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*providers.TokenBundle, error) {
	ctx, span := tracing.StartSpan(ctx, "Gmail.RefreshToken")
	defer span.End()

	if c.cfg.ClientID == "" || c.cfg.ClientSecret == "" {
		return nil, providers.ErrProviderNotConfigured
	}

	return c.postToken(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
	})
}

// RevokeToken invalidates the token at Google.
func (c *Client) RevokeToken(ctx context.Context, token string) error {
	ctx, span := tracing.StartSpan(ctx, "Gmail.RevokeToken")
	defer span.End()

	resp, err := c.http.PostForm(ctx, revokeURL, url.Values{"token": {token}}, nil)
	if err != nil {
		return errors.Wrap(err, "gmail token revocation request failed")
	}
	if !resp.IsSuccess() {
		return errors.Errorf("gmail token revocation returned %d", resp.StatusCode)
	}
	return nil
}

// FetchItem retrieves one message in full format.
func (c *Client) FetchItem(ctx context.Context, accessToken string, externalID string) (*providers.Item, error) {
	ctx, span := tracing.StartSpan(ctx, "Gmail.FetchItem")
	defer span.End()

	u := fmt.Sprintf("%s/messages/%s?format=full", apiBaseURL, url.PathEscape(externalID))
	message, err := c.get(ctx, accessToken, u)
	if err != nil {
		return nil, err
	}

	return &providers.Item{
		ExternalID: externalID,
		Content:    BuildContent(externalID, message),
		Text:       ExtractText(message),
	}, nil
}

// ListItemIDs lists the latest inbox message IDs.
func (c *Client) ListItemIDs(ctx context.Context, accessToken string, max int) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "Gmail.ListItemIDs")
	defer span.End()

	if max <= 0 {
		max = 10
	}

	u := fmt.Sprintf("%s/messages?maxResults=%d&q=%s", apiBaseURL, max, url.QueryEscape(inboxQuery))
	data, err := c.get(ctx, accessToken, u)
	if err != nil {
		return nil, err
	}

	messages, _ := data["messages"].([]any)
	ids := make([]string, 0, len(messages))
	for _, raw := range messages {
		msg, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if id, ok := msg["id"].(string); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// GetProfileAddress returns the mailbox email address for the token.
func (c *Client) GetProfileAddress(ctx context.Context, accessToken string) (string, error) {
	data, err := c.get(ctx, accessToken, apiBaseURL+"/profile")
	if err != nil {
		return "", err
	}

	address, _ := data["emailAddress"].(string)
	if address == "" {
		return "", errors.Wrap(providers.ErrTransientFetch, "gmail profile has no email address")
	}
	return address, nil
}

// Watch registers a mailbox for push notifications to the configured
// Pub/Sub topic. Returns the watch expiration in epoch milliseconds and the
// current history ID.
func (c *Client) Watch(ctx context.Context, accessToken string) (expiration int64, historyID string, err error) {
	ctx, span := tracing.StartSpan(ctx, "Gmail.Watch")
	defer span.End()

	if c.cfg.PubSubTopic == "" {
		return 0, "", providers.ErrProviderNotConfigured
	}

	resp, err := c.http.PostJSON(ctx, apiBaseURL+"/watch", map[string]any{
		"topicName":         c.cfg.PubSubTopic,
		"labelIds":          []string{"INBOX"},
		"labelFilterAction": "include",
	}, map[string]string{"Authorization": "Bearer " + accessToken})
	if err != nil {
		return 0, "", errors.Wrap(providers.ErrTransientFetch, err.Error())
	}

	data, err := c.decode(resp)
	if err != nil {
		return 0, "", err
	}

	historyID, _ = data["historyId"].(string)
	if raw, ok := data["expiration"].(string); ok {
		expiration, _ = strconv.ParseInt(raw, 10, 64)
	}
	return expiration, historyID, nil
}

// StopWatch cancels push notifications for the mailbox.
func (c *Client) StopWatch(ctx context.Context, accessToken string) error {
	ctx, span := tracing.StartSpan(ctx, "Gmail.StopWatch")
	defer span.End()

	resp, err := c.http.PostJSON(ctx, apiBaseURL+"/stop", map[string]any{},
		map[string]string{"Authorization": "Bearer " + accessToken})
	if err != nil {
		return errors.Wrap(providers.ErrTransientFetch, err.Error())
	}
	if !resp.IsSuccess() && resp.StatusCode != http.StatusNotFound {
		return errors.Errorf("gmail stop watch returned %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) postToken(ctx context.Context, form url.Values) (*providers.TokenBundle, error) {
	resp, err := c.http.PostForm(ctx, tokenURL, form, nil)
	if err != nil {
		return nil, errors.Wrap(err, "google token request failed")
	}
	if !resp.IsSuccess() {
		c.logger.WithContext(ctx).Warnf("Google token endpoint returned %d", resp.StatusCode)
		return nil, errors.Wrapf(providers.ErrUpstreamAuth, "google token endpoint returned %d", resp.StatusCode)
	}

	return providers.ParseTokenResponse(c.eval, resp.Body, tokenPaths)
}

func (c *Client) get(ctx context.Context, accessToken string, url string) (map[string]any, error) {
	resp, err := c.http.Get(ctx, url, map[string]string{"Authorization": "Bearer " + accessToken})
	if err != nil {
		return nil, errors.Wrap(providers.ErrTransientFetch, err.Error())
	}
	return c.decode(resp)
}

func (c *Client) decode(resp *httpclient.Response) (map[string]any, error) {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, providers.ErrUpstreamAuth
	case resp.StatusCode == http.StatusNotFound:
		return nil, providers.ErrItemNotFound
	case !resp.IsSuccess():
		return nil, errors.Wrapf(providers.ErrTransientFetch, "gmail returned %d", resp.StatusCode)
	}

	var data map[string]any
	if err := resp.DecodeJSON(&data); err != nil {
		return nil, errors.Wrap(providers.ErrTransientFetch, err.Error())
	}
	return data, nil
}
