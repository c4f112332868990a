package providers

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/everlight/trellis/pkg/expressions"
)

// TokenPaths are JMESPath expressions into a provider's token response.
// Empty paths mean the provider does not return that field.
type TokenPaths struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    string
	RoutingKey   string
}

// ParseTokenResponse extracts a TokenBundle from a raw OAuth token response
// using the provider's path configuration.
func ParseTokenResponse(eval *expressions.Evaluator, body []byte, paths TokenPaths) (*TokenBundle, error) {
	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, errors.Wrap(err, "failed to parse token response")
	}

	accessToken, err := eval.EvaluateString(paths.AccessToken, data)
	if err != nil {
		return nil, err
	}
	if accessToken == "" {
		return nil, errors.New("token response is missing access token")
	}

	bundle := &TokenBundle{
		AccessToken: accessToken,
		Metadata:    data,
	}

	if paths.RefreshToken != "" {
		refresh, err := eval.EvaluateString(paths.RefreshToken, data)
		if err != nil {
			return nil, err
		}
		if refresh != "" {
			bundle.RefreshToken = &refresh
		}
	}

	if paths.ExpiresIn != "" {
		expiresIn, err := eval.EvaluateInt(paths.ExpiresIn, data)
		if err != nil {
			return nil, err
		}
		if expiresIn > 0 {
			expiresAt := time.Now().Add(time.Duration(expiresIn) * time.Second)
			bundle.ExpiresAt = &expiresAt
		}
	}

	if paths.RoutingKey != "" {
		routingKey, err := eval.EvaluateString(paths.RoutingKey, data)
		if err != nil {
			return nil, err
		}
		if routingKey != "" {
			bundle.RoutingKey = &routingKey
		}
	}

	return bundle, nil
}
