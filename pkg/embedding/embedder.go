// Package embedding calls the external text-to-vector service. The model
// itself is an opaque collaborator; this package only owns the transport,
// dimensionality validation and failure accounting.
package embedding

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/pkg/errors"

	"github.com/everlight/trellis/pkg/httpclient"
	"github.com/everlight/trellis/pkg/metrics"
	"github.com/everlight/trellis/pkg/tracing"
)

// ErrNotConfigured means the embedding service URL is absent. This is an
// operator problem, not a caller problem, and is never retried.
var ErrNotConfigured = errors.New("embedding service is not configured")

// ErrDimensionMismatch means the service returned a vector of the wrong size.
var ErrDimensionMismatch = errors.New("embedding has unexpected dimensionality")

// Embedder turns normalized text into a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Config holds embedding service settings.
type Config struct {
	ServiceURL string
	Model      string
	Dimensions int
}

// Service is the HTTP implementation of Embedder.
type Service struct {
	http   *httpclient.Client
	cfg    Config
	logger ectologger.Logger
}

// NewService creates an embedding service client
func NewService(client *httpclient.Client, cfg Config, logger ectologger.Logger) *Service {
	return &Service{http: client, cfg: cfg, logger: logger}
}

type embedRequest struct {
	Model      string `json:"model"`
	Text       string `json:"text"`
	Dimensions int    `json:"dimensions"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed requests a vector for the given text and validates its length.
func (s *Service) Embed(ctx context.Context, text string) ([]float64, error) {
	ctx, span := tracing.StartSpan(ctx, "Embedding.Embed")
	defer span.End()

	if s.cfg.ServiceURL == "" {
		return nil, ErrNotConfigured
	}

	resp, err := s.http.PostJSON(ctx, s.cfg.ServiceURL, embedRequest{
		Model:      s.cfg.Model,
		Text:       text,
		Dimensions: s.cfg.Dimensions,
	}, nil)
	if err != nil {
		metrics.EmbeddingRequestsTotal.WithLabelValues("error").Inc()
		return nil, errors.Wrap(err, "embedding request failed")
	}
	if !resp.IsSuccess() {
		metrics.EmbeddingRequestsTotal.WithLabelValues("error").Inc()
		return nil, errors.Errorf("embedding service returned status %d", resp.StatusCode)
	}

	var body embedResponse
	if err := resp.DecodeJSON(&body); err != nil {
		metrics.EmbeddingRequestsTotal.WithLabelValues("error").Inc()
		return nil, errors.Wrap(err, "embedding response is not valid JSON")
	}

	if s.cfg.Dimensions > 0 && len(body.Embedding) != s.cfg.Dimensions {
		metrics.EmbeddingRequestsTotal.WithLabelValues("error").Inc()
		return nil, errors.Wrapf(ErrDimensionMismatch, "got %d, want %d", len(body.Embedding), s.cfg.Dimensions)
	}

	metrics.EmbeddingRequestsTotal.WithLabelValues("success").Inc()
	return body.Embedding, nil
}
