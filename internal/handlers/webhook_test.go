package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/everlight/trellis/pkg/models"
)

type fakeEventRouter struct {
	provider  string
	body      []byte
	signature string
	pushBody  []byte
	err       error
}

func (f *fakeEventRouter) HandleEvent(ctx context.Context, provider string, rawBody []byte, signatureHeader string) error {
	f.provider = provider
	f.body = rawBody
	f.signature = signatureHeader
	return f.err
}

func (f *fakeEventRouter) HandlePush(ctx context.Context, rawBody []byte) error {
	f.pushBody = rawBody
	return f.err
}

func newWebhookHandler(t *testing.T, router *fakeEventRouter) *WebhookHandler {
	t.Helper()
	zapLogger, err := zap.NewDevelopment()
	require.NoError(t, err)
	return NewWebhookHandler(router, zapadapter.NewZapEctoLogger(zapLogger, nil))
}

func TestNotionWebhookPassesRawBodyAndSignature(t *testing.T) {
	router := &fakeEventRouter{}
	h := newWebhookHandler(t, router)

	body := `{"id":"evt-1","type":"page.created"}`
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/notion", strings.NewReader(body))
	req.Header.Set(NotionSignatureHeader, "sha256=abc")
	rec := httptest.NewRecorder()

	require.NoError(t, h.Notion(e.NewContext(req, rec)))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.ProviderNotion, router.provider)
	assert.Equal(t, body, string(router.body))
	assert.Equal(t, "sha256=abc", router.signature)
}

func TestNotionWebhookPropagatesRouterError(t *testing.T) {
	router := &fakeEventRouter{err: httperror.NewHTTPError(http.StatusUnauthorized, "signature verification failed")}
	h := newWebhookHandler(t, router)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/notion", strings.NewReader("{}"))
	rec := httptest.NewRecorder()

	err := h.Notion(e.NewContext(req, rec))
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, httperror.GetStatusCode(err))
}

func TestGmailWebhookPassesRawBody(t *testing.T) {
	router := &fakeEventRouter{}
	h := newWebhookHandler(t, router)

	body := `{"message":{"data":"e30=","messageId":"1"},"subscription":"sub"}`
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/gmail", strings.NewReader(body))
	rec := httptest.NewRecorder()

	require.NoError(t, h.Gmail(e.NewContext(req, rec)))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, body, string(router.pushBody))
}
