package middleware

import (
	stdcontext "context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/labstack/echo/v4"

	"github.com/everlight/trellis/pkg/context"
	"github.com/everlight/trellis/pkg/tracing"
)

type UserClaims struct {
	Sub   string `json:"sub"`
	Email string `json:"email"`
}

// TenantResolver maps an identity-provider subject to a tenant, creating the
// tenant on first sight.
type TenantResolver interface {
	ResolveTenant(ctx stdcontext.Context, subject string, email string) (string, error)
}

func Authentication(logger ectologger.Logger, issuer string, clientID string, tenants TenantResolver) echo.MiddlewareFunc {
	provider, err := oidc.NewProvider(stdcontext.Background(), issuer)
	if err != nil {
		log.Fatalf("oidc provider: %v", err)
	}

	verifier := provider.Verifier(&oidc.Config{
		ClientID: clientID,
	})

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			ctx, span := tracing.StartSpan(ctx, "middleware.Authentication")
			defer span.End()

			auth := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				logger.WithContext(ctx).Warn("request is missing bearer token")
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer")
			}

			raw := strings.TrimPrefix(auth, "Bearer ")
			verifyCtx, cancel := stdcontext.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			idToken, err := verifier.Verify(verifyCtx, raw)
			if err != nil {
				logger.WithContext(ctx).WithError(err).Warn("token is invalid")
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			var claims UserClaims
			if err := idToken.Claims(&claims); err != nil {
				logger.WithContext(ctx).WithError(err).Warn("failed to parse claims")
				return echo.NewHTTPError(http.StatusUnauthorized, "cannot parse claims")
			}

			tenantID, err := tenants.ResolveTenant(ctx, claims.Sub, claims.Email)
			if err != nil {
				logger.WithContext(ctx).WithError(err).Error("failed to resolve tenant for subject")
				return echo.NewHTTPError(http.StatusInternalServerError, "tenant resolution failed")
			}

			ctx = context.SetUserID(ctx, claims.Sub)
			ctx = context.SetTenantID(ctx, tenantID)

			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

// HeaderAuthentication trusts the X-Tenant-ID header. Only for local
// development with AUTH_ENABLED=false.
func HeaderAuthentication(logger ectologger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID := c.Request().Header.Get(HeaderTenantID)
			if tenantID == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing tenant header")
			}

			ctx := context.SetTenantID(c.Request().Context(), tenantID)
			if userID := c.Request().Header.Get(HeaderUserID); userID != "" {
				ctx = context.SetUserID(ctx, userID)
			}
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}
