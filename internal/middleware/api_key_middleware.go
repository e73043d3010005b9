package middleware

import (
	"context"
	"errors"
	"net/http"

	"apiguard/internal/auth"
	"apiguard/internal/models"
	"apiguard/internal/utils"
)

// ContextKey defines the type for context keys to avoid conflicts
type ContextKey string

const (
	// APIKeyKey holds the *models.APIKey resolved for the request
	APIKeyKey ContextKey = "apiKey"
)

// KeyResolver resolves the credential presented on a request.
// *auth.Resolver is the production implementation.
type KeyResolver interface {
	ResolveRequest(r *http.Request) (*models.APIKey, error)
}

// GetAPIKey retrieves the resolved API key from the request context
func GetAPIKey(ctx context.Context) (*models.APIKey, bool) {
	key, ok := ctx.Value(APIKeyKey).(*models.APIKey)
	return key, ok && key != nil
}

func withAPIKey(ctx context.Context, key *models.APIKey) context.Context {
	return context.WithValue(ctx, APIKeyKey, key)
}

// authenticate resolves the caller or writes the 401 and returns false.
// Unknown keys and store outages look the same to the client; only the
// log level differs.
func authenticate(resolver KeyResolver, logger *utils.Logger, w http.ResponseWriter, r *http.Request) (*models.APIKey, bool) {
	key, err := resolver.ResolveRequest(r)
	if err == nil {
		return key, true
	}

	if errors.Is(err, auth.ErrStoreUnavailable) {
		logger.Error("Credential store unavailable",
			"path", r.URL.Path, "request_id", GetRequestID(r.Context()), "error", err)
	} else {
		logger.Info("Rejected unauthenticated request",
			"path", r.URL.Path, "ip", utils.ClientIP(r), "request_id", GetRequestID(r.Context()))
	}
	utils.RespondWithError(w, http.StatusUnauthorized, "Invalid API key")
	return nil, false
}

// APIKeyMiddleware authenticates without rate limiting or auditing. Used
// for routes that only need to know the caller. The key is available via
// GetAPIKey.
func APIKeyMiddleware(resolver KeyResolver) func(http.Handler) http.Handler {
	logger := utils.NewLogger("api-key-middleware")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := authenticate(resolver, logger, w, r)
			if !ok {
				return
			}
			next.ServeHTTP(w, r.WithContext(withAPIKey(r.Context(), key)))
		})
	}
}
