package access

import (
	"crypto/rsa"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/datagate/core/logger"
)

// TokenFromJWT validates a signed bearer token and converts it into an
// access token. The client id is taken from the "aud" claim, scopes from
// the space separated "scope" claim.
func TokenFromJWT(tokenString string, publicKey *rsa.PublicKey) (*Token, error) {
	parsed, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return publicKey, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}

	clientID := ""
	switch aud := claims["aud"].(type) {
	case string:
		clientID = aud
	case []interface{}:
		if len(aud) > 0 {
			clientID, _ = aud[0].(string)
		}
	}

	var scopes []string
	if scope, ok := claims["scope"].(string); ok {
		scopes = strings.Fields(scope)
	}
	return NewToken(clientID, scopes...), nil
}

// NewJwtMiddleware returns a middleware handler that validates JWT bearer
// tokens and adds the resulting access token to the request context.
// Requests without a token pass through unauthenticated; they run as the
// authorizer's default client.
func NewJwtMiddleware(publicKey *rsa.PublicKey) mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				h.ServeHTTP(w, r)
				return
			}
			token, err := TokenFromJWT(strings.TrimPrefix(auth, "Bearer "), publicKey)
			if err != nil {
				logger.FromContext(r.Context()).WithError(err).Info("rejected bearer token")
				http.Error(w, "invalid bearer token", http.StatusUnauthorized)
				return
			}
			h.ServeHTTP(w, r.WithContext(token.ContextWithToken(r.Context())))
		})
	}
}
