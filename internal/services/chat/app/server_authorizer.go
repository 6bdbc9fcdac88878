package server

import (
	"context"
	"net/http"
	"strings"

	apperrors "github.com/louisbranch/termchat/internal/platform/errors"
	"github.com/louisbranch/termchat/internal/platform/requestctx"
	"github.com/louisbranch/termchat/internal/services/chat/domain"
)

const (
	tokenCookieName = "termchat_token"
	tokenQueryParam = "token"
	bearerPrefix    = "bearer "
)

var (
	errMissingToken  = apperrors.New(apperrors.CodeAuthenticationFailure, "access token is missing")
	errEmptyIdentity = apperrors.New(apperrors.CodeAuthenticationFailure, "authenticated identity is empty")
)

// wsAuthorizer turns an access token into the identity a connection acts as.
type wsAuthorizer interface {
	Authenticate(ctx context.Context, accessToken string) (domain.Identity, error)
}

// accessTokenFromRequest reads the bearer token from the Authorization
// header, then the token query parameter, then the session cookie.
func accessTokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
			if token := strings.TrimSpace(header[len(bearerPrefix):]); token != "" {
				return token
			}
		}
	}
	if token := strings.TrimSpace(r.URL.Query().Get(tokenQueryParam)); token != "" {
		return token
	}
	cookie, err := r.Cookie(tokenCookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

// authenticateRequest resolves the caller of r. Token problems carry the
// authentication failure code; lookup failures pass through unchanged.
func authenticateRequest(r *http.Request, authorizer wsAuthorizer) (domain.Identity, error) {
	accessToken := accessTokenFromRequest(r)
	if accessToken == "" {
		return domain.Identity{}, errMissingToken
	}
	who, err := authorizer.Authenticate(r.Context(), accessToken)
	if err != nil {
		return domain.Identity{}, err
	}
	if !who.Valid() {
		return domain.Identity{}, errEmptyIdentity
	}
	return who, nil
}

func withIdentity(ctx context.Context, who domain.Identity) context.Context {
	return requestctx.WithUser(ctx, requestctx.User{ID: who.ID, Name: who.DisplayName})
}

func identityFromContext(ctx context.Context) (domain.Identity, bool) {
	user, ok := requestctx.UserFromContext(ctx)
	if !ok {
		return domain.Identity{}, false
	}
	return domain.Identity{ID: user.ID, DisplayName: user.Name}, true
}
