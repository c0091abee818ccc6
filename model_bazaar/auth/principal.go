package auth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/schema"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/utils"
)

// Principal is the actor a request is authorized for. User is nil for
// anonymous requests. APIKey is set when the request authenticated with an api
// key instead of a user token, and limits the principal to the key's models.
type Principal struct {
	User   *schema.User
	APIKey *schema.UserAPIKey
}

func (p Principal) Authenticated() bool {
	return p.User != nil
}

func Anonymous() Principal {
	return Principal{}
}

func UserPrincipal(user schema.User) Principal {
	return Principal{User: &user}
}

func withUser(ctx context.Context, user schema.User) context.Context {
	return context.WithValue(ctx, userRequestContextKey, user)
}

func UserFromContext(r *http.Request) (schema.User, error) {
	userUntyped := r.Context().Value(userRequestContextKey)
	if userUntyped == nil {
		return schema.User{}, fmt.Errorf("user field not found in request context")
	}
	user, ok := userUntyped.(schema.User)
	if !ok {
		return schema.User{}, fmt.Errorf("invalid value for user field")
	}
	return user, nil
}

func APIKeyFromContext(r *http.Request) (*schema.UserAPIKey, bool) {
	key, ok := r.Context().Value(apiKeyRequestContextKey).(*schema.UserAPIKey)
	return key, ok
}

// PrincipalFromRequest returns the principal set by the auth middleware, or an
// anonymous principal if the request was not authenticated.
func PrincipalFromRequest(r *http.Request) Principal {
	user, err := UserFromContext(r)
	if err != nil {
		return Anonymous()
	}
	principal := UserPrincipal(user)
	if key, ok := APIKeyFromContext(r); ok {
		principal.APIKey = key
	}
	return principal
}

func writeAuthError(w http.ResponseWriter, msg string, code int) {
	utils.WriteError(w, msg, code)
}
