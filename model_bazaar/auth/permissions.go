package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/schema"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/utils"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// isAdmin reloads the user so that a revoked admin flag takes effect
// immediately. Any error is reported as not admin.
func isAdmin(r *http.Request, db *gorm.DB) (schema.User, bool) {
	user, err := UserFromContext(r)
	if err != nil {
		return schema.User{}, false
	}

	stored, err := schema.GetUser(user.Id, db.WithContext(r.Context()))
	if err != nil {
		slog.Error("unable to verify admin status, denying access", "user_id", user.Id, "error", err)
		return user, false
	}

	return stored, stored.IsAdmin
}

func RequireAdmin(db *gorm.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hfn := func(w http.ResponseWriter, r *http.Request) {
			user, ok := isAdmin(r, db)
			if !ok {
				writeAuthError(w, fmt.Sprintf("user %v is not an admin", user.Id), http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(hfn)
	}
}

func isTeamAdmin(teamId, userId uuid.UUID, db *gorm.DB) (bool, error) {
	userTeam, err := schema.GetUserTeam(teamId, userId, db)
	if err != nil {
		if errors.Is(err, schema.ErrUserTeamNotFound) {
			return false, nil
		}
		return false, err
	}

	return userTeam.IsTeamAdmin, nil
}

func AdminOrTeamAdminOnly(db *gorm.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hfn := func(w http.ResponseWriter, r *http.Request) {
			teamId, err := utils.URLParamUUID(r, "team_id")
			if err != nil {
				writeAuthError(w, err.Error(), http.StatusBadRequest)
				return
			}

			user, admin := isAdmin(r, db)
			if admin {
				next.ServeHTTP(w, r)
				return
			}

			teamAdmin, err := isTeamAdmin(teamId, user.Id, db.WithContext(r.Context()))
			if err != nil {
				writeAuthError(w, "unable to verify team admin status", http.StatusForbidden)
				return
			}

			if !teamAdmin {
				writeAuthError(w, "user must be admin or team admin to access endpoint", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(hfn)
	}
}

// ModelPermissionOnly rejects requests whose principal has less than
// minPermission on the model named by the {model_id} url parameter.
func ModelPermissionOnly(authz *Authorizer, minPermission modelPermission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hfn := func(w http.ResponseWriter, r *http.Request) {
			modelId, err := utils.URLParamUUID(r, "model_id")
			if err != nil {
				writeAuthError(w, err.Error(), http.StatusBadRequest)
				return
			}

			principal := PrincipalFromRequest(r)

			permission, err := authz.Permission(r.Context(), principal, modelId)
			if err != nil {
				if errors.Is(err, schema.ErrModelNotFound) {
					writeAuthError(w, err.Error(), http.StatusNotFound)
					return
				}
				slog.Error("error resolving model permission", "model_id", modelId, "error", err)
				writeAuthError(w, "unable to resolve model permission", http.StatusInternalServerError)
				return
			}

			if permission >= minPermission {
				next.ServeHTTP(w, r)
				return
			}

			writeAuthError(w, fmt.Sprintf("principal does not have required permission for model %v (required=%v, actual=%v)", modelId, minPermission, permission), http.StatusForbidden)
		}
		return http.HandlerFunc(hfn)
	}
}
