package restapi

import (
	"log/slog"
	"net/http"
	"slices"

	"buswatch.org/internal/auth"
	"buswatch.org/internal/logging"
	"buswatch.org/internal/models"
)

// requireAPIKey guards device and collaborator endpoints.
func (api *RestAPI) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if api.RequestHasInvalidAPIKey(r) {
			api.sendUnauthorized(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireSession verifies the bearer token and stores the session in the
// request context. With roles given, other roles get 403.
func (api *RestAPI) requireSession(roles ...models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if api.Auth == nil {
				api.sendUnauthorized(w, r)
				return
			}
			session, err := api.Auth.FromRequest(r)
			if err != nil {
				logging.FromContext(r.Context()).Debug("session rejected", slog.String("error", err.Error()))
				api.sendUnauthorized(w, r)
				return
			}
			if len(roles) > 0 && !slices.Contains(roles, session.Role) {
				api.sendForbidden(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithSession(r.Context(), session)))
		})
	}
}

func sessionOf(r *http.Request) auth.Session {
	s, _ := auth.SessionFrom(r.Context())
	return s
}
