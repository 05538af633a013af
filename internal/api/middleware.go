package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/salon-storefront/internal/analytics"
	"github.com/jogardn/salon-storefront/internal/auth"
	"github.com/jogardn/salon-storefront/internal/session"
)

func loggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			logger.WithFields(logrus.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
				"remote": r.RemoteAddr,
			}).Info("Request received")

			next.ServeHTTP(w, r)

			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start).Milliseconds(),
			}).Info("Request completed")
		})
	}
}

// clientInfoMiddleware attaches the analytics view of the caller. It must
// run after the session middleware.
func clientInfoMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids, _ := session.FromContext(r.Context())

		location := r.Header.Get("X-Page-Location")
		if location == "" {
			location = r.URL.Path
		}

		info := analytics.ClientInfo{
			SessionID:   ids.SessionID,
			VisitorID:   ids.VisitorID,
			Referrer:    r.Referer(),
			DeviceClass: analytics.DeviceClass(r.Header.Get("X-Viewport-Width"), r.UserAgent()),
			Location:    location,
		}
		next.ServeHTTP(w, r.WithContext(analytics.WithClient(r.Context(), info)))
	})
}

type adminKey struct{}

func adminFrom(ctx context.Context) (auth.AdminUser, bool) {
	u, ok := ctx.Value(adminKey{}).(auth.AdminUser)
	return u, ok
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// adminMiddleware admits only requests carrying an administrator's token.
func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.Auth.Authorize(r.Context(), bearerToken(r))
		if err != nil {
			s.respondWithAppError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminKey{}, user)))
	})
}
