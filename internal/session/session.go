package session

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const (
	SessionCookie = "sid"
	VisitorCookie = "vid"

	DefaultSessionTTL = 30 * 24 * time.Hour
	visitorTTL        = 2 * 365 * 24 * time.Hour
)

// IDs identify the browser behind a request. SessionID keys the cart;
// VisitorID outlives sessions and is only used for analytics.
type IDs struct {
	SessionID string
	VisitorID string
}

type idsKey struct{}

func WithIDs(ctx context.Context, ids IDs) context.Context {
	return context.WithValue(ctx, idsKey{}, ids)
}

func FromContext(ctx context.Context) (IDs, bool) {
	ids, ok := ctx.Value(idsKey{}).(IDs)
	return ids, ok
}

type Options struct {
	Secure     bool
	SessionTTL time.Duration
}

// Middleware issues sid and vid cookies when missing or malformed and puts
// both ids in the request context. The session cookie's expiry slides with
// every request.
func Middleware(opts Options) func(http.Handler) http.Handler {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sid, _ := read(r, SessionCookie)
			vid, vidOK := read(r, VisitorCookie)

			http.SetCookie(w, cookie(SessionCookie, sid, opts.SessionTTL, opts.Secure))
			if !vidOK {
				http.SetCookie(w, cookie(VisitorCookie, vid, visitorTTL, opts.Secure))
			}

			ctx := WithIDs(r.Context(), IDs{SessionID: sid, VisitorID: vid})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// read returns the cookie's id, or a fresh one and false.
func read(r *http.Request, name string) (string, bool) {
	if c, err := r.Cookie(name); err == nil {
		if id, err := uuid.Parse(c.Value); err == nil {
			return id.String(), true
		}
	}
	return uuid.New().String(), false
}

func cookie(name, value string, ttl time.Duration, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl / time.Second),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}
