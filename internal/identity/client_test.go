package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jogardn/salon-storefront/internal/apperr"
	"github.com/jogardn/salon-storefront/internal/circuitbreaker"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	breaker := circuitbreaker.New(BreakerConfig(), testLogger())
	c := NewClient(server.URL+"/", "anon-key", time.Second, breaker, testLogger())
	c.now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
	return c
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestSignIn(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/token", r.URL.Path)
		assert.Equal(t, "password", r.URL.Query().Get("grant_type"))
		assert.Equal(t, "anon-key", r.Header.Get("apikey"))

		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["password"] != "s3cret" {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error":             "invalid_grant",
				"error_description": "Invalid login credentials",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"access_token":  "tok-1",
			"refresh_token": "ref-1",
			"token_type":    "bearer",
			"expires_in":    3600,
			"user": map[string]interface{}{
				"id":            "user-1",
				"email":         body["email"],
				"user_metadata": map[string]string{"display_name": "Wanjiru"},
			},
		})
	})

	s, err := c.SignIn(context.Background(), "wanjiru@example.com", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", s.AccessToken)
	assert.Equal(t, "user-1", s.User.ID)
	assert.Equal(t, "Wanjiru", s.User.DisplayName)
	assert.Equal(t, time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC), s.ExpiresAt)

	_, err = c.SignIn(context.Background(), "wanjiru@example.com", "wrong")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrInvalidCredentials)
	assert.Contains(t, err.Error(), "Invalid login credentials")
}

func TestRejectedCredentialsNeverOpenBreaker(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"msg": "Invalid login credentials"})
	})

	for i := 0; i < 10; i++ {
		_, err := c.SignIn(context.Background(), "a@example.com", "x")
		require.ErrorIs(t, err, apperr.ErrInvalidCredentials)
	}
	assert.Equal(t, circuitbreaker.StateClosed, c.breaker.State())
}

func TestServerFailuresOpenBreaker(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	})

	for i := 0; i < 7; i++ {
		_, err := c.User(context.Background(), "tok")
		assert.ErrorIs(t, err, apperr.ErrPersistence)
	}
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls))
	assert.Equal(t, circuitbreaker.StateOpen, c.breaker.State())
}

func TestSignUp(t *testing.T) {
	tests := []struct {
		name      string
		response  map[string]interface{}
		wantToken string
	}{
		{
			name: "autoconfirm_session",
			response: map[string]interface{}{
				"access_token": "tok-2",
				"token_type":   "bearer",
				"expires_in":   60,
				"user":         map[string]interface{}{"id": "user-2", "email": "new@example.com"},
			},
			wantToken: "tok-2",
		},
		{
			name:     "confirmation_required",
			response: map[string]interface{}{"id": "user-2", "email": "new@example.com"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/signup", r.URL.Path)
				var body struct {
					Data map[string]string `json:"data"`
				}
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, "Amani", body.Data["display_name"])
				writeJSON(w, http.StatusOK, tt.response)
			})

			s, err := c.SignUp(context.Background(), "new@example.com", "s3cret!", "Amani")
			require.NoError(t, err)
			assert.Equal(t, tt.wantToken, s.AccessToken)
			assert.Equal(t, "user-2", s.User.ID)
		})
	}
}

func TestUserAndSignOut(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid JWT"})
			return
		}
		switch r.URL.Path {
		case "/user":
			writeJSON(w, http.StatusOK, map[string]string{"id": "user-1", "email": "a@example.com"})
		case "/logout":
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	})

	u, err := c.User(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", u.ID)

	_, err = c.User(context.Background(), "expired")
	assert.ErrorIs(t, err, apperr.ErrInvalidCredentials)

	assert.NoError(t, c.SignOut(context.Background(), "tok-1"))
}

func TestUnreachableProvider(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "", 200*time.Millisecond, nil, testLogger())

	_, err := c.SignIn(context.Background(), "a@example.com", "x")
	assert.ErrorIs(t, err, apperr.ErrPersistence)
}

func TestMalformedResponsesArePersistenceErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/signup" {
			w.Write([]byte(`"pending"`))
			return
		}
		w.Write([]byte(`<html>maintenance</html>`))
	})

	_, err := c.SignIn(context.Background(), "admin@salon.test", "s3cret")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrPersistence)

	_, err = c.SignUp(context.Background(), "new@salon.test", "s3cret", "New Admin")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrPersistence)

	_, err = c.User(context.Background(), "tok-1")
	assert.ErrorIs(t, err, apperr.ErrPersistence)
}
