package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jogardn/salon-storefront/internal/apperr"
	"github.com/jogardn/salon-storefront/internal/auth"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

type tokenAuthorizer map[string]error

func (a tokenAuthorizer) Authorize(_ context.Context, token string) (auth.AdminUser, error) {
	err, ok := a[token]
	if !ok {
		return auth.AdminUser{}, apperr.New("auth.Authorize", apperr.ErrInvalidCredentials, nil)
	}
	if err != nil {
		return auth.AdminUser{}, err
	}
	return auth.AdminUser{ID: "admin-" + token, Role: auth.RoleAdmin}, nil
}

func startHub(t *testing.T, origins []string) (*Hub, string) {
	t.Helper()
	authorizer := tokenAuthorizer{
		"good":  nil,
		"staff": apperr.New("auth.Authorize", apperr.ErrNotRegisteredAsAdmin, nil),
	}
	hub := NewHub(authorizer, origins, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		server.Close()
		cancel()
	})
	return hub, "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestBoardReceivesBroadcasts(t *testing.T) {
	hub, url := startHub(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?token=good", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.Broadcast("order.created", map[string]string{"order_code": "SAL-ABCDEFGH"}, "storefront")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "order.created", msg.Type)
	assert.Equal(t, "storefront", msg.Source)
	assert.Equal(t, map[string]interface{}{"order_code": "SAL-ABCDEFGH"}, msg.Data)
}

func TestBoardRejectsUnauthorized(t *testing.T) {
	_, url := startHub(t, nil)

	tests := []struct {
		name   string
		query  string
		status int
	}{
		{name: "missing_token", query: "", status: http.StatusUnauthorized},
		{name: "unknown_token", query: "?token=bad", status: http.StatusUnauthorized},
		{name: "not_admin", query: "?token=staff", status: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(url+tt.query, nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestBoardChecksOrigin(t *testing.T) {
	_, url := startHub(t, []string{"https://admin.salon.example"})

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url+"?token=good", header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://admin.salon.example")
	conn, _, err := websocket.DefaultDialer.Dial(url+"?token=good", header)
	require.NoError(t, err)
	conn.Close()
}

func TestHubClosesClientsOnShutdown(t *testing.T) {
	hub := NewHub(tokenAuthorizer{"good": nil}, nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"?token=good", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, 0, hub.ClientCount())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

type revocableAuthorizer struct {
	mu      sync.Mutex
	revoked error
}

func (a *revocableAuthorizer) Authorize(context.Context, string) (auth.AdminUser, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.revoked != nil {
		return auth.AdminUser{}, a.revoked
	}
	return auth.AdminUser{ID: "admin-1", Role: auth.RoleAdmin}, nil
}

func (a *revocableAuthorizer) revoke(err error) {
	a.mu.Lock()
	a.revoked = err
	a.mu.Unlock()
}

func dialRevocable(t *testing.T, authorizer *revocableAuthorizer) (*Hub, *websocket.Conn) {
	t.Helper()
	hub := NewHub(authorizer, nil, testLogger())
	hub.SetReauthInterval(50 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		server.Close()
		cancel()
	})

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"?token=good", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
	return hub, conn
}

func TestBoardDisconnectsAfterSignOut(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "signed_out", err: apperr.New("auth.Authorize", apperr.ErrInvalidCredentials, nil)},
		{name: "role_removed", err: apperr.New("auth.Authorize", apperr.ErrNotRegisteredAsAdmin, nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			authorizer := &revocableAuthorizer{}
			hub, conn := dialRevocable(t, authorizer)

			authorizer.revoke(tt.err)

			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, _, err := conn.ReadMessage()
			require.Error(t, err)
			assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
			require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
		})
	}
}

func TestBoardSurvivesAuthOutage(t *testing.T) {
	authorizer := &revocableAuthorizer{}
	hub, conn := dialRevocable(t, authorizer)

	authorizer.revoke(apperr.Persistence("auth.Authorize", errors.New("identity provider unreachable")))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, hub.ClientCount())

	hub.Broadcast("order.updated", map[string]string{"status": "confirmed"}, "storefront")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "order.updated", msg.Type)
}
