package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jogardn/salon-storefront/internal/apperr"
	"github.com/jogardn/salon-storefront/internal/circuitbreaker"
)

const DefaultTimeout = 10 * time.Second

type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
}

type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         User      `json:"user"`
}

// wire shapes of the auth API
type (
	apiUser struct {
		ID           string                 `json:"id"`
		Email        string                 `json:"email"`
		UserMetadata map[string]interface{} `json:"user_metadata"`
	}

	apiSession struct {
		AccessToken  string  `json:"access_token"`
		RefreshToken string  `json:"refresh_token"`
		TokenType    string  `json:"token_type"`
		ExpiresIn    int     `json:"expires_in"`
		User         apiUser `json:"user"`
	}

	apiError struct {
		Error       string `json:"error"`
		Description string `json:"error_description"`
		Msg         string `json:"msg"`
		Message     string `json:"message"`
	}
)

func (u apiUser) toUser() User {
	user := User{ID: u.ID, Email: u.Email}
	if name, ok := u.UserMetadata["display_name"].(string); ok {
		user.DisplayName = name
	}
	return user
}

func (e apiError) text() string {
	for _, s := range []string{e.Description, e.Msg, e.Message, e.Error} {
		if s != "" {
			return s
		}
	}
	return ""
}

// Client talks to a GoTrue-compatible authentication API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	logger     *logrus.Logger
	now        func() time.Time
}

func NewClient(baseURL, apiKey string, timeout time.Duration, breaker *circuitbreaker.CircuitBreaker, logger *logrus.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		breaker: breaker,
		logger:  logger,
		now:     time.Now,
	}
}

// BreakerConfig counts only transport and server failures; a rejected
// password must never open the breaker.
func BreakerConfig() circuitbreaker.Config {
	return circuitbreaker.Config{
		MaxFailures: 5,
		Cooldown:    15 * time.Second,
		IsFailure: func(err error) bool {
			return apperr.KindOf(err) == nil || errors.Is(err, apperr.ErrPersistence)
		},
	}
}

func (c *Client) SignIn(ctx context.Context, email, password string) (Session, error) {
	const op = "identity.SignIn"

	c.logger.WithField("email", email).Info("Authenticating with identity provider")

	body := map[string]string{"email": email, "password": password}
	var resp apiSession
	if err := c.do(ctx, op, http.MethodPost, "/token?grant_type=password", "", body, &resp); err != nil {
		return Session{}, err
	}
	return c.session(resp), nil
}

// SignUp creates an account. Providers that require email confirmation
// return no access token; the session is then empty apart from the user.
func (c *Client) SignUp(ctx context.Context, email, password, displayName string) (Session, error) {
	const op = "identity.SignUp"

	c.logger.WithField("email", email).Info("Creating account with identity provider")

	body := map[string]interface{}{
		"email":    email,
		"password": password,
		"data":     map[string]string{"display_name": displayName},
	}
	var raw json.RawMessage
	if err := c.do(ctx, op, http.MethodPost, "/signup", "", body, &raw); err != nil {
		return Session{}, err
	}

	var resp apiSession
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Session{}, apperr.Persistence(op, fmt.Errorf("failed to decode identity response: %w", err))
	}
	if resp.AccessToken == "" {
		var user apiUser
		if err := json.Unmarshal(raw, &user); err != nil {
			return Session{}, apperr.Persistence(op, fmt.Errorf("failed to decode identity response: %w", err))
		}
		resp.User = user
	}
	return c.session(resp), nil
}

func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	const op = "identity.SignOut"
	return c.do(ctx, op, http.MethodPost, "/logout", accessToken, nil, nil)
}

// User resolves the account behind an access token.
func (c *Client) User(ctx context.Context, accessToken string) (User, error) {
	const op = "identity.User"

	var resp apiUser
	if err := c.do(ctx, op, http.MethodGet, "/user", accessToken, nil, &resp); err != nil {
		return User{}, err
	}
	return resp.toUser(), nil
}

func (c *Client) session(resp apiSession) Session {
	s := Session{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		TokenType:    resp.TokenType,
		User:         resp.User.toUser(),
	}
	if resp.ExpiresIn > 0 {
		s.ExpiresAt = c.now().Add(time.Duration(resp.ExpiresIn) * time.Second).UTC()
	}
	return s
}

func (c *Client) do(ctx context.Context, op, method, path, token string, in, out interface{}) error {
	call := func(ctx context.Context) error {
		return c.roundTrip(ctx, op, method, path, token, in, out)
	}
	if c.breaker == nil {
		return call(ctx)
	}
	err := c.breaker.Execute(ctx, call)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return apperr.Persistence(op, err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, op, method, path, token string, in, out interface{}) error {
	var reader io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return apperr.Persistence(op, fmt.Errorf("failed to marshal request: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperr.Persistence(op, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.Persistence(op, fmt.Errorf("failed to send request to identity provider: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return c.statusError(op, resp)
	}

	c.logger.WithFields(logrus.Fields{
		"op":     op,
		"status": resp.StatusCode,
	}).Debug("Identity provider responded")

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Persistence(op, fmt.Errorf("failed to decode identity response: %w", err))
	}
	return nil
}

func (c *Client) statusError(op string, resp *http.Response) error {
	var body apiError
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
	msg := body.text()
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	c.logger.WithFields(logrus.Fields{
		"op":      op,
		"status":  resp.StatusCode,
		"message": msg,
	}).Warn("Identity provider rejected request")

	switch {
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusUnprocessableEntity:
		return apperr.New(op, apperr.ErrInvalidCredentials, errors.New(msg))
	case resp.StatusCode == http.StatusNotFound:
		return apperr.New(op, apperr.ErrNotFound, errors.New(msg))
	default:
		return apperr.Persistence(op, fmt.Errorf("identity provider returned status %d: %s", resp.StatusCode, msg))
	}
}
