package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sentryops/camdash/internal/alerts"
)

// tokenSlack refreshes the hub token a little before its exp claim so an
// in-flight dial never presents a token that expires mid-handshake.
const tokenSlack = 30 * time.Second

// User is the authenticated operator account.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

// Client talks to the alert backend over its session-cookie REST API.
// It implements alerts.Persister.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	email    string
	password string

	mu       sync.Mutex
	hubToken string
}

func NewClient(baseURL, email, password string) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &Client{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
			Jar:     jar,
		},
		email:    email,
		password: password,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var bodySample string
		if resp.ContentLength != 0 {
			b := make([]byte, 512)
			n, _ := resp.Body.Read(b)
			bodySample = string(b[:n])
		}
		return fmt.Errorf("backend error: status=%d, body=%s", resp.StatusCode, bodySample)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Login establishes the cookie session and caches the hub token the
// backend mints for the signaling connection.
func (c *Client) Login(ctx context.Context) (*User, error) {
	body := map[string]string{"email": c.email, "password": c.password}
	var resp struct {
		User     User   `json:"user"`
		HubToken string `json:"hubToken"`
	}
	if err := c.do(ctx, "POST", "/api/auth/login", body, &resp); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.hubToken = resp.HubToken
	c.mu.Unlock()
	return &resp.User, nil
}

func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	c.hubToken = ""
	c.mu.Unlock()
	return c.do(ctx, "POST", "/api/auth/logout", nil, nil)
}

func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	var user User
	if err := c.do(ctx, "GET", "/api/auth/me", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// HubToken returns a hub token that is valid for at least tokenSlack.
// The exp claim is read without signature verification; only the hub
// itself needs to trust the token, the client just schedules refreshes.
func (c *Client) HubToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.hubToken
	c.mu.Unlock()

	if token != "" && !tokenExpired(token) {
		return token, nil
	}
	if _, err := c.Login(ctx); err != nil {
		return "", fmt.Errorf("hub token refresh: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hubToken, nil
}

func tokenExpired(token string) bool {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return true
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		// No exp claim: treat as non-expiring.
		return false
	}
	return time.Now().Add(tokenSlack).After(exp.Time)
}

// ListAlerts fetches the full alert table, most recent first.
func (c *Client) ListAlerts(ctx context.Context) ([]*alerts.Alert, error) {
	var list []*alerts.Alert
	if err := c.do(ctx, "GET", "/api/alerts", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) CreateAlert(ctx context.Context, a *alerts.Alert) error {
	return c.do(ctx, "POST", "/api/alerts", a, nil)
}

func (c *Client) ConfirmAlert(ctx context.Context, id string) error {
	return c.do(ctx, "PATCH", "/api/alerts/"+id+"/confirm", nil, nil)
}

func (c *Client) DismissAlert(ctx context.Context, id string) error {
	return c.do(ctx, "PATCH", "/api/alerts/"+id+"/dismiss", nil, nil)
}
