// Package matrixapi contains minimal helpers to interact with the Matrix
// client-server v3 API for login, room enumeration and member listing, using
// a bearer access token.
package matrixapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// ErrUnauthorized marks a non-200 response to an authenticated call made with
// a stored token; callers recover by logging in fresh.
var ErrUnauthorized = errors.New("matrixapi: access token rejected")

// Client calls one Matrix homeserver. Homeserver is the bare hostname
// (no scheme); AccessToken is set after Login or when reusing a stored token.
type Client struct {
	Homeserver  string
	AccessToken string
	HTTPClient  *http.Client

	// BaseURL overrides the https://<Homeserver> prefix, for tests.
	BaseURL string
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) endpoint(path string) string {
	base := c.BaseURL
	if base == "" {
		base = "https://" + c.Homeserver
	}
	return base + "/_matrix/client/v3" + path
}

// apiError carries the status line and server body text of a failed call so
// login failures can surface the homeserver's own message.
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("matrix api: %d: %s", e.status, e.body)
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = strings.NewReader(string(b))
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AccessToken)
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return &apiError{status: resp.StatusCode, body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Login performs an m.login.password login and stores the returned access
// token on the client. The server's error text is preserved on failure.
func (c *Client) Login(ctx context.Context, user, password string) error {
	payload := map[string]string{
		"type":     "m.login.password",
		"user":     user,
		"password": password,
	}
	var res struct {
		AccessToken string `json:"access_token"`
	}
	if err := c.do(ctx, http.MethodPost, "/login", payload, &res); err != nil {
		return fmt.Errorf("login as %s: %w", user, err)
	}
	if res.AccessToken == "" {
		return fmt.Errorf("login as %s: homeserver returned no access token", user)
	}
	c.AccessToken = res.AccessToken
	return nil
}

// WhoAmI validates the current access token with the cheapest authenticated
// call the API offers. Any non-200 response maps to ErrUnauthorized.
func (c *Client) WhoAmI(ctx context.Context) (string, error) {
	var res struct {
		UserID string `json:"user_id"`
	}
	if err := c.do(ctx, http.MethodGet, "/account/whoami", nil, &res); err != nil {
		var ae *apiError
		if errors.As(err, &ae) {
			return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return "", err
	}
	return res.UserID, nil
}

// JoinedRooms lists the ids of all rooms the account has joined.
func (c *Client) JoinedRooms(ctx context.Context) ([]string, error) {
	var res struct {
		JoinedRooms []string `json:"joined_rooms"`
	}
	if err := c.do(ctx, http.MethodGet, "/joined_rooms", nil, &res); err != nil {
		return nil, fmt.Errorf("list joined rooms: %w", err)
	}
	return res.JoinedRooms, nil
}

// JoinedMembers returns the user ids currently joined to a room.
func (c *Client) JoinedMembers(ctx context.Context, roomID string) ([]string, error) {
	var res struct {
		Joined map[string]json.RawMessage `json:"joined"`
	}
	path := "/rooms/" + url.PathEscape(roomID) + "/joined_members"
	if err := c.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, fmt.Errorf("list members of %s: %w", roomID, err)
	}
	members := make([]string, 0, len(res.Joined))
	for userID := range res.Joined {
		members = append(members, userID)
	}
	return members, nil
}

// RoomName fetches a room's m.room.name state event. Rooms are allowed to
// have no name; that surfaces as an error the caller treats as "skip".
func (c *Client) RoomName(ctx context.Context, roomID string) (string, error) {
	var res struct {
		Name string `json:"name"`
	}
	path := "/rooms/" + url.PathEscape(roomID) + "/state/m.room.name"
	if err := c.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return "", fmt.Errorf("name of %s: %w", roomID, err)
	}
	return res.Name, nil
}

// Logout invalidates the current access token server-side. The caller is
// responsible for dropping the token from persisted state afterwards.
func (c *Client) Logout(ctx context.Context) error {
	if c.AccessToken == "" {
		return errors.New("logout: no access token held")
	}
	if err := c.do(ctx, http.MethodPost, "/logout", nil, nil); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	c.AccessToken = ""
	return nil
}
