package matrixapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Establish produces a valid session on the client. A stored token, when
// given, is validated first and reused; a rejected token is discarded and the
// password login path runs instead. The returned flag reports whether a fresh
// login happened, so the caller knows the stored credential changed.
//
// Login failure is not recovered here: the collector has no retry policy and
// relies on its next scheduled run.
func Establish(ctx context.Context, c *Client, user, password, storedToken string) (fresh bool, err error) {
	if storedToken != "" {
		c.AccessToken = storedToken
		if _, err := c.WhoAmI(ctx); err == nil {
			slog.Debug("matrix: already logged in")
			return false, nil
		} else if !errors.Is(err, ErrUnauthorized) {
			return false, fmt.Errorf("validate stored token: %w", err)
		}
		slog.Debug("matrix: stored token invalid, about to obtain a new one")
		c.AccessToken = ""
	}
	if err := c.Login(ctx, user, password); err != nil {
		return false, err
	}
	slog.Debug("matrix: just logged in")
	return true, nil
}
