package api

import (
	"context"
	"net/http"
	"time"

	"fleetlink.org/internal/obs"
	"fleetlink.org/internal/session"
)

// authPayload is the backend shape shared by login, signup and refresh.
type authPayload struct {
	AccessToken        string            `json:"access_token"`
	RefreshToken       string            `json:"refresh_token"`
	AccessTokenExpiry  time.Time         `json:"access_token_expiry"`
	RefreshTokenExpiry time.Time         `json:"refresh_token_expiry"`
	UserID             string            `json:"user_id"`
	Email              string            `json:"email"`
	Role               string            `json:"role"`
	Permissions        []string          `json:"permissions"`
	Preferences        map[string]string `json:"preferences"`
}

// refreshSession performs the coordinated token refresh. Only one refresh is
// ever in flight process-wide; concurrent callers join the pending one and
// share its outcome. On failure the session is erased before the terminal
// error propagates.
//
// The outcome is shared by every joined caller, so the refresh must not ride
// on the triggering caller's lifetime: it runs detached from cancellation,
// bounded by the client timeout inside roundTrip. A cancelled caller observes
// its own context error on the retry instead.
func (c *Client) refreshSession(ctx context.Context) error {
	_, err, shared := c.refresh.Do(refreshKey, func() (any, error) {
		return nil, c.doRefresh(context.WithoutCancel(ctx))
	})
	if shared {
		obs.ObserveRefresh("joined")
	}
	return err
}

func (c *Client) doRefresh(ctx context.Context) error {
	refreshToken, ok := c.sess.RefreshToken()
	if !ok {
		_ = c.sess.EraseAll()
		obs.ObserveRefresh("failed")
		return Errf(KindAuthExpired, 0, "no refresh token in session")
	}

	env, err := c.roundTrip(ctx, http.MethodPost, refreshPath,
		map[string]string{"refresh_token": refreshToken}, "", callOptions{timeout: c.timeout})
	if err == nil && (env.Status < 200 || env.Status >= 300) {
		err = &Error{Kind: KindUpstream, Status: env.Status, Message: env.Error}
	}
	if err == nil {
		err = c.installSession(env)
	}
	if err != nil {
		_ = c.sess.EraseAll()
		obs.ObserveRefresh("failed")
		return &Error{Kind: KindAuthExpired, Status: StatusOf(err), Message: "token refresh failed", Err: err}
	}

	obs.ObserveRefresh("succeeded")
	return nil
}

// installSession decodes an auth payload and writes credentials and identity
// into the session store. When the backend does not rotate the refresh token
// the existing one is kept.
func (c *Client) installSession(env *Envelope) error {
	var payload authPayload
	if err := env.Decode(&payload); err != nil {
		return Errf(KindUpstream, env.Status, "decode auth payload: %v", err)
	}
	if payload.AccessToken == "" {
		return Errf(KindUpstream, env.Status, "auth payload missing access token")
	}
	if payload.RefreshToken == "" {
		if existing, ok := c.sess.RefreshToken(); ok {
			payload.RefreshToken = existing
		}
	}

	err := c.sess.WriteCredentials(session.Credentials{
		AccessToken:      payload.AccessToken,
		AccessExpiresAt:  payload.AccessTokenExpiry,
		RefreshToken:     payload.RefreshToken,
		RefreshExpiresAt: payload.RefreshTokenExpiry,
	})
	if err != nil {
		return err
	}
	return c.sess.WriteIdentity(session.Identity{
		UserID:      payload.UserID,
		Email:       payload.Email,
		Role:        payload.Role,
		Permissions: payload.Permissions,
		Preferences: payload.Preferences,
	})
}
