package calendar

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/joaopcouto/adapsync/internal/correlation"
	"github.com/joaopcouto/adapsync/internal/model"
)

// defaultTokenLifetime is assumed when the token endpoint omits expires_in.
const defaultTokenLifetime = time.Hour

// ValidateToken reports whether cred's access token can be used right now:
// it must be present, have a known expiry, and not expire within
// [TokenSafetyBuffer].
func (g *Gateway) ValidateToken(cred *model.CalendarCredential) bool {
	if cred == nil || cred.AccessToken == "" || cred.TokenExpiresAt == nil {
		return false
	}
	return cred.TokenExpiresAt.Sub(g.now()) > TokenSafetyBuffer
}

// EnsureValidToken returns a credential with a usable access token,
// refreshing when needed. The input credential is returned unchanged when
// it is already valid.
//
// When the refresh token itself is invalid or revoked the returned
// credential is a disconnected copy (Connected and CalendarSyncEnabled
// cleared) that the caller must persist, and the error requires
// reconnection.
func (g *Gateway) EnsureValidToken(ctx context.Context, cred *model.CalendarCredential) (*model.CalendarCredential, error) {
	if cred == nil {
		return nil, &Error{
			Kind:                 model.ErrAuth,
			Message:              "no calendar credential",
			RequiresReconnection: true,
			CorrelationID:        correlation.ID(ctx),
		}
	}
	if g.ValidateToken(cred) {
		return cred, nil
	}

	tok, err := g.RefreshAccessToken(ctx, cred.RefreshToken)
	if err != nil {
		if IsReconnectRequired(err) {
			g.log.Warn("calendar refresh token rejected, disconnecting integration",
				"user_id", cred.UserID, "correlation_id", correlation.ID(ctx), "error", err)
			return cred.Disconnected(), err
		}
		return cred, err
	}

	updated := cred.Clone()
	updated.AccessToken = tok.AccessToken
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = g.now().Add(defaultTokenLifetime)
	}
	updated.TokenExpiresAt = &expiry

	// Google may rotate the refresh token; keep the newest one.
	if tok.RefreshToken != "" {
		sealed, err := g.cipher.Encrypt(tok.RefreshToken)
		if err != nil {
			g.log.Error("encrypting rotated refresh token", "user_id", cred.UserID, "error", err)
		} else {
			updated.RefreshToken = sealed
		}
	}

	g.log.Debug("calendar access token refreshed",
		"user_id", cred.UserID, "expires_at", expiry, "correlation_id", correlation.ID(ctx))
	return updated, nil
}

// RefreshAccessToken decrypts encryptedRefreshToken and exchanges it for a
// new access token. Transient failures are retried with backoff. An invalid
// or revoked refresh token yields a non-retryable AUTH_ERROR that requires
// reconnection.
func (g *Gateway) RefreshAccessToken(ctx context.Context, encryptedRefreshToken string) (*oauth2.Token, error) {
	corrID := correlation.ID(ctx)
	if encryptedRefreshToken == "" {
		return nil, &Error{
			Kind:                 model.ErrAuth,
			Message:              "no refresh token stored",
			RequiresReconnection: true,
			CorrelationID:        corrID,
		}
	}

	refreshToken, err := g.cipher.Decrypt(encryptedRefreshToken)
	if err != nil {
		return nil, &Error{
			Kind:                 model.ErrAuth,
			Message:              "stored refresh token cannot be decrypted",
			RequiresReconnection: true,
			CorrelationID:        corrID,
			Err:                  err,
		}
	}

	var tok *oauth2.Token
	err = retryTransient(ctx, refreshAttempts, func() error {
		t, err := g.oauth.TokenSource(g.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
		if err != nil {
			return Classify(err, corrID)
		}
		tok = t
		return nil
	})
	if err != nil {
		cerr := Classify(err, corrID)
		if cerr.Kind == model.ErrAuth && cerr.StatusCode == http.StatusBadRequest {
			// A 400 from the token endpoint means the grant itself is bad.
			cp := *cerr
			cp.RequiresReconnection = true
			cerr = &cp
		}
		return nil, cerr
	}
	return tok, nil
}

// RevokeTokens revokes the access token and/or refresh token, best effort.
// It reports success when at least one revocation succeeded or when there
// was nothing to revoke. It never fails.
func (g *Gateway) RevokeTokens(ctx context.Context, accessToken, encryptedRefreshToken string) bool {
	if accessToken == "" && encryptedRefreshToken == "" {
		return true
	}

	ok := false
	if encryptedRefreshToken != "" {
		refreshToken, err := g.cipher.Decrypt(encryptedRefreshToken)
		if err != nil {
			g.log.Warn("cannot decrypt refresh token for revocation", "error", err)
		} else if err := g.revoke(ctx, refreshToken); err != nil {
			g.log.Warn("revoking refresh token", "correlation_id", correlation.ID(ctx), "error", err)
		} else {
			ok = true
		}
	}
	if accessToken != "" {
		if err := g.revoke(ctx, accessToken); err != nil {
			g.log.Warn("revoking access token", "correlation_id", correlation.ID(ctx), "error", err)
		} else {
			ok = true
		}
	}
	return ok
}

func (g *Gateway) revoke(ctx context.Context, token string) error {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute revoke request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revoke returned status %d", resp.StatusCode)
	}
	return nil
}
