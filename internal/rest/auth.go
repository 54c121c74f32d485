package rest

import (
	"context"
	"fmt"
	"net/http"
)

// CodeChallenge is the response to a verification-code request. The token
// must be echoed back alongside the code the user received by email.
type CodeChallenge struct {
	RequestToken string `json:"request_token"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
}

// Verified is a successful email verification: a bearer token plus the
// account identity it belongs to.
type Verified struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"id"`
	Email       string `json:"email,omitempty"`
}

// RequestCode starts the two-step email login by asking the server to send a
// verification code to email.
func (c *Client) RequestCode(ctx context.Context, email string) (*CodeChallenge, error) {
	var out CodeChallenge
	body := map[string]string{"email": email}
	if err := c.do(ctx, http.MethodPost, "/v2/auth/email/request", body, false, &out); err != nil {
		return nil, fmt.Errorf("requesting auth code: %w", err)
	}
	return &out, nil
}

// VerifyCode completes the login with the emailed code and the request token
// from RequestCode.
func (c *Client) VerifyCode(ctx context.Context, email, code, requestToken string) (*Verified, error) {
	var out Verified
	body := map[string]string{
		"email":         email,
		"code":          code,
		"request_token": requestToken,
	}
	if err := c.do(ctx, http.MethodPost, "/v2/auth/email/verify", body, false, &out); err != nil {
		return nil, fmt.Errorf("verifying auth code: %w", err)
	}
	return &out, nil
}
