// Package oauth verifies external logins with an OAuth2 authorization code
// flow followed by a userinfo lookup.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"taskboard/internal/config"
	"taskboard/internal/identity"
	"taskboard/internal/pkg/apperr"

	"golang.org/x/oauth2"
)

const userInfoLimit = 1 << 20

// Verifier implements identity.ExternalVerifier.
type Verifier struct {
	provider    string
	conf        *oauth2.Config
	userInfoURL string
	httpClient  *http.Client
}

func NewVerifier(cfg config.OAuthConfig) *Verifier {
	return &Verifier{
		provider: cfg.Provider,
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
			RedirectURL: cfg.RedirectURL,
			Scopes:      cfg.Scopes,
		},
		userInfoURL: cfg.UserInfoURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (v *Verifier) Provider() string { return v.provider }

// AuthCodeURL builds the provider redirect for the given state nonce.
func (v *Verifier) AuthCodeURL(state string) string {
	return v.conf.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// Verify exchanges an authorization code and reads the userinfo document.
func (v *Verifier) Verify(ctx context.Context, code string) (identity.ExternalIdentity, error) {
	if code == "" {
		return identity.ExternalIdentity{}, fmt.Errorf("%w: missing code", apperr.ErrProviderVerificationFailed)
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, v.httpClient)

	tok, err := v.conf.Exchange(ctx, code)
	if err != nil {
		return identity.ExternalIdentity{}, fmt.Errorf("%w: exchange code: %v", apperr.ErrProviderVerificationFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.userInfoURL, nil)
	if err != nil {
		return identity.ExternalIdentity{}, fmt.Errorf("build userinfo request: %w", err)
	}
	resp, err := v.conf.Client(ctx, tok).Do(req)
	if err != nil {
		return identity.ExternalIdentity{}, fmt.Errorf("%w: userinfo: %v", apperr.ErrProviderVerificationFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return identity.ExternalIdentity{}, fmt.Errorf("%w: userinfo status %d", apperr.ErrProviderVerificationFailed, resp.StatusCode)
	}

	var info userInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, userInfoLimit)).Decode(&info); err != nil {
		return identity.ExternalIdentity{}, fmt.Errorf("%w: decode userinfo: %v", apperr.ErrProviderVerificationFailed, err)
	}
	if info.Subject == "" {
		return identity.ExternalIdentity{}, fmt.Errorf("%w: userinfo without sub", apperr.ErrProviderVerificationFailed)
	}
	return identity.ExternalIdentity{
		Subject:       info.Subject,
		Email:         info.Email,
		EmailVerified: bool(info.EmailVerified),
	}, nil
}

type userInfo struct {
	Subject       string   `json:"sub"`
	Email         string   `json:"email"`
	EmailVerified flexBool `json:"email_verified"`
}

// flexBool accepts true and "true"; some providers send the string form.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case bool:
		*b = flexBool(t)
	case string:
		parsed, err := strconv.ParseBool(t)
		if err != nil {
			return fmt.Errorf("email_verified: %w", err)
		}
		*b = flexBool(parsed)
	case nil:
		*b = false
	default:
		return fmt.Errorf("email_verified: unexpected %T", v)
	}
	return nil
}
