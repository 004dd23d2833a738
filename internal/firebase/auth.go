package firebase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const identityToolkitURL = "https://identitytoolkit.googleapis.com/v1"

// Auth is a client for the hosted Identity Toolkit REST API. It only covers
// email/password signup and login; the protocol itself is not reimplemented.
type Auth struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewAuth(apiKey string) *Auth {
	return &Auth{
		apiKey:  apiKey,
		baseURL: identityToolkitURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// APIKey returns the web API key this client was built with.
func (a *Auth) APIKey() string {
	return a.apiKey
}

// Credentials is the result of a successful signup or login.
type Credentials struct {
	Email     string
	IDToken   string
	ExpiresAt time.Time
}

// SignIn exchanges email/password for an idToken.
func (a *Auth) SignIn(ctx context.Context, email, password string) (*Credentials, error) {
	return a.call(ctx, "accounts:signInWithPassword", email, password)
}

// SignUp creates a new account and returns its first idToken.
func (a *Auth) SignUp(ctx context.Context, email, password string) (*Credentials, error) {
	return a.call(ctx, "accounts:signUp", email, password)
}

func (a *Auth) call(ctx context.Context, endpoint, email, password string) (*Credentials, error) {
	reqBody, _ := json.Marshal(map[string]interface{}{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	})

	url := fmt.Sprintf("%s/%s?key=%s", a.baseURL, endpoint, a.apiKey)
	req, _ := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(reqBody))
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth req error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		var errResp struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(bodyBytes, &errResp) == nil && errResp.Error.Message != "" {
			return nil, fmt.Errorf("%s", friendlyAuthError(errResp.Error.Message))
		}
		return nil, fmt.Errorf("auth api error: %d - %s", resp.StatusCode, string(bodyBytes))
	}

	var authResp struct {
		Email     string `json:"email"`
		IDToken   string `json:"idToken"`
		ExpiresIn string `json:"expiresIn"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&authResp); err != nil {
		return nil, fmt.Errorf("auth json decode error: %w", err)
	}
	if authResp.IDToken == "" {
		return nil, fmt.Errorf("auth: no idToken in response")
	}

	return &Credentials{
		Email:     authResp.Email,
		IDToken:   authResp.IDToken,
		ExpiresAt: tokenExpiry(authResp.IDToken, authResp.ExpiresIn),
	}, nil
}

// friendlyAuthError maps Identity Toolkit error codes to messages fit for the
// login form. Login failures deliberately do not reveal which field was wrong.
func friendlyAuthError(code string) string {
	switch code {
	case "EMAIL_EXISTS":
		return "an account with this email already exists"
	case "EMAIL_NOT_FOUND", "INVALID_PASSWORD", "INVALID_LOGIN_CREDENTIALS":
		return "invalid email or password"
	case "INVALID_EMAIL":
		return "invalid email address"
	case "TOO_MANY_ATTEMPTS_TRY_LATER":
		return "too many attempts, try again later"
	default:
		if strings.HasPrefix(code, "WEAK_PASSWORD") {
			return "password is too weak"
		}
		return "authentication failed: " + code
	}
}

// tokenExpiry reads the exp claim out of the idToken without verifying the
// signature (verification happens server-side at the database). Falls back to
// the expiresIn field, then to zero (unknown).
func tokenExpiry(idToken, expiresIn string) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(idToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	if secs, err := strconv.Atoi(expiresIn); err == nil && secs > 0 {
		return time.Now().Add(time.Duration(secs) * time.Second)
	}
	return time.Time{}
}
