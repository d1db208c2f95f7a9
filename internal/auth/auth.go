// Package auth provides the bearer credential presented during the gateway
// websocket upgrade and on REST calls.
package auth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Mode selects how the token travels in the upgrade request. The gateway
// accepts all three; the header form is preferred.
type Mode string

const (
	ModeHeader      Mode = "header"      // Authorization: Bearer <token>
	ModeSubprotocol Mode = "subprotocol" // Sec-WebSocket-Protocol: Bearer, <token>
	ModeQuery       Mode = "query"       // ?token=<token>
)

// ParseMode validates a configured mode. Empty selects ModeHeader.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeHeader:
		return ModeHeader, nil
	case ModeSubprotocol:
		return ModeSubprotocol, nil
	case ModeQuery:
		return ModeQuery, nil
	}
	return "", fmt.Errorf("unknown auth mode %q", s)
}

// Credentials holds an access token issued by the auth service.
type Credentials struct {
	Token string // Signed JWT access token
	Mode  Mode
}

// NewCredentials returns credentials for token. An empty token yields nil:
// connections are still attempted anonymously.
func NewCredentials(token string, mode Mode) *Credentials {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	if mode == "" {
		mode = ModeHeader
	}
	return &Credentials{Token: token, Mode: mode}
}

// LoadToken reads a token from a file, trimming surrounding whitespace.
func LoadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", path)
	}
	return token, nil
}

// Handshake returns the dial URL, request headers and websocket subprotocols
// that carry the credential. Nil credentials leave the request anonymous.
func (c *Credentials) Handshake(rawURL string) (string, http.Header, []string, error) {
	header := http.Header{}
	if c == nil || c.Token == "" {
		return rawURL, header, nil, nil
	}

	switch c.Mode {
	case ModeSubprotocol:
		return rawURL, header, []string{"Bearer", c.Token}, nil

	case ModeQuery:
		u, err := url.Parse(rawURL)
		if err != nil {
			return "", nil, nil, fmt.Errorf("parse url: %w", err)
		}
		q := u.Query()
		q.Set("token", c.Token)
		u.RawQuery = q.Encode()
		return u.String(), header, nil, nil

	default:
		header.Set("Authorization", "Bearer "+c.Token)
		return rawURL, header, nil, nil
	}
}

// Apply sets the Authorization header on a REST request.
func (c *Credentials) Apply(req *http.Request) {
	if c == nil || c.Token == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
}

// Claims is the subset of access-token claims the client reads.
type Claims struct {
	Subject   string `json:"sub"`
	UserID    string `json:"userId"`
	Type      string `json:"type"`
	ExpiresAt int64  `json:"exp"` // Unix seconds
}

// Claims decodes the token payload without verifying the signature; the
// gateway verifies. Used to derive the user's order topic.
func (c *Credentials) Claims() (Claims, error) {
	if c == nil {
		return Claims{}, fmt.Errorf("no credentials")
	}
	parts := strings.Split(c.Token, ".")
	if len(parts) != 3 {
		return Claims{}, fmt.Errorf("token is not a JWT")
	}

	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return Claims{}, fmt.Errorf("decode token payload: %w", err)
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, fmt.Errorf("parse token claims: %w", err)
	}
	return claims, nil
}

// Expired reports whether the token's exp claim is before now.
// Tokens without an exp claim never expire client-side.
func (c Claims) Expired(now time.Time) bool {
	return c.ExpiresAt != 0 && now.Unix() >= c.ExpiresAt
}
