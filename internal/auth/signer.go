// Package auth signs the authentication handshake and request-style payloads.
package auth

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/bfxstream/errs"
)

const (
	authPrefix    = "AUTH"
	requestPrefix = "/api/v2/"
)

// Credentials identify the trading account. They are immutable for the life of a session.
type Credentials struct {
	APIKey    string
	APISecret string
	// Filters restricts the authenticated stream, e.g. "trading", "wallet".
	Filters []string
}

// Valid reports whether both key and secret are present.
func (c *Credentials) Valid() bool {
	return c != nil && strings.TrimSpace(c.APIKey) != "" && strings.TrimSpace(c.APISecret) != ""
}

// Signer computes HMAC-SHA384 signatures for one secret.
type Signer struct {
	creds  Credentials
	secret []byte
	nonces *NonceGenerator
}

// AuthRequest is the authentication event sent on the trading connection.
type AuthRequest struct {
	Event       string   `json:"event"`
	APIKey      string   `json:"apiKey"`
	AuthNonce   string   `json:"authNonce"`
	AuthPayload string   `json:"authPayload"`
	AuthSig     string   `json:"authSig"`
	Filter      []string `json:"filter,omitempty"`
}

// NewSigner returns a signer for the credentials. Missing secrets are a programming error.
func NewSigner(creds *Credentials, nonces *NonceGenerator) (*Signer, error) {
	if !creds.Valid() {
		return nil, errs.Derive(errs.ErrNoCredentials, "auth", errs.WithMessage("api key and secret are required"))
	}
	if nonces == nil {
		nonces = NewNonceGenerator(nil)
	}
	return &Signer{creds: *creds, secret: []byte(creds.APISecret), nonces: nonces}, nil
}

// Sign returns the hex HMAC-SHA384 of payload.
func (s *Signer) Sign(payload string) string {
	mac := hmac.New(sha512.New384, s.secret)
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// AuthPayload draws a fresh nonce and signs "AUTH<nonce>".
func (s *Signer) AuthPayload() (nonce, payload, signature string) {
	nonce = s.Nonce()
	payload = authPrefix + nonce
	return nonce, payload, s.Sign(payload)
}

// AuthRequest builds a freshly signed auth event. Every handshake draws a new nonce.
func (s *Signer) AuthRequest() AuthRequest {
	nonce, payload, sig := s.AuthPayload()
	var filter []string
	if len(s.creds.Filters) > 0 {
		filter = append(filter, s.creds.Filters...)
	}
	return AuthRequest{
		Event:       "auth",
		APIKey:      s.creds.APIKey,
		AuthNonce:   nonce,
		AuthPayload: payload,
		AuthSig:     sig,
		Filter:      filter,
	}
}

// SignRequest signs "/api/v2/<endpoint><nonce><body>".
func (s *Signer) SignRequest(endpoint, nonce, body string) string {
	return s.Sign(requestPrefix + strings.TrimPrefix(endpoint, "/") + nonce + body)
}

// Nonce draws the next nonce from the shared generator. REST requests signed with
// SignRequest draw from it too, so nonces stay increasing across both surfaces.
func (s *Signer) Nonce() string {
	return s.nonces.Next()
}

// NonceGenerator yields strictly increasing microsecond nonces.
type NonceGenerator struct {
	mu   sync.Mutex
	now  func() time.Time
	last int64
}

// NewNonceGenerator builds a generator; now defaults to time.Now.
func NewNonceGenerator(now func() time.Time) *NonceGenerator {
	if now == nil {
		now = time.Now
	}
	return &NonceGenerator{now: now}
}

// Next returns the next nonce as a decimal string.
func (g *NonceGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.now().UnixMicro()
	if n <= g.last {
		n = g.last + 1
	}
	g.last = n
	return strconv.FormatInt(n, 10)
}
