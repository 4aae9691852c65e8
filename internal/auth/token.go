// Package auth provides access-token verification for the chat core.
//
// Token ISSUANCE flows (login, refresh) belong to the surrounding identity
// service; this package only needs to mint tokens for tooling and tests and
// to verify tokens presented at the WebSocket/REST boundary.
package auth

import (
	"errors"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

var (
	// ErrInvalidToken is returned when an access token fails verification or validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)

// Claims is the minimal identity envelope propagated across HTTP/WS.
type Claims struct {
	UserID    string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Issuer    string
}

// Manager issues and verifies short-lived access tokens.
type Manager interface {
	Issue(userID string, now time.Time) (token string, exp time.Time, err error)
	Verify(token string, now time.Time) (Claims, error)
	PublicKeyHex() string
}

type pasetoV4PublicManager struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration

	secret paseto.V4AsymmetricSecretKey
	public paseto.V4AsymmetricPublicKey
}

// NewPasetoV4PublicManager builds a Manager based on PASETO v4.public.
//
// It uses an Ed25519 asymmetric keypair and enforces issuer and expiration
// rules. Clock skew is applied during verification via ValidAt to tolerate
// minor clock differences.
func NewPasetoV4PublicManager(cfg Config) (Manager, error) {
	var secret paseto.V4AsymmetricSecretKey

	if cfg.SecretKeyHex == "" {
		secret = paseto.NewV4AsymmetricSecretKey()
	} else {
		var err error
		secret, err = paseto.NewV4AsymmetricSecretKeyFromHex(cfg.SecretKeyHex)
		if err != nil {
			return nil, ErrConfig
		}
	}

	ttl := cfg.AccessTokenTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}

	return &pasetoV4PublicManager{
		issuer:    cfg.Issuer,
		ttl:       ttl,
		clockSkew: cfg.ClockSkew,
		secret:    secret,
		public:    secret.Public(),
	}, nil
}

func (m *pasetoV4PublicManager) PublicKeyHex() string {
	return m.public.ExportHex()
}

// Issue mints a signed access token for userID.
func (m *pasetoV4PublicManager) Issue(userID string, now time.Time) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, ErrInvalidToken
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	exp := now.Add(m.ttl)

	token := paseto.NewToken()
	token.SetIssuer(m.issuer)
	token.SetSubject(userID)
	token.SetIssuedAt(now)
	token.SetNotBefore(now)
	token.SetExpiration(exp)

	return token.V4Sign(m.secret, nil), exp, nil
}

// Verify checks the signature, issuer, and validity window of a token.
func (m *pasetoV4PublicManager) Verify(raw string, now time.Time) (Claims, error) {
	if raw == "" {
		return Claims{}, ErrInvalidToken
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	// ValidAt is evaluated with skew applied in the caller's favor.
	parser := paseto.NewParserWithoutExpiryCheck()
	parser.AddRule(paseto.IssuedBy(m.issuer))
	parser.AddRule(paseto.ValidAt(now.Add(-m.clockSkew)))

	tok, err := parser.ParseV4Public(m.public, raw, nil)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	sub, err := tok.GetSubject()
	if err != nil || sub == "" {
		return Claims{}, ErrInvalidToken
	}
	exp, err := tok.GetExpiration()
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	if !exp.After(now.Add(-m.clockSkew)) {
		return Claims{}, ErrInvalidToken
	}
	iat, err := tok.GetIssuedAt()
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	return Claims{
		UserID:    sub,
		ExpiresAt: exp,
		IssuedAt:  iat,
		Issuer:    m.issuer,
	}, nil
}
