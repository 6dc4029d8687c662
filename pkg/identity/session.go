package identity

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultSessionTTL    = time.Hour
	DefaultSessionIssuer = "creditgen"
)

var ErrInvalidSessionConfig = errors.New("invalid session config")

// Session is a signed bearer token bound to one account.
type Session struct {
	Token     string
	AccountID int64
	ExpiresAt time.Time
}

// SessionIssuer mints and validates HS256 session tokens.
type SessionIssuer struct {
	signingKey []byte
	issuer     string
	ttl        time.Duration
	nowFn      func() time.Time
}

// NewSessionIssuer validates the signing configuration.
func NewSessionIssuer(signingKey string, issuer string, ttl time.Duration, now func() time.Time) (*SessionIssuer, error) {
	if len(signingKey) < 16 {
		return nil, fmt.Errorf("%w: signing key must be at least 16 bytes", ErrInvalidSessionConfig)
	}
	if strings.TrimSpace(issuer) == "" {
		issuer = DefaultSessionIssuer
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if now == nil {
		now = time.Now
	}
	return &SessionIssuer{signingKey: []byte(signingKey), issuer: strings.TrimSpace(issuer), ttl: ttl, nowFn: now}, nil
}

// Issue signs a token for accountID.
func (issuer *SessionIssuer) Issue(accountID int64) (Session, error) {
	if accountID <= 0 {
		return Session{}, fmt.Errorf("%w: invalid account id", ErrRejected)
	}
	issuedAt := issuer.nowFn().UTC()
	expiresAt := issuedAt.Add(issuer.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    issuer.issuer,
		Subject:   strconv.FormatInt(accountID, 10),
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		NotBefore: jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(issuer.signingKey)
	if err != nil {
		return Session{}, fmt.Errorf("sign session: %w", err)
	}
	return Session{Token: token, AccountID: accountID, ExpiresAt: expiresAt}, nil
}

// Parse validates a token and returns its account id.
func (issuer *SessionIssuer) Parse(rawToken string) (int64, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		strings.TrimSpace(rawToken),
		claims,
		func(*jwt.Token) (any, error) { return issuer.signingKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(issuer.nowFn),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	accountID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || accountID <= 0 {
		return 0, fmt.Errorf("%w: invalid subject", ErrRejected)
	}
	return accountID, nil
}
