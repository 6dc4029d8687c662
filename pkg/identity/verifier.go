// Package identity verifies signed mini-app launch payloads and issues session tokens.
package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	signatureField = "hash"
	userField      = "user"
	authDateField  = "auth_date"
	secretKeySeed  = "WebAppData"

	// DefaultMaxAge bounds how old a launch payload may be.
	DefaultMaxAge = 24 * time.Hour
)

var (
	// ErrRejected is returned for every payload that fails verification.
	ErrRejected              = errors.New("identity rejected")
	ErrInvalidVerifierConfig = errors.New("invalid verifier config")
)

// Identity is the verified content of a launch payload.
type Identity struct {
	AccountID       int64
	Username        string
	FirstName       string
	LastName        string
	LanguageCode    string
	AuthDateUnixUTC int64
}

// Verifier checks launch payloads signed with a bot token.
type Verifier struct {
	secret []byte
	maxAge time.Duration
	nowFn  func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithMaxAge rejects payloads whose auth_date is older than maxAge. Zero disables the check.
func WithMaxAge(maxAge time.Duration) VerifierOption {
	return func(verifier *Verifier) {
		verifier.maxAge = maxAge
	}
}

// WithClock overrides the time source used for the age check.
func WithClock(now func() time.Time) VerifierOption {
	return func(verifier *Verifier) {
		if now != nil {
			verifier.nowFn = now
		}
	}
}

// NewVerifier derives the signing secret from botToken.
func NewVerifier(botToken string, options ...VerifierOption) (*Verifier, error) {
	token := strings.TrimSpace(botToken)
	if token == "" {
		return nil, fmt.Errorf("%w: bot token is required", ErrInvalidVerifierConfig)
	}
	verifier := &Verifier{
		secret: deriveSecret(token),
		maxAge: DefaultMaxAge,
		nowFn:  time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(verifier)
		}
	}
	if verifier.maxAge < 0 {
		return nil, fmt.Errorf("%w: max age must not be negative", ErrInvalidVerifierConfig)
	}
	return verifier, nil
}

// Verify returns the account id asserted by a valid payload.
func (verifier *Verifier) Verify(rawPayload string) (int64, error) {
	identity, err := verifier.Assertion(rawPayload)
	if err != nil {
		return 0, err
	}
	return identity.AccountID, nil
}

// Assertion verifies the payload and returns everything it asserts about the user.
func (verifier *Verifier) Assertion(rawPayload string) (Identity, error) {
	values, err := url.ParseQuery(rawPayload)
	if err != nil {
		return Identity{}, reject("malformed payload")
	}
	fields := make(map[string]string, len(values))
	for key, all := range values {
		fields[key] = all[len(all)-1]
	}
	received := strings.ToLower(fields[signatureField])
	delete(fields, signatureField)
	if received == "" {
		return Identity{}, reject("missing signature")
	}

	expected := sign(verifier.secret, checkString(fields))
	if !hmac.Equal([]byte(expected), []byte(received)) {
		return Identity{}, reject("signature mismatch")
	}

	identity, err := parseUser(fields[userField])
	if err != nil {
		return Identity{}, err
	}
	if rawAuthDate, present := fields[authDateField]; present {
		authDate, err := strconv.ParseInt(rawAuthDate, 10, 64)
		if err != nil {
			return Identity{}, reject("malformed auth_date")
		}
		identity.AuthDateUnixUTC = authDate
	}
	if verifier.maxAge > 0 {
		if identity.AuthDateUnixUTC == 0 {
			return Identity{}, reject("missing auth_date")
		}
		age := verifier.nowFn().Sub(time.Unix(identity.AuthDateUnixUTC, 0))
		if age > verifier.maxAge {
			return Identity{}, reject("payload expired")
		}
	}
	return identity, nil
}

type userPayload struct {
	ID           json.Number `json:"id"`
	Username     string      `json:"username"`
	FirstName    string      `json:"first_name"`
	LastName     string      `json:"last_name"`
	LanguageCode string      `json:"language_code"`
}

func parseUser(raw string) (Identity, error) {
	if strings.TrimSpace(raw) == "" {
		return Identity{}, reject("missing user")
	}
	decoder := json.NewDecoder(strings.NewReader(raw))
	decoder.UseNumber()
	var user userPayload
	if err := decoder.Decode(&user); err != nil {
		return Identity{}, reject("malformed user")
	}
	accountID, err := strconv.ParseInt(user.ID.String(), 10, 64)
	if err != nil || accountID <= 0 {
		return Identity{}, reject("invalid user id")
	}
	return Identity{
		AccountID:    accountID,
		Username:     user.Username,
		FirstName:    user.FirstName,
		LastName:     user.LastName,
		LanguageCode: user.LanguageCode,
	}, nil
}

// checkString joins the remaining fields as key=value lines in byte order of the keys.
func checkString(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, key := range keys {
		lines = append(lines, key+"="+fields[key])
	}
	return strings.Join(lines, "\n")
}

func deriveSecret(botToken string) []byte {
	mac := hmac.New(sha256.New, []byte(secretKeySeed))
	mac.Write([]byte(botToken))
	return mac.Sum(nil)
}

func sign(secret []byte, message string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

func reject(reason string) error {
	return fmt.Errorf("%w: %s", ErrRejected, reason)
}
