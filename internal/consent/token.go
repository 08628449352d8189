// Package consent issues and verifies the signed, expiring tokens that
// authorize unsubscribe and delete-account actions without a server-side
// session. Tokens are self-contained: an encrypted member email, the
// requested action, an expiry, and a random nonce, all covered by an
// HMAC-SHA256 signature.
package consent

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Action is the consent operation a token authorizes.
type Action string

const (
	ActionUnsubscribe   Action = "unsubscribe"
	ActionDeleteAccount Action = "delete_account"
)

// Valid reports whether the action is one of the known consent actions.
func (a Action) Valid() bool {
	return a == ActionUnsubscribe || a == ActionDeleteAccount
}

var (
	ErrTokenInvalid   = errors.New("consent token invalid")
	ErrTokenExpired   = errors.New("consent token expired")
	ErrUnknownMember  = errors.New("consent token does not resolve to a known member")
	ErrUnknownAction  = errors.New("unknown consent action")
)

// MemberLookup resolves an email to a known recipient. A nil return with
// found=false makes verification fail; an unresolvable address must not be
// actionable.
type MemberLookup interface {
	FindByEmail(ctx context.Context, email string) (found bool, err error)
}

// Manager issues and verifies consent tokens.
type Manager struct {
	signingKey    []byte
	encryptionKey []byte // 32 bytes, AES-256
	validity      time.Duration
	members       MemberLookup
	now           func() time.Time
}

// NewManager creates a token manager. The encryption key is stretched to
// 32 bytes via SHA-256 so operators can configure a passphrase.
func NewManager(signingKey, encryptionKey string, validity time.Duration, members MemberLookup) *Manager {
	keyHash := sha256.Sum256([]byte(encryptionKey))
	return &Manager{
		signingKey:    []byte(signingKey),
		encryptionKey: keyHash[:],
		validity:      validity,
		members:       members,
		now:           time.Now,
	}
}

// payload is the serialized token body. The email travels encrypted so the
// token itself leaks no PII.
type payload struct {
	EncryptedEmail string `json:"e"`
	Action         Action `json:"a"`
	ExpiresAt      int64  `json:"x"`
	Nonce          string `json:"n"`
}

// Issue creates a token authorizing action for the given email.
func (m *Manager) Issue(email string, action Action) (string, error) {
	if !action.Valid() {
		return "", ErrUnknownAction
	}

	encEmail, err := m.encrypt([]byte(strings.ToLower(strings.TrimSpace(email))))
	if err != nil {
		return "", fmt.Errorf("encrypt email: %w", err)
	}

	p := payload{
		EncryptedEmail: base64.RawURLEncoding.EncodeToString(encEmail),
		Action:         action,
		ExpiresAt:      m.now().Add(m.validity).Unix(),
		Nonce:          uuid.NewString(),
	}

	body, err := json.Marshal(p)
	if err != nil {
		return "", err
	}

	sig := m.sign(body)
	token := base64.RawURLEncoding.EncodeToString(body) + "." + sig
	return base64.RawURLEncoding.EncodeToString([]byte(token)), nil
}

// Verification is the result of a successful token check.
type Verification struct {
	Email     string
	Action    Action
	ExpiresAt time.Time
}

// Verify checks a token's signature and expiry, decrypts the email, and
// resolves it to a known member. Every failure mode maps to ErrTokenInvalid,
// ErrTokenExpired, or ErrUnknownMember; callers surface these as a rejected
// consent action, never as a crash.
func (m *Manager) Verify(ctx context.Context, token string) (*Verification, error) {
	outer, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrTokenInvalid
	}

	parts := strings.SplitN(string(outer), ".", 2)
	if len(parts) != 2 {
		return nil, ErrTokenInvalid
	}

	body, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrTokenInvalid
	}

	// Constant-time signature check before anything else is trusted.
	if !hmac.Equal([]byte(m.sign(body)), []byte(parts[1])) {
		return nil, ErrTokenInvalid
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, ErrTokenInvalid
	}
	if !p.Action.Valid() {
		return nil, ErrTokenInvalid
	}

	expiresAt := time.Unix(p.ExpiresAt, 0)
	if m.now().After(expiresAt) {
		return nil, ErrTokenExpired
	}

	encEmail, err := base64.RawURLEncoding.DecodeString(p.EncryptedEmail)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	emailBytes, err := m.decrypt(encEmail)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	email := string(emailBytes)

	found, err := m.members.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("resolve member: %w", err)
	}
	if !found {
		return nil, ErrUnknownMember
	}

	return &Verification{Email: email, Action: p.Action, ExpiresAt: expiresAt}, nil
}

func (m *Manager) sign(data []byte) string {
	h := hmac.New(sha256.New, m.signingKey)
	h.Write(data)
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// encrypt encrypts data using AES-256-GCM, nonce prepended.
func (m *Manager) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(m.encryptionKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decrypt decrypts AES-256-GCM data produced by encrypt.
func (m *Manager) decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(m.encryptionKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// UnsubscribeURL builds the public unsubscribe link for an email.
func (m *Manager) UnsubscribeURL(baseURL, email string) (string, error) {
	token, err := m.Issue(email, ActionUnsubscribe)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(baseURL, "/") + "/unsubscribe/" + token, nil
}

// RemoveAccountURL builds the public delete-account link for an email.
func (m *Manager) RemoveAccountURL(baseURL, email string) (string, error) {
	token, err := m.Issue(email, ActionDeleteAccount)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(baseURL, "/") + "/remove-account/" + token, nil
}
