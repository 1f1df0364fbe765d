// Package auth issues and verifies RSA-PSS signed session tokens.
//
// A token is two base64url segments joined by a dot: the JSON claims and an
// RSA-PSS SHA-256 signature over the first segment. The claims carry the key
// ID so a verifier can hold several public keys during rotation.
package auth

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rickgao/crm-realtime/internal/model"
)

// Errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnknownKey   = errors.New("unknown signing key")
)

var pssOptions = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash}

// Claims is the signed body of a session token.
type Claims struct {
	Subject   string     `json:"sub"`
	Role      model.Role `json:"role"`
	KeyID     string     `json:"kid"`
	IssuedAt  int64      `json:"iat"`
	ExpiresAt int64      `json:"exp"`
}

// Credentials holds a signing key. Production tokens are issued elsewhere;
// this is used by the diagnostic client and tests.
type Credentials struct {
	KeyID      string
	PrivateKey *rsa.PrivateKey
}

// LoadCredentials loads credentials from key ID and private key file path.
func LoadCredentials(keyID, privateKeyPath string) (*Credentials, error) {
	if keyID == "" {
		return nil, fmt.Errorf("key ID is required")
	}
	if privateKeyPath == "" {
		return nil, fmt.Errorf("private key path is required")
	}

	privateKey, err := LoadPrivateKey(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}

	return &Credentials{
		KeyID:      keyID,
		PrivateKey: privateKey,
	}, nil
}

// IssueToken signs a token for identity valid for ttl.
func (c *Credentials) IssueToken(identity model.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Subject:   identity.UserID,
		Role:      identity.Role,
		KeyID:     c.KeyID,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}
	body, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}

	payload := base64.RawURLEncoding.EncodeToString(body)
	signature, err := c.sign(payload)
	if err != nil {
		return "", err
	}
	return payload + "." + signature, nil
}

// sign creates a base64url RSA-PSS signature over message.
func (c *Credentials) sign(message string) (string, error) {
	hashed := sha256.Sum256([]byte(message))

	signature, err := rsa.SignPSS(rand.Reader, c.PrivateKey, crypto.SHA256, hashed[:], pssOptions)
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(signature), nil
}

// Verifier checks token signatures and expiry. It is safe for concurrent use.
type Verifier struct {
	mu     sync.RWMutex
	keys   map[string]*rsa.PublicKey
	leeway time.Duration
	now    func() time.Time
}

// NewVerifier creates a Verifier that tolerates leeway of clock skew.
func NewVerifier(leeway time.Duration) *Verifier {
	return &Verifier{
		keys:   make(map[string]*rsa.PublicKey),
		leeway: leeway,
		now:    time.Now,
	}
}

// AddKey registers a public key under keyID.
func (v *Verifier) AddKey(keyID string, key *rsa.PublicKey) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.keys[keyID] = key
}

// Verify resolves token to the identity it was issued for.
func (v *Verifier) Verify(_ context.Context, token string) (model.Identity, error) {
	claims, err := v.Parse(token)
	if err != nil {
		return model.Identity{}, err
	}
	return model.Identity{UserID: claims.Subject, Role: claims.Role}, nil
}

// Parse checks the signature and expiry of token and returns its claims.
func (v *Verifier) Parse(token string) (Claims, error) {
	payload, signature, ok := strings.Cut(token, ".")
	if !ok || payload == "" || signature == "" {
		return Claims{}, fmt.Errorf("%w: expected two segments", ErrInvalidToken)
	}

	body, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: payload: %v", ErrInvalidToken, err)
	}
	var claims Claims
	if err := json.Unmarshal(body, &claims); err != nil {
		return Claims{}, fmt.Errorf("%w: claims: %v", ErrInvalidToken, err)
	}

	v.mu.RLock()
	key, ok := v.keys[claims.KeyID]
	v.mu.RUnlock()
	if !ok {
		return Claims{}, fmt.Errorf("%w: %q", ErrUnknownKey, claims.KeyID)
	}

	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: signature: %v", ErrInvalidToken, err)
	}
	hashed := sha256.Sum256([]byte(payload))
	if err := rsa.VerifyPSS(key, crypto.SHA256, hashed[:], sig, pssOptions); err != nil {
		return Claims{}, fmt.Errorf("%w: bad signature", ErrInvalidToken)
	}

	if claims.Subject == "" || !claims.Role.Valid() {
		return Claims{}, fmt.Errorf("%w: missing subject or role", ErrInvalidToken)
	}
	if v.now().After(time.Unix(claims.ExpiresAt, 0).Add(v.leeway)) {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}

// LoadPrivateKey loads an RSA private key from a PEM file.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	block, err := readPEM(path)
	if err != nil {
		return nil, err
	}

	// Try PKCS#8 first (newer format)
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key is not an RSA private key")
		}
		return rsaKey, nil
	}

	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return rsaKey, nil
}

// LoadPublicKey loads an RSA public key from a PEM file. A private key file
// is accepted too; its public half is returned.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	block, err := readPEM(path)
	if err != nil {
		return nil, err
	}

	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("key is not an RSA public key")
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		rsaKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		return rsaKey, nil
	}

	private, err := LoadPrivateKey(path)
	if err != nil {
		return nil, err
	}
	return &private.PublicKey, nil
}

func readPEM(path string) (*pem.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}
	return block, nil
}
