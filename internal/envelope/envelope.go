// Package envelope seals frames exchanged with an upstream hub:
// AES-256-GCM keyed by SHA-256 of a shared secret, with an optional
// RSA-SHA256 signature over the cipher bytes.
package envelope

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

const (
	nonceSize = 12
	tagSize   = 16
)

var (
	ErrMalformed = errors.New("malformed envelope")
	ErrDecrypt   = errors.New("envelope decryption failed")
	ErrSignature = errors.New("envelope signature invalid")
	ErrNoSecret  = errors.New("envelope secret is empty")
)

// Envelope is the wire form of a sealed frame.
type Envelope struct {
	From   string `json:"from,omitempty"`
	Cipher string `json:"cipher"`
	Sig    string `json:"sig,omitempty"`
}

// Options configures a Codec. Keys are PEM encoded and optional.
type Options struct {
	Secret        string
	From          string
	PrivateKeyPEM []byte
	PeerKeyPEM    []byte
}

// Codec seals and opens envelopes. It is safe for concurrent use.
type Codec struct {
	aead    cipher.AEAD
	from    string
	signer  *rsa.PrivateKey
	peerKey *rsa.PublicKey
}

// New builds a codec from opts.
func New(opts Options) (*Codec, error) {
	if opts.Secret == "" {
		return nil, ErrNoSecret
	}
	key := sha256.Sum256([]byte(opts.Secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	c := &Codec{aead: aead, from: strings.TrimSpace(opts.From)}
	if len(opts.PrivateKeyPEM) > 0 {
		if c.signer, err = ParsePrivateKey(opts.PrivateKeyPEM); err != nil {
			return nil, err
		}
	}
	if len(opts.PeerKeyPEM) > 0 {
		if c.peerKey, err = ParsePublicKey(opts.PeerKeyPEM); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Seal encrypts plain under a fresh random nonce and signs the result when
// a private key is configured.
func (c *Codec) Seal(plain []byte) (Envelope, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("read nonce: %w", err)
	}
	raw := c.aead.Seal(nonce, nonce, plain, nil)

	env := Envelope{From: c.from, Cipher: base64.StdEncoding.EncodeToString(raw)}
	if c.signer != nil {
		digest := sha256.Sum256(raw)
		sig, err := rsa.SignPKCS1v15(rand.Reader, c.signer, crypto.SHA256, digest[:])
		if err != nil {
			return Envelope{}, fmt.Errorf("sign envelope: %w", err)
		}
		env.Sig = base64.StdEncoding.EncodeToString(sig)
	}
	return env, nil
}

// Open verifies and decrypts env. With a peer key configured an unsigned
// envelope is rejected.
func (c *Codec) Open(env Envelope) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(env.Cipher))
	if err != nil || len(raw) < nonceSize+tagSize {
		return nil, ErrMalformed
	}
	if c.peerKey != nil {
		sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(env.Sig))
		if err != nil || len(sig) == 0 {
			return nil, ErrSignature
		}
		digest := sha256.Sum256(raw)
		if err := rsa.VerifyPKCS1v15(c.peerKey, crypto.SHA256, digest[:], sig); err != nil {
			return nil, ErrSignature
		}
	}
	plain, err := c.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}

// Marshal seals plain and encodes the envelope as JSON.
func (c *Codec) Marshal(plain []byte) ([]byte, error) {
	env, err := c.Seal(plain)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Parse reports whether data is a JSON envelope.
func Parse(data []byte) (Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Cipher == "" {
		return Envelope{}, false
	}
	return env, true
}

// ParsePrivateKey reads a PKCS#1 or PKCS#8 RSA private key.
func ParsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("private key: no PEM block")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}
	rk, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key: not RSA")
	}
	return rk, nil
}

// ParsePublicKey reads a PKIX or PKCS#1 RSA public key.
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("public key: no PEM block")
	}
	if k, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	rk, ok := k.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key: not RSA")
	}
	return rk, nil
}
