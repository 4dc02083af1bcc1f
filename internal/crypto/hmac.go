package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
)

// Canonical encodes params in key-sorted form. Both venues sign exactly this
// string, so identical parameters always produce identical signatures.
func Canonical(params url.Values) string {
	return params.Encode()
}

// KrakenAuth signs Kraken private REST requests.
type KrakenAuth struct {
	Key    string // API key, sent verbatim in the API-Key header
	Secret string // base64-encoded private key
}

// Sign computes API-Sign:
//
//	base64(HMAC-SHA512(base64decode(secret), path + SHA256(nonce + postData)))
func (k *KrakenAuth) Sign(path, nonce, postData string) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(k.Secret)
	if err != nil {
		return "", fmt.Errorf("crypto: kraken secret is not base64: %w", err)
	}

	inner := sha256.Sum256([]byte(nonce + postData))

	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(inner[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Headers returns the authentication headers for a signed Kraken request.
func (k *KrakenAuth) Headers(path, nonce, postData string) (map[string]string, error) {
	sig, err := k.Sign(path, nonce, postData)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"API-Key":  k.Key,
		"API-Sign": sig,
	}, nil
}

// String returns a redacted representation suitable for logging.
func (k *KrakenAuth) String() string {
	return fmt.Sprintf("KrakenAuth{key=%s, secret=%s}", redact(k.Key), redact(k.Secret))
}

// MEXCAuth signs MEXC spot v3 requests.
type MEXCAuth struct {
	Key    string
	Secret string
}

// Sign returns hex(HMAC-SHA256(secret, totalParams)).
func (m *MEXCAuth) Sign(totalParams string) string {
	mac := hmac.New(sha256.New, []byte(m.Secret))
	mac.Write([]byte(totalParams))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignValues appends the signature to params and returns the final query
// string. The signature covers the canonical encoding of params without it.
func (m *MEXCAuth) SignValues(params url.Values) string {
	payload := Canonical(params)
	return payload + "&signature=" + m.Sign(payload)
}

// String returns a redacted representation suitable for logging.
func (m *MEXCAuth) String() string {
	return fmt.Sprintf("MEXCAuth{key=%s, secret=%s}", redact(m.Key), redact(m.Secret))
}

func redact(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}
