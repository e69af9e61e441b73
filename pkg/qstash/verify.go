package qstash

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

var ErrInvalidSignature = errors.New("invalid qstash signature")

const signatureIssuer = "Upstash"

type signatureClaims struct {
	jwt.RegisteredClaims
	Body string `json:"body"`
}

// Verifier checks the Upstash-Signature JWT QStash attaches to each push.
// Either the current or the next signing key is accepted so keys can rotate.
type Verifier struct {
	keys []string
}

func NewVerifier(current, next string) (*Verifier, error) {
	var keys []string
	for _, k := range []string{current, next} {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil, errors.New("qstash signing key is required")
	}
	return &Verifier{keys: keys}, nil
}

// Verify checks signature against body and, when non-empty, the URL the
// message was published to.
func (v *Verifier) Verify(signature string, body []byte, url string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return fmt.Errorf("%w: missing %s header", ErrInvalidSignature, HeaderSignature)
	}

	var lastErr error
	for _, key := range v.keys {
		if err := verifyWithKey(key, signature, body, url); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func verifyWithKey(key, signature string, body []byte, url string) error {
	var claims signatureClaims
	_, err := jwt.ParseWithClaims(signature, &claims, func(*jwt.Token) (any, error) {
		return []byte(key), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	if claims.Issuer != signatureIssuer {
		return fmt.Errorf("%w: unexpected issuer %q", ErrInvalidSignature, claims.Issuer)
	}
	if url != "" && claims.Subject != url {
		return fmt.Errorf("%w: subject %q does not match %q", ErrInvalidSignature, claims.Subject, url)
	}
	sum := sha256.Sum256(body)
	want := base64.RawURLEncoding.EncodeToString(sum[:])
	if strings.TrimRight(claims.Body, "=") != want {
		return fmt.Errorf("%w: body hash mismatch", ErrInvalidSignature)
	}
	return nil
}
