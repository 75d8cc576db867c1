// Package gcpauth mints the short-lived RS256 JWTs the GCP Vertex adapters
// use as bearer tokens. It has exactly one piece of process-wide mutable
// state, the default-credentials cache; everything else is a pure
// function of its inputs and the wall clock.
package gcpauth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/howard-nolan/llmgateway/internal/canonical"
)

// jwtLifetime is exp − iat on every minted JWT. Callers must not cache
// JWTs beyond this.
const jwtLifetime = 1 * time.Hour

// serviceAccountDocument is the subset of a GCP service-account JSON key
// file this package cares about. Other fields in the document are
// ignored.
type serviceAccountDocument struct {
	PrivateKeyID string `json:"private_key_id"`
	PrivateKey   string `json:"private_key"`
	ClientEmail  string `json:"client_email"`
}

// Credentials holds a parsed GCP service-account key, ready to mint JWTs.
// Its String/GoString are overridden so the private key material is never
// rendered by a stray %v/%+v — logging it, even by accident, is the one
// thing this package must never do.
type Credentials struct {
	privateKeyID string
	clientEmail  string
	privateKey   *rsa.PrivateKey
}

// String redacts the private key so Credentials is safe to pass to log.Printf.
func (c *Credentials) String() string {
	return fmt.Sprintf("Credentials{ClientEmail:%s, PrivateKeyID:%s, PrivateKey:<redacted>}",
		c.clientEmail, c.privateKeyID)
}

// GoString mirrors String for %#v formatting.
func (c *Credentials) GoString() string { return c.String() }

// LoadFromJSON parses a GCP service-account JSON document. Missing or
// malformed fields fail with a CredentialError; the private key must
// parse as RSA, in either PKCS#1 or PKCS#8 PEM.
func LoadFromJSON(data []byte) (*Credentials, error) {
	var doc serviceAccountDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, credentialError("parsing service account JSON", err)
	}
	if doc.PrivateKeyID == "" {
		return nil, credentialError("missing private_key_id", nil)
	}
	if doc.ClientEmail == "" {
		return nil, credentialError("missing client_email", nil)
	}
	if doc.PrivateKey == "" {
		return nil, credentialError("missing private_key", nil)
	}

	key, err := parseRSAPrivateKey(doc.PrivateKey)
	if err != nil {
		return nil, credentialError("parsing private_key", err)
	}

	return &Credentials{
		privateKeyID: doc.PrivateKeyID,
		clientEmail:  doc.ClientEmail,
		privateKey:   key,
	}, nil
}

func parseRSAPrivateKey(pemText string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	// Try PKCS#1 first, then PKCS#8 — GCP-minted keys are PKCS#1, but
	// either encoding is accepted.
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("not a PKCS#1 or PKCS#8 RSA key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("PKCS#8 key is not RSA")
	}
	return key, nil
}

func credentialError(message string, cause error) *canonical.ClassifiedError {
	return &canonical.ClassifiedError{
		Kind:    canonical.KindCredentialError,
		Message: message,
		Cause:   cause,
	}
}

// vertexClaims is the JWT claim set Vertex expects for service-account
// authentication: iss/sub = the service account email, aud = the audience
// passed to MintJWT (the adapters pass the regional Vertex endpoint base),
// iat/exp an hour apart.
type vertexClaims struct {
	jwt.RegisteredClaims
}

// MintJWT builds and signs an RS256 JWT bound to audience. It's a pure
// function of the credentials, audience, and the wall clock — no I/O, no
// caching.
func (c *Credentials) MintJWT(audience string) (string, error) {
	now := time.Now()
	claims := vertexClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.clientEmail,
			Subject:   c.clientEmail,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(jwtLifetime)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = c.privateKeyID

	signed, err := token.SignedString(c.privateKey)
	if err != nil {
		return "", &canonical.ClassifiedError{
			Kind:    canonical.KindCredentialError,
			Message: "signing JWT",
			Cause:   err,
		}
	}
	return signed, nil
}

// PrivateKeyID returns the kid this credential signs with. Exposed for
// tests and diagnostics only — never for logging the key itself.
func (c *Credentials) PrivateKeyID() string { return c.privateKeyID }

// ClientEmail returns the service account's identity.
func (c *Credentials) ClientEmail() string { return c.clientEmail }

// ---------------------------------------------------------------------------
// Bearer token resolution
// ---------------------------------------------------------------------------

// KeyBag is the dynamic API-key bag: a shared, immutable, read-only-per-request
// map from a dynamic credential name to a pre-supplied bearer token.
type KeyBag map[string]string

// BearerSource is a closed variant describing how to obtain a bearer token
// for one call: mint a fresh JWT from static service-account credentials,
// look one up by name in the dynamic key bag, or have none at all.
type BearerSource interface {
	bearerSourceKind() bearerSourceKind
}

type bearerSourceKind int

const (
	bearerStatic bearerSourceKind = iota
	bearerDynamic
	bearerNone
)

// Static resolves to a freshly minted JWT from the given credentials.
type Static struct{ Credentials *Credentials }

func (Static) bearerSourceKind() bearerSourceKind { return bearerStatic }

// Dynamic resolves by looking Name up in the KeyBag passed to Resolve.
type Dynamic struct{ Name string }

func (Dynamic) bearerSourceKind() bearerSourceKind { return bearerDynamic }

// None always fails with ApiKeyMissing.
type None struct{}

func (None) bearerSourceKind() bearerSourceKind { return bearerNone }

// Resolve dispatches on the BearerSource variant to produce a bearer token
// for one HTTP call.
func Resolve(source BearerSource, audience string, bag KeyBag) (string, error) {
	switch src := source.(type) {
	case Static:
		return src.Credentials.MintJWT(audience)
	case Dynamic:
		token, ok := bag[src.Name]
		if !ok {
			return "", &canonical.ClassifiedError{
				Kind:    canonical.KindApiKeyMissing,
				Message: fmt.Sprintf("dynamic credential %q not found", src.Name),
			}
		}
		return token, nil
	case None:
		return "", &canonical.ClassifiedError{
			Kind:    canonical.KindApiKeyMissing,
			Message: "no credentials configured",
		}
	default:
		return "", &canonical.ClassifiedError{
			Kind:    canonical.KindApiKeyMissing,
			Message: fmt.Sprintf("unknown bearer source %T", source),
		}
	}
}

// ---------------------------------------------------------------------------
// Default (process-wide) credentials
// ---------------------------------------------------------------------------

var (
	defaultOnce  sync.Once
	defaultCreds *Credentials
	defaultErr   error
)

// DefaultCredentials lazily loads and caches the process-wide GCP
// credentials using load, invoked exactly once regardless of how many
// adapters ask for it. A plain sync.Once is enough here — there's no
// eviction, refresh, or sharing policy to justify a third-party cache
// library for a value that's loaded once and never changes for the life
// of the process.
func DefaultCredentials(load func() ([]byte, error)) (*Credentials, error) {
	defaultOnce.Do(func() {
		data, err := load()
		if err != nil {
			defaultErr = &canonical.ClassifiedError{
				Kind:    canonical.KindCredentialError,
				Message: "loading default GCP credentials",
				Cause:   err,
			}
			return
		}
		defaultCreds, defaultErr = LoadFromJSON(data)
	})
	return defaultCreds, defaultErr
}
