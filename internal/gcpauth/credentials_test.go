package gcpauth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmgateway/internal/canonical"
)

func generateTestDocument(t *testing.T, pkcs8 bool) ([]byte, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	var der []byte
	var blockType string
	if pkcs8 {
		der, err = x509.MarshalPKCS8PrivateKey(key)
		blockType = "PRIVATE KEY"
	} else {
		der = x509.MarshalPKCS1PrivateKey(key)
		blockType = "RSA PRIVATE KEY"
	}
	require.NoError(t, err)

	pemBytes := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})

	doc := map[string]string{
		"private_key_id": "abc123",
		"private_key":    string(pemBytes),
		"client_email":   "gateway@test-project.iam.gserviceaccount.com",
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	return data, key
}

func TestLoadFromJSON_PKCS1(t *testing.T) {
	data, _ := generateTestDocument(t, false)
	creds, err := LoadFromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, "abc123", creds.PrivateKeyID())
	assert.Equal(t, "gateway@test-project.iam.gserviceaccount.com", creds.ClientEmail())
}

func TestLoadFromJSON_PKCS8(t *testing.T) {
	data, _ := generateTestDocument(t, true)
	creds, err := LoadFromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, "abc123", creds.PrivateKeyID())
}

func TestLoadFromJSON_MissingFields(t *testing.T) {
	cases := []struct {
		name string
		doc  map[string]string
	}{
		{"no private_key_id", map[string]string{"client_email": "a@b.com", "private_key": "x"}},
		{"no client_email", map[string]string{"private_key_id": "1", "private_key": "x"}},
		{"no private_key", map[string]string{"private_key_id": "1", "client_email": "a@b.com"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := json.Marshal(tc.doc)
			require.NoError(t, err)
			_, err = LoadFromJSON(data)
			require.Error(t, err)
			var classified *canonical.ClassifiedError
			require.ErrorAs(t, err, &classified)
			assert.Equal(t, canonical.KindCredentialError, classified.Kind)
		})
	}
}

func TestLoadFromJSON_MalformedPEM(t *testing.T) {
	doc := map[string]string{
		"private_key_id": "1",
		"client_email":   "a@b.com",
		"private_key":    "not a pem block",
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	_, err = LoadFromJSON(data)
	require.Error(t, err)
}

func TestMintJWT_ClaimsAndSignature(t *testing.T) {
	data, key := generateTestDocument(t, false)
	creds, err := LoadFromJSON(data)
	require.NoError(t, err)

	signed, err := creds.MintJWT("https://oauth2.googleapis.com/token")
	require.NoError(t, err)

	parsed, err := jwt.ParseWithClaims(signed, &vertexClaims{}, func(token *jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	})
	require.NoError(t, err)
	require.True(t, parsed.Valid)

	assert.Equal(t, "abc123", parsed.Header["kid"])

	claims := parsed.Claims.(*vertexClaims)
	assert.Equal(t, "gateway@test-project.iam.gserviceaccount.com", claims.Issuer)
	assert.Equal(t, "gateway@test-project.iam.gserviceaccount.com", claims.Subject)
	require.Len(t, claims.Audience, 1)
	assert.Equal(t, "https://oauth2.googleapis.com/token", claims.Audience[0])

	lifetime := claims.ExpiresAt.Time.Sub(claims.IssuedAt.Time)
	assert.Equal(t, jwtLifetime, lifetime)
}

func TestResolve_Static(t *testing.T) {
	data, _ := generateTestDocument(t, false)
	creds, err := LoadFromJSON(data)
	require.NoError(t, err)

	token, err := Resolve(Static{Credentials: creds}, "aud", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestResolve_Dynamic(t *testing.T) {
	bag := KeyBag{"my-key": "sk-abc"}
	token, err := Resolve(Dynamic{Name: "my-key"}, "aud", bag)
	require.NoError(t, err)
	assert.Equal(t, "sk-abc", token)
}

func TestResolve_DynamicMissing(t *testing.T) {
	_, err := Resolve(Dynamic{Name: "missing"}, "aud", KeyBag{})
	require.Error(t, err)
	var classified *canonical.ClassifiedError
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, canonical.KindApiKeyMissing, classified.Kind)
}

func TestResolve_None(t *testing.T) {
	_, err := Resolve(None{}, "aud", nil)
	require.Error(t, err)
	var classified *canonical.ClassifiedError
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, canonical.KindApiKeyMissing, classified.Kind)
}

func TestCredentials_StringRedactsKey(t *testing.T) {
	data, _ := generateTestDocument(t, false)
	creds, err := LoadFromJSON(data)
	require.NoError(t, err)

	s := creds.String()
	assert.Contains(t, s, "redacted")
	assert.NotContains(t, s, "PRIVATE KEY")
}

func TestDefaultCredentials_LoadsOnce(t *testing.T) {
	defaultOnce = sync.Once{}
	defaultCreds = nil
	defaultErr = nil

	data, _ := generateTestDocument(t, false)
	calls := 0
	load := func() ([]byte, error) {
		calls++
		return data, nil
	}

	c1, err1 := DefaultCredentials(load)
	require.NoError(t, err1)
	c2, err2 := DefaultCredentials(load)
	require.NoError(t, err2)

	assert.Same(t, c1, c2)
	assert.Equal(t, 1, calls)
}

func TestDefaultCredentials_LoadError(t *testing.T) {
	defaultOnce = sync.Once{}
	defaultCreds = nil
	defaultErr = nil

	boom := errors.New("disk error")
	_, err := DefaultCredentials(func() ([]byte, error) { return nil, boom })
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}
