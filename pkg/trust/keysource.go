package trust

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"
)

// StaticKeys is a KeySource serving pinned public keys. Suitable for
// tests and for deployments that pin issuer keys out of band.
type StaticKeys struct {
	mu   sync.RWMutex
	keys map[string]map[string]any
}

// NewStaticKeys creates an empty static key source.
func NewStaticKeys() *StaticKeys {
	return &StaticKeys{keys: make(map[string]map[string]any)}
}

// Add registers a public key for an issuer. keyID may be empty when the
// issuer signs with a single key.
func (s *StaticKeys) Add(issuer, keyID string, key any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys[issuer] == nil {
		s.keys[issuer] = make(map[string]any)
	}
	s.keys[issuer][keyID] = key
}

// VerificationKey implements KeySource.
func (s *StaticKeys) VerificationKey(ctx context.Context, issuer, keyID string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byKid, ok := s.keys[issuer]
	if !ok {
		return nil, NewError(CategoryValidation, CodeInvalidSignature,
			fmt.Sprintf("no verification key registered for issuer %q", issuer))
	}
	if key, ok := byKid[keyID]; ok {
		return key, nil
	}
	// A sole registered key verifies assertions regardless of kid.
	if len(byKid) == 1 {
		for _, key := range byKid {
			return key, nil
		}
	}
	return nil, NewError(CategoryValidation, CodeInvalidSignature,
		fmt.Sprintf("no verification key for issuer %q key id %q", issuer, keyID))
}

// JWKSKeySource discovers issuer keys via OIDC discovery: it fetches
// {issuer}/.well-known/openid-configuration, follows jwks_uri, and
// caches the parsed keys. Fetch failures are transient and retryable;
// an unknown key ID after a successful fetch is a signature failure.
type JWKSKeySource struct {
	client *http.Client

	mu    sync.RWMutex
	cache map[string]map[string]any
}

// NewJWKSKeySource creates a discovery-backed key source.
func NewJWKSKeySource() *JWKSKeySource {
	return &JWKSKeySource{
		client: &http.Client{Timeout: 10 * time.Second},
		cache:  make(map[string]map[string]any),
	}
}

// VerificationKey implements KeySource.
func (s *JWKSKeySource) VerificationKey(ctx context.Context, issuer, keyID string) (any, error) {
	s.mu.RLock()
	byKid, ok := s.cache[issuer]
	s.mu.RUnlock()

	if ok {
		if key, found := byKid[keyID]; found {
			return key, nil
		}
	}

	// Cache miss, or the issuer rotated keys. Refresh once.
	byKid, err := s.fetch(ctx, issuer)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[issuer] = byKid
	s.mu.Unlock()

	if key, found := byKid[keyID]; found {
		return key, nil
	}
	// A sole published key verifies assertions regardless of kid, same
	// as StaticKeys.
	if len(byKid) == 1 {
		for _, key := range byKid {
			return key, nil
		}
	}
	return nil, NewError(CategoryValidation, CodeInvalidSignature,
		fmt.Sprintf("issuer %q does not publish key id %q", issuer, keyID))
}

type discoveryDoc struct {
	JWKSURI string `json:"jwks_uri"`
}

type jwksDoc struct {
	Keys []struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func (s *JWKSKeySource) fetch(ctx context.Context, issuer string) (map[string]any, error) {
	var disc discoveryDoc
	if err := s.getJSON(ctx, issuer+"/.well-known/openid-configuration", &disc); err != nil {
		return nil, err
	}
	if disc.JWKSURI == "" {
		return nil, NewError(CategoryTransient, CodeUpstreamUnavailable,
			fmt.Sprintf("issuer %q discovery document has no jwks_uri", issuer)).WithRetryable(true)
	}

	var jwks jwksDoc
	if err := s.getJSON(ctx, disc.JWKSURI, &jwks); err != nil {
		return nil, err
	}

	byKid := make(map[string]any, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" {
			continue
		}
		key, err := rsaKeyFromJWK(k.N, k.E)
		if err != nil {
			continue
		}
		byKid[k.Kid] = key
	}
	return byKid, nil
}

func (s *JWKSKeySource) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ErrInternal("building key discovery request").WithCause(err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return NewError(CategoryTransient, CodeUpstreamUnavailable, "key discovery request failed").
			WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return NewError(CategoryTransient, CodeUpstreamUnavailable,
			fmt.Sprintf("key discovery returned status %d for %s", resp.StatusCode, url)).
			WithRetryable(true)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return NewError(CategoryTransient, CodeUpstreamUnavailable, "decoding key discovery response").
			WithCause(err).WithRetryable(true)
	}
	return nil
}

func rsaKeyFromJWK(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, err
	}
	exp := 0
	for _, b := range eb {
		exp = exp<<8 | int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: exp}, nil
}
