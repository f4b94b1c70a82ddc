package auth

import (
	"context"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/patrickmn/go-cache"
)

const certsCacheKey = "certs"

// KeySource resolves RSA signing keys by key id.
type KeySource interface {
	Keys(ctx context.Context) (map[string]*rsa.PublicKey, error)
}

// CertSource fetches the identity provider's x509 certificate map
// ({"kid": "-----BEGIN CERTIFICATE-----..."}) and caches the parsed keys.
type CertSource struct {
	client *resty.Client
	url    string
	cache  *cache.Cache
	ttl    time.Duration
}

// NewCertSource creates a CertSource that refetches after ttl.
func NewCertSource(url string, ttl time.Duration) *CertSource {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetHeader("Accept", "application/json")

	return &CertSource{
		client: client,
		url:    url,
		cache:  cache.New(ttl, 2*ttl),
		ttl:    ttl,
	}
}

// Keys returns the current signing keys.
func (s *CertSource) Keys(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	if keys, found := s.cache.Get(certsCacheKey); found {
		return keys.(map[string]*rsa.PublicKey), nil
	}

	var certs map[string]string
	resp, err := s.client.R().
		SetContext(ctx).
		SetResult(&certs).
		Get(s.url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch signing certificates: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("failed to fetch signing certificates: status %d", resp.StatusCode())
	}

	keys := make(map[string]*rsa.PublicKey, len(certs))
	for kid, pem := range certs {
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pem))
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate %s: %w", kid, err)
		}
		keys[kid] = key
	}
	s.cache.Set(certsCacheKey, keys, s.ttl)
	return keys, nil
}

// FirebaseVerifier checks Firebase Auth ID tokens: RS256, issued by
// securetoken.google.com for the configured project.
type FirebaseVerifier struct {
	projectID string
	keys      KeySource
	leeway    time.Duration
}

// NewFirebaseVerifier creates a verifier for projectID.
func NewFirebaseVerifier(projectID string, keys KeySource) *FirebaseVerifier {
	return &FirebaseVerifier{projectID: projectID, keys: keys, leeway: time.Minute}
}

// Issuer is the iss claim tokens for this project carry.
func (v *FirebaseVerifier) Issuer() string {
	return "https://securetoken.google.com/" + v.projectID
}

// Verify implements Verifier.
func (v *FirebaseVerifier) Verify(ctx context.Context, raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token has no kid")
		}
		keys, err := v.keys.Keys(ctx)
		if err != nil {
			return nil, err
		}
		key, ok := keys[kid]
		if !ok {
			return nil, fmt.Errorf("unknown kid %q", kid)
		}
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.Issuer()),
		jwt.WithAudience(v.projectID),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}
