package authx

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

type JWTVerifier struct {
	jwks   *JWKSCache
	parser *jwt.Parser
}

func NewJWTVerifier(issuer string, audience string, jwksURL string, ttlSeconds int, clockSkewSeconds int) (*JWTVerifier, error) {
	issuer = strings.TrimSpace(issuer)
	audience = strings.TrimSpace(audience)
	if issuer == "" || audience == "" {
		return nil, fmt.Errorf("%w: missing issuer or audience", ErrInvalidToken)
	}
	if jwksURL == "" {
		jwksURL = strings.TrimRight(issuer, "/") + "/.well-known/jwks.json"
	}
	if ttlSeconds <= 0 {
		ttlSeconds = 300
	}
	if clockSkewSeconds < 0 {
		clockSkewSeconds = 0
	}
	return &JWTVerifier{
		jwks: NewJWKSCache(jwksURL, time.Duration(ttlSeconds)*time.Second, &http.Client{Timeout: 5 * time.Second}),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
			jwt.WithAudience(audience),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(time.Duration(clockSkewSeconds)*time.Second),
		),
	}, nil
}

func (v *JWTVerifier) Verify(ctx context.Context, rawToken string) (AuthContext, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return AuthContext{}, ErrInvalidToken
	}
	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		return v.jwks.GetKey(ctx, strings.TrimSpace(kid))
	})
	if err != nil {
		return AuthContext{}, ErrInvalidToken
	}
	subject, _ := claims.GetSubject()
	if strings.TrimSpace(subject) == "" {
		return AuthContext{}, ErrInvalidToken
	}
	return fromClaims(claims), nil
}

func fromClaims(claims jwt.MapClaims) AuthContext {
	str := func(key string) string {
		s, _ := claims[key].(string)
		return strings.TrimSpace(s)
	}
	name := str("name")
	if name == "" {
		name = str("preferred_username")
	}
	return AuthContext{
		Subject: str("sub"),
		Email:   str("email"),
		Name:    name,
		Roles:   parseRoles(claims),
		Tenants: parseTenants(claims),
		Claims:  map[string]any(claims),
	}
}

// JWKSCache holds the issuer's key set and refetches it after ttl or on an unknown
// kid. A failed refetch keeps serving the previous set until it expires.
type JWKSCache struct {
	url       string
	ttl       time.Duration
	client    *http.Client
	mu        sync.RWMutex
	set       jwk.Set
	expiresAt time.Time
}

func NewJWKSCache(url string, ttl time.Duration, client *http.Client) *JWKSCache {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &JWKSCache{url: url, ttl: ttl, client: client}
}

func (c *JWKSCache) GetKey(ctx context.Context, kid string) (any, error) {
	if kid == "" {
		return nil, ErrUnknownKID
	}
	if key, ok := c.lookup(kid, time.Now()); ok {
		return key, nil
	}
	refreshErr := c.refresh(ctx)
	if key, ok := c.lookup(kid, time.Now()); ok {
		return key, nil
	}
	if refreshErr != nil {
		return nil, refreshErr
	}
	return nil, ErrUnknownKID
}

func (c *JWKSCache) lookup(kid string, now time.Time) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.set == nil || !now.Before(c.expiresAt) {
		return nil, false
	}
	key, ok := c.set.LookupKeyID(kid)
	if !ok {
		return nil, false
	}
	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, false
	}
	return raw, true
}

func (c *JWKSCache) refresh(ctx context.Context) error {
	set, err := jwk.Fetch(ctx, c.url, jwk.WithHTTPClient(c.client))
	if err != nil {
		return fmt.Errorf("jwks fetch: %w", err)
	}
	if set.Len() == 0 {
		return fmt.Errorf("jwks fetch: no keys at %s", c.url)
	}
	c.mu.Lock()
	c.set = set
	c.expiresAt = time.Now().Add(c.ttl)
	c.mu.Unlock()
	return nil
}
