// Package gateway is the HTTP edge: admission pipeline, episode intake,
// and the SSE and WebSocket event streams. Every request passes the same
// ordered chain (request id, connection guard, authentication, tenant
// isolation, rate limit, circuit breaker) before any handler runs.
package gateway

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

var (
	// ErrUnauthorized means no credential in the request could be
	// validated.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden means the credential is valid but the request claims
	// a tenant it does not own.
	ErrForbidden = errors.New("forbidden")
)

// Identity is the authenticated principal attached to a request.
type Identity struct {
	Tenant string
	Roles  []string
	Method string // "jwt", "api_key", or "dev"
}

// tokenClaims is the JWT payload shape the gateway accepts. Tenant falls
// back to the subject when the custom claim is absent.
type tokenClaims struct {
	Tenant string   `json:"tenant"`
	Roles  []string `json:"roles"`
	jwt.RegisteredClaims
}

// AuthConfig configures credential validation.
type AuthConfig struct {
	Environment   string
	SecretKeyBase string // HS256 verification key
	SystemAPIKey  string // x-api-key credential for internal services
	JWKSURL       string // RS256 key source; HS256 only when empty
	Logger        zerolog.Logger
}

// Authenticator validates bearer tokens and API keys. Order: bearer JWT
// first, then x-api-key, then the development fallback tenant outside
// production.
type Authenticator struct {
	cfg    AuthConfig
	jwks   *jwksCache
	logger zerolog.Logger
}

// NewAuthenticator builds the authenticator, wiring a JWKS cache when a
// URL is configured.
func NewAuthenticator(cfg AuthConfig) *Authenticator {
	a := &Authenticator{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "gateway_auth").Logger(),
	}
	if cfg.JWKSURL != "" {
		a.jwks = newJWKSCache(cfg.JWKSURL, cfg.Environment == "production", a.logger)
	}
	return a
}

// Authenticate resolves the request's identity or returns ErrUnauthorized.
func (a *Authenticator) Authenticate(r *http.Request) (*Identity, error) {
	if raw, ok := bearerToken(r); ok {
		return a.verifyJWT(r.Context(), raw)
	}

	if key := r.Header.Get("x-api-key"); key != "" {
		if a.cfg.SystemAPIKey != "" &&
			subtle.ConstantTimeCompare([]byte(key), []byte(a.cfg.SystemAPIKey)) == 1 {
			return &Identity{Tenant: "system", Roles: []string{"system"}, Method: "api_key"}, nil
		}
		return nil, fmt.Errorf("%w: invalid api key", ErrUnauthorized)
	}

	if a.cfg.Environment != "production" {
		return &Identity{Tenant: "dev", Roles: []string{"developer"}, Method: "dev"}, nil
	}
	return nil, fmt.Errorf("%w: no credentials", ErrUnauthorized)
}

func (a *Authenticator) verifyJWT(ctx context.Context, raw string) (*Identity, error) {
	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodHMAC:
			if a.cfg.SecretKeyBase == "" {
				return nil, errors.New("HS256 not configured")
			}
			return []byte(a.cfg.SecretKeyBase), nil
		case *jwt.SigningMethodRSA:
			if a.jwks == nil {
				return nil, errors.New("RS256 not configured")
			}
			kid, _ := token.Header["kid"].(string)
			return a.jwks.keyFor(ctx, kid)
		default:
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
	}, jwt.WithValidMethods([]string{"HS256", "RS256"}))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, err)
	}

	tenant := claims.Tenant
	if tenant == "" {
		tenant = claims.Subject
	}
	if tenant == "" {
		return nil, fmt.Errorf("%w: token carries no tenant", ErrUnauthorized)
	}
	return &Identity{Tenant: tenant, Roles: claims.Roles, Method: "jwt"}, nil
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return h[len(prefix):], true
}

const (
	jwksCacheKey  = "jwks"
	jwksTTL       = 10 * time.Minute
	jwksFetchMax  = 1 << 20 // response size cap
	jwksDialLimit = 5 * time.Second
)

// jwksCache fetches and caches RS256 verification keys. The fetcher is
// hardened against SSRF: production requires https, redirects are
// refused, and hostnames resolving to loopback, private, or link-local
// addresses are rejected before dialing.
type jwksCache struct {
	url        string
	production bool
	client     *http.Client
	cache      *gocache.Cache
	logger     zerolog.Logger
}

func newJWKSCache(rawURL string, production bool, logger zerolog.Logger) *jwksCache {
	c := &jwksCache{
		url:        rawURL,
		production: production,
		cache:      gocache.New(jwksTTL, 2*jwksTTL),
		logger:     logger.With().Str("component", "jwks").Logger(),
	}
	c.client = &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return errors.New("jwks fetch must not redirect")
		},
		Transport: &http.Transport{
			DialContext:         guardedDial,
			TLSHandshakeTimeout: jwksDialLimit,
		},
	}
	return c
}

// keyFor resolves the RSA public key for a key id, fetching the key set
// when the cache is cold.
func (c *jwksCache) keyFor(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if v, ok := c.cache.Get(jwksCacheKey); ok {
		if key, ok := v.(map[string]*rsa.PublicKey)[kid]; ok {
			return key, nil
		}
	}

	keys, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.cache.Set(jwksCacheKey, keys, gocache.DefaultExpiration)

	key, ok := keys[kid]
	if !ok {
		return nil, fmt.Errorf("jwks has no key %q", kid)
	}
	return key, nil
}

func (c *jwksCache) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return nil, fmt.Errorf("jwks url: %w", err)
	}
	if c.production && u.Scheme != "https" {
		return nil, fmt.Errorf("jwks url must be https in production, got %s", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jwks fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks fetch: status %d", resp.StatusCode)
	}

	var doc struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, jwksFetchMax)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("jwks decode: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := rsaKey(k.N, k.E)
		if err != nil {
			c.logger.Warn().Err(err).Str("kid", k.Kid).Msg("Skipping malformed JWK")
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return nil, errors.New("jwks contains no usable RSA keys")
	}
	c.logger.Debug().Int("keys", len(keys)).Msg("JWKS refreshed")
	return keys, nil
}

func rsaKey(n64, e64 string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n64)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e64)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	e := 0
	for _, b := range eb {
		e = e<<8 | int(b)
	}
	if e <= 1 {
		return nil, fmt.Errorf("exponent out of range")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
}

// guardedDial resolves the target first and dials the vetted address, so
// a hostname cannot re-resolve to an internal host between check and
// connect.
func guardedDial(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if privateAddress(ip.IP) {
			return nil, fmt.Errorf("refusing to dial internal address %s for %s", ip.IP, host)
		}
	}
	d := net.Dialer{Timeout: jwksDialLimit}
	return d.DialContext(ctx, network, net.JoinHostPort(ips[0].IP.String(), port))
}

func privateAddress(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}
