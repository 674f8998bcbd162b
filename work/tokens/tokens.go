package tokens

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"iptv-relay/work/database"
	"iptv-relay/work/logger"
	"iptv-relay/work/types"

	"github.com/golang-jwt/jwt/v5"
	"github.com/maypok86/otter/v2"
)

// DefaultLifetime applies to tokens added without an expiry that are not JWTs.
const DefaultLifetime = 30 * 24 * time.Hour

const currentKey = "current"

// ErrNoToken means neither the store nor configuration has a usable token.
var ErrNoToken = errors.New("no access token available")

// Store persists tokens.
type Store interface {
	UpsertToken(ctx context.Context, token string, expiry time.Time) error
	LatestToken(ctx context.Context, now time.Time) (types.AccessToken, error)
}

// Provider resolves the bearer token used for credentialed origins.
type Provider struct {
	store    Store
	fallback string
	cache    *otter.Cache[string, types.AccessToken]
	now      func() time.Time
}

// NewProvider creates a Provider. Lookups are cached for cacheTTL; fallback is
// served when the store has no valid token.
func NewProvider(store Store, fallback string, cacheTTL time.Duration) *Provider {
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	return &Provider{
		store:    store,
		fallback: strings.TrimSpace(fallback),
		cache: otter.Must(&otter.Options[string, types.AccessToken]{
			MaximumSize:      16,
			ExpiryCalculator: otter.ExpiryWriting[string, types.AccessToken](cacheTTL),
		}),
		now: time.Now,
	}
}

// Current returns the furthest-expiring valid token from the store, or the
// configured fallback.
func (p *Provider) Current(ctx context.Context) (string, error) {
	now := p.now()
	if tok, ok := p.cache.GetIfPresent(currentKey); ok && tok.Expiry.After(now) {
		return tok.Token, nil
	}

	tok, err := p.store.LatestToken(ctx, now)
	switch {
	case err == nil:
		p.cache.Set(currentKey, tok)
		return tok.Token, nil
	case errors.Is(err, database.ErrNotFound):
	default:
		logger.Warn("{tokens/tokens - Current} token lookup failed, using fallback: %v", err)
	}

	if p.fallback != "" {
		return p.fallback, nil
	}
	return "", ErrNoToken
}

// Add stores a token. A zero expiry is taken from the JWT exp claim when the
// token is a JWT, otherwise DefaultLifetime from now.
func (p *Provider) Add(ctx context.Context, token string, expiry time.Time) (time.Time, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return time.Time{}, errors.New("token is required")
	}
	if expiry.IsZero() {
		expiry = p.deriveExpiry(token)
	}
	if err := p.store.UpsertToken(ctx, token, expiry); err != nil {
		return time.Time{}, fmt.Errorf("store token: %w", err)
	}
	p.cache.InvalidateAll()
	return expiry, nil
}

func (p *Provider) deriveExpiry(token string) time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err == nil {
		if exp, err := parsed.Claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return p.now().Add(DefaultLifetime)
}
