package origin

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"iptv-relay/work/config"
	"iptv-relay/work/logger"
)

// TokenSource yields the current bearer token.
type TokenSource interface {
	Current(ctx context.Context) (string, error)
}

// Strategy prepares an upstream request for one origin family.
type Strategy interface {
	// Family is the matched family name, empty for unmatched hosts.
	Family() string
	// Apply returns the URL to fetch and the caller headers to send with it.
	Apply(ctx context.Context, rawURL string) (string, http.Header)
}

// Resolver maps upstream URLs to their origin family.
type Resolver struct {
	families []config.OriginFamily
	tokens   TokenSource
}

// NewResolver builds a Resolver. tokens may be nil when no family requires one.
func NewResolver(families []config.OriginFamily, tokens TokenSource) *Resolver {
	return &Resolver{families: families, tokens: tokens}
}

func (r *Resolver) family(rawURL string) *config.OriginFamily {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil
	}
	for i := range r.families {
		for _, pattern := range r.families[i].HostPatterns {
			if pattern != "" && strings.Contains(host, pattern) {
				return &r.families[i]
			}
		}
	}
	return nil
}

// FamilyHeaders returns the header bundle of the family matching rawURL, or nil.
func (r *Resolver) FamilyHeaders(rawURL string) http.Header {
	fam := r.family(rawURL)
	if fam == nil || len(fam.Headers) == 0 {
		return nil
	}
	h := make(http.Header, len(fam.Headers))
	for k, v := range fam.Headers {
		h.Set(k, v)
	}
	return h
}

// Match picks the strategy for rawURL.
func (r *Resolver) Match(rawURL string) Strategy {
	fam := r.family(rawURL)
	if fam == nil {
		return DefaultStrategy{}
	}
	if fam.RequiresToken && r.tokens != nil {
		return CredentialedStrategy{name: fam.Name, tokens: r.tokens}
	}
	return DefaultStrategy{name: fam.Name}
}

// Prepare applies the strategy Match picks for rawURL.
func (r *Resolver) Prepare(ctx context.Context, rawURL string) (string, http.Header) {
	s := r.Match(rawURL)
	if name := s.Family(); name != "" {
		logger.Debug("{origin/origin - Prepare} using %s family strategy", name)
	}
	return s.Apply(ctx, rawURL)
}

// DefaultStrategy sends the URL untouched.
type DefaultStrategy struct {
	name string
}

func (s DefaultStrategy) Family() string { return s.name }

func (s DefaultStrategy) Apply(_ context.Context, rawURL string) (string, http.Header) {
	return rawURL, nil
}

// CredentialedStrategy attaches the current token as a query parameter and a
// bearer header. Manifest, segment and verification fetches all go through it.
type CredentialedStrategy struct {
	name   string
	tokens TokenSource
}

func (s CredentialedStrategy) Family() string { return s.name }

// Apply leaves the URL alone when no token is available; the upstream then
// rejects it like any other failed fetch.
func (s CredentialedStrategy) Apply(ctx context.Context, rawURL string) (string, http.Header) {
	token, err := s.tokens.Current(ctx)
	if err != nil || token == "" {
		logger.Warn("{origin/origin - Apply} no token for %s family: %v", s.name, err)
		return rawURL, nil
	}

	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return WithToken(rawURL, token), h
}

// WithToken adds token=<token> to rawURL unless a token parameter is already
// present. Existing parameters keep their order.
func WithToken(rawURL, token string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if u.Query().Has("token") {
		return rawURL
	}
	param := "token=" + url.QueryEscape(token)
	if u.RawQuery == "" {
		u.RawQuery = param
	} else {
		u.RawQuery += "&" + param
	}
	return u.String()
}
