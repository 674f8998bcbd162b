package rewrite

import (
	"fmt"
	"net/url"
	"strings"
)

// Context carries what one rewrite needs: where the manifest came from and
// where rewritten references should point.
type Context struct {
	SourceURL string // absolute URL the manifest was fetched from
	BaseURL   string // public base of this relay, no trailing slash
	Channel   string // channel the segment endpoint is scoped to

	source *url.URL
}

// NewContext validates sourceURL and builds a Context.
func NewContext(sourceURL, baseURL, channel string) (*Context, error) {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return nil, fmt.Errorf("bad source url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("source url %q is not absolute", sourceURL)
	}
	return &Context{
		SourceURL: sourceURL,
		BaseURL:   strings.TrimRight(baseURL, "/"),
		Channel:   channel,
		source:    u,
	}, nil
}

// Resolve turns a manifest reference into an absolute URL.
//   - a reference with a scheme is returned unchanged
//   - a reference starting with "/" is resolved against scheme://host
//   - anything else is resolved against the directory of the source URL
func (c *Context) Resolve(ref string) string {
	ref = strings.TrimSpace(ref)
	r, err := url.Parse(ref)
	if err != nil {
		// unparsable reference, fall back to plain joining
		if strings.HasPrefix(ref, "/") {
			return c.source.Scheme + "://" + c.source.Host + ref
		}
		return c.dir() + ref
	}
	if r.Scheme != "" {
		return ref
	}
	return c.source.ResolveReference(r).String()
}

// dir is the source URL up to and including the final "/" of its path.
func (c *Context) dir() string {
	p := c.source.EscapedPath()
	if i := strings.LastIndex(p, "/"); i >= 0 {
		p = p[:i+1]
	} else {
		p = "/"
	}
	return c.source.Scheme + "://" + c.source.Host + p
}

// ProxyURL resolves ref and wraps it in this relay's segment endpoint.
func (c *Context) ProxyURL(ref string) string {
	return SegmentURL(c.BaseURL, c.Channel, c.Resolve(ref))
}

// SegmentURL builds {base}/proxy/segment/{channel}?url={escaped absolute}.
func SegmentURL(base, channel, absolute string) string {
	return strings.TrimRight(base, "/") + "/proxy/segment/" + url.PathEscape(channel) + "?url=" + url.QueryEscape(absolute)
}

// ResolveURL resolves ref against sourceURL without a full Context.
func ResolveURL(sourceURL, ref string) (string, error) {
	c, err := NewContext(sourceURL, "", "")
	if err != nil {
		return "", err
	}
	return c.Resolve(ref), nil
}
