package rewrite

import (
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/beevik/etree"
	"github.com/grafana/regexp"
)

// ErrManifestParse marks a DASH manifest that could not be parsed as XML.
var ErrManifestParse = errors.New("manifest parse error")

// sourceURLAttr matches sourceURL="..." with an optional namespace prefix.
var sourceURLAttr = regexp.MustCompile(`((?:[A-Za-z_][\w.-]*:)?sourceURL=)"([^"]+)"`)

var attrEscaper = strings.NewReplacer(`&`, "&amp;", `"`, "&quot;", `<`, "&lt;")

// DASHResult is the outcome of RewriteDASH.
type DASHResult struct {
	Body      []byte
	Rewritten int
	// Fallback is set when the manifest was not well-formed XML and the
	// textual rewrite was used instead. It wraps ErrManifestParse. The
	// textual path can miss attributes in CDATA or oddly escaped markup.
	Fallback error
}

// RewriteDASH rewrites every sourceURL attribute, whatever its namespace,
// into a proxy segment URL. Body is always servable.
func RewriteDASH(c *Context, body []byte) DASHResult {
	doc := etree.NewDocument()
	err := doc.ReadFromBytes(body)
	if err == nil && doc.Root() == nil {
		err = errors.New("no root element")
	}
	if err != nil {
		out, n := rewriteDASHText(c, body)
		return DASHResult{Body: out, Rewritten: n, Fallback: fmt.Errorf("%w: %v", ErrManifestParse, err)}
	}

	rewritten := rewriteElement(c, doc.Root())

	out, err := doc.WriteToBytes()
	if err != nil {
		out, n := rewriteDASHText(c, body)
		return DASHResult{Body: out, Rewritten: n, Fallback: fmt.Errorf("%w: %v", ErrManifestParse, err)}
	}
	return DASHResult{Body: out, Rewritten: rewritten}
}

// rewriteElement rewrites sourceURL on el and its descendants. Attr.Key is
// the local name, so prefixed attributes match too.
func rewriteElement(c *Context, el *etree.Element) int {
	n := 0
	for i := range el.Attr {
		if el.Attr[i].Key == "sourceURL" {
			el.Attr[i].Value = c.ProxyURL(el.Attr[i].Value)
			n++
		}
	}
	for _, child := range el.ChildElements() {
		n += rewriteElement(c, child)
	}
	return n
}

// rewriteDASHText is the degraded path for manifests etree rejects.
func rewriteDASHText(c *Context, body []byte) ([]byte, int) {
	rewritten := 0
	out := sourceURLAttr.ReplaceAllFunc(body, func(m []byte) []byte {
		parts := sourceURLAttr.FindSubmatch(m)
		value := html.UnescapeString(string(parts[2]))
		rewritten++
		return []byte(string(parts[1]) + `"` + attrEscaper.Replace(c.ProxyURL(value)) + `"`)
	})
	return out, rewritten
}
