// Package rewrite re-anchors every reference in fetched markup and
// stylesheets onto the proxy, injects the runtime patch and applies the
// content filters.
package rewrite

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/net/html/charset"

	"github.com/John-Robertt/rewrite-proxy/internal/rules"
)

// ErrRewrite wraps every failure to parse or serialise a payload. Callers
// serve the original body when they see it.
var ErrRewrite = errors.New("rewrite failed")

type Engine struct {
	matcher *rules.Matcher
}

// NewEngine builds an engine. m classifies ad and tracker URLs; nil means the
// built-in list.
func NewEngine(m *rules.Matcher) *Engine {
	if m == nil {
		m = rules.NewMatcher(rules.Default())
	}
	return &Engine{matcher: m}
}

// Rewrite transforms body according to kind. Scripts and other payloads are
// returned unchanged.
func (e *Engine) Rewrite(body []byte, kind Kind, ctx Context) ([]byte, error) {
	if ctx.Target == nil {
		return nil, fmt.Errorf("%w: missing target", ErrRewrite)
	}
	switch kind {
	case KindMarkup:
		return e.rewriteMarkup(body, ctx)
	case KindStylesheet:
		return []byte(RewriteCSS(string(body), ctx.Target, ctx)), nil
	default:
		return body, nil
	}
}

type role int

const (
	roleNone role = iota
	roleResource
	roleNavigation
	roleSrcset
	roleStyle
)

func attrRole(tag atom.Atom, key string) role {
	switch key {
	case "href":
		switch tag {
		case atom.A, atom.Area:
			return roleNavigation
		case atom.Link, atom.Base:
			return roleResource
		}
	case "src":
		switch tag {
		case atom.Iframe, atom.Frame:
			return roleNavigation
		case atom.Img, atom.Script, atom.Source, atom.Audio, atom.Video, atom.Track, atom.Embed, atom.Input:
			return roleResource
		}
	case "srcset":
		if tag == atom.Img || tag == atom.Source {
			return roleSrcset
		}
	case "poster":
		if tag == atom.Video {
			return roleResource
		}
	case "action":
		if tag == atom.Form {
			return roleNavigation
		}
	case "formaction":
		if tag == atom.Button || tag == atom.Input {
			return roleNavigation
		}
	case "data":
		if tag == atom.Object {
			return roleResource
		}
	case "background":
		return roleResource
	case "style":
		return roleStyle
	}
	return roleNone
}

type markupRewriter struct {
	ctx  Context
	base *url.URL

	// originals maps an element to the absolute target of its main reference.
	originals map[*html.Node]*url.URL
}

func (e *Engine) rewriteMarkup(body []byte, ctx Context) ([]byte, error) {
	r, err := charset.NewReader(bytes.NewReader(body), ctx.ContentType)
	if err != nil {
		return nil, fmt.Errorf("%w: decode charset: %v", ErrRewrite, err)
	}
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("%w: parse markup: %v", ErrRewrite, err)
	}

	mr := &markupRewriter{ctx: ctx, base: ctx.Target, originals: make(map[*html.Node]*url.URL)}
	if b := findFirst(doc, func(n *html.Node) bool { return n.DataAtom == atom.Base && hasAttr(n, "href") }); b != nil {
		if u, err := ctx.Target.Parse(strings.TrimSpace(getAttr(b, "href"))); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
			mr.base = u
		}
	}
	mr.walk(doc)

	injectPatch(doc, ctx)
	e.applyFilters(doc, mr.originals, ctx)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return nil, fmt.Errorf("%w: render markup: %v", ErrRewrite, err)
	}
	return buf.Bytes(), nil
}

func (mr *markupRewriter) walk(n *html.Node) {
	if n.Type == html.ElementNode && n.Namespace == "" {
		mr.element(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		mr.walk(c)
	}
}

func (mr *markupRewriter) element(n *html.Node) {
	if n.DataAtom == atom.Style {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				c.Data = RewriteCSS(c.Data, mr.base, mr.ctx)
			}
		}
	}
	if n.DataAtom == atom.Meta {
		mr.meta(n)
	}

	rewritten := false
	for i := range n.Attr {
		a := &n.Attr[i]
		if a.Namespace != "" {
			continue
		}
		switch attrRole(n.DataAtom, a.Key) {
		case roleResource, roleNavigation:
			nav := attrRole(n.DataAtom, a.Key) == roleNavigation
			out, orig := rewriteRef(mr.ctx, mr.base, a.Val, nav)
			if orig != nil {
				if _, ok := mr.originals[n]; !ok {
					mr.originals[n] = orig
				}
				if out != a.Val {
					a.Val = out
					rewritten = true
				}
			}
		case roleSrcset:
			if out := mr.srcset(a.Val); out != a.Val {
				a.Val = out
				rewritten = true
			}
		case roleStyle:
			a.Val = RewriteCSS(a.Val, mr.base, mr.ctx)
		}
	}
	if rewritten {
		removeAttr(n, "integrity")
	}
	if mr.ctx.MaskOrigin {
		// Masked references are resolved from the Referer.
		removeAttr(n, "referrerpolicy")
	}
}

func (mr *markupRewriter) srcset(v string) string {
	cands := splitSrcset(v)
	parts := make([]string, 0, len(cands))
	for _, c := range cands {
		if out, orig := rewriteRef(mr.ctx, mr.base, c.url, false); orig != nil {
			c.url = out
		}
		if c.desc == "" {
			parts = append(parts, c.url)
		} else {
			parts = append(parts, c.url+" "+c.desc)
		}
	}
	return strings.Join(parts, ", ")
}

type srcsetCandidate struct {
	url, desc string
}

// splitSrcset follows the HTML srcset grammar: a URL runs up to whitespace
// and may itself contain commas; a comma only separates candidates when it
// ends a URL or follows the descriptors.
func splitSrcset(v string) []srcsetCandidate {
	var out []srcsetCandidate
	isSpace := func(b byte) bool { return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\f' }
	i := 0
	for i < len(v) {
		for i < len(v) && (isSpace(v[i]) || v[i] == ',') {
			i++
		}
		if i >= len(v) {
			break
		}
		start := i
		for i < len(v) && !isSpace(v[i]) {
			i++
		}
		u := v[start:i]
		if trimmed := strings.TrimRight(u, ","); trimmed != u {
			out = append(out, srcsetCandidate{url: trimmed})
			continue
		}
		dstart, depth := i, 0
		for ; i < len(v); i++ {
			switch v[i] {
			case '(':
				depth++
			case ')':
				if depth > 0 {
					depth--
				}
			}
			if v[i] == ',' && depth == 0 {
				break
			}
		}
		out = append(out, srcsetCandidate{url: u, desc: strings.Join(strings.Fields(v[dstart:i]), " ")})
		if i < len(v) {
			i++
		}
	}
	return out
}

// meta normalises charset declarations (output is always UTF-8) and rewrites
// refresh targets.
func (mr *markupRewriter) meta(n *html.Node) {
	if hasAttr(n, "charset") {
		setAttr(n, "charset", "utf-8")
	}
	if mr.ctx.MaskOrigin && strings.EqualFold(getAttr(n, "name"), "referrer") {
		removeAttr(n, "name")
	}
	switch strings.ToLower(getAttr(n, "http-equiv")) {
	case "content-type":
		setAttr(n, "content", "text/html; charset=utf-8")
	case "content-security-policy", "content-security-policy-report-only":
		removeAttr(n, "http-equiv")
	case "refresh":
		content := getAttr(n, "content")
		delay, rest, ok := strings.Cut(content, ";")
		if !ok {
			return
		}
		rest = strings.TrimSpace(rest)
		if len(rest) < 4 || !strings.EqualFold(rest[:4], "url=") {
			return
		}
		target := strings.Trim(strings.TrimSpace(rest[4:]), `'"`)
		out, orig := rewriteRef(mr.ctx, mr.base, target, true)
		if orig != nil {
			setAttr(n, "content", strings.TrimSpace(delay)+"; url="+out)
		}
	}
}

func findFirst(n *html.Node, pred func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && pred(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if f := findFirst(c, pred); f != nil {
			return f
		}
	}
	return nil
}

func getAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return true
		}
	}
	return false
}

func setAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if n.Attr[i].Namespace == "" && n.Attr[i].Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func removeAttr(n *html.Node, key string) {
	out := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			continue
		}
		out = append(out, a)
	}
	n.Attr = out
}
