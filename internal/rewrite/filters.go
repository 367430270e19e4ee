package rewrite

import (
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/John-Robertt/rewrite-proxy/internal/rules"
)

const (
	WarningID   = "rewrite-proxy-warning"
	warningText = "⚠️ 您正在通过代理访问此网站。请注意信息安全，不要输入敏感信息。"
	warningCSS  = "background:#fff3cd;color:#856404;padding:1rem;margin:1rem;border-radius:4px;text-align:center;"
)

var (
	embeddedSrcRegex = regexp.MustCompile(`(?i)src\s*=\s*["']?([^"'\s>]+)`)
	embeddedURLRegex = regexp.MustCompile(`(?i)(?:https?:)?//[a-z0-9.-]+\.[a-z]{2,}[^\s"'<>)]*`)
	whitespaceRegex  = regexp.MustCompile(`\s+`)
)

// applyFilters runs the active filters in their fixed order:
// trackers, ads, sensitive, warning, optimize.
func (e *Engine) applyFilters(doc *html.Node, originals map[*html.Node]*url.URL, ctx Context) {
	f := ctx.Filters
	if f.RemoveTrackers {
		e.removeCategory(doc, originals, ctx, rules.CategoryTracker, nil)
	}
	if f.RemoveAds {
		e.removeCategory(doc, originals, ctx, rules.CategoryAd, isAdMarkup)
	}
	if f.RemoveSensitive {
		removeMatching(doc, isSensitive)
	}
	if f.AddWarning {
		addWarning(doc)
	}
	if f.Optimize {
		optimize(doc)
	}
}

func isResourceElement(a atom.Atom) bool {
	switch a {
	case atom.Script, atom.Img, atom.Iframe, atom.Link, atom.Embed, atom.Object, atom.Source:
		return true
	default:
		return false
	}
}

// removeCategory drops resource elements whose target matches category,
// inline scripts and noscript blocks that reference such targets, and any
// element extra reports.
func (e *Engine) removeCategory(doc *html.Node, originals map[*html.Node]*url.URL, ctx Context, category string, extra func(*html.Node) bool) {
	removeMatching(doc, func(n *html.Node) bool {
		if extra != nil && extra(n) {
			return true
		}
		if !isResourceElement(n.DataAtom) && n.DataAtom != atom.Noscript {
			return false
		}
		if u, ok := originals[n]; ok {
			return e.matcher.Match(u, category)
		}
		switch n.DataAtom {
		case atom.Noscript:
			return e.textReferences(n, embeddedSrcRegex, ctx, category)
		case atom.Script:
			if hasAttr(n, PatchMarker) {
				return false
			}
			return e.textReferences(n, embeddedURLRegex, ctx, category)
		}
		return false
	})
}

func (e *Engine) textReferences(n *html.Node, re *regexp.Regexp, ctx Context, category string) bool {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.TextNode {
			continue
		}
		for _, m := range re.FindAllStringSubmatch(c.Data, -1) {
			ref := m[len(m)-1]
			if t := proxiedTarget(ref); t != nil {
				ref = t.String()
			}
			u, err := ctx.Target.Parse(ref)
			if err != nil {
				continue
			}
			if e.matcher.Match(u, category) {
				return true
			}
		}
	}
	return false
}

func isAdMarkup(n *html.Node) bool {
	switch n.DataAtom {
	case atom.Html, atom.Head, atom.Body:
		return false
	case atom.Ins:
		return true
	}
	for _, tok := range strings.Fields(getAttr(n, "class")) {
		tok = strings.ToLower(tok)
		if tok == "ad" || tok == "adsbygoogle" || isAdToken(tok) {
			return true
		}
	}
	return isAdToken(strings.ToLower(getAttr(n, "id")))
}

func isAdToken(tok string) bool {
	return strings.HasPrefix(tok, "ad-") || strings.Contains(tok, "-ad-")
}

func isSensitive(n *html.Node) bool {
	switch n.DataAtom {
	case atom.Form:
		return true
	case atom.Input:
		t := strings.ToLower(getAttr(n, "type"))
		return t == "password" || t == "email"
	default:
		return false
	}
}

// removeMatching detaches every element pred accepts. Matches are collected
// first so the walk never sees a mutated tree.
func removeMatching(doc *html.Node, pred func(*html.Node) bool) {
	var hits []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && pred(n) {
			hits = append(hits, n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	for _, n := range hits {
		if n.Parent != nil {
			n.Parent.RemoveChild(n)
		}
	}
}

func addWarning(doc *html.Node) {
	if findFirst(doc, func(n *html.Node) bool { return getAttr(n, "id") == WarningID }) != nil {
		return
	}
	body := findFirst(doc, func(n *html.Node) bool { return n.DataAtom == atom.Body })
	if body == nil {
		return
	}
	div := &html.Node{
		Type:     html.ElementNode,
		Data:     "div",
		DataAtom: atom.Div,
		Attr: []html.Attribute{
			{Key: "id", Val: WarningID},
			{Key: "style", Val: warningCSS},
		},
	}
	div.AppendChild(&html.Node{Type: html.TextNode, Data: warningText})
	body.InsertBefore(div, body.FirstChild)
}

// optimize defers image loading and collapses whitespace runs in text outside
// pre, textarea, script and style. Element order is never changed.
func optimize(doc *html.Node) {
	var walk func(n *html.Node, keep bool)
	walk = func(n *html.Node, keep bool) {
		switch n.Type {
		case html.ElementNode:
			switch n.DataAtom {
			case atom.Img:
				setAttr(n, "loading", "lazy")
				setAttr(n, "decoding", "async")
			case atom.Pre, atom.Textarea, atom.Script, atom.Style:
				keep = true
			}
		case html.TextNode:
			if !keep {
				n.Data = whitespaceRegex.ReplaceAllString(n.Data, " ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, keep)
		}
	}
	walk(doc, false)
}
