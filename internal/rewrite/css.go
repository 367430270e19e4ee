package rewrite

import (
	"net/url"
	"regexp"
)

var (
	cssURLRegex    = regexp.MustCompile(`(?i)url\s*\(\s*(?:'([^']*)'|"([^"]*)"|([^)\s'"]+))\s*\)`)
	cssImportRegex = regexp.MustCompile(`(?i)@import\s+(?:'([^']*)'|"([^"]*)")`)
)

// RewriteCSS rewrites url(...) and @import "..." references. Nothing else in
// the stylesheet is touched.
func RewriteCSS(css string, base *url.URL, ctx Context) string {
	css = cssURLRegex.ReplaceAllStringFunc(css, func(match string) string {
		m := cssURLRegex.FindStringSubmatch(match)
		switch {
		case m[1] != "":
			return rewriteCSSRef(match, m[1], "url('", "')", base, ctx)
		case m[2] != "":
			return rewriteCSSRef(match, m[2], `url("`, `")`, base, ctx)
		case m[3] != "":
			return rewriteCSSRef(match, m[3], "url(", ")", base, ctx)
		default:
			return match
		}
	})
	return cssImportRegex.ReplaceAllStringFunc(css, func(match string) string {
		m := cssImportRegex.FindStringSubmatch(match)
		if m[1] != "" {
			return rewriteCSSRef(match, m[1], "@import '", "'", base, ctx)
		}
		return rewriteCSSRef(match, m[2], `@import "`, `"`, base, ctx)
	})
}

func rewriteCSSRef(match, ref, open, close string, base *url.URL, ctx Context) string {
	out, orig := rewriteRef(Context{ProxyOrigin: ctx.ProxyOrigin, Target: ctx.Target, LinkParams: ctx.LinkParams}, base, ref, false)
	if orig == nil || out == ref {
		return match
	}
	return open + out + close
}
