package fetch

import (
	"net/http"
	"net/textproto"
)

const (
	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	acceptPage       = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"
	acceptAny        = "*/*"
	acceptLanguage   = "en-US,en;q=0.9"
	acceptEncoding   = "gzip, deflate, br, zstd"
)

// buildHeaders returns the outbound headers: a desktop browser identity with
// Referer/Origin taken from the target's own origin, then defaults, then the
// per-request overrides.
func buildHeaders(req Request, defaults map[string]string) http.Header {
	origin := req.Target.Scheme + "://" + req.Target.Host

	h := make(http.Header)
	h.Set("User-Agent", browserUserAgent)
	if req.Kind == KindPage {
		h.Set("Accept", acceptPage)
		h.Set("Upgrade-Insecure-Requests", "1")
	} else {
		h.Set("Accept", acceptAny)
	}
	h.Set("Accept-Language", acceptLanguage)
	h.Set("Accept-Encoding", acceptEncoding)
	h.Set("Referer", origin+"/")
	h.Set("Origin", origin)
	if req.ContentType != "" {
		h.Set("Content-Type", req.ContentType)
	}

	for k, v := range defaults {
		h.Set(k, v)
	}
	for k, vs := range req.Headers {
		k = textproto.CanonicalMIMEHeaderKey(k)
		h.Del(k)
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	return h
}
