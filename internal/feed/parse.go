package feed

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/John-Robertt/rewrite-proxy/internal/model"
)

type ParseError struct {
	AppError model.AppError
	Cause    error
}

func (e *ParseError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// Result is the outcome of parsing one feed. Skipped counts lines that looked
// like entries but could not be parsed.
type Result struct {
	Proxies []model.UpstreamProxy
	Skipped int
}

// Parse reads a proxy-list feed. Plain and base64-encoded lists are accepted.
// Lines may be host:port, scheme://host:port or host:port:protocol; bare
// host:port entries get defaultProtocol ("" means http).
//
// Invalid lines are skipped. A feed without any usable entry is an error.
func Parse(sourceURL string, content string, defaultProtocol string) (Result, error) {
	def, err := model.ParseProtocol(defaultProtocol)
	if err != nil {
		return Result{}, newParseError(sourceURL, 0, "", "FEED_PARSE_ERROR", "feed 默认协议不合法", "expected: http|https|socks4|socks5", err)
	}

	s := strings.TrimSpace(stripUTF8BOM(content))
	if s == "" {
		return Result{}, newParseError(sourceURL, 0, "", "FEED_PARSE_ERROR", "feed 内容为空", "", nil)
	}

	// Every plain entry carries a ':' between host and port; base64 never does.
	if !strings.Contains(s, ":") {
		decoded, err := decodeFeedBase64(s)
		if err != nil {
			return Result{}, newParseError(sourceURL, 0, truncateSnippet(s, 200), "FEED_BASE64_DECODE_ERROR", "feed base64 解码失败", "", err)
		}
		s = strings.TrimSpace(stripUTF8BOM(decoded))
	}
	return parseRawList(sourceURL, s, def)
}

func parseRawList(sourceURL, raw string, def model.Protocol) (Result, error) {
	lines := strings.Split(raw, "\n")
	res := Result{Proxies: make([]model.UpstreamProxy, 0, len(lines))}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		p, err := parseLine(line, def)
		if err != nil {
			res.Skipped++
			continue
		}
		res.Proxies = append(res.Proxies, p)
	}
	if len(res.Proxies) == 0 {
		return res, newParseError(sourceURL, 0, "", "FEED_PARSE_ERROR", "feed 中没有任何可用代理", "", nil)
	}
	return res, nil
}

func parseLine(line string, def model.Protocol) (model.UpstreamProxy, error) {
	// Some lists append a comment or latency after whitespace.
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		line = line[:i]
	}

	if scheme, rest, ok := strings.Cut(line, "://"); ok {
		rest = strings.TrimSuffix(rest, "/")
		if strings.ContainsAny(rest, "/@?#") {
			return model.UpstreamProxy{}, errors.New("unexpected path or userinfo")
		}
		return model.ParseUpstreamProxy(rest, scheme)
	}

	// host:port:protocol, unless the line is a bracketed IPv6 literal.
	if !strings.HasPrefix(line, "[") && strings.Count(line, ":") == 2 {
		i := strings.LastIndexByte(line, ':')
		return model.ParseUpstreamProxy(line[:i], line[i+1:])
	}

	p, err := model.ParseUpstreamProxy(line, "")
	if err != nil {
		return model.UpstreamProxy{}, err
	}
	p.Protocol = def
	return p, nil
}

func decodeFeedBase64(s string) (string, error) {
	b, err := decodeB64ToBytes(removeSpaceTabCRLF(s))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", errors.New("decoded feed is not valid utf-8")
	}
	return string(b), nil
}

func decodeB64ToBytes(s string) ([]byte, error) {
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	}
	var lastErr error
	for _, enc := range encodings {
		b, err := enc.DecodeString(s)
		if err == nil {
			return b, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func removeSpaceTabCRLF(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\r', '\n':
			continue
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func stripUTF8BOM(s string) string {
	return strings.TrimPrefix(s, "\uFEFF")
}

func truncateSnippet(s string, max int) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func newParseError(sourceURL string, lineNo int, snippet string, code string, message string, hint string, cause error) error {
	return &ParseError{
		AppError: model.AppError{
			Code:    code,
			Message: message,
			Stage:   "parse_feed",
			URL:     sourceURL,
			Line:    lineNo,
			Snippet: snippet,
			Hint:    hint,
		},
		Cause: cause,
	}
}
