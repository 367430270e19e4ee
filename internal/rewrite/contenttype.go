package rewrite

import (
	"mime"
	"net/http"
	"path"
	"strings"
)

// Kind is the payload family that decides how a body is rewritten.
type Kind int

const (
	KindOther Kind = iota
	KindMarkup
	KindStylesheet
	KindScript
)

func (k Kind) String() string {
	switch k {
	case KindMarkup:
		return "markup"
	case KindStylesheet:
		return "stylesheet"
	case KindScript:
		return "script"
	default:
		return "other"
	}
}

var extTypes = map[string]string{
	".html":  "text/html; charset=utf-8",
	".htm":   "text/html; charset=utf-8",
	".css":   "text/css; charset=utf-8",
	".js":    "application/javascript; charset=utf-8",
	".mjs":   "application/javascript; charset=utf-8",
	".json":  "application/json",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".gif":   "image/gif",
	".svg":   "image/svg+xml",
	".webp":  "image/webp",
	".ico":   "image/x-icon",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".ttf":   "font/ttf",
	".eot":   "application/vnd.ms-fontobject",
	".mp4":   "video/mp4",
	".webm":  "video/webm",
}

// generic types are what misconfigured origins send for everything.
func isGeneric(mediaType string) bool {
	switch mediaType {
	case "", "text/plain", "application/octet-stream", "binary/octet-stream", "application/unknown":
		return true
	default:
		return false
	}
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}
	return strings.ToLower(mt)
}

// CorrectContentType keeps a specific upstream type and replaces a generic
// or missing one using the URL extension, then body sniffing.
func CorrectContentType(contentType, urlPath string, body []byte) string {
	if !isGeneric(mediaType(contentType)) {
		return contentType
	}
	if t, ok := extTypes[strings.ToLower(path.Ext(urlPath))]; ok {
		return t
	}
	if len(body) == 0 {
		if contentType == "" {
			return "application/octet-stream"
		}
		return contentType
	}
	sniffed := http.DetectContentType(body)
	if contentType != "" && mediaType(sniffed) == "application/octet-stream" {
		return contentType
	}
	return sniffed
}

// DetectKind classifies a payload after content-type correction.
func DetectKind(contentType, urlPath string, body []byte) Kind {
	switch mt := mediaType(CorrectContentType(contentType, urlPath, body)); {
	case mt == "text/html", mt == "application/xhtml+xml":
		return KindMarkup
	case mt == "text/css":
		return KindStylesheet
	case strings.Contains(mt, "javascript"), strings.Contains(mt, "ecmascript"):
		return KindScript
	default:
		return KindOther
	}
}
