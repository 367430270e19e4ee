package fetch

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// decodeBody undoes Content-Encoding. It returns nil, nil when there is
// nothing to decode. Encodings are removed in reverse order of application.
func decodeBody(raw []byte, contentEncoding string, maxBytes int64) ([]byte, error) {
	if len(raw) == 0 || strings.TrimSpace(contentEncoding) == "" {
		return nil, nil
	}
	encs := strings.Split(contentEncoding, ",")
	out := raw
	decodedAny := false
	for i := len(encs) - 1; i >= 0; i-- {
		enc := strings.ToLower(strings.TrimSpace(encs[i]))
		if enc == "" || enc == "identity" {
			continue
		}
		b, err := decodeOne(out, enc, maxBytes)
		if err != nil {
			return nil, err
		}
		out = b
		decodedAny = true
	}
	if !decodedAny {
		return nil, nil
	}
	return out, nil
}

func decodeOne(b []byte, enc string, maxBytes int64) ([]byte, error) {
	var r io.Reader
	switch enc {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	case "deflate":
		// Servers send both zlib-wrapped and raw deflate under this name.
		if zr, err := zlib.NewReader(bytes.NewReader(b)); err == nil {
			defer zr.Close()
			r = zr
		} else {
			fr := flate.NewReader(bytes.NewReader(b))
			defer fr.Close()
			r = fr
		}
	case "br":
		r = brotli.NewReader(bytes.NewReader(b))
	case "zstd":
		zr, err := zstd.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", enc)
	}

	out, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > maxBytes {
		return nil, errBodyTooLarge
	}
	return out, nil
}
