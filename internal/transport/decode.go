package transport

import (
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"github.com/frankli0324/go-imphttp/internal/http"
	"github.com/frankli0324/go-imphttp/internal/impersonate"
)

type decodedBody struct {
	io.Reader
	decoder io.Closer
	body    io.Closer
}

func (b decodedBody) Close() error {
	if b.decoder != nil {
		b.decoder.Close()
	}
	return b.body.Close()
}

// Decode replaces the body of resp with the decoded content when its
// Content-Encoding is one the profile advertises. gzip covers deflate,
// like it does in browsers. anything else is left as is.
func Decode(resp *http.Response, c impersonate.Compression) error {
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil
	}
	var (
		r   io.Reader
		dec io.Closer
		err error
	)
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip", "x-gzip":
		if !c.Gzip {
			return nil
		}
		var gr *gzip.Reader
		if gr, err = gzip.NewReader(resp.Body); err == nil {
			r, dec = gr, gr
		}
	case "deflate":
		if !c.Gzip {
			return nil
		}
		var zr io.ReadCloser
		if zr, err = zlib.NewReader(resp.Body); err == nil {
			r, dec = zr, zr
		}
	case "br":
		if !c.Brotli {
			return nil
		}
		r = brotli.NewReader(resp.Body)
	case "zstd":
		if !c.Zstd {
			return nil
		}
		var zd *zstd.Decoder
		if zd, err = zstd.NewReader(resp.Body); err == nil {
			rc := zd.IOReadCloser()
			r, dec = rc, rc
		}
	default:
		return nil
	}
	if err != nil {
		return err
	}
	resp.Body = decodedBody{r, dec, resp.Body}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	return nil
}
