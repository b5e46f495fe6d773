package http

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
)

// Field is a header field in the order it is written on the wire
type Field struct {
	Name, Value string
}

type PreparedRequest struct {
	*Request

	U          *url.URL
	GetBody    func() (io.ReadCloser, error)
	Header     http.Header // request headers, without Host and Content-Length
	Fields     []Field     // Header merged into the defaults, see [Request.Prepare]
	HeaderHost string

	ContentLength int64 // -1 when unknown
}

// Prepare validates r and computes what goes on the wire. defaults are
// written first and in order, a request header with the same name
// (case insensitive) replaces the default in place. the remaining
// request headers follow, sorted by name.
func (r *Request) Prepare(defaults []Field) (*PreparedRequest, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return nil, err
	}

	headers := r.Header.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	host := u.Host
	cl := int64(-1)
	// user defined headers has higher priority
	for k, v := range headers {
		switch strings.ToLower(k) {
		case "host":
			if len(v) != 0 {
				host = v[0]
			}
			delete(headers, k)
		case "content-length":
			if len(v) != 0 {
				if v, err := strconv.ParseInt(v[0], 10, 64); err == nil {
					cl = v
				}
			}
			delete(headers, k)
		}
	}
	if host == "" {
		return nil, url.InvalidHostError("empty host")
	}

	pr := &PreparedRequest{
		Request: r, U: u,
		Header: headers, HeaderHost: host,
		Fields:        mergeFields(defaults, headers),
		ContentLength: cl,
	}
	if err := pr.updateBody(); err != nil {
		// note that updateBody potentially updates content-length
		return nil, err
	}
	if cl != -1 && pr.ContentLength != cl {
		return nil, errors.New("conflicting value between body size and content-length request header")
	}
	return pr, nil
}

func mergeFields(defaults []Field, headers http.Header) []Field {
	byLower := make(map[string]string, len(headers))
	for k := range headers {
		byLower[strings.ToLower(k)] = k
	}
	used := map[string]bool{}
	fields := make([]Field, 0, len(defaults)+len(headers))
	for _, f := range defaults {
		k, ok := byLower[strings.ToLower(f.Name)]
		if !ok {
			fields = append(fields, f)
			continue
		}
		if used[k] {
			continue
		}
		used[k] = true
		for _, v := range headers[k] {
			fields = append(fields, Field{k, v})
		}
	}
	rest := make([]string, 0, len(headers))
	for k := range headers {
		if !used[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		for _, v := range headers[k] {
			fields = append(fields, Field{k, v})
		}
	}
	return fields
}

func noBody() (io.ReadCloser, error) { return http.NoBody, nil }

// sized makes every call to GetBody start over from a fresh reader
func (r *PreparedRequest) sized(n int64, fresh func() io.Reader) {
	r.ContentLength = n
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(fresh()), nil
	}
}

// should only be called once at [Prepare]. bodies that can be read
// again (strings, byte slices, buffers and their readers) set the
// content length, other readers are sent once, chunked unless they
// report a Size.
func (r *PreparedRequest) updateBody() error {
	switch b := r.Request.Body.(type) {
	case nil:
		r.GetBody = noBody
	case string:
		r.sized(int64(len(b)), func() io.Reader { return strings.NewReader(b) })
	case []byte:
		r.sized(int64(len(b)), func() io.Reader { return bytes.NewReader(b) })
	case *bytes.Buffer:
		buf := b.Bytes()
		r.sized(int64(len(buf)), func() io.Reader { return bytes.NewReader(buf) })
	case *bytes.Reader:
		snapshot := *b
		r.sized(int64(b.Len()), func() io.Reader {
			br := snapshot
			return &br
		})
	case *strings.Reader:
		snapshot := *b
		r.sized(int64(b.Len()), func() io.Reader {
			sr := snapshot
			return &sr
		})
	case io.Reader:
		if sizer, ok := b.(interface{ Size() int64 }); ok {
			r.ContentLength = sizer.Size()
		}
		rc, ok := b.(io.ReadCloser)
		if !ok {
			rc = io.NopCloser(b)
		}
		var taken atomic.Bool
		r.GetBody = func() (io.ReadCloser, error) {
			if taken.Swap(true) {
				return nil, http.ErrBodyReadAfterClose
			}
			return rc, nil
		}
	default:
		return fmt.Errorf("unsupported body type: %T", r.Request.Body)
	}
	return nil
}
