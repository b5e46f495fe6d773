package http

import (
	"io"
	"net/http"
)

type Request struct {
	Method string
	URL    string
	Body   interface{} // string, []byte, *bytes.Buffer, *bytes.Reader, *strings.Reader or any io.Reader
	Header http.Header
}

type Response struct {
	Proto      string
	Status     string
	StatusCode int
	Header     http.Header

	ContentLength int64 // -1 when unknown
	Body          io.ReadCloser
}
