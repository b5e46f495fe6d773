// package transport writes prepared requests to connections made by a
// dialer and reads the responses back.
//
// HTTP/1.1 message syntax (RFC 9112) is implemented here so that header
// fields go out exactly in the order they were prepared in, and so that
// requests to plain HTTP proxies can use absolute-form. HTTP/2 (RFC 9113)
// goes through [h2c.Conn] so the connection opens the way the browser
// profile does. response bodies are decoded for the content codings the
// profile advertises.
//
// net/http components are reused on the "semantics" part ([net/http.Header], [net/url.URL], etc.)
package transport
