// package http holds the request and response types the root package
// re-exports, named after it so editors resolve them to one place.
//
// [Request.Prepare] is where a request becomes what goes on the wire:
// the URL is parsed, the body is made replayable where possible and
// the header fields are put in their final order, impersonation
// defaults first.
package http

import (
	"net/http"
)

type Header = http.Header

var NoBody = http.NoBody
