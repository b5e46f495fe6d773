package imphttp

import (
	"io"
	"net"

	"github.com/frankli0324/go-imphttp/internal/impersonate"
	"github.com/frankli0324/go-imphttp/internal/transport/h2c"
)

type Browser = impersonate.Browser
type OS = impersonate.OS
type Profile = impersonate.Profile

const (
	Chrome100 = impersonate.Chrome100
	Chrome101 = impersonate.Chrome101
	Chrome102 = impersonate.Chrome102
	Chrome103 = impersonate.Chrome103
	Chrome104 = impersonate.Chrome104
	Chrome105 = impersonate.Chrome105
	Chrome106 = impersonate.Chrome106
	Chrome107 = impersonate.Chrome107
	Chrome108 = impersonate.Chrome108
	Chrome109 = impersonate.Chrome109
	Chrome110 = impersonate.Chrome110
	Chrome111 = impersonate.Chrome111
	Chrome112 = impersonate.Chrome112
	Chrome113 = impersonate.Chrome113
	Chrome114 = impersonate.Chrome114
	Chrome115 = impersonate.Chrome115
	Chrome116 = impersonate.Chrome116
	Chrome117 = impersonate.Chrome117
	Chrome118 = impersonate.Chrome118

	Windows = impersonate.Windows
	MacOS   = impersonate.MacOS
	Linux   = impersonate.Linux
	Android = impersonate.Android
	IOS     = impersonate.IOS
)

// GetProfile looks a profile up, the result is the caller's to modify.
func GetProfile(browser Browser, os OS) (*Profile, error) {
	return impersonate.Get(browser, os)
}

// WriteH2Preface writes the HTTP/2 connection preface of p to w, for
// HTTP/2 engines that take over a connection themselves.
func WriteH2Preface(w io.Writer, p *Profile) error {
	return h2c.WritePreface(w, &p.HTTP2)
}

// H2Handshake writes the preface of p to c and waits for the server's
// SETTINGS, which are acknowledged.
func H2Handshake(c net.Conn, p *Profile) (*h2c.PeerSettings, error) {
	peer, _, err := h2c.Handshake(c, &p.HTTP2)
	return peer, err
}
