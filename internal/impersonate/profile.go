// package impersonate maps a browser identity to the handshake parameters,
// default headers and compression flags that browser is observed to use.
//
// the identity tables are declarative data (profiles.yaml) consumed by a
// single loader. lookups are pure, every call to [Get] with the same
// identity yields an equal, independently owned [Profile].
package impersonate

import (
	"errors"
	"fmt"
	"math/rand"
)

type Browser string

const (
	Chrome100 Browser = "chrome_100"
	Chrome101 Browser = "chrome_101"
	Chrome102 Browser = "chrome_102"
	Chrome103 Browser = "chrome_103"
	Chrome104 Browser = "chrome_104"
	Chrome105 Browser = "chrome_105"
	Chrome106 Browser = "chrome_106"
	Chrome107 Browser = "chrome_107"
	Chrome108 Browser = "chrome_108"
	Chrome109 Browser = "chrome_109"
	Chrome110 Browser = "chrome_110"
	Chrome111 Browser = "chrome_111"
	Chrome112 Browser = "chrome_112"
	Chrome113 Browser = "chrome_113"
	Chrome114 Browser = "chrome_114"
	Chrome115 Browser = "chrome_115"
	Chrome116 Browser = "chrome_116"
	Chrome117 Browser = "chrome_117"
	Chrome118 Browser = "chrome_118"
)

var browsers = []Browser{
	Chrome100, Chrome101, Chrome102, Chrome103, Chrome104, Chrome105, Chrome106,
	Chrome107, Chrome108, Chrome109, Chrome110, Chrome111, Chrome112, Chrome113,
	Chrome114, Chrome115, Chrome116, Chrome117, Chrome118,
}

type OS string

const (
	Windows OS = "windows"
	MacOS   OS = "macos"
	Linux   OS = "linux"
	Android OS = "android"
	IOS     OS = "ios"
)

var oses = []OS{Windows, MacOS, Linux, Android, IOS}

// Browsers lists every supported browser identity
func Browsers() []Browser { return append([]Browser(nil), browsers...) }

// OSes lists every supported OS identity
func OSes() []OS { return append([]OS(nil), oses...) }

// RandomBrowser picks a browser identity uniformly. It is not meant to be
// unpredictable, only to spread selections across identities.
func RandomBrowser() Browser {
	return browsers[rand.Intn(len(browsers))]
}

func RandomOS() OS {
	return oses[rand.Intn(len(oses))]
}

type Header struct {
	Name, Value string
}

type Compression struct {
	Gzip   bool `yaml:"gzip"`
	Brotli bool `yaml:"brotli"`
	Zstd   bool `yaml:"zstd"`
}

type Profile struct {
	Browser Browser
	OS      OS

	TLS         TLSParams
	HTTP2       HTTP2Params
	Headers     []Header // in the order the browser sends them
	Compression Compression
}

// Header returns the value of the default header name, names are lowercase
func (p *Profile) Header(name string) (string, bool) {
	for _, h := range p.Headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

// UserAgent is a shorthand for the user-agent default header
func (p *Profile) UserAgent() string {
	ua, _ := p.Header("user-agent")
	return ua
}

func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	c := *p
	c.TLS = p.TLS.clone()
	c.HTTP2 = p.HTTP2.clone()
	c.Headers = append([]Header(nil), p.Headers...)
	return &c
}

var (
	ErrUnknownBrowser = errors.New("unknown browser identity")
	ErrUnknownOS      = errors.New("unknown os identity")
)

// Get looks up the profile of browser running on os. An empty os means
// [Windows]. The returned profile is owned by the caller.
func Get(browser Browser, os OS) (*Profile, error) {
	if os == "" {
		os = Windows
	}
	profiles, err := registry()
	if err != nil {
		return nil, err
	}
	byOS, ok := profiles[browser]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBrowser, browser)
	}
	p, ok := byOS[os]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOS, os)
	}
	return p.Clone(), nil
}

// Select is like [Get], but picks a random identity for each of browser
// and os that is left empty.
func Select(browser Browser, os OS) (*Profile, error) {
	if browser == "" {
		browser = RandomBrowser()
	}
	if os == "" {
		os = RandomOS()
	}
	return Get(browser, os)
}
