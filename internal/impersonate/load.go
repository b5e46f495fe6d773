package impersonate

import (
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed profiles.yaml
var profilesYAML []byte

type osRecord struct {
	Mobile    string `yaml:"mobile"`
	Platform  string `yaml:"platform"`
	UserAgent string `yaml:"user_agent"`
}

type browserRecord struct {
	Version     int         `yaml:"version"`
	Headers     string      `yaml:"headers"`
	SecChUA     string      `yaml:"sec_ch_ua"`
	TLS         TLSParams   `yaml:"tls"`
	HTTP2       HTTP2Params `yaml:"http2"`
	Compression Compression `yaml:"compression"`
}

type table struct {
	OS       map[OS]osRecord           `yaml:"os"`
	Headers  map[string][][2]string    `yaml:"headers"`
	Browsers map[Browser]browserRecord `yaml:"browsers"`
}

var registry = sync.OnceValues(func() (map[Browser]map[OS]*Profile, error) {
	return parse(profilesYAML)
})

// parse builds every (browser, os) profile described by data
func parse(data []byte) (map[Browser]map[OS]*Profile, error) {
	var t table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("impersonate: parse profiles: %w", err)
	}
	profiles := make(map[Browser]map[OS]*Profile, len(t.Browsers))
	for b, rec := range t.Browsers {
		tmpl, ok := t.Headers[rec.Headers]
		if !ok {
			return nil, fmt.Errorf("impersonate: %s: unknown header set %q", b, rec.Headers)
		}
		if err := rec.TLS.validate(); err != nil {
			return nil, fmt.Errorf("impersonate: %s: %w", b, err)
		}
		version := strconv.Itoa(rec.Version)
		byOS := make(map[OS]*Profile, len(t.OS))
		for os, osRec := range t.OS {
			r := strings.NewReplacer(
				"{{version}}", version,
				"{{sec_ch_ua}}", rec.SecChUA,
				"{{mobile}}", osRec.Mobile,
				"{{platform}}", osRec.Platform,
				"{{user_agent}}", strings.ReplaceAll(osRec.UserAgent, "{{version}}", version),
			)
			headers := make([]Header, len(tmpl))
			for i, kv := range tmpl {
				headers[i] = Header{Name: strings.ToLower(kv[0]), Value: r.Replace(kv[1])}
			}
			byOS[os] = &Profile{
				Browser:     b,
				OS:          os,
				TLS:         rec.TLS.clone(),
				HTTP2:       rec.HTTP2.clone(),
				Headers:     headers,
				Compression: rec.Compression,
			}
		}
		profiles[b] = byOS
	}
	return profiles, nil
}
