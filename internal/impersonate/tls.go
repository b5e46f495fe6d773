package impersonate

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"

	utls "github.com/refraction-networking/utls"
	"gopkg.in/yaml.v3"
)

// Backend is the TLS implementation a profile's handshake is built with.
type Backend int

const (
	// BackendUTLS shapes the ClientHello byte for byte, see [TLSParams.ClientHelloSpec]
	BackendUTLS Backend = iota
	// BackendCryptoTLS only carries over what crypto/tls lets us configure
	BackendCryptoTLS
)

func (b Backend) String() string {
	switch b {
	case BackendUTLS:
		return "utls"
	case BackendCryptoTLS:
		return "crypto_tls"
	}
	return fmt.Sprintf("Backend(%d)", int(b))
}

func (b *Backend) UnmarshalYAML(n *yaml.Node) error {
	switch n.Value {
	case "", "utls":
		*b = BackendUTLS
	case "crypto_tls":
		*b = BackendCryptoTLS
	default:
		return fmt.Errorf("unknown tls backend %q", n.Value)
	}
	return nil
}

// Version is a TLS protocol version, written as "1.2" in profile tables
type Version uint16

var versions = map[string]Version{
	"1.0": tls.VersionTLS10, "1.1": tls.VersionTLS11,
	"1.2": tls.VersionTLS12, "1.3": tls.VersionTLS13,
}

func (v *Version) UnmarshalYAML(n *yaml.Node) error {
	ver, ok := versions[n.Value]
	if !ok {
		return fmt.Errorf("unknown tls version %q", n.Value)
	}
	*v = ver
	return nil
}

func (v Version) String() string {
	for k, ver := range versions {
		if ver == v {
			return k
		}
	}
	return fmt.Sprintf("0x%04x", uint16(v))
}

var cipherSuites = map[string]uint16{
	"TLS_AES_128_GCM_SHA256":       tls.TLS_AES_128_GCM_SHA256,
	"TLS_AES_256_GCM_SHA384":       tls.TLS_AES_256_GCM_SHA384,
	"TLS_CHACHA20_POLY1305_SHA256": tls.TLS_CHACHA20_POLY1305_SHA256,

	"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256":       tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	"TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256":         tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	"TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384":       tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	"TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384":         tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	"TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256": tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	"TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256":   tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	"TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA":          tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA,
	"TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA":          tls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA,
	"TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA":            tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
	"TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA":            tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
	"TLS_RSA_WITH_AES_128_GCM_SHA256":               tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
	"TLS_RSA_WITH_AES_256_GCM_SHA384":               tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
	"TLS_RSA_WITH_AES_128_CBC_SHA":                  tls.TLS_RSA_WITH_AES_128_CBC_SHA,
	"TLS_RSA_WITH_AES_256_CBC_SHA":                  tls.TLS_RSA_WITH_AES_256_CBC_SHA,
}

var tls13Suites = map[uint16]bool{
	tls.TLS_AES_128_GCM_SHA256:       true,
	tls.TLS_AES_256_GCM_SHA384:       true,
	tls.TLS_CHACHA20_POLY1305_SHA256: true,
}

// names follow the IANA TLS SignatureScheme registry
var signatureSchemes = map[string]tls.SignatureScheme{
	"ecdsa_secp256r1_sha256": tls.ECDSAWithP256AndSHA256,
	"ecdsa_secp384r1_sha384": tls.ECDSAWithP384AndSHA384,
	"ecdsa_secp521r1_sha512": tls.ECDSAWithP521AndSHA512,
	"rsa_pss_rsae_sha256":    tls.PSSWithSHA256,
	"rsa_pss_rsae_sha384":    tls.PSSWithSHA384,
	"rsa_pss_rsae_sha512":    tls.PSSWithSHA512,
	"rsa_pkcs1_sha256":       tls.PKCS1WithSHA256,
	"rsa_pkcs1_sha384":       tls.PKCS1WithSHA384,
	"rsa_pkcs1_sha512":       tls.PKCS1WithSHA512,
	"rsa_pkcs1_sha1":         tls.PKCS1WithSHA1,
	"ecdsa_sha1":             tls.ECDSAWithSHA1,
	"ed25519":                tls.Ed25519,
}

var curves = map[string]tls.CurveID{
	"X25519": tls.X25519,
	"P-256":  tls.CurveP256,
	"P-384":  tls.CurveP384,
	"P-521":  tls.CurveP521,
}

var certCompressions = map[string]utls.CertCompressionAlgo{
	"zlib":   utls.CertCompressionZlib,
	"brotli": utls.CertCompressionBrotli,
	"zstd":   utls.CertCompressionZstd,
}

// TLSParams describes a ClientHello.
type TLSParams struct {
	Backend              Backend  `yaml:"backend"`
	Ciphers              []string `yaml:"ciphers"` // IANA names, in order
	Sigalgs              []string `yaml:"sigalgs"`
	Curves               []string `yaml:"curves"`
	ALPN                 []string `yaml:"alpn"`
	ALPS                 []string `yaml:"alps"` // protocols advertised in the application settings extension
	MinVersion           Version  `yaml:"min_version"`
	MaxVersion           Version  `yaml:"max_version"`
	CertCompression      []string `yaml:"cert_compression"`
	OCSPStapling         bool     `yaml:"ocsp_stapling"`
	SignedCertTimestamps bool     `yaml:"signed_cert_timestamps"`
	GREASE               bool     `yaml:"grease"`
}

func (p TLSParams) clone() TLSParams {
	p.Ciphers = append([]string(nil), p.Ciphers...)
	p.Sigalgs = append([]string(nil), p.Sigalgs...)
	p.Curves = append([]string(nil), p.Curves...)
	p.ALPN = append([]string(nil), p.ALPN...)
	p.ALPS = append([]string(nil), p.ALPS...)
	p.CertCompression = append([]string(nil), p.CertCompression...)
	return p
}

// CipherList returns the cipher suites joined by colons
func (p *TLSParams) CipherList() string {
	return strings.Join(p.Ciphers, ":")
}

// SigalgsList returns the signature algorithms joined by colons
func (p *TLSParams) SigalgsList() string {
	return strings.Join(p.Sigalgs, ":")
}

// WithoutALPN returns a copy of p that doesn't offer proto.
// the resulting handshake no longer matches the browser.
func (p TLSParams) WithoutALPN(proto string) TLSParams {
	p = p.clone()
	filter := func(s []string) []string {
		out := s[:0]
		for _, v := range s {
			if v != proto {
				out = append(out, v)
			}
		}
		return out
	}
	p.ALPN, p.ALPS = filter(p.ALPN), filter(p.ALPS)
	return p
}

func lookupAll[T any](kind string, names []string, table map[string]T) ([]T, error) {
	out := make([]T, 0, len(names))
	for _, n := range names {
		v, ok := table[n]
		if !ok {
			return nil, fmt.Errorf("unknown %s %q", kind, n)
		}
		out = append(out, v)
	}
	return out, nil
}

func (p *TLSParams) validate() error {
	if p.MinVersion == 0 || p.MaxVersion == 0 || p.MinVersion > p.MaxVersion {
		return errors.New("invalid tls version range " + p.MinVersion.String() + "-" + p.MaxVersion.String())
	}
	if _, err := lookupAll("cipher suite", p.Ciphers, cipherSuites); err != nil {
		return err
	}
	if _, err := lookupAll("signature algorithm", p.Sigalgs, signatureSchemes); err != nil {
		return err
	}
	if _, err := lookupAll("curve", p.Curves, curves); err != nil {
		return err
	}
	if len(p.Curves) == 0 {
		return errors.New("no curves configured")
	}
	_, err := lookupAll("certificate compression", p.CertCompression, certCompressions)
	return err
}

// ClientHelloSpec builds the extension list of a BoringSSL based browser.
// GREASE values are placeholders, they are randomized for every handshake.
func (p *TLSParams) ClientHelloSpec() (*utls.ClientHelloSpec, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	suites, _ := lookupAll("cipher suite", p.Ciphers, cipherSuites)
	schemes, _ := lookupAll("signature algorithm", p.Sigalgs, signatureSchemes)
	groups, _ := lookupAll("curve", p.Curves, curves)
	algs, _ := lookupAll("certificate compression", p.CertCompression, certCompressions)

	var (
		ciphers       []uint16
		curveIDs      []utls.CurveID
		keyShares     []utls.KeyShare
		versionsOffer []uint16
		sigalgs       = make([]utls.SignatureScheme, len(schemes))
	)
	if p.GREASE {
		ciphers = append(ciphers, utls.GREASE_PLACEHOLDER)
		curveIDs = append(curveIDs, utls.CurveID(utls.GREASE_PLACEHOLDER))
		keyShares = append(keyShares, utls.KeyShare{Group: utls.CurveID(utls.GREASE_PLACEHOLDER), Data: []byte{0}})
		versionsOffer = append(versionsOffer, utls.GREASE_PLACEHOLDER)
	}
	ciphers = append(ciphers, suites...)
	for _, g := range groups {
		curveIDs = append(curveIDs, utls.CurveID(g))
	}
	keyShares = append(keyShares, utls.KeyShare{Group: utls.CurveID(groups[0])})
	for v := p.MaxVersion; v >= p.MinVersion; v-- {
		versionsOffer = append(versionsOffer, uint16(v))
	}
	for i, s := range schemes {
		sigalgs[i] = utls.SignatureScheme(s)
	}

	var exts []utls.TLSExtension
	if p.GREASE {
		exts = append(exts, &utls.UtlsGREASEExtension{})
	}
	exts = append(exts,
		&utls.SNIExtension{},
		&utls.ExtendedMasterSecretExtension{},
		&utls.RenegotiationInfoExtension{Renegotiation: utls.RenegotiateOnceAsClient},
		&utls.SupportedCurvesExtension{Curves: curveIDs},
		&utls.SupportedPointsExtension{SupportedPoints: []byte{0}}, // uncompressed
		&utls.SessionTicketExtension{},
	)
	if len(p.ALPN) > 0 {
		exts = append(exts, &utls.ALPNExtension{AlpnProtocols: append([]string(nil), p.ALPN...)})
	}
	if p.OCSPStapling {
		exts = append(exts, &utls.StatusRequestExtension{})
	}
	exts = append(exts, &utls.SignatureAlgorithmsExtension{SupportedSignatureAlgorithms: sigalgs})
	if p.SignedCertTimestamps {
		exts = append(exts, &utls.SCTExtension{})
	}
	if p.MaxVersion >= tls.VersionTLS13 {
		exts = append(exts,
			&utls.KeyShareExtension{KeyShares: keyShares},
			&utls.PSKKeyExchangeModesExtension{Modes: []uint8{utls.PskModeDHE}},
			&utls.SupportedVersionsExtension{Versions: versionsOffer},
		)
	}
	if len(algs) > 0 {
		exts = append(exts, &utls.UtlsCompressCertExtension{Algorithms: algs})
	}
	if len(p.ALPS) > 0 {
		exts = append(exts, &utls.ApplicationSettingsExtension{SupportedProtocols: append([]string(nil), p.ALPS...)})
	}
	if p.GREASE {
		exts = append(exts, &utls.UtlsGREASEExtension{})
	}
	exts = append(exts, &utls.UtlsPaddingExtension{GetPaddingLen: utls.BoringPaddingStyle})

	return &utls.ClientHelloSpec{
		TLSVersMin:         uint16(p.MinVersion),
		TLSVersMax:         uint16(p.MaxVersion),
		CipherSuites:       ciphers,
		CompressionMethods: []uint8{0},
		Extensions:         exts,
	}, nil
}

// StdConfig applies what crypto/tls can express of p onto a copy of base.
// TLS 1.3 cipher suites and extension order are not configurable there.
func (p *TLSParams) StdConfig(base *tls.Config) (*tls.Config, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	cfg := base.Clone()
	if cfg == nil {
		cfg = &tls.Config{}
	}
	suites, _ := lookupAll("cipher suite", p.Ciphers, cipherSuites)
	cfg.CipherSuites = nil
	for _, s := range suites {
		if !tls13Suites[s] {
			cfg.CipherSuites = append(cfg.CipherSuites, s)
		}
	}
	cfg.CurvePreferences, _ = lookupAll("curve", p.Curves, curves)
	cfg.NextProtos = append([]string(nil), p.ALPN...)
	cfg.MinVersion, cfg.MaxVersion = uint16(p.MinVersion), uint16(p.MaxVersion)
	return cfg, nil
}
