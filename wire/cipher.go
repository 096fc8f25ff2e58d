package wire

import (
	"crypto/tls"
	"strings"
)

// cipherKeywordSubstr maps an OpenSSL-style cipher-list keyword (as used by
// spec.md §6's TLSCipherList default, "HIGH:!aNULL:!kRSA:!SRP:!PSK:!CAMELLIA:!RC4:!MD5:!DSS")
// to the substring that identifies a matching entry in crypto/tls's suite
// names. Go's tls package has no notion of key-exchange-only restriction
// (kRSA, SRP) or DSS certificates, so those keywords have no entry here and
// are skipped. It never registers NULL, MD5 or CAMELLIA suites either, so
// those entries match nothing and are effectively no-ops.
var cipherKeywordSubstr = map[string]string{
	"anull":    "NULL",
	"enull":    "NULL",
	"null":     "NULL",
	"rc4":      "RC4",
	"md5":      "MD5",
	"camellia": "CAMELLIA",
	"des":      "DES",
	"3des":     "3DES",
	"psk":      "PSK",
	"export":   "EXPORT",
}

// ParseCipherList translates an OpenSSL-style colon-separated cipher list
// (spec.md §6, default "HIGH:!aNULL:!kRSA:!SRP:!PSK:!CAMELLIA:!RC4:!MD5:!DSS")
// into the tls.CipherSuites IDs it selects, for use as tls.Config.CipherSuites.
// The base set is always Go's secure suite list (tls.CipherSuites()), which
// already excludes NULL, export, RC4, MD5 and single-DES ciphers; unprefixed
// keywords other than "HIGH" and "ALL" are ignored, and "!"-prefixed (or
// "-"-prefixed) keywords exclude suites whose name contains the mapped
// substring. An empty list returns nil, letting Go choose its own default.
func ParseCipherList(list string) []uint16 {
	list = strings.TrimSpace(list)
	if list == "" {
		return nil
	}

	base := tls.CipherSuites()
	all := false
	var excluded []string

	for _, tok := range strings.Split(list, ":") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		switch {
		case strings.HasPrefix(tok, "!") || strings.HasPrefix(tok, "-"):
			key := strings.ToLower(strings.TrimLeft(tok, "!-"))
			if sub, ok := cipherKeywordSubstr[key]; ok {
				excluded = append(excluded, sub)
			}
		case strings.EqualFold(tok, "ALL"):
			all = true
		case strings.EqualFold(tok, "HIGH"):
			// already the base set
		}
	}

	suites := base
	if all {
		suites = append(append([]*tls.CipherSuite{}, base...), tls.InsecureCipherSuites()...)
	}

	ids := make([]uint16, 0, len(suites))
	for _, s := range suites {
		if cipherNameExcluded(s.Name, excluded) {
			continue
		}
		ids = append(ids, s.ID)
	}
	return ids
}

func cipherNameExcluded(name string, excluded []string) bool {
	for _, sub := range excluded {
		if strings.Contains(name, sub) {
			return true
		}
	}
	return false
}
