package parser

import (
	"encoding/base64"
	"net/url"
	"strings"
	"unicode"
)

// nameDecodePasses bounds repeated percent-decoding of remarks that were
// encoded more than once by the publisher.
const nameDecodePasses = 3

// DecodeBase64 attempts to decode standard and URL-safe base64 strings,
// automatically fixing missing padding and dropping embedded whitespace.
func DecodeBase64(s string) (string, error) {
	s = stripSpace(s)
	if s == "" {
		return "", nil
	}
	s = strings.TrimRight(s, "=")
	if n := len(s) % 4; n != 0 {
		s += strings.Repeat("=", 4-n)
	}

	b, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return string(b), nil
	}

	b, err = base64.URLEncoding.DecodeString(s)
	if err == nil {
		return string(b), nil
	}

	return "", err
}

// FixIllegalUrl cleans up common issues in pasted links.
func FixIllegalUrl(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

// decodeName percent-decodes a remark up to nameDecodePasses times. When any
// pass fails the raw remark is returned untouched.
func decodeName(raw string) string {
	decoded, ok := percentDecodeRepeated(raw, nameDecodePasses)
	if !ok {
		return raw
	}
	return decoded
}

func percentDecodeRepeated(s string, passes int) (string, bool) {
	for i := 0; i < passes; i++ {
		next, err := url.PathUnescape(s)
		if err != nil {
			return "", false
		}
		if next == s {
			break
		}
		s = next
	}
	return s, true
}

// nameOr returns the decoded remark, or fallback when it is empty.
func nameOr(raw, fallback string) string {
	if name := strings.TrimSpace(decodeName(raw)); name != "" {
		return name
	}
	return fallback
}

// splitFragment separates "body#remark". The remark is returned raw.
func splitFragment(s string) (body, fragment string) {
	body, fragment, _ = strings.Cut(s, "#")
	return body, fragment
}

// applyQuery copies transport and TLS/REALITY query parameters onto p.
func applyQuery(p *Profile, q url.Values) {
	if v := q.Get("type"); v != "" {
		p.Network = v
	}
	if v := q.Get("headerType"); v != "" {
		p.HeaderType = v
	}
	if v := q.Get("host"); v != "" {
		p.Host = v
	}
	if v := q.Get("path"); v != "" {
		p.Path = v
	}
	if v := q.Get("seed"); v != "" {
		p.Seed = v
	}
	if v := q.Get("mode"); v != "" {
		p.Mode = v
	}
	if v := q.Get("serviceName"); v != "" {
		p.ServiceName = v
	}
	if v := q.Get("security"); v != "" {
		p.Security = v
	}
	if v := q.Get("sni"); v != "" {
		p.SNI = v
	}
	if v := q.Get("fp"); v != "" {
		p.Fingerprint = v
	}
	if v := q.Get("alpn"); v != "" {
		p.ALPN = splitList(v)
	}
	if v := q.Get("pbk"); v != "" {
		p.PublicKey = v
	}
	if v := q.Get("sid"); v != "" {
		p.ShortID = v
	}
	if v := q.Get("spx"); v != "" {
		p.SpiderX = v
	}
	if v := q.Get("flow"); v != "" {
		p.Flow = v
	}

	// 1/0/true/false under any of the spellings in the wild
	for _, key := range []string{"allowInsecure", "insecure", "allow_insecure"} {
		if val := q.Get(key); val != "" {
			p.AllowInsecure = val == "1" || val == "true"
			break
		}
	}
}

// normalizeNetwork maps transport aliases onto the names the compiler knows.
func normalizeNetwork(n string) string {
	switch strings.ToLower(n) {
	case "", "raw", "tcp":
		return "tcp"
	case "http", "h2":
		return "h2"
	case "websocket", "ws":
		return "ws"
	case "mkcp", "kcp":
		return "kcp"
	default:
		return n
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
