package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrUnsupportedScheme = errors.New("unsupported scheme")
	ErrMalformedURI      = errors.New("malformed uri")
	ErrMalformedPayload  = errors.New("malformed payload")
)

const (
	prefixVLESS  = "vless://"
	prefixVMess  = "vmess://"
	prefixTrojan = "trojan://"
	prefixSS     = "ss://"
)

var legacySSPattern = regexp.MustCompile(`^(.+?):(.+?)@(.+?):(\d+)$`)

// Parse decodes one share link into a Profile. It never returns a partially
// filled profile: on failure the error wraps one of ErrUnsupportedScheme,
// ErrMalformedURI or ErrMalformedPayload.
func Parse(raw string) (*Profile, error) {
	link := FixIllegalUrl(raw)

	var (
		p   *Profile
		err error
	)
	switch {
	case strings.HasPrefix(link, prefixVLESS):
		p, err = parseVLESS(link)
	case strings.HasPrefix(link, prefixVMess):
		p, err = parseVMess(link)
	case strings.HasPrefix(link, prefixTrojan):
		p, err = parseTrojan(link)
	case strings.HasPrefix(link, prefixSS):
		p, err = parseShadowsocks(link)
	default:
		scheme, _, _ := strings.Cut(link, "://")
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
	if err != nil {
		return nil, err
	}

	p.ID = uuid.NewString()
	p.Status = StatusDisconnected
	p.OriginalLink = raw
	p.Network = normalizeNetwork(p.Network)
	return p, nil
}

// --- VLESS, Trojan (Generic URI) ---

func parseAuthority(link string) (*url.URL, string, error) {
	body, fragment := splitFragment(link)

	u, err := url.Parse(body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMalformedURI, err)
	}
	if u.Hostname() == "" {
		return nil, "", fmt.Errorf("%w: missing host", ErrMalformedURI)
	}
	if u.Port() == "" {
		return nil, "", fmt.Errorf("%w: missing port", ErrMalformedURI)
	}
	if u.User == nil || u.User.Username() == "" {
		return nil, "", fmt.Errorf("%w: missing credential", ErrMalformedURI)
	}
	return u, fragment, nil
}

func parseVLESS(link string) (*Profile, error) {
	u, fragment, err := parseAuthority(link)
	if err != nil {
		return nil, err
	}

	p := &Profile{
		Name:     nameOr(fragment, "Unnamed Server"),
		Protocol: VLESS,
		Address:  u.Hostname(),
		Port:     u.Port(),
		Security: "none",
		Network:  "tcp",
		Credential: VLESSCredential{
			UUID:       u.User.Username(),
			Encryption: "none",
		},
	}
	applyQuery(p, u.Query())
	return p, nil
}

func parseTrojan(link string) (*Profile, error) {
	u, fragment, err := parseAuthority(link)
	if err != nil {
		return nil, err
	}

	password := u.User.Username()
	if rest, ok := u.User.Password(); ok {
		password += ":" + rest
	}

	p := &Profile{
		Name:       nameOr(fragment, "Unnamed Trojan Server"),
		Protocol:   Trojan,
		Address:    u.Hostname(),
		Port:       u.Port(),
		Security:   "tls",
		Network:    "tcp",
		Credential: TrojanCredential{Password: password},
	}
	applyQuery(p, u.Query())
	return p, nil
}

// --- VMess (base64 JSON) ---

func parseVMess(link string) (*Profile, error) {
	payload := strings.TrimPrefix(link, prefixVMess)
	payload, _ = splitFragment(payload)

	decoded, err := DecodeBase64(payload)
	if err != nil || decoded == "" {
		return nil, fmt.Errorf("%w: vmess base64: %v", ErrMalformedPayload, err)
	}

	var fields map[string]any
	dec := json.NewDecoder(bytes.NewReader([]byte(decoded)))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("%w: vmess json: %v", ErrMalformedPayload, err)
	}

	get := func(key string) string { return stringify(fields[key]) }

	if get("add") == "" || get("port") == "" {
		return nil, fmt.Errorf("%w: vmess missing address or port", ErrMalformedPayload)
	}

	alterID, err := strconv.Atoi(get("aid"))
	if err != nil {
		alterID = 0
	}
	cipher := get("scy")
	if cipher == "" {
		cipher = "auto"
	}

	p := &Profile{
		Name:        nameOr(get("ps"), "Unnamed VMess Server"),
		Protocol:    VMess,
		Address:     get("add"),
		Port:        get("port"),
		Network:     get("net"),
		HeaderType:  get("type"),
		Host:        get("host"),
		Path:        get("path"),
		SNI:         get("sni"),
		Fingerprint: get("fp"),
		PublicKey:   get("pbk"),
		ShortID:     get("sid"),
		SpiderX:     get("spx"),
		Credential: VMessCredential{
			UUID:    get("id"),
			AlterID: alterID,
			Cipher:  cipher,
		},
	}
	if p.Network == "" {
		p.Network = "tcp"
	}
	if alpn := get("alpn"); alpn != "" {
		p.ALPN = splitList(alpn)
	}

	switch get("tls") {
	case "tls":
		p.Security = "tls"
	case "reality":
		p.Security = "reality"
	default:
		p.Security = "none"
	}

	// grpc and kcp reuse the generic path/type keys
	switch p.Network {
	case "grpc":
		p.ServiceName = p.Path
		p.Mode = p.HeaderType
	case "kcp", "mkcp":
		p.Seed = p.Path
	}

	return p, nil
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}

// --- Shadowsocks ---

// parseShadowsocks accepts SIP002 ("ss://userinfo@host:port?plugin=..#name")
// and the legacy form where everything before "#" is base64 of
// "method:password@host:port". The legacy payload never contains "@"
// because it is outside the base64 alphabet, so the presence of "@" in the
// authority part selects SIP002.
func parseShadowsocks(link string) (*Profile, error) {
	body, fragment := splitFragment(strings.TrimPrefix(link, prefixSS))
	name := nameOr(fragment, "Unnamed SS Server")

	authority, query, _ := strings.Cut(body, "?")
	if strings.Contains(authority, "@") {
		return parseSIP002(authority, query, name)
	}
	return parseLegacySS(authority, name)
}

func parseSIP002(authority, query, name string) (*Profile, error) {
	at := strings.LastIndex(authority, "@")
	userinfo, hostPart := authority[:at], authority[at+1:]

	raw := "ss://" + hostPart
	if query != "" {
		raw += "?" + query
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedURI, err)
	}
	if u.Hostname() == "" || u.Port() == "" {
		return nil, fmt.Errorf("%w: missing host or port", ErrMalformedURI)
	}

	method, password, err := splitSSUserinfo(userinfo)
	if err != nil {
		return nil, err
	}

	q := u.Query()
	return &Profile{
		Name:     name,
		Protocol: Shadowsocks,
		Address:  u.Hostname(),
		Port:     u.Port(),
		Network:  "tcp",
		Security: "none",
		Credential: ShadowsocksCredential{
			Method:     method,
			Password:   password,
			Plugin:     q.Get("plugin"),
			PluginOpts: q.Get("plugin-opts"),
		},
	}, nil
}

// splitSSUserinfo handles both "method:password" and base64("method:password").
func splitSSUserinfo(userinfo string) (string, string, error) {
	if unescaped, err := url.PathUnescape(userinfo); err == nil {
		userinfo = unescaped
	}

	if method, password, ok := strings.Cut(userinfo, ":"); ok {
		return method, password, nil
	}

	decoded, err := DecodeBase64(userinfo)
	if err != nil {
		return "", "", fmt.Errorf("%w: shadowsocks userinfo: %v", ErrMalformedPayload, err)
	}
	method, password, ok := strings.Cut(decoded, ":")
	if !ok || method == "" {
		return "", "", fmt.Errorf("%w: shadowsocks userinfo has no method", ErrMalformedPayload)
	}
	return method, password, nil
}

func parseLegacySS(payload, name string) (*Profile, error) {
	decoded, err := DecodeBase64(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: shadowsocks base64: %v", ErrMalformedPayload, err)
	}

	m := legacySSPattern.FindStringSubmatch(strings.TrimSpace(decoded))
	if m == nil {
		return nil, fmt.Errorf("%w: shadowsocks legacy payload", ErrMalformedPayload)
	}

	return &Profile{
		Name:     name,
		Protocol: Shadowsocks,
		Address:  strings.Trim(m[3], "[]"),
		Port:     m[4],
		Network:  "tcp",
		Security: "none",
		Credential: ShadowsocksCredential{
			Method:   m[1],
			Password: m[2],
		},
	}, nil
}
