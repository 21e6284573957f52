package xray

import (
	"fmt"
	"path/filepath"
	"strconv"

	"vlyne/internal/config"
	"vlyne/internal/xray/parser"
)

// Outbound tags referenced by routing rules.
const (
	TagProxy    = "proxy"
	TagDirect   = "direct"
	TagBlock    = "block"
	TagFragment = "fragment"
)

const (
	defaultFingerprint    = "chrome"
	defaultMuxConcurrency = 8
)

// Compile turns the active profile and the user settings into the engine
// document. It performs no I/O; the same inputs always yield an equal Config.
//
// The primary outbound is always outbounds[0]. The engine sends traffic that
// matches no rule to the first outbound, which is what "global" relies on.
func Compile(p *parser.Profile, s config.Settings) (*Config, error) {
	primary, err := buildOutbound(p, s)
	if err != nil {
		return nil, err
	}

	outbounds := []Outbound{
		*primary,
		{Tag: TagDirect, Protocol: "freedom"},
		{Tag: TagBlock, Protocol: "blackhole"},
	}
	if frag := fragmentFor(p, s); frag != nil {
		outbounds = append(outbounds, fragmentOutbound(frag))
	}

	return &Config{
		Log:       buildLog(s.Core),
		DNS:       buildDNS(s.DNS),
		Inbounds:  buildInbounds(s.Inbound),
		Outbounds: outbounds,
		Routing:   buildRouting(s.Routing),
	}, nil
}

// --- Log / DNS / Inbounds ---

func buildLog(c config.CoreSettings) LogConfig {
	l := LogConfig{LogLevel: c.LogLevel, Access: "none", Error: "none"}
	if l.LogLevel == "" {
		l.LogLevel = "warning"
	}
	if c.AccessLog {
		l.Access = filepath.Join(c.LogDir, "access.log")
	}
	if c.ErrorLog {
		l.Error = ErrorLogPath(c)
	}
	return l
}

// ErrorLogPath is where the engine writes its error log for the given settings.
func ErrorLogPath(c config.CoreSettings) string {
	return filepath.Join(c.LogDir, "error.log")
}

func buildDNS(d config.DNSSettings) DNSConfig {
	return DNSConfig{
		Servers:       []string{d.PrimaryDNS, d.FallbackDNS},
		QueryStrategy: d.Strategy,
	}
}

func buildInbounds(in config.InboundSettings) []Inbound {
	listen := "127.0.0.1"
	if in.AllowLAN {
		listen = "0.0.0.0"
	}
	settings := InboundSettings{Auth: "noauth", UDP: in.UDPSupport}

	return []Inbound{
		{
			Tag:      "socks-in",
			Port:     in.SocksPort,
			Listen:   listen,
			Protocol: "socks",
			Settings: settings,
			Sniffing: &SniffingConfig{
				Enabled:      in.Sniffing,
				DestOverride: []string{"http", "tls"},
			},
		},
		{
			Tag:      "http-in",
			Port:     in.HTTPPort,
			Listen:   listen,
			Protocol: "http",
			Settings: settings,
			Sniffing: &SniffingConfig{Enabled: in.Sniffing},
		},
	}
}

// --- Outbounds ---

func buildOutbound(p *parser.Profile, s config.Settings) (*Outbound, error) {
	port, err := strconv.Atoi(p.Port)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %q for %s", p.Port, p.Address)
	}

	out := &Outbound{Tag: TagProxy, Protocol: string(p.Protocol)}

	switch c := p.Credential.(type) {
	case parser.VLESSCredential:
		flow := p.Flow
		out.Settings = VnextSettings{Vnext: []VnextServer{{
			Address: p.Address,
			Port:    port,
			Users:   []VnextUser{{ID: c.UUID, Encryption: "none", Flow: &flow}},
		}}}
	case parser.VMessCredential:
		alterID := c.AlterID
		cipher := c.Cipher
		if cipher == "" {
			cipher = "auto"
		}
		out.Settings = VnextSettings{Vnext: []VnextServer{{
			Address: p.Address,
			Port:    port,
			Users:   []VnextUser{{ID: c.UUID, AlterID: &alterID, Security: cipher}},
		}}}
	case parser.TrojanCredential:
		out.Settings = ServersSettings{Servers: []Server{{
			Address:  p.Address,
			Port:     port,
			Password: c.Password,
		}}}
	case parser.ShadowsocksCredential:
		out.Settings = ServersSettings{Servers: []Server{{
			Address:  p.Address,
			Port:     port,
			Method:   c.Method,
			Password: c.Password,
		}}}
	default:
		return nil, fmt.Errorf("protocol conversion not implemented: %s", p.Protocol)
	}
	if !p.Valid() {
		return nil, fmt.Errorf("credential does not match protocol %s", p.Protocol)
	}

	out.StreamSettings = buildStreamSettings(p)
	if fragmentFor(p, s) != nil {
		out.StreamSettings.Sockopt = &Sockopt{DialerProxy: TagFragment}
	}
	out.Mux = muxFor(p, s)

	return out, nil
}

func buildStreamSettings(p *parser.Profile) *StreamSettings {
	network := p.Network
	if network == "" {
		network = "tcp"
	}
	security := p.Security
	if security == "" {
		security = "none"
	}
	ss := &StreamSettings{Network: network, Security: security}

	switch network {
	case "tcp":
		ss.TCPSettings = &TCPSettings{Header: header(p.HeaderType)}
	case "ws":
		ss.WSSettings = &WSSettings{
			Path:    orDefault(p.Path, "/"),
			Headers: map[string]string{"Host": p.Host},
		}
	case "grpc":
		ss.GRPCSettings = &GRPCSettings{
			ServiceName: p.ServiceName,
			MultiMode:   p.Mode == "multi",
		}
	case "h2":
		hosts := []string{}
		if p.Host != "" {
			hosts = append(hosts, p.Host)
		}
		ss.HTTPSettings = &HTTPSettings{Host: hosts, Path: orDefault(p.Path, "/")}
	case "quic":
		ss.QUICSettings = &QUICSettings{
			Security: orDefault(p.HeaderType, "none"),
			Key:      p.Path,
			Header:   header(p.HeaderType),
		}
	case "kcp":
		ss.KCPSettings = &KCPSettings{
			MTU:              1350,
			TTI:              50,
			UplinkCapacity:   12,
			DownlinkCapacity: 100,
			Congestion:       false,
			ReadBufferSize:   2,
			WriteBufferSize:  2,
			Header:           header(p.HeaderType),
			Seed:             p.Seed,
		}
	}

	switch security {
	case "tls":
		alpn := p.ALPN
		if alpn == nil {
			alpn = []string{}
		}
		ss.TLSSettings = &TLSSettings{
			ServerName:    orDefault(p.SNI, p.Address),
			AllowInsecure: p.AllowInsecure,
			ALPN:          alpn,
			Fingerprint:   orDefault(p.Fingerprint, defaultFingerprint),
		}
	case "reality":
		ss.RealitySettings = &RealitySettings{
			Show:        false,
			Fingerprint: orDefault(p.Fingerprint, defaultFingerprint),
			ServerName:  orDefault(p.SNI, p.Address),
			PublicKey:   p.PublicKey,
			ShortID:     p.ShortID,
			SpiderX:     orDefault(p.SpiderX, "/"),
		}
	}

	return ss
}

// muxFor merges the global multiplex switch with a per-profile override.
func muxFor(p *parser.Profile, s config.Settings) *MuxConfig {
	enabled := s.Advanced.Mux.Enabled
	concurrency := s.Advanced.Mux.Concurrency
	if p.Mux != nil {
		enabled = enabled || p.Mux.Enabled
		if p.Mux.Concurrency > 0 {
			concurrency = p.Mux.Concurrency
		}
	}
	if !enabled {
		return nil
	}
	if concurrency <= 0 {
		concurrency = defaultMuxConcurrency
	}
	return &MuxConfig{Enabled: true, Concurrency: concurrency}
}

func fragmentFor(p *parser.Profile, s config.Settings) *FragmentConfig {
	f := s.Advanced.Fragment
	frag := &FragmentConfig{Packets: f.Packets, Length: f.Length, Interval: f.Interval}
	enabled := f.Enabled

	if p.Fragment != nil && p.Fragment.Enabled {
		enabled = true
		frag.Packets = orDefault(p.Fragment.Packets, frag.Packets)
		frag.Length = orDefault(p.Fragment.Length, frag.Length)
		frag.Interval = orDefault(p.Fragment.Interval, frag.Interval)
	}
	if !enabled {
		return nil
	}
	return frag
}

func fragmentOutbound(frag *FragmentConfig) Outbound {
	return Outbound{
		Tag:      TagFragment,
		Protocol: "freedom",
		Settings: FreedomSettings{Fragment: frag},
		StreamSettings: &StreamSettings{
			Sockopt: &Sockopt{TCPKeepAliveIdle: 100, Mark: 255},
		},
	}
}

// --- Routing ---

func buildRouting(r config.RoutingSettings) RoutingConfig {
	rules := []RoutingRule{}

	switch r.Mode {
	case config.ModeBypassLAN:
		rules = append(rules, RoutingRule{Type: "field", OutboundTag: TagDirect, IP: []string{"geoip:private"}})
	case config.ModeBypassChina:
		rules = append(rules,
			RoutingRule{Type: "field", OutboundTag: TagDirect, IP: []string{"geoip:private", "geoip:cn"}},
			RoutingRule{Type: "field", OutboundTag: TagDirect, Domain: []string{"geosite:cn"}},
		)
	case config.ModeCustom:
		for _, cr := range r.CustomRules {
			if rule, ok := customRule(cr); ok {
				rules = append(rules, rule)
			}
		}
	}

	return RoutingConfig{DomainStrategy: r.DomainStrategy, Rules: rules}
}

func customRule(cr config.RoutingRule) (RoutingRule, bool) {
	rule := RoutingRule{Type: "field", OutboundTag: outboundTag(cr.Outbound)}
	switch cr.Type {
	case "domain":
		rule.Domain = []string{cr.Value}
	case "ip":
		rule.IP = []string{cr.Value}
	case "port":
		rule.Port = cr.Value
	default:
		return rule, false
	}
	return rule, true
}

func outboundTag(name string) string {
	switch name {
	case TagProxy:
		return TagProxy
	case TagBlock:
		return TagBlock
	default:
		return TagDirect
	}
}

// --- helpers ---

func header(t string) HeaderConfig {
	return HeaderConfig{Type: orDefault(t, "none")}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
