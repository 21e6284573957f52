package xray

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"vlyne/internal/config"
	"vlyne/internal/xray/parser"
)

func mustParse(t *testing.T, link string) *parser.Profile {
	t.Helper()
	p, err := parser.Parse(link)
	if err != nil {
		t.Fatalf("Parse(%q) error = %v", link, err)
	}
	return p
}

func testSettings() config.Settings {
	s := config.DefaultSettings()
	s.Core.LogDir = "/var/log/vlyne"
	return s
}

func TestCompileIsByteDeterministic(t *testing.T) {
	p := mustParse(t, "vless://uuid@1.2.3.4:443?security=tls&type=ws&path=%2Fws&host=h.example&sni=example.com#A")
	s := testSettings()
	s.Advanced.Mux.Enabled = true
	s.Advanced.Fragment.Enabled = true

	first, err := Compile(p, s)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Compile(p, s)
	if err != nil {
		t.Fatal(err)
	}

	a, _ := first.Marshal()
	b, _ := second.Marshal()
	if !bytes.Equal(a, b) {
		t.Fatalf("compile output differs:\n%s\n---\n%s", a, b)
	}
}

func TestCompileTopLevelKeyOrder(t *testing.T) {
	cfg, err := Compile(mustParse(t, "vless://id@h:443"), testSettings())
	if err != nil {
		t.Fatal(err)
	}
	out, _ := cfg.Marshal()
	doc := string(out)

	keys := []string{`"log"`, `"dns"`, `"inbounds"`, `"outbounds"`, `"routing"`}
	last := -1
	for _, k := range keys {
		idx := strings.Index(doc, k)
		if idx < 0 || idx < last {
			t.Fatalf("key %s out of order in\n%s", k, doc)
		}
		last = idx
	}
}

func TestCompileRoutingModes(t *testing.T) {
	p := mustParse(t, "vless://id@h:443")

	tests := []struct {
		mode  string
		rules []RoutingRule
	}{
		{config.ModeGlobal, []RoutingRule{}},
		{config.ModeBypassLAN, []RoutingRule{
			{Type: "field", OutboundTag: TagDirect, IP: []string{"geoip:private"}},
		}},
		{config.ModeBypassChina, []RoutingRule{
			{Type: "field", OutboundTag: TagDirect, IP: []string{"geoip:private", "geoip:cn"}},
			{Type: "field", OutboundTag: TagDirect, Domain: []string{"geosite:cn"}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			s := testSettings()
			s.Routing.Mode = tt.mode
			s.Routing.DomainStrategy = "AsIs"

			cfg, err := Compile(p, s)
			if err != nil {
				t.Fatal(err)
			}
			if cfg.Routing.DomainStrategy != "AsIs" {
				t.Errorf("DomainStrategy = %q", cfg.Routing.DomainStrategy)
			}
			got, _ := json.Marshal(cfg.Routing.Rules)
			want, _ := json.Marshal(tt.rules)
			if !bytes.Equal(got, want) {
				t.Errorf("rules = %s, want %s", got, want)
			}
		})
	}
}

func TestCompileGlobalRoutesThroughFirstOutbound(t *testing.T) {
	s := testSettings()
	s.Routing.Mode = config.ModeGlobal
	s.Advanced.Fragment.Enabled = true

	cfg, err := Compile(mustParse(t, "trojan://pw@h:443"), s)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Outbounds[0].Tag != TagProxy {
		t.Fatalf("first outbound = %q, want proxy", cfg.Outbounds[0].Tag)
	}
	out, _ := cfg.Marshal()
	if !strings.Contains(string(out), `"rules": []`) {
		t.Errorf("global mode should emit an empty rule list:\n%s", out)
	}
}

func TestCompileCustomRules(t *testing.T) {
	s := testSettings()
	s.Routing.Mode = config.ModeCustom
	s.Routing.CustomRules = []config.RoutingRule{
		{ID: "1", Type: "domain", Value: "example.com", Outbound: "proxy"},
		{ID: "2", Type: "ip", Value: "10.0.0.0/8", Outbound: "block"},
		{ID: "3", Type: "port", Value: "443", Outbound: "direct"},
		{ID: "4", Type: "domain", Value: "x.example", Outbound: "anything-else"},
		{ID: "5", Type: "protocol", Value: "bittorrent", Outbound: "block"},
	}

	cfg, err := Compile(mustParse(t, "vless://id@h:443"), s)
	if err != nil {
		t.Fatal(err)
	}

	rules := cfg.Routing.Rules
	if len(rules) != 4 {
		t.Fatalf("got %d rules, want 4: %+v", len(rules), rules)
	}
	if rules[0].OutboundTag != TagProxy || rules[0].Domain[0] != "example.com" {
		t.Errorf("rule 0 = %+v", rules[0])
	}
	if rules[1].OutboundTag != TagBlock || rules[1].IP[0] != "10.0.0.0/8" {
		t.Errorf("rule 1 = %+v", rules[1])
	}
	if rules[2].OutboundTag != TagDirect || rules[2].Port != "443" {
		t.Errorf("rule 2 = %+v", rules[2])
	}
	if rules[3].OutboundTag != TagDirect {
		t.Errorf("unknown outbound should map to direct, got %+v", rules[3])
	}
}

func TestCompileInbounds(t *testing.T) {
	p := mustParse(t, "vless://id@h:443")

	for _, allowLAN := range []bool{false, true} {
		s := testSettings()
		s.Inbound.AllowLAN = allowLAN
		s.Inbound.UDPSupport = false

		cfg, err := Compile(p, s)
		if err != nil {
			t.Fatal(err)
		}
		if len(cfg.Inbounds) != 2 {
			t.Fatalf("got %d inbounds", len(cfg.Inbounds))
		}

		want := "127.0.0.1"
		if allowLAN {
			want = "0.0.0.0"
		}
		socks, http := cfg.Inbounds[0], cfg.Inbounds[1]
		if socks.Protocol != "socks" || socks.Port != 10806 || socks.Listen != want {
			t.Errorf("socks inbound = %+v", socks)
		}
		if http.Protocol != "http" || http.Port != 10810 || http.Listen != want {
			t.Errorf("http inbound = %+v", http)
		}
		if socks.Settings.UDP || http.Settings.UDP {
			t.Error("udp flag should follow settings")
		}
		if len(socks.Sniffing.DestOverride) != 2 || len(http.Sniffing.DestOverride) != 0 {
			t.Errorf("sniffing = %+v / %+v", socks.Sniffing, http.Sniffing)
		}
	}
}

func TestCompileLogAndDNS(t *testing.T) {
	s := testSettings()
	s.Core.AccessLog = false
	s.Core.ErrorLog = true
	s.Core.LogLevel = "debug"

	cfg, err := Compile(mustParse(t, "vless://id@h:443"), s)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Log.LogLevel != "debug" || cfg.Log.Access != "none" {
		t.Errorf("log = %+v", cfg.Log)
	}
	if cfg.Log.Error != filepath.Join("/var/log/vlyne", "error.log") {
		t.Errorf("error log = %q", cfg.Log.Error)
	}
	if len(cfg.DNS.Servers) != 2 || cfg.DNS.Servers[0] != "8.8.8.8" || cfg.DNS.Servers[1] != "1.1.1.1" {
		t.Errorf("dns servers = %v", cfg.DNS.Servers)
	}
	if cfg.DNS.QueryStrategy != "UseIP" {
		t.Errorf("queryStrategy = %q", cfg.DNS.QueryStrategy)
	}
}

func TestCompileProtocolSettings(t *testing.T) {
	ssLink := "ss://aes-256-gcm:pw@s.example:8388#ss"

	tests := []struct {
		name     string
		link     string
		contains []string
	}{
		{
			name:     "vless",
			link:     "vless://uid@v.example:443?flow=xtls-rprx-vision",
			contains: []string{`"protocol": "vless"`, `"vnext"`, `"id": "uid"`, `"encryption": "none"`, `"flow": "xtls-rprx-vision"`},
		},
		{
			name:     "vless empty flow",
			link:     "vless://uid@v.example:443",
			contains: []string{`"flow": ""`},
		},
		{
			name:     "vmess",
			link:     "vmess://eyJhZGQiOiJtLmV4YW1wbGUiLCJwb3J0Ijo0NDMsImlkIjoidWlkIn0=",
			contains: []string{`"protocol": "vmess"`, `"alterId": 0`, `"security": "auto"`},
		},
		{
			name:     "trojan",
			link:     "trojan://pw@t.example:443",
			contains: []string{`"protocol": "trojan"`, `"servers"`, `"password": "pw"`},
		},
		{
			name:     "shadowsocks",
			link:     ssLink,
			contains: []string{`"protocol": "shadowsocks"`, `"method": "aes-256-gcm"`, `"port": 8388`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Compile(mustParse(t, tt.link), testSettings())
			if err != nil {
				t.Fatal(err)
			}
			out, _ := json.MarshalIndent(cfg.Outbounds[0], "", "  ")
			for _, want := range tt.contains {
				if !strings.Contains(string(out), want) {
					t.Errorf("outbound missing %s:\n%s", want, out)
				}
			}
			if len(cfg.Outbounds) != 3 || cfg.Outbounds[1].Tag != TagDirect || cfg.Outbounds[2].Tag != TagBlock {
				t.Errorf("auxiliary outbounds wrong: %+v", cfg.Outbounds)
			}
		})
	}
}

func TestCompileStreamSettings(t *testing.T) {
	tests := []struct {
		name  string
		link  string
		check func(t *testing.T, ss *StreamSettings)
	}{
		{"tcp", "vless://id@h:443", func(t *testing.T, ss *StreamSettings) {
			if ss.TCPSettings == nil || ss.TCPSettings.Header.Type != "none" {
				t.Errorf("tcpSettings = %+v", ss.TCPSettings)
			}
		}},
		{"ws", "vless://id@h:443?type=ws&host=cdn.example", func(t *testing.T, ss *StreamSettings) {
			if ss.WSSettings == nil || ss.WSSettings.Path != "/" || ss.WSSettings.Headers["Host"] != "cdn.example" {
				t.Errorf("wsSettings = %+v", ss.WSSettings)
			}
		}},
		{"grpc", "vless://id@h:443?type=grpc&serviceName=svc&mode=multi", func(t *testing.T, ss *StreamSettings) {
			if ss.GRPCSettings == nil || ss.GRPCSettings.ServiceName != "svc" || !ss.GRPCSettings.MultiMode {
				t.Errorf("grpcSettings = %+v", ss.GRPCSettings)
			}
		}},
		{"h2", "vless://id@h:443?type=h2", func(t *testing.T, ss *StreamSettings) {
			if ss.HTTPSettings == nil || ss.HTTPSettings.Host == nil || len(ss.HTTPSettings.Host) != 0 || ss.HTTPSettings.Path != "/" {
				t.Errorf("httpSettings = %+v", ss.HTTPSettings)
			}
		}},
		{"http alias", "vless://id@h:443?type=http&host=a.example&path=%2Fp", func(t *testing.T, ss *StreamSettings) {
			if ss.Network != "h2" || ss.HTTPSettings.Host[0] != "a.example" || ss.HTTPSettings.Path != "/p" {
				t.Errorf("stream = %+v", ss)
			}
		}},
		{"quic", "vless://id@h:443?type=quic&headerType=srtp&path=k", func(t *testing.T, ss *StreamSettings) {
			q := ss.QUICSettings
			if q == nil || q.Security != "srtp" || q.Key != "k" || q.Header.Type != "srtp" {
				t.Errorf("quicSettings = %+v", q)
			}
		}},
		{"kcp", "vless://id@h:443?type=kcp&seed=s33d", func(t *testing.T, ss *StreamSettings) {
			k := ss.KCPSettings
			if k == nil || k.MTU != 1350 || k.TTI != 50 || k.UplinkCapacity != 12 || k.DownlinkCapacity != 100 ||
				k.ReadBufferSize != 2 || k.WriteBufferSize != 2 || k.Congestion || k.Seed != "s33d" {
				t.Errorf("kcpSettings = %+v", k)
			}
		}},
		{"tls defaults", "trojan://pw@t.example:443", func(t *testing.T, ss *StreamSettings) {
			tls := ss.TLSSettings
			if tls == nil || tls.ServerName != "t.example" || tls.Fingerprint != "chrome" || tls.ALPN == nil || tls.AllowInsecure {
				t.Errorf("tlsSettings = %+v", tls)
			}
		}},
		{"reality", "vless://id@r.example:443?security=reality&pbk=PK&sid=01", func(t *testing.T, ss *StreamSettings) {
			r := ss.RealitySettings
			if r == nil || r.PublicKey != "PK" || r.ShortID != "01" || r.SpiderX != "/" || r.ServerName != "r.example" || r.Fingerprint != "chrome" {
				t.Errorf("realitySettings = %+v", r)
			}
			if ss.TLSSettings != nil {
				t.Error("reality profile should not carry tlsSettings")
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Compile(mustParse(t, tt.link), testSettings())
			if err != nil {
				t.Fatal(err)
			}
			tt.check(t, cfg.Outbounds[0].StreamSettings)
		})
	}
}

func TestCompileFragmentAndMux(t *testing.T) {
	s := testSettings()
	s.Advanced.Fragment.Enabled = true
	s.Advanced.Mux.Enabled = true
	s.Advanced.Mux.Concurrency = 16

	cfg, err := Compile(mustParse(t, "vless://id@h:443"), s)
	if err != nil {
		t.Fatal(err)
	}

	if len(cfg.Outbounds) != 4 {
		t.Fatalf("got %d outbounds, want 4", len(cfg.Outbounds))
	}
	frag := cfg.Outbounds[3]
	if frag.Tag != TagFragment || frag.Protocol != "freedom" {
		t.Errorf("fragment outbound = %+v", frag)
	}
	fs, ok := frag.Settings.(FreedomSettings)
	if !ok || fs.Fragment.Packets != "tlshello" || fs.Fragment.Length != "100-200" || fs.Fragment.Interval != "10-20" {
		t.Errorf("fragment settings = %+v", frag.Settings)
	}
	if so := frag.StreamSettings.Sockopt; so.TCPKeepAliveIdle != 100 || so.Mark != 255 {
		t.Errorf("fragment sockopt = %+v", so)
	}

	primary := cfg.Outbounds[0]
	if primary.StreamSettings.Sockopt == nil || primary.StreamSettings.Sockopt.DialerProxy != TagFragment {
		t.Errorf("primary sockopt = %+v", primary.StreamSettings.Sockopt)
	}
	if primary.Mux == nil || !primary.Mux.Enabled || primary.Mux.Concurrency != 16 {
		t.Errorf("mux = %+v", primary.Mux)
	}
}

func TestCompileProfileOverrides(t *testing.T) {
	p := mustParse(t, "vless://id@h:443")
	p.Mux = &parser.Mux{Enabled: true}
	p.Fragment = &parser.Fragment{Enabled: true, Length: "50-60"}

	cfg, err := Compile(p, testSettings())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Outbounds[0].Mux == nil || cfg.Outbounds[0].Mux.Concurrency != 8 {
		t.Errorf("mux = %+v", cfg.Outbounds[0].Mux)
	}
	if len(cfg.Outbounds) != 4 {
		t.Fatalf("profile fragment override should add the fragment outbound")
	}
	fs := cfg.Outbounds[3].Settings.(FreedomSettings)
	if fs.Fragment.Length != "50-60" || fs.Fragment.Packets != "tlshello" {
		t.Errorf("fragment = %+v", fs.Fragment)
	}
}

func TestCompileRejectsInvalidInput(t *testing.T) {
	p := mustParse(t, "vless://id@h:443")

	bad := *p
	bad.Port = "70000"
	if _, err := Compile(&bad, testSettings()); err == nil {
		t.Error("expected error for out-of-range port")
	}

	mismatched := *p
	mismatched.Protocol = parser.Trojan
	if _, err := Compile(&mismatched, testSettings()); err == nil {
		t.Error("expected error for credential/protocol mismatch")
	}
}

func TestCheckRejectsGarbage(t *testing.T) {
	if err := Check([]byte("{not json")); err == nil {
		t.Error("expected error for invalid JSON")
	}
}
