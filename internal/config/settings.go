package config

// Routing modes understood by the compiler.
const (
	ModeGlobal      = "global"
	ModeBypassLAN   = "bypass-lan"
	ModeBypassChina = "bypass-china"
	ModeCustom      = "custom"
)

// Settings is the user-facing tunnel configuration fed to the compiler.
type Settings struct {
	General  GeneralSettings  `yaml:"general"`
	Inbound  InboundSettings  `yaml:"inbound"`
	Routing  RoutingSettings  `yaml:"routing"`
	DNS      DNSSettings      `yaml:"dns"`
	Core     CoreSettings     `yaml:"core"`
	Advanced AdvancedSettings `yaml:"advanced"`
}

type GeneralSettings struct {
	AutoEnableProxy bool `yaml:"auto_enable_proxy"`
}

type InboundSettings struct {
	SocksPort  int  `yaml:"socks_port"`
	HTTPPort   int  `yaml:"http_port"`
	AllowLAN   bool `yaml:"allow_lan"`
	UDPSupport bool `yaml:"udp_support"`
	Sniffing   bool `yaml:"sniffing"`
}

type RoutingSettings struct {
	Mode           string        `yaml:"mode"`
	DomainStrategy string        `yaml:"domain_strategy"`
	CustomRules    []RoutingRule `yaml:"custom_rules"`
}

// RoutingRule is one user-defined rule for ModeCustom.
// Type is one of domain, ip, port; Outbound one of proxy, direct, block.
type RoutingRule struct {
	ID       string `yaml:"id"`
	Type     string `yaml:"type"`
	Value    string `yaml:"value"`
	Outbound string `yaml:"outbound"`
}

type DNSSettings struct {
	PrimaryDNS  string `yaml:"primary_dns"`
	FallbackDNS string `yaml:"fallback_dns"`
	Strategy    string `yaml:"strategy"`
}

type CoreSettings struct {
	LogLevel  string `yaml:"log_level"`
	AccessLog bool   `yaml:"access_log"`
	ErrorLog  bool   `yaml:"error_log"`
	LogDir    string `yaml:"log_dir"`
}

type AdvancedSettings struct {
	Mux      MuxSettings      `yaml:"mux"`
	Fragment FragmentSettings `yaml:"fragment"`
}

type MuxSettings struct {
	Enabled     bool `yaml:"enabled"`
	Concurrency int  `yaml:"concurrency"`
}

type FragmentSettings struct {
	Enabled  bool   `yaml:"enabled"`
	Packets  string `yaml:"packets"`
	Length   string `yaml:"length"`
	Interval string `yaml:"interval"`
}

// DefaultSettings returns what a new data store is seeded with. Routing starts
// in bypass-lan, not global, so private addresses stay direct until the user
// picks another mode.
func DefaultSettings() Settings {
	return Settings{
		General: GeneralSettings{AutoEnableProxy: true},
		Inbound: InboundSettings{
			SocksPort:  10806,
			HTTPPort:   10810,
			UDPSupport: true,
			Sniffing:   true,
		},
		Routing: RoutingSettings{
			Mode:           ModeBypassLAN,
			DomainStrategy: "IPIfNonMatch",
		},
		DNS: DNSSettings{
			PrimaryDNS:  "8.8.8.8",
			FallbackDNS: "1.1.1.1",
			Strategy:    "UseIP",
		},
		Core: CoreSettings{
			LogLevel: "warning",
			ErrorLog: true,
		},
		Advanced: AdvancedSettings{
			Mux: MuxSettings{Concurrency: 8},
			Fragment: FragmentSettings{
				Packets:  "tlshello",
				Length:   "100-200",
				Interval: "10-20",
			},
		},
	}
}
