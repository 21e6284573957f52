package xray

import "encoding/json"

// Config is the engine document written to disk before each launch.
// Field order is the serialization order.
type Config struct {
	Log       LogConfig     `json:"log"`
	DNS       DNSConfig     `json:"dns"`
	Inbounds  []Inbound     `json:"inbounds"`
	Outbounds []Outbound    `json:"outbounds"`
	Routing   RoutingConfig `json:"routing"`
}

// Marshal renders the document as indented JSON. Identical documents always
// produce identical bytes.
func (c *Config) Marshal() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

type LogConfig struct {
	LogLevel string `json:"loglevel"`
	Access   string `json:"access"`
	Error    string `json:"error"`
}

type DNSConfig struct {
	Servers       []string `json:"servers"`
	QueryStrategy string   `json:"queryStrategy"`
}

type Inbound struct {
	Tag      string          `json:"tag"`
	Port     int             `json:"port"`
	Listen   string          `json:"listen"`
	Protocol string          `json:"protocol"`
	Settings InboundSettings `json:"settings"`
	Sniffing *SniffingConfig `json:"sniffing,omitempty"`
}

type InboundSettings struct {
	Auth string `json:"auth"`
	UDP  bool   `json:"udp"`
}

type SniffingConfig struct {
	Enabled      bool     `json:"enabled"`
	DestOverride []string `json:"destOverride,omitempty"`
}

type Outbound struct {
	Tag            string          `json:"tag"`
	Protocol       string          `json:"protocol"`
	Settings       any             `json:"settings,omitempty"`
	StreamSettings *StreamSettings `json:"streamSettings,omitempty"`
	Mux            *MuxConfig      `json:"mux,omitempty"`
}

// --- Outbound protocol settings ---

type VnextSettings struct {
	Vnext []VnextServer `json:"vnext"`
}

type VnextServer struct {
	Address string      `json:"address"`
	Port    int         `json:"port"`
	Users   []VnextUser `json:"users"`
}

// VnextUser covers both vless (Encryption, Flow) and vmess (AlterID, Security) users.
type VnextUser struct {
	ID         string  `json:"id"`
	Encryption string  `json:"encryption,omitempty"`
	Flow       *string `json:"flow,omitempty"`
	AlterID    *int    `json:"alterId,omitempty"`
	Security   string  `json:"security,omitempty"`
}

type ServersSettings struct {
	Servers []Server `json:"servers"`
}

type Server struct {
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Method   string `json:"method,omitempty"`
	Password string `json:"password"`
}

type FreedomSettings struct {
	Fragment *FragmentConfig `json:"fragment,omitempty"`
}

type FragmentConfig struct {
	Packets  string `json:"packets"`
	Length   string `json:"length"`
	Interval string `json:"interval"`
}

type MuxConfig struct {
	Enabled     bool `json:"enabled"`
	Concurrency int  `json:"concurrency"`
}

// --- Stream settings ---

type StreamSettings struct {
	Network         string           `json:"network,omitempty"`
	Security        string           `json:"security,omitempty"`
	TLSSettings     *TLSSettings     `json:"tlsSettings,omitempty"`
	RealitySettings *RealitySettings `json:"realitySettings,omitempty"`
	TCPSettings     *TCPSettings     `json:"tcpSettings,omitempty"`
	WSSettings      *WSSettings      `json:"wsSettings,omitempty"`
	GRPCSettings    *GRPCSettings    `json:"grpcSettings,omitempty"`
	HTTPSettings    *HTTPSettings    `json:"httpSettings,omitempty"`
	QUICSettings    *QUICSettings    `json:"quicSettings,omitempty"`
	KCPSettings     *KCPSettings     `json:"kcpSettings,omitempty"`
	Sockopt         *Sockopt         `json:"sockopt,omitempty"`
}

type TLSSettings struct {
	ServerName    string   `json:"serverName"`
	AllowInsecure bool     `json:"allowInsecure"`
	ALPN          []string `json:"alpn"`
	Fingerprint   string   `json:"fingerprint"`
}

type RealitySettings struct {
	Show        bool   `json:"show"`
	Fingerprint string `json:"fingerprint"`
	ServerName  string `json:"serverName"`
	PublicKey   string `json:"publicKey"`
	ShortID     string `json:"shortId"`
	SpiderX     string `json:"spiderX"`
}

type HeaderConfig struct {
	Type string `json:"type"`
}

type TCPSettings struct {
	Header HeaderConfig `json:"header"`
}

type WSSettings struct {
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
}

type GRPCSettings struct {
	ServiceName string `json:"serviceName"`
	MultiMode   bool   `json:"multiMode"`
}

type HTTPSettings struct {
	Host []string `json:"host"`
	Path string   `json:"path"`
}

type QUICSettings struct {
	Security string       `json:"security"`
	Key      string       `json:"key"`
	Header   HeaderConfig `json:"header"`
}

type KCPSettings struct {
	MTU              int          `json:"mtu"`
	TTI              int          `json:"tti"`
	UplinkCapacity   int          `json:"uplinkCapacity"`
	DownlinkCapacity int          `json:"downlinkCapacity"`
	Congestion       bool         `json:"congestion"`
	ReadBufferSize   int          `json:"readBufferSize"`
	WriteBufferSize  int          `json:"writeBufferSize"`
	Header           HeaderConfig `json:"header"`
	Seed             string       `json:"seed,omitempty"`
}

type Sockopt struct {
	DialerProxy      string `json:"dialerProxy,omitempty"`
	TCPKeepAliveIdle int    `json:"tcpKeepAliveIdle,omitempty"`
	Mark             int    `json:"mark,omitempty"`
}

// --- Routing ---

type RoutingConfig struct {
	DomainStrategy string        `json:"domainStrategy"`
	Rules          []RoutingRule `json:"rules"`
}

type RoutingRule struct {
	Type        string   `json:"type"`
	OutboundTag string   `json:"outboundTag"`
	Domain      []string `json:"domain,omitempty"`
	IP          []string `json:"ip,omitempty"`
	Port        string   `json:"port,omitempty"`
}
