package parser

// Protocol tags a Profile and decides which Credential it carries.
type Protocol string

const (
	VLESS       Protocol = "vless"
	VMess       Protocol = "vmess"
	Trojan      Protocol = "trojan"
	Shadowsocks Protocol = "shadowsocks"
)

// StatusDisconnected is the status every freshly parsed profile starts with.
const StatusDisconnected = "disconnected"

// Profile is a normalized proxy endpoint decoded from one share link.
type Profile struct {
	ID       string
	Name     string
	Protocol Protocol

	Address string
	Port    string

	// Credential is one of VLESSCredential, VMessCredential,
	// TrojanCredential or ShadowsocksCredential, matching Protocol.
	Credential Credential

	// Transport (StreamSettings)
	Network     string // tcp, ws, grpc, h2, quic, kcp
	HeaderType  string
	Host        string
	Path        string
	ServiceName string
	Mode        string // grpc: gun or multi
	Seed        string // kcp

	// Security (TLS/REALITY)
	Security      string // none, tls, reality
	SNI           string
	Fingerprint   string
	AllowInsecure bool
	ALPN          []string
	PublicKey     string
	ShortID       string
	SpiderX       string
	Flow          string

	Mux      *Mux
	Fragment *Fragment

	OriginalLink     string
	SubscriptionID   string
	SubscriptionName string

	Status string
	// Latency in milliseconds from the last probe, -1 on failure, 0 if never probed.
	Latency int64
}

// Mux overrides multiplexing for a single profile.
type Mux struct {
	Enabled     bool
	Concurrency int
}

// Fragment overrides TLS hello fragmentation for a single profile.
type Fragment struct {
	Enabled  bool
	Packets  string
	Length   string
	Interval string
}

// Credential is the protocol-specific secret of a Profile.
type Credential interface {
	protocol() Protocol
}

type VLESSCredential struct {
	UUID       string
	Encryption string
}

type VMessCredential struct {
	UUID    string
	AlterID int
	Cipher  string
}

type TrojanCredential struct {
	Password string
}

type ShadowsocksCredential struct {
	Method     string
	Password   string
	Plugin     string
	PluginOpts string
}

func (VLESSCredential) protocol() Protocol       { return VLESS }
func (VMessCredential) protocol() Protocol       { return VMess }
func (TrojanCredential) protocol() Protocol      { return Trojan }
func (ShadowsocksCredential) protocol() Protocol { return Shadowsocks }

// Valid reports whether the credential matches the protocol tag.
func (p *Profile) Valid() bool {
	return p.Credential != nil && p.Credential.protocol() == p.Protocol
}

// Link returns the share link the profile was parsed from, without the
// surrounding blanks and line breaks Parse ignores.
func (p *Profile) Link() string {
	return FixIllegalUrl(p.OriginalLink)
}
