//go:build linux

package sysproxy

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"strings"
)

// Native returns the desktop-environment backend: GNOME gsettings, mirrored
// into KDE's kioslaverc when running under Plasma.
func Native() Platform {
	return &desktopPlatform{
		run:  runCommand,
		look: exec.LookPath,
		kde:  isKDESession(),
	}
}

func isKDESession() bool {
	for _, env := range []string{"XDG_CURRENT_DESKTOP", "XDG_SESSION_DESKTOP"} {
		if strings.Contains(strings.ToUpper(os.Getenv(env)), "KDE") {
			return true
		}
	}
	return false
}

type desktopPlatform struct {
	run  runFunc
	look func(string) (string, error)
	kde  bool
}

const (
	gnomeProxy      = "org.gnome.system.proxy"
	gnomeProxyHTTP  = "org.gnome.system.proxy.http"
	gnomeProxyHTTPS = "org.gnome.system.proxy.https"
	kioslaveGroup   = "Proxy Settings"
)

func (d *desktopPlatform) Read(ctx context.Context) (State, error) {
	if _, err := d.look("gsettings"); err != nil {
		if d.kde {
			// kioslaverc is write-only here; assume the natural state.
			return Disabled, nil
		}
		return State{}, fmt.Errorf("%w: gsettings not found", ErrUnsupported)
	}

	var readErr error
	get := func(schema, key string) string {
		if readErr != nil {
			return ""
		}
		v, err := d.run(ctx, "gsettings", "get", schema, key)
		if err != nil {
			readErr = err
		}
		return v
	}

	mode := unquote(get(gnomeProxy, "mode"))
	snap := gnomeSnapshot{
		mode:  mode,
		pac:   unquote(get(gnomeProxy, "autoconfig-url")),
		http:  endpoint(get(gnomeProxyHTTP, "host"), get(gnomeProxyHTTP, "port")),
		https: endpoint(get(gnomeProxyHTTPS, "host"), get(gnomeProxyHTTPS, "port")),
	}
	ignore := get(gnomeProxy, "ignore-hosts")
	if readErr != nil {
		return State{}, readErr
	}

	s := State{Enabled: mode == "manual" || mode == "auto", Server: snap.http}
	if mode == "auto" || (snap.https != "" && snap.https != snap.http) {
		s.Server = snap.encode()
	}
	if ignore != "@as []" && ignore != "[]" {
		s.Bypass = ignore
	}
	return s, nil
}

func (d *desktopPlatform) Apply(ctx context.Context, s State) error {
	var applied bool
	if _, err := d.look("gsettings"); err == nil {
		if err := d.applyGnome(ctx, s); err != nil {
			return err
		}
		applied = true
	}
	if d.kde {
		if _, err := d.look("kwriteconfig5"); err == nil {
			if err := d.applyKDE(ctx, s); err != nil {
				return err
			}
			applied = true
		}
	}
	if !applied {
		return fmt.Errorf("%w: neither gsettings nor kwriteconfig5 found", ErrUnsupported)
	}
	return nil
}

func (d *desktopPlatform) applyGnome(ctx context.Context, s State) error {
	snap := snapshotOf(s)
	httpHost, httpPort := splitServer(snap.http)
	httpsHost, httpsPort := splitServer(snap.https)

	cmds := [][]string{
		{"set", gnomeProxyHTTP, "host", httpHost},
		{"set", gnomeProxyHTTP, "port", httpPort},
		{"set", gnomeProxyHTTPS, "host", httpsHost},
		{"set", gnomeProxyHTTPS, "port", httpsPort},
	}
	if snap.pac != "" {
		cmds = append(cmds, []string{"set", gnomeProxy, "autoconfig-url", snap.pac})
	}
	cmds = append(cmds,
		[]string{"set", gnomeProxy, "ignore-hosts", gnomeIgnoreHosts(s.Bypass)},
		// mode last so clients never see "manual" with a stale host
		[]string{"set", gnomeProxy, "mode", snap.mode},
	)
	for _, args := range cmds {
		if _, err := d.run(ctx, "gsettings", args...); err != nil {
			return err
		}
	}
	return nil
}

func (d *desktopPlatform) applyKDE(ctx context.Context, s State) error {
	snap := snapshotOf(s)

	proxyType, httpProxy, httpsProxy := "0", "", ""
	switch snap.mode {
	case "manual":
		proxyType = "1"
		httpProxy, httpsProxy = kdeProxy(snap.http), kdeProxy(snap.https)
	case "auto":
		proxyType = "2"
	}

	keys := [][2]string{
		{"httpProxy", httpProxy},
		{"httpsProxy", httpsProxy},
		{"NoProxyFor", kdeNoProxy(s.Bypass)},
	}
	if snap.mode == "auto" {
		keys = append(keys, [2]string{"Proxy Config Script", snap.pac})
	}
	keys = append(keys, [2]string{"ProxyType", proxyType})
	for _, kv := range keys {
		if _, err := d.run(ctx, "kwriteconfig5", "--file", "kioslaverc", "--group", kioslaveGroup, "--key", kv[0], kv[1]); err != nil {
			return err
		}
	}

	// Ask running KIO workers to reparse; absence of dbus-send is harmless.
	if _, err := d.look("dbus-send"); err == nil {
		_, _ = d.run(ctx, "dbus-send", "--type=signal", "/KIO/Scheduler", "org.kde.KIO.Scheduler.reparseSlaveConfiguration", "string:''")
	}
	return nil
}

// gnomeSnapshot is the GNOME proxy setup a single host:port cannot express:
// automatic (PAC) mode, or an HTTPS proxy that differs from the HTTP one.
// It travels in State.Server behind gnomeServerPrefix, which no host:port
// can start with.
type gnomeSnapshot struct {
	mode  string
	http  string
	https string
	pac   string
}

const gnomeServerPrefix = "gsettings?"

func (g gnomeSnapshot) encode() string {
	v := url.Values{}
	v.Set("mode", g.mode)
	if g.http != "" {
		v.Set("http", g.http)
	}
	if g.https != "" {
		v.Set("https", g.https)
	}
	if g.pac != "" {
		v.Set("pac", g.pac)
	}
	return gnomeServerPrefix + v.Encode()
}

// snapshotOf expands s into per-key values. A plain State uses its server for
// both schemes.
func snapshotOf(s State) gnomeSnapshot {
	if rest, ok := strings.CutPrefix(s.Server, gnomeServerPrefix); ok {
		if v, err := url.ParseQuery(rest); err == nil {
			g := gnomeSnapshot{mode: v.Get("mode"), http: v.Get("http"), https: v.Get("https"), pac: v.Get("pac")}
			switch g.mode {
			case "none", "manual", "auto":
			default:
				g.mode = gnomeMode(s.Enabled)
			}
			return g
		}
	}
	return gnomeSnapshot{mode: gnomeMode(s.Enabled), http: s.Server, https: s.Server}
}

func gnomeMode(enabled bool) string {
	if enabled {
		return "manual"
	}
	return "none"
}

func splitServer(server string) (host, port string) {
	if server == "" {
		return "", "0"
	}
	h, p, err := net.SplitHostPort(server)
	if err != nil {
		return server, "0"
	}
	return h, p
}

// endpoint joins a gsettings host and port reply, or returns "" when no
// proxy is configured.
func endpoint(host, port string) string {
	h, p := unquote(host), strings.TrimSpace(port)
	if h == "" || p == "" || p == "0" {
		return ""
	}
	return net.JoinHostPort(h, p)
}

func kdeProxy(server string) string {
	if server == "" {
		return ""
	}
	host, port := splitServer(server)
	return fmt.Sprintf("http://%s %s", host, port)
}

var localHosts = []string{"localhost", "127.0.0.0/8", "::1"}

// bypassEntries turns a WinINet-style "a;b;<local>" list into host entries.
func bypassEntries(bypass string) []string {
	var out []string
	for _, item := range strings.FieldsFunc(bypass, func(r rune) bool { return r == ';' || r == ',' }) {
		item = strings.TrimSpace(item)
		switch item {
		case "":
		case LocalBypass:
			out = append(out, localHosts...)
		default:
			out = append(out, item)
		}
	}
	return out
}

// gnomeIgnoreHosts renders bypass as a GVariant string array. A value read
// back from gsettings is already in that form and passes through.
func gnomeIgnoreHosts(bypass string) string {
	if strings.HasPrefix(bypass, "[") || strings.HasPrefix(bypass, "@as") {
		return bypass
	}
	entries := bypassEntries(bypass)
	quoted := make([]string, len(entries))
	for i, e := range entries {
		quoted[i] = "'" + strings.ReplaceAll(e, "'", `\'`) + "'"
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

func kdeNoProxy(bypass string) string {
	if strings.HasPrefix(bypass, "[") {
		var entries []string
		for _, e := range strings.Split(strings.Trim(bypass, "[]"), ",") {
			if e = unquote(strings.TrimSpace(e)); e != "" {
				entries = append(entries, e)
			}
		}
		return strings.Join(entries, ",")
	}
	return strings.Join(bypassEntries(bypass), ",")
}

// unquote strips the single quotes gsettings puts around string values.
func unquote(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 && v[0] == '\'' && v[len(v)-1] == '\'' {
		return v[1 : len(v)-1]
	}
	return v
}
