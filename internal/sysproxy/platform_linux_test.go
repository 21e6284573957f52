package sysproxy

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

type scriptedShell struct {
	tools   map[string]bool
	replies map[string]string
	calls   []string
}

func (s *scriptedShell) look(name string) (string, error) {
	if s.tools[name] {
		return "/usr/bin/" + name, nil
	}
	return "", errors.New("not found")
}

func (s *scriptedShell) run(_ context.Context, name string, args ...string) (string, error) {
	line := name + " " + strings.Join(args, " ")
	s.calls = append(s.calls, line)
	return s.replies[line], nil
}

func TestDesktopRead(t *testing.T) {
	sh := &scriptedShell{
		tools: map[string]bool{"gsettings": true},
		replies: map[string]string{
			"gsettings get org.gnome.system.proxy mode":         "'manual'",
			"gsettings get org.gnome.system.proxy.http host":    "'proxy.corp'",
			"gsettings get org.gnome.system.proxy.http port":    "3128",
			"gsettings get org.gnome.system.proxy ignore-hosts": "['localhost', '10.0.0.0/8']",
		},
	}
	d := &desktopPlatform{run: sh.run, look: sh.look}

	got, err := d.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	want := State{Enabled: true, Server: "proxy.corp:3128", Bypass: "['localhost', '10.0.0.0/8']"}
	if got != want {
		t.Errorf("Read = %+v, want %+v", got, want)
	}
}

func TestDesktopApply(t *testing.T) {
	sh := &scriptedShell{tools: map[string]bool{"gsettings": true, "kwriteconfig5": true}}
	d := &desktopPlatform{run: sh.run, look: sh.look, kde: true}

	err := d.Apply(context.Background(), State{Enabled: true, Server: "127.0.0.1:10810", Bypass: LocalBypass})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	all := strings.Join(sh.calls, "\n")
	for _, want := range []string{
		"gsettings set org.gnome.system.proxy.http host 127.0.0.1",
		"gsettings set org.gnome.system.proxy.https port 10810",
		"gsettings set org.gnome.system.proxy ignore-hosts ['localhost', '127.0.0.0/8', '::1']",
		"gsettings set org.gnome.system.proxy mode manual",
		"kwriteconfig5 --file kioslaverc --group Proxy Settings --key httpProxy http://127.0.0.1 10810",
		"kwriteconfig5 --file kioslaverc --group Proxy Settings --key ProxyType 1",
	} {
		if !strings.Contains(all, want) {
			t.Errorf("missing call %q in:\n%s", want, all)
		}
	}

	var modeIdx, hostIdx int
	for i, c := range sh.calls {
		switch c {
		case "gsettings set org.gnome.system.proxy mode manual":
			modeIdx = i
		case "gsettings set org.gnome.system.proxy.http host 127.0.0.1":
			hostIdx = i
		}
	}
	if modeIdx < hostIdx {
		t.Error("mode switched before the host was written")
	}
}

func TestDesktopUnsupported(t *testing.T) {
	sh := &scriptedShell{}
	d := &desktopPlatform{run: sh.run, look: sh.look}

	if _, err := d.Read(context.Background()); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Read err = %v", err)
	}
	if err := d.Apply(context.Background(), Disabled); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Apply err = %v", err)
	}
}

func TestGnomeIgnoreHosts(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", "[]"},
		{"*.corp;<local>", "['*.corp', 'localhost', '127.0.0.0/8', '::1']"},
		{"['a', 'b']", "['a', 'b']"},
		{"@as []", "@as []"},
	}
	for _, tt := range tests {
		if got := gnomeIgnoreHosts(tt.in); got != tt.want {
			t.Errorf("gnomeIgnoreHosts(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDesktopReadAutoModeRoundTrip(t *testing.T) {
	sh := &scriptedShell{
		tools: map[string]bool{"gsettings": true},
		replies: map[string]string{
			"gsettings get org.gnome.system.proxy mode":           "'auto'",
			"gsettings get org.gnome.system.proxy autoconfig-url": "'http://wpad.corp/proxy.pac'",
			"gsettings get org.gnome.system.proxy.http host":      "''",
			"gsettings get org.gnome.system.proxy.http port":      "0",
			"gsettings get org.gnome.system.proxy ignore-hosts":   "@as []",
		},
	}
	d := &desktopPlatform{run: sh.run, look: sh.look}

	got, err := d.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !got.Enabled || !strings.HasPrefix(got.Server, gnomeServerPrefix) {
		t.Fatalf("Read = %+v, want an enabled snapshot", got)
	}

	sh.calls = nil
	if err := d.Apply(context.Background(), got); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	all := strings.Join(sh.calls, "\n")
	for _, want := range []string{
		"gsettings set org.gnome.system.proxy autoconfig-url http://wpad.corp/proxy.pac",
		"gsettings set org.gnome.system.proxy mode auto",
	} {
		if !strings.Contains(all, want) {
			t.Errorf("missing call %q in:\n%s", want, all)
		}
	}
}

func TestDesktopReadSeparateHTTPSProxy(t *testing.T) {
	sh := &scriptedShell{
		tools: map[string]bool{"gsettings": true, "kwriteconfig5": true},
		replies: map[string]string{
			"gsettings get org.gnome.system.proxy mode":       "'manual'",
			"gsettings get org.gnome.system.proxy.http host":  "'proxy.corp'",
			"gsettings get org.gnome.system.proxy.http port":  "3128",
			"gsettings get org.gnome.system.proxy.https host": "'secure.corp'",
			"gsettings get org.gnome.system.proxy.https port": "8443",
		},
	}
	d := &desktopPlatform{run: sh.run, look: sh.look, kde: true}

	got, err := d.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	sh.calls = nil
	if err := d.Apply(context.Background(), got); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	all := strings.Join(sh.calls, "\n")
	for _, want := range []string{
		"gsettings set org.gnome.system.proxy.http host proxy.corp",
		"gsettings set org.gnome.system.proxy.http port 3128",
		"gsettings set org.gnome.system.proxy.https host secure.corp",
		"gsettings set org.gnome.system.proxy.https port 8443",
		"gsettings set org.gnome.system.proxy mode manual",
		"kwriteconfig5 --file kioslaverc --group Proxy Settings --key httpsProxy http://secure.corp 8443",
	} {
		if !strings.Contains(all, want) {
			t.Errorf("missing call %q in:\n%s", want, all)
		}
	}
}

func TestManagerRestoresGnomeAutoMode(t *testing.T) {
	sh := &scriptedShell{
		tools: map[string]bool{"gsettings": true},
		replies: map[string]string{
			"gsettings get org.gnome.system.proxy mode":           "'auto'",
			"gsettings get org.gnome.system.proxy autoconfig-url": "'http://wpad.corp/proxy.pac'",
		},
	}
	d := &desktopPlatform{run: sh.run, look: sh.look}
	m := NewManager(d, filepath.Join(t.TempDir(), "proxy-backup.json"))
	ctx := context.Background()

	if err := m.Enable(ctx, "127.0.0.1", 10810); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	sh.calls = nil
	if err := m.Disable(ctx); err != nil {
		t.Fatalf("Disable: %v", err)
	}

	last := sh.calls[len(sh.calls)-1]
	if last != "gsettings set org.gnome.system.proxy mode auto" {
		t.Errorf("final call = %q, want the automatic mode restored", last)
	}
}
