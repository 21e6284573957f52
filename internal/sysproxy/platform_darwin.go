//go:build darwin

package sysproxy

import (
	"context"
	"fmt"
	"net"
	"strings"
)

const networksetup = "/usr/sbin/networksetup"

// Native returns the networksetup backend, applied to every enabled network
// service.
func Native() Platform {
	return &networkSetupPlatform{run: runCommand}
}

type networkSetupPlatform struct {
	run runFunc
}

func (n *networkSetupPlatform) services(ctx context.Context) ([]string, error) {
	out, err := n.run(ctx, networksetup, "-listallnetworkservices")
	if err != nil {
		return nil, err
	}
	return parseServices(out)
}

// parseServices skips disabled services, which networksetup marks with '*'.
// The banner line mentions the asterisk too and is skipped with them.
func parseServices(out string) ([]string, error) {
	var services []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.Contains(line, "*") {
			continue
		}
		services = append(services, line)
	}
	if len(services) == 0 {
		return nil, fmt.Errorf("all network services are disabled")
	}
	return services, nil
}

// Read reports the first enabled service; vlyne keeps them all in sync.
func (n *networkSetupPlatform) Read(ctx context.Context) (State, error) {
	services, err := n.services(ctx)
	if err != nil {
		return State{}, err
	}
	service := services[0]

	out, err := n.run(ctx, networksetup, "-getwebproxy", service)
	if err != nil {
		return State{}, err
	}
	fields := parseFields(out)

	s := State{Enabled: strings.EqualFold(fields["Enabled"], "Yes")}
	if host := fields["Server"]; host != "" {
		port := fields["Port"]
		if port == "" {
			port = "0"
		}
		s.Server = net.JoinHostPort(host, port)
	}

	bypass, err := n.run(ctx, networksetup, "-getproxybypassdomains", service)
	if err != nil {
		return State{}, err
	}
	if !strings.HasPrefix(bypass, "There aren't any") {
		s.Bypass = strings.Join(strings.Fields(bypass), ";")
	}
	return s, nil
}

func parseFields(out string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return fields
}

func (n *networkSetupPlatform) Apply(ctx context.Context, s State) error {
	services, err := n.services(ctx)
	if err != nil {
		return err
	}

	state := "off"
	if s.Enabled {
		state = "on"
	}
	domains := bypassDomains(s.Bypass)

	for _, service := range services {
		var cmds [][]string
		if s.Server != "" {
			host, port, err := net.SplitHostPort(s.Server)
			if err != nil {
				return fmt.Errorf("invalid proxy server %q: %w", s.Server, err)
			}
			cmds = append(cmds,
				[]string{"-setwebproxy", service, host, port},
				[]string{"-setsecurewebproxy", service, host, port},
			)
		}
		cmds = append(cmds,
			append([]string{"-setproxybypassdomains", service}, domains...),
			[]string{"-setwebproxystate", service, state},
			[]string{"-setsecurewebproxystate", service, state},
		)
		for _, args := range cmds {
			if _, err := n.run(ctx, networksetup, args...); err != nil {
				return err
			}
		}
	}
	return nil
}

func bypassDomains(bypass string) []string {
	var out []string
	for _, item := range strings.FieldsFunc(bypass, func(r rune) bool { return r == ';' || r == ',' }) {
		item = strings.TrimSpace(item)
		switch item {
		case "":
		case LocalBypass:
			out = append(out, "localhost", "127.0.0.1", "*.local")
		default:
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return []string{"Empty"}
	}
	return out
}
