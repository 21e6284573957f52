package xray

import (
	"encoding/json"
	"fmt"
	"net"
	"os"

	"vlyne/internal/config"
	"vlyne/internal/logger"
	"vlyne/internal/xray/parser"

	"github.com/xtls/xray-core/core"
	"github.com/xtls/xray-core/infra/conf"

	// Import distro to register all protocols/transports
	_ "github.com/xtls/xray-core/main/distro/all"
)

// StartEphemeral runs an in-process core that exposes the profile's outbound
// on a random loopback SOCKS port. Used for real-delay probing without
// touching the supervised engine. The caller must Close the instance.
func StartEphemeral(p *parser.Profile, s config.Settings) (port int, instance *core.Instance, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Errorf("CRITICAL: Xray Core Panic recovered: %v", r)
			err = fmt.Errorf("xray core panic: %v", r)
			if instance != nil {
				instance.Close()
				instance = nil
			}
		}
	}()

	// Fragment chains and mux are tuning for the long-lived tunnel only.
	s.Advanced.Fragment.Enabled = false
	s.Advanced.Mux.Enabled = false
	probe := *p
	probe.Fragment = nil
	probe.Mux = nil

	out, err := buildOutbound(&probe, s)
	if err != nil {
		return 0, nil, err
	}
	detour, err := toDetour(*out)
	if err != nil {
		return 0, nil, err
	}

	ports, err := GetFreePorts(1)
	if err != nil {
		return 0, nil, err
	}
	port = ports[0]

	settings := json.RawMessage(`{"auth": "noauth", "udp": false}`)
	pbConfig, err := (&conf.Config{
		LogConfig: &conf.LogConfig{
			LogLevel:  "none",
			AccessLog: "none",
			ErrorLog:  "none",
		},
		InboundConfigs: []conf.InboundDetourConfig{{
			Tag:      "probe-in",
			Protocol: "socks",
			PortList: &conf.PortList{Range: []conf.PortRange{{From: uint32(port), To: uint32(port)}}},
			Settings: &settings,
			ListenOn: toAddress("127.0.0.1"),
		}},
		OutboundConfigs: []conf.OutboundDetourConfig{*detour},
	}).Build()
	if err != nil {
		return 0, nil, err
	}

	instance, err = core.New(pbConfig)
	if err != nil {
		return 0, nil, err
	}
	if err := instance.Start(); err != nil {
		instance.Close()
		return 0, nil, err
	}

	return port, instance, nil
}

// GetFreePorts reserves and releases count loopback TCP ports.
func GetFreePorts(count int) ([]int, error) {
	var listeners []net.Listener
	var ports []int

	for i := 0; i < count; i++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return nil, fmt.Errorf("failed to allocate ports: %w", err)
		}
		listeners = append(listeners, l)
		ports = append(ports, l.Addr().(*net.TCPAddr).Port)
	}

	for _, l := range listeners {
		l.Close()
	}

	return ports, nil
}

func toAddress(s string) *conf.Address {
	var addr conf.Address
	_ = json.Unmarshal([]byte(fmt.Sprintf("%q", s)), &addr)
	return &addr
}

// muteLogs silences stdout/stderr while xray-core builds configs; its
// loaders print deprecation notices straight to the terminal.
func muteLogs() func() {
	origStdout := os.Stdout
	origStderr := os.Stderr

	devNull, _ := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if devNull != nil {
		os.Stdout = devNull
		os.Stderr = devNull
	}

	return func() {
		os.Stdout = origStdout
		os.Stderr = origStderr
		if devNull != nil {
			devNull.Close()
		}
	}
}
