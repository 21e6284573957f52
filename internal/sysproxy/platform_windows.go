//go:build windows

package sysproxy

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
)

const (
	internetOptionSettingsChanged = 39
	internetOptionRefresh         = 37
	internetSettingsPath          = `Software\Microsoft\Windows\CurrentVersion\Internet Settings`
)

var (
	modWininet            = windows.NewLazySystemDLL("wininet.dll")
	procInternetSetOption = modWininet.NewProc("InternetSetOptionW")
)

// Native returns the per-user WinINet registry backend.
func Native() Platform {
	return registryPlatform{}
}

type registryPlatform struct{}

func (registryPlatform) Read(context.Context) (State, error) {
	key, err := registry.OpenKey(registry.CURRENT_USER, internetSettingsPath, registry.QUERY_VALUE)
	if err != nil {
		return State{}, fmt.Errorf("failed to open registry key: %w", err)
	}
	defer key.Close()

	var s State
	enable, _, err := key.GetIntegerValue("ProxyEnable")
	if err != nil && !errors.Is(err, registry.ErrNotExist) {
		return State{}, fmt.Errorf("failed to read ProxyEnable: %w", err)
	}
	s.Enabled = enable != 0

	if s.Server, err = readString(key, "ProxyServer"); err != nil {
		return State{}, err
	}
	if s.Bypass, err = readString(key, "ProxyOverride"); err != nil {
		return State{}, err
	}
	return s, nil
}

func readString(key registry.Key, name string) (string, error) {
	v, _, err := key.GetStringValue(name)
	if errors.Is(err, registry.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", name, err)
	}
	return v, nil
}

func (registryPlatform) Apply(_ context.Context, s State) error {
	key, err := registry.OpenKey(registry.CURRENT_USER, internetSettingsPath, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("failed to open registry key: %w", err)
	}
	defer key.Close()

	var enable uint32
	if s.Enabled {
		enable = 1
	}
	if err := key.SetDWordValue("ProxyEnable", enable); err != nil {
		return fmt.Errorf("failed to set ProxyEnable: %w", err)
	}
	if err := writeString(key, "ProxyServer", s.Server); err != nil {
		return err
	}
	if err := writeString(key, "ProxyOverride", s.Bypass); err != nil {
		return err
	}

	return notifyWinINet()
}

// writeString sets a value, or deletes it when empty.
func writeString(key registry.Key, name, value string) error {
	if value == "" {
		if err := key.DeleteValue(name); err != nil && !errors.Is(err, registry.ErrNotExist) {
			return fmt.Errorf("failed to clear %s: %w", name, err)
		}
		return nil
	}
	if err := key.SetStringValue(name, value); err != nil {
		return fmt.Errorf("failed to set %s: %w", name, err)
	}
	return nil
}

// notifyWinINet makes running applications pick up the registry change.
func notifyWinINet() error {
	if err := procInternetSetOption.Find(); err != nil {
		return fmt.Errorf("wininet unavailable: %w", err)
	}
	for _, option := range []uintptr{internetOptionSettingsChanged, internetOptionRefresh} {
		ret, _, callErr := procInternetSetOption.Call(0, option, 0, 0)
		if ret == 0 {
			return fmt.Errorf("InternetSetOption(%d) failed: %v", option, callErr)
		}
	}
	return nil
}
