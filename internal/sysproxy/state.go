package sysproxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"vlyne/internal/logger"
)

var (
	// ErrApply marks a failed OS proxy read or mutation. Callers log it and
	// keep the tunnel running.
	ErrApply = errors.New("system proxy change failed")
	// ErrUnsupported is returned by platforms without a proxy backend.
	ErrUnsupported = errors.New("system proxy not supported on this platform")
)

// LocalBypass is the override list applied while the tunnel owns the proxy.
const LocalBypass = "<local>"

// State is an OS proxy configuration.
type State struct {
	Enabled bool
	Server  string // host:port
	Bypass  string
}

// Disabled is the neutral state applied when there is nothing to restore.
var Disabled = State{}

// backupFile is the on-disk shape: {"enable":0|1,"server":"...","override":"..."}.
type backupFile struct {
	Enable   int     `json:"enable"`
	Server   *string `json:"server,omitempty"`
	Override *string `json:"override,omitempty"`
}

func encodeBackup(s State) ([]byte, error) {
	f := backupFile{}
	if s.Enabled {
		f.Enable = 1
	}
	if s.Server != "" {
		f.Server = &s.Server
	}
	if s.Bypass != "" {
		f.Override = &s.Bypass
	}

	// "<local>" must survive unescaped for anyone inspecting the file.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(f); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func decodeBackup(data []byte) (State, error) {
	var f backupFile
	if err := json.Unmarshal(data, &f); err != nil {
		return State{}, err
	}
	s := State{Enabled: f.Enable != 0}
	if f.Server != nil {
		s.Server = *f.Server
	}
	if f.Override != nil {
		s.Bypass = *f.Override
	}
	return s, nil
}

// backupStore is the crash-recovery file. Its presence means the OS proxy is
// application controlled. It is read from disk on every call.
type backupStore struct {
	path string
}

// load returns nil when no usable backup exists. An unreadable file is
// reported and treated as absent, since it cannot be restored from anyway.
func (b backupStore) load() *State {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Log.Warnf("Cannot read proxy backup %s: %v", b.path, err)
		}
		return nil
	}
	s, err := decodeBackup(data)
	if err != nil {
		logger.Log.Warnf("Ignoring corrupt proxy backup %s: %v", b.path, err)
		return nil
	}
	return &s
}

func (b backupStore) exists() bool {
	_, err := os.Stat(b.path)
	return err == nil
}

// save writes the backup atomically so a crash never leaves a torn file.
func (b backupStore) save(s State) error {
	data, err := encodeBackup(s)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return fmt.Errorf("failed to create backup dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(b.path), ".proxy-backup-*")
	if err != nil {
		return fmt.Errorf("failed to create backup: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write backup: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync backup: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close backup: %w", err)
	}
	if err := os.Rename(tmp.Name(), b.path); err != nil {
		return fmt.Errorf("failed to install backup: %w", err)
	}
	return nil
}

func (b backupStore) remove() error {
	if err := os.Remove(b.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete backup: %w", err)
	}
	return nil
}
