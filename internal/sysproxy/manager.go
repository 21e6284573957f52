// Package sysproxy owns the OS-wide proxy setting. All mutations go through
// Manager, which keeps a backup of the user's own configuration on disk so it
// can be put back even after a crash.
package sysproxy

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"vlyne/internal/logger"
)

// Platform reads and writes the OS proxy configuration.
type Platform interface {
	Read(ctx context.Context) (State, error)
	Apply(ctx context.Context, s State) error
}

type Manager struct {
	mu       sync.Mutex
	platform Platform
	backup   backupStore
}

// NewManager binds a platform backend to the backup file at backupPath.
func NewManager(platform Platform, backupPath string) *Manager {
	return &Manager{platform: platform, backup: backupStore{path: backupPath}}
}

// Enable points the OS proxy at host:port. The first call while no backup
// exists records the current OS state; later calls never overwrite it.
func (m *Manager) Enable(ctx context.Context, host string, port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.backup.load() == nil {
		current, err := m.platform.Read(ctx)
		if err != nil {
			return fmt.Errorf("%w: reading current proxy: %w", ErrApply, err)
		}
		if err := m.backup.save(current); err != nil {
			return fmt.Errorf("%w: %w", ErrApply, err)
		}
		logger.Log.Debugf("Saved system proxy backup (enabled=%v server=%q)", current.Enabled, current.Server)
	}

	target := State{
		Enabled: true,
		Server:  net.JoinHostPort(host, strconv.Itoa(port)),
		Bypass:  LocalBypass,
	}
	if err := m.platform.Apply(ctx, target); err != nil {
		return fmt.Errorf("%w: %w", ErrApply, err)
	}
	logger.Log.Infof("System proxy set to %s", target.Server)
	return nil
}

// Disable restores the backed-up state and then deletes the backup. Without a
// backup it applies the neutral disabled state. Safe to call repeatedly.
func (m *Manager) Disable(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restoreLocked(ctx)
}

// RestoreOnStartup undoes an override left behind by a previous run. It
// reports whether a backup was found.
func (m *Manager) RestoreOnStartup(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.backup.exists() {
		return false, nil
	}
	logger.Log.Infof("Found system proxy backup from a previous run, restoring")
	return true, m.restoreLocked(ctx)
}

// HasBackup reports whether the OS proxy is currently application controlled.
func (m *Manager) HasBackup() bool {
	return m.backup.exists()
}

func (m *Manager) restoreLocked(ctx context.Context) error {
	saved := m.backup.load()
	if saved == nil {
		if err := m.platform.Apply(ctx, Disabled); err != nil {
			return fmt.Errorf("%w: %w", ErrApply, err)
		}
		// A corrupt backup can never be restored; drop it with the override.
		if err := m.backup.remove(); err != nil {
			return fmt.Errorf("%w: %w", ErrApply, err)
		}
		logger.Log.Infof("System proxy disabled (no backup present)")
		return nil
	}

	// The backup is deleted only once the OS has accepted it.
	if err := m.platform.Apply(ctx, *saved); err != nil {
		return fmt.Errorf("%w: %w", ErrApply, err)
	}
	if err := m.backup.remove(); err != nil {
		return fmt.Errorf("%w: %w", ErrApply, err)
	}
	logger.Log.Infof("System proxy restored from backup")
	return nil
}
