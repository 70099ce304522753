package gateway

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// EnvAllowMultipleGateways disables the instance lock when set to "1".
const EnvAllowMultipleGateways = "LINKGATE_ALLOW_MULTI_GATEWAY"

const (
	defaultLockTimeout      = 5 * time.Second
	defaultLockPollInterval = 100 * time.Millisecond
	defaultLockStaleAfter   = 30 * time.Second
)

// ErrGatewayRunning is returned when another live gateway holds the lock
// for the same config file.
var ErrGatewayRunning = errors.New("gateway already running")

// InstanceLockOptions configures AcquireInstanceLock.
type InstanceLockOptions struct {
	// Dir holds the lock files. Defaults to os.TempDir().
	Dir        string
	ConfigPath string
	// Addr is recorded in the lock file for diagnostics.
	Addr string

	Timeout      time.Duration
	PollInterval time.Duration
	// StaleAfter is how old an unreadable lock file must be before it is
	// removed.
	StaleAfter time.Duration
}

// InstanceLock is a held gateway lock. One lock exists per config path.
type InstanceLock struct {
	Path string
	file *os.File
}

type lockOwner struct {
	PID        int    `json:"pid"`
	Addr       string `json:"addr,omitempty"`
	ConfigPath string `json:"configPath"`
	StartedAt  string `json:"startedAt"`
}

// AcquireInstanceLock creates the lock file for opts.ConfigPath, waiting up
// to opts.Timeout while a live process holds it. Locks left by dead
// processes are taken over.
func AcquireInstanceLock(ctx context.Context, opts InstanceLockOptions) (*InstanceLock, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultLockTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultLockPollInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultLockStaleAfter
	}
	path := instanceLockPath(opts.Dir, opts.ConfigPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var owner *lockOwner
	for {
		lock, err := createLockFile(path, opts)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("acquire gateway lock %s: %w", path, err)
		}

		owner = readLockOwner(path)
		if (owner != nil && !processAlive(owner.PID)) || (owner == nil && lockFileStale(path, opts.StaleAfter)) {
			_ = os.Remove(path)
			continue
		}

		select {
		case <-ctx.Done():
			if owner != nil {
				return nil, fmt.Errorf("%w (pid %d, config %s)", ErrGatewayRunning, owner.PID, owner.ConfigPath)
			}
			return nil, fmt.Errorf("%w (lock %s)", ErrGatewayRunning, path)
		case <-time.After(opts.PollInterval):
		}
	}
}

// Release removes the lock file. It is safe to call more than once and on
// a nil lock.
func (l *InstanceLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = l.file.Close()
	l.file = nil
	if err := os.Remove(l.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func createLockFile(path string, opts InstanceLockOptions) (*InstanceLock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	data, _ := json.Marshal(lockOwner{
		PID:        os.Getpid(),
		Addr:       opts.Addr,
		ConfigPath: opts.ConfigPath,
		StartedAt:  time.Now().UTC().Format(time.RFC3339),
	})
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("write gateway lock: %w", err)
	}
	return &InstanceLock{Path: path, file: file}, nil
}

// instanceLockPath names the lock after a hash of the config path.
func instanceLockPath(dir, configPath string) string {
	if dir == "" {
		dir = os.TempDir()
	}
	sum := sha1.Sum([]byte(configPath))
	return filepath.Join(dir, fmt.Sprintf("linkgate.%s.lock", hex.EncodeToString(sum[:])[:8]))
}

func readLockOwner(path string) *lockOwner {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var owner lockOwner
	if err := json.Unmarshal(data, &owner); err != nil || owner.PID <= 0 {
		return nil
	}
	return &owner
}

// processAlive probes pid with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func lockFileStale(path string, staleAfter time.Duration) bool {
	info, err := os.Stat(path)
	if err != nil {
		return true
	}
	return time.Since(info.ModTime()) > staleAfter
}
