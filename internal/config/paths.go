package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

const (
	DataDirEnv = "WPPGW_DATA_DIR"
	ConfigEnv  = "WPPGW_CONFIG"
)

// Paths resolves every file the daemon owns under one data directory.
type Paths struct {
	DataDir string
}

// ResolveDataDir determines the data directory using precedence:
// 1. flagOverride (--data-dir flag)
// 2. $WPPGW_DATA_DIR
// 3. ~/.wppgw
func ResolveDataDir(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if env := os.Getenv(DataDirEnv); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".wppgw")
}

// ResolveConfigPath applies the same precedence for the config file, falling
// back to <data_dir>/config.toml.
func ResolveConfigPath(flagOverride, dataDir string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if env := os.Getenv(ConfigEnv); env != "" {
		return env
	}
	return filepath.Join(dataDir, "config.toml")
}

// AppDB returns the gateway-owned sqlite database path.
func (p Paths) AppDB() string { return filepath.Join(p.DataDir, "gateway.db") }

// SessionDB returns the whatsmeow device store path.
func (p Paths) SessionDB() string { return filepath.Join(p.DataDir, "session.db") }

// Socket returns the control socket path.
func (p Paths) Socket() string { return filepath.Join(p.DataDir, "wppgwd.sock") }

// LogDir returns the log directory.
func (p Paths) LogDir() string { return filepath.Join(p.DataDir, "logs") }

// LogFile returns the daemon log file path.
func (p Paths) LogFile() string { return filepath.Join(p.LogDir(), "wppgwd.log") }

// EnsureDirs creates the data directory tree with owner-only permissions.
func (p Paths) EnsureDirs() error {
	for _, d := range []string{p.DataDir, p.LogDir()} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

var accountRegexp = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ValidateAccountID checks that id is usable as an account key and as a
// grpc health service name.
func ValidateAccountID(id string) error {
	if !accountRegexp.MatchString(id) {
		return fmt.Errorf("invalid account id %q: must match ^[a-zA-Z0-9_-]{1,64}$", id)
	}
	return nil
}
