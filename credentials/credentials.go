// Package credentials loads broker and store secrets from a credentials
// file kept apart from the main configuration.
package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
)

// ErrInsecurePermissions is returned when credentials file has overly permissive permissions.
var ErrInsecurePermissions = fmt.Errorf("credentials file has insecure permissions")

// Well-known sections.
const (
	SectionBroker = "broker"
	SectionRedis  = "redis"
	SectionNATS   = "nats"

	// SectionAdmin's token is the admin API's JWT signing secret.
	SectionAdmin = "admin"
)

// Secret holds the credentials for one service.
type Secret struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
	Token    string `toml:"token"`
}

// Empty reports whether no field is set.
func (s Secret) Empty() bool {
	return s.Username == "" && s.Password == "" && s.Token == ""
}

// Credentials holds every section of a credentials.toml, keyed by name.
type Credentials struct {
	sections map[string]Secret
}

// StandardPaths returns the standard credential file locations in order of priority
func StandardPaths() []string {
	paths := []string{"credentials.toml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "fleetlink", "credentials.toml"),
			filepath.Join(home, ".fleetlink", "credentials.toml"),
		)
	}

	return paths
}

// Load loads credentials from the first available standard location.
// A missing file is not an error: the result is nil and lookups fall back
// to the environment.
func Load() (*Credentials, string, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			creds, err := LoadFile(path)
			if err != nil {
				return nil, path, err
			}
			return creds, path, nil
		}
	}
	return nil, "", nil
}

// LoadFile loads credentials from a specific file.
// Returns ErrInsecurePermissions if file is readable by group or others.
func LoadFile(path string) (*Credentials, error) {
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if mode := info.Mode().Perm(); mode&0077 != 0 {
			return nil, fmt.Errorf("%w: %s has mode %04o (must not be group or world accessible)",
				ErrInsecurePermissions, path, mode)
		}
	}

	var sections map[string]Secret
	if _, err := toml.DecodeFile(path, &sections); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if sections == nil {
		sections = make(map[string]Secret)
	}
	return &Credentials{sections: sections}, nil
}

// Get returns the secret for a section. Fields missing from the file fall
// back to FLEET_<SECTION>_USERNAME, _PASSWORD and _TOKEN. A nil receiver
// reads the environment only.
func (c *Credentials) Get(section string) Secret {
	var s Secret
	if c != nil {
		s = c.sections[section]
	}

	prefix := envPrefix(section)
	if s.Username == "" {
		s.Username = os.Getenv(prefix + "_USERNAME")
	}
	if s.Password == "" {
		s.Password = os.Getenv(prefix + "_PASSWORD")
	}
	if s.Token == "" {
		s.Token = os.Getenv(prefix + "_TOKEN")
	}
	return s
}

// envPrefix returns the environment variable prefix for a section.
func envPrefix(section string) string {
	return "FLEET_" + strings.ToUpper(strings.ReplaceAll(section, "-", "_"))
}
