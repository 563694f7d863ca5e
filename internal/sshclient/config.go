package sshclient

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/afero"
)

type Config struct {
	Timeout time.Duration
	Port    int

	// KeepAlive is the interval between keepalive requests. A connection
	// that misses one is closed. Zero disables keepalives.
	KeepAlive time.Duration

	// KnownHostsFile enables host key verification when set.
	KnownHostsFile string
	// SSHConfigFile is searched for a ProxyCommand matching the target address.
	SSHConfigFile string

	// LocalFs is the local side of every upload and download.
	LocalFs afero.Fs
}

func LoadConfig() Config {
	timeout := 10 * time.Second
	if v := os.Getenv("SSH_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			timeout = time.Duration(n) * time.Second
		}
	}

	keepAlive := 15 * time.Second
	if v := os.Getenv("SSH_KEEPALIVE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			keepAlive = time.Duration(n) * time.Second
		}
	}

	port := 22
	if v := os.Getenv("SSH_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			port = n
		}
	}

	sshConfig := os.Getenv("SSH_CONFIG_FILE")
	if sshConfig == "" {
		if home, err := os.UserHomeDir(); err == nil {
			sshConfig = filepath.Join(home, ".ssh", "config")
		}
	}

	return Config{
		Timeout:        timeout,
		KeepAlive:      keepAlive,
		Port:           port,
		KnownHostsFile: os.Getenv("SSH_KNOWN_HOSTS"),
		SSHConfigFile:  sshConfig,
		LocalFs:        afero.NewOsFs(),
	}
}

func (c Config) localFs() afero.Fs {
	if c.LocalFs == nil {
		return afero.NewOsFs()
	}
	return c.LocalFs
}
