package inventory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"

	"github.com/tastythames/ssh-fleet/internal/scheduler"
	"github.com/tastythames/ssh-fleet/internal/sshclient"
)

const (
	AuthPassword     = "password"
	AuthPasswordEnv  = "password_env"
	AuthPasswordFile = "password_file"
	AuthKey          = "key"
	AuthKeyring      = "keyring"

	// DefaultKeyringService is the OS keyring service holding fleet passwords,
	// one secret per SSH user.
	DefaultKeyringService = "ssh-fleet"
)

// Inventory is the fleet file: the hosts to run on and the optional core
// package staged on each of them.
type Inventory struct {
	Targets     []Target                     `yaml:"targets"`
	CorePackage []scheduler.TransferableFile `yaml:"core_package"`
}

type Target struct {
	Name    string            `yaml:"name"`
	Address string            `yaml:"address"`
	Port    int               `yaml:"port"`
	Slots   int               `yaml:"slots"`
	Labels  map[string]string `yaml:"labels"`
	SSH     SSHConfig         `yaml:"ssh"`
}

type SSHConfig struct {
	User         string     `yaml:"user"`
	Auth         AuthConfig `yaml:"auth"`
	ProxyCommand string     `yaml:"proxy_command"`
}

type AuthConfig struct {
	Mode          string `yaml:"mode"`
	Password      string `yaml:"password"`
	PasswordEnv   string `yaml:"password_env"`  // e.g. SSH_PASS_WORKER1
	PasswordFile  string `yaml:"password_file"` // first line is the password
	KeyPath       string `yaml:"key_path"`
	PassphraseEnv string `yaml:"passphrase_env"` // optional, for encrypted keys

	KeyringService string `yaml:"keyring_service"`
}

// Load reads a fleet file. Relative local paths (key files, password files,
// core package files) are resolved against the file's directory.
func Load(path string) (*Inventory, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}

	var inv Inventory
	if err := yaml.Unmarshal(b, &inv); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	if len(inv.Targets) == 0 {
		return nil, fmt.Errorf("inventory %s: no targets", path)
	}

	base := filepath.Dir(path)

	// normalize defaults
	for i := range inv.Targets {
		t := &inv.Targets[i]
		if t.Address == "" {
			return nil, fmt.Errorf("inventory %s: target %d has no address", path, i)
		}
		if t.Name == "" {
			t.Name = t.Address
		}
		if t.Slots == 0 {
			t.Slots = 1
		}
		if t.Labels == nil {
			t.Labels = map[string]string{}
		}
		if t.SSH.User == "" {
			t.SSH.User = "root"
		}
		a := &t.SSH.Auth
		if a.Mode == "" {
			if a.KeyPath != "" {
				a.Mode = AuthKey
			} else {
				a.Mode = AuthPasswordEnv
			}
		}
		if a.Mode == AuthKeyring && a.KeyringService == "" {
			a.KeyringService = DefaultKeyringService
		}
		a.KeyPath = resolveLocal(base, a.KeyPath)
		a.PasswordFile = resolveLocal(base, a.PasswordFile)
	}
	for i := range inv.CorePackage {
		f := &inv.CorePackage[i]
		f.LocalPath = resolveLocal(base, f.LocalPath)
		if f.RemotePath == "" {
			f.RemotePath = filepath.Base(f.LocalPath)
		}
	}

	return &inv, nil
}

// Credential resolves the target's secret from the inventory, the
// environment or a file, according to its auth mode.
func (t Target) Credential() (sshclient.Credential, error) {
	a := t.SSH.Auth
	switch a.Mode {
	case AuthPassword:
		if a.Password == "" {
			return sshclient.Credential{}, fmt.Errorf("target %s: auth mode %s without password", t.Name, a.Mode)
		}
		return sshclient.Password(a.Password), nil

	case AuthPasswordEnv:
		if a.PasswordEnv == "" {
			return sshclient.Credential{}, fmt.Errorf("target %s: auth mode %s without password_env", t.Name, a.Mode)
		}
		pass := os.Getenv(a.PasswordEnv)
		if pass == "" {
			return sshclient.Credential{}, fmt.Errorf("target %s: environment variable %s is empty", t.Name, a.PasswordEnv)
		}
		return sshclient.Password(pass), nil

	case AuthPasswordFile:
		if a.PasswordFile == "" {
			return sshclient.Credential{}, fmt.Errorf("target %s: auth mode %s without password_file", t.Name, a.Mode)
		}
		b, err := os.ReadFile(a.PasswordFile)
		if err != nil {
			return sshclient.Credential{}, fmt.Errorf("target %s: read password file: %w", t.Name, err)
		}
		pass, _, _ := strings.Cut(string(b), "\n")
		pass = strings.TrimRight(pass, "\r")
		if pass == "" {
			return sshclient.Credential{}, fmt.Errorf("target %s: password file %s is empty", t.Name, a.PasswordFile)
		}
		return sshclient.Password(pass), nil

	case AuthKey:
		if a.KeyPath == "" {
			return sshclient.Credential{}, fmt.Errorf("target %s: auth mode %s without key_path", t.Name, a.Mode)
		}
		passphrase := ""
		if a.PassphraseEnv != "" {
			passphrase = os.Getenv(a.PassphraseEnv)
		}
		return sshclient.PrivateKey(a.KeyPath, passphrase), nil

	case AuthKeyring:
		service := a.KeyringService
		if service == "" {
			service = DefaultKeyringService
		}
		pass, err := keyring.Get(service, t.SSH.User)
		if err != nil {
			return sshclient.Credential{}, fmt.Errorf("target %s: keyring %s/%s: %w", t.Name, service, t.SSH.User, err)
		}
		return sshclient.Password(pass), nil

	default:
		return sshclient.Credential{}, fmt.Errorf("target %s: unknown auth mode %q", t.Name, a.Mode)
	}
}

// Hosts converts the targets into scheduler hosts, resolving credentials.
func (inv *Inventory) Hosts() ([]scheduler.Host, error) {
	hosts := make([]scheduler.Host, 0, len(inv.Targets))
	for _, t := range inv.Targets {
		cred, err := t.Credential()
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, scheduler.Host{
			Slots: t.Slots,
			Endpoint: sshclient.Endpoint{
				Address:      t.Address,
				Port:         t.Port,
				User:         t.SSH.User,
				Credential:   cred,
				ProxyCommand: t.SSH.ProxyCommand,
			},
			Labels: t.Labels,
		})
	}
	return hosts, nil
}

func resolveLocal(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return filepath.Join(base, p)
}
