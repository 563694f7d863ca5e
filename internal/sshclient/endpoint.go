package sshclient

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"
)

// Credential is either a password or a private key file, optionally
// protected by a passphrase.
type Credential struct {
	Password   string
	KeyPath    string
	Passphrase string
}

func Password(password string) Credential {
	return Credential{Password: password}
}

func PrivateKey(path, passphrase string) Credential {
	return Credential{KeyPath: path, Passphrase: passphrase}
}

func (c Credential) String() string {
	if c.KeyPath != "" {
		return "key:" + c.KeyPath
	}
	return "password"
}

// Endpoint describes how to reach and authenticate against one remote machine.
type Endpoint struct {
	Address string
	Port    int // 0 means Config.Port
	User    string

	Credential Credential

	// ProxyCommand overrides any ProxyCommand found in the ssh client config.
	ProxyCommand string
}

func (e Endpoint) addr(defaultPort int) string {
	port := e.Port
	if port <= 0 {
		port = defaultPort
	}
	if port <= 0 {
		port = 22
	}
	return net.JoinHostPort(e.Address, strconv.Itoa(port))
}

func (e Endpoint) String() string {
	if e.User == "" {
		return e.Address
	}
	return e.User + "@" + e.Address
}

func authMethods(fs afero.Fs, c Credential) ([]ssh.AuthMethod, error) {
	if c.KeyPath != "" {
		pemBytes, err := afero.ReadFile(fs, c.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}

		var signer ssh.Signer
		if c.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(c.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pemBytes)
		}
		if err != nil {
			var ppErr *ssh.PassphraseMissingError
			if errors.As(err, &ppErr) {
				return nil, fmt.Errorf("private key %q is passphrase-protected and no passphrase was given", c.KeyPath)
			}
			return nil, fmt.Errorf("parse private key %q: %w", c.KeyPath, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}

	if c.Password == "" {
		return nil, fmt.Errorf("no credential: password and key path are both empty")
	}

	password := c.Password
	return []ssh.AuthMethod{
		ssh.Password(password),
		ssh.KeyboardInteractive(func(_user, _instruction string, questions []string, _echos []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range questions {
				answers[i] = password
			}
			return answers, nil
		}),
	}, nil
}
