package sshexec

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// hostKeyCallback builds the host key verification callback for the
// configured policy: strict (known_hosts only), tofu (trust on first use,
// recorded to known_hosts), or accept-all.
func hostKeyCallback(policy, knownHostsPath string) (ssh.HostKeyCallback, error) {
	switch policy {
	case "accept-all":
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec
	case "strict":
		if err := touchKnownHosts(knownHostsPath); err != nil {
			return nil, err
		}
		return knownhosts.New(knownHostsPath)
	case "tofu":
		return tofuCallback(knownHostsPath)
	default:
		return nil, fmt.Errorf("unknown host key policy %q", policy)
	}
}

// tofuCallback accepts and records unknown hosts, but rejects key changes
// for hosts already recorded.
func tofuCallback(path string) (ssh.HostKeyCallback, error) {
	if err := touchKnownHosts(path); err != nil {
		return nil, err
	}

	var mu sync.Mutex

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		mu.Lock()
		defer mu.Unlock()

		check, err := knownhosts.New(path)
		if err != nil {
			return err
		}

		err = check(hostname, remote, key)
		if err == nil {
			return nil
		}

		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			// Unknown host: record and trust.
			line := knownhosts.Line([]string{hostname}, key)
			f, ferr := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
			if ferr != nil {
				return ferr
			}
			defer f.Close()
			if _, ferr := fmt.Fprintln(f, line); ferr != nil {
				return ferr
			}
			return nil
		}

		// Known host with a different key: refuse.
		return err
	}, nil
}

func touchKnownHosts(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE, 0600)
	if err != nil {
		return err
	}
	return f.Close()
}
