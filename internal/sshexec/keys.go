package sshexec

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Keypair is the process-wide SSH keypair used for managed-user access.
type Keypair struct {
	PrivatePath string
	PublicPath  string
	Signer      ssh.Signer
}

// DefaultKeyPath is where the keypair lives when not configured.
func DefaultKeyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".ssh", "mcp_admin_rsa")
	}
	return filepath.Join(home, ".ssh", "mcp_admin_rsa")
}

// EnsureKeypair loads the keypair at path, generating a new RSA-4096 pair on
// first start. The private key file is created with mode 0600.
func EnsureKeypair(path string) (*Keypair, error) {
	if path == "" {
		path = DefaultKeyPath()
	}
	pubPath := path + ".pub"

	if _, err := os.Stat(path); err == nil {
		return loadKeypair(path, pubPath)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}

	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(path, pemBytes, 0600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}

	pub, err := ssh.NewPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	if err := os.WriteFile(pubPath, ssh.MarshalAuthorizedKey(pub), 0644); err != nil {
		return nil, fmt.Errorf("write public key: %w", err)
	}

	return loadKeypair(path, pubPath)
}

func loadKeypair(privPath, pubPath string) (*Keypair, error) {
	data, err := os.ReadFile(privPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Keypair{PrivatePath: privPath, PublicPath: pubPath, Signer: signer}, nil
}

// AuthorizedKeysLine renders the public key as an authorized_keys line with
// the given comment.
func (k *Keypair) AuthorizedKeysLine(comment string) string {
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(k.Signer.PublicKey())))
	return line + " " + comment
}
