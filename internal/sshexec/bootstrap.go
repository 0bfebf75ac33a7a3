package sshexec

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"evalgo.org/lares/models"
)

// KeyAction reports what happened to the authorized_keys file.
type KeyAction string

const (
	KeyAdded     KeyAction = "added"
	KeyReplaced  KeyAction = "replaced"
	KeyUnchanged KeyAction = "unchanged"
)

// BootstrapResult is the outcome of BootstrapAdmin.
type BootstrapResult struct {
	UserExisted bool      `json:"user_existed"`
	KeyAction   KeyAction `json:"key_action"`
	SudoOK      bool      `json:"sudo_ok"`
}

// VerifyResult is the outcome of VerifyAdmin.
type VerifyResult struct {
	Reachable bool `json:"reachable"`
	KeyAuthOK bool `json:"key_auth_ok"`
	SudoOK    bool `json:"sudo_ok"`
}

// BootstrapAdmin provisions the managed user on a host using admin-level
// credentials. Every step is idempotent; re-running on a correctly
// configured host is a no-op.
//
// forceUpdateKey removes only authorized_keys lines whose comment is exactly
// this server's key comment (mcp_admin@<server-hostname>); keys installed by
// other Lares servers or humans are never touched.
func (e *Executor) BootstrapAdmin(ctx context.Context, admin Target, forceUpdateKey bool) (*BootstrapResult, error) {
	managed := e.cfg.ManagedUser
	result := &BootstrapResult{}

	// Step 1-2: ensure the managed user exists.
	check, err := e.Run(ctx, admin, fmt.Sprintf("id -u %s", shellQuote(managed)), RunOptions{})
	if err != nil {
		return nil, err
	}
	result.UserExisted = check.ExitCode == 0

	if !result.UserExisted {
		password, err := randomPassword()
		if err != nil {
			return nil, fmt.Errorf("generate password: %w", err)
		}
		create := fmt.Sprintf("useradd -m -s /bin/bash %s", shellQuote(managed))
		if res, err := e.Run(ctx, admin, create, RunOptions{UseSudo: true}); err != nil {
			return nil, err
		} else if res.ExitCode != 0 {
			return nil, models.NewToolError(models.KindRemoteFailure, "create user %s on %s", managed, admin.Host).
				WithDetail("stderr", tail(res.Stderr, outputTailLimit))
		}
		if res, err := e.Run(ctx, admin, "chpasswd", RunOptions{
			UseSudo: true,
			Stdin:   []byte(fmt.Sprintf("%s:%s\n", managed, password)),
		}); err != nil {
			return nil, err
		} else if res.ExitCode != 0 {
			return nil, models.NewToolError(models.KindRemoteFailure, "set password for %s on %s", managed, admin.Host)
		}

		// Only a salted hash is kept, and only locally. The plaintext never
		// leaves this function.
		if e.creds != nil {
			hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
			if err == nil {
				e.creds.Put(fmt.Sprintf("managed_password_hash:%s", admin.Host), string(hash))
			}
		}
	}

	// Step 3: sudo group membership plus a NOPASSWD drop-in, validated
	// with visudo before it can lock anyone out.
	sudoSetup := strings.Join([]string{
		fmt.Sprintf("usermod -aG sudo %s 2>/dev/null || usermod -aG wheel %s", shellQuote(managed), shellQuote(managed)),
		fmt.Sprintf("echo '%s ALL=(ALL) NOPASSWD:ALL' > /etc/sudoers.d/90-%s", managed, managed),
		fmt.Sprintf("chmod 0440 /etc/sudoers.d/90-%s", managed),
		"visudo -c",
	}, " && ")
	if res, err := e.Run(ctx, admin, sudoSetup, RunOptions{UseSudo: true}); err != nil {
		return nil, err
	} else if res.ExitCode != 0 {
		return nil, models.NewToolError(models.KindRemoteFailure, "configure sudo for %s on %s", managed, admin.Host).
			WithDetail("stderr", tail(res.Stderr, outputTailLimit))
	}

	// Step 4: ~/.ssh with mode 0700.
	home := fmt.Sprintf("/home/%s", managed)
	sshDir := home + "/.ssh"
	mkdir := fmt.Sprintf("mkdir -p %s && chmod 700 %s && chown %s:%s %s",
		shellQuote(sshDir), shellQuote(sshDir), managed, managed, shellQuote(sshDir))
	if res, err := e.Run(ctx, admin, mkdir, RunOptions{UseSudo: true}); err != nil {
		return nil, err
	} else if res.ExitCode != 0 {
		return nil, models.NewToolError(models.KindRemoteFailure, "create %s on %s", sshDir, admin.Host)
	}

	// Step 5: read, merge, and (Step 6) atomically write authorized_keys.
	authPath := sshDir + "/authorized_keys"
	read, err := e.Run(ctx, admin, fmt.Sprintf("cat %s 2>/dev/null || true", shellQuote(authPath)), RunOptions{UseSudo: true})
	if err != nil {
		return nil, err
	}

	merged, action := MergeAuthorizedKeys([]byte(read.Stdout), e.PublicKeyLine(), e.KeyComment(), forceUpdateKey)
	result.KeyAction = action

	if action != KeyUnchanged {
		tmpPath := authPath + ".lares.tmp"
		write := fmt.Sprintf("cat > %s && chmod 600 %s && chown %s:%s %s && mv %s %s",
			shellQuote(tmpPath), shellQuote(tmpPath), managed, managed, shellQuote(tmpPath),
			shellQuote(tmpPath), shellQuote(authPath))
		if res, err := e.Run(ctx, admin, write, RunOptions{UseSudo: true, Stdin: merged}); err != nil {
			return nil, err
		} else if res.ExitCode != 0 {
			return nil, models.NewToolError(models.KindRemoteFailure, "write authorized_keys on %s", admin.Host).
				WithDetail("stderr", tail(res.Stderr, outputTailLimit))
		}
	}

	// Step 7: verify with a fresh connection as the managed user.
	verify, err := e.VerifyAdmin(ctx, admin.Host, admin.Port)
	if err != nil {
		return nil, err
	}
	if !verify.KeyAuthOK {
		return nil, models.NewToolError(models.KindAuthFailed, "managed user %s cannot authenticate on %s after bootstrap", managed, admin.Host)
	}
	result.SudoOK = verify.SudoOK

	return result, nil
}

// VerifyAdmin checks managed-user access: reachability, key auth, and
// passwordless sudo.
func (e *Executor) VerifyAdmin(ctx context.Context, host string, port int) (*VerifyResult, error) {
	target := Target{Host: host, Port: port, User: e.cfg.ManagedUser}

	res, err := e.Run(ctx, target, "sudo -n true", RunOptions{})
	if err != nil {
		te := models.AsToolError(err)
		switch te.Kind {
		case models.KindUnreachable:
			return &VerifyResult{}, nil
		case models.KindAuthFailed:
			return &VerifyResult{Reachable: true}, nil
		}
		return nil, err
	}

	return &VerifyResult{
		Reachable: true,
		KeyAuthOK: true,
		SudoOK:    res.ExitCode == 0,
	}, nil
}

// MergeAuthorizedKeys merges the server key line into an authorized_keys
// file. Non-matching lines keep their order; the server key is appended
// last. Lines are matched by the exact key comment. The returned file always
// ends with a newline when non-empty.
func MergeAuthorizedKeys(existing []byte, keyLine, comment string, force bool) ([]byte, KeyAction) {
	var kept []string
	var matched []string

	for _, line := range strings.Split(string(existing), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasSuffix(trimmed, " "+comment) {
			matched = append(matched, trimmed)
			continue
		}
		kept = append(kept, trimmed)
	}

	action := KeyAdded
	switch {
	case len(matched) == 1 && matched[0] == keyLine:
		// Current key already present and identical.
		return render(append(kept, matched...)), KeyUnchanged
	case len(matched) > 0 && !force:
		// A different key under our comment, but no force: leave untouched.
		return render(append(kept, matched...)), KeyUnchanged
	case len(matched) > 0:
		action = KeyReplaced
	}

	return render(append(kept, keyLine)), action
}

func render(lines []string) []byte {
	if len(lines) == 0 {
		return []byte{}
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}

func randomPassword() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
