package template

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ArtifactDigest hashes the rendered artifacts plus the target identity
// into a hex SHA-256. encoding/json sorts map keys, so the serialization is
// canonical for identical inputs; the installer compares digests to decide
// whether a rerun needs to do anything.
func ArtifactDigest(rendered *Rendered, target RenderTarget) (string, error) {
	payload := map[string]any{
		"service":            rendered.Service,
		"method":             rendered.Method,
		"target_host":        target.Host,
		"target_ip":          target.IP,
		"compose":            rendered.Compose,
		"playbook":           rendered.Playbook,
		"files":              rendered.Files,
		"main_tf":            rendered.MainTF,
		"tfvars":             rendered.TFVars,
		"script":             rendered.Script,
		"uninstall_commands": rendered.UninstallCommands,
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode artifacts: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}
