package template

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"evalgo.org/lares/models"
)

// RenderTarget identifies the device a render is bound to. Target identity
// participates in the config digest so the same config on two hosts yields
// two digests.
type RenderTarget struct {
	Host string
	IP   string
}

// Rendered is the method-specific output of one template render.
type Rendered struct {
	Service string
	Method  models.InstallMethod

	// Compose is set for docker_compose: the substituted compose tree.
	Compose map[string]any

	// Playbook and Files are set for ansible: one ordered play plus file
	// templates keyed by destination path.
	Playbook map[string]any
	Files    map[string]string

	// MainTF and TFVars are set for terraform.
	MainTF string
	TFVars string

	// Script is set for the script method.
	Script string

	UninstallCommands []string

	// Vars is the fully merged variable set used for the render.
	Vars Vars

	// Digest is the canonical-JSON SHA-256 of the rendered artifacts.
	Digest string
}

// Render merges variables and substitutes every placeholder in the
// template's installation artifacts. Any unresolved reference or type
// mismatch fails the whole render.
func (e *Engine) Render(tmpl *models.ServiceTemplate, target RenderTarget, config map[string]any) (*Rendered, error) {
	vars, err := mergeVars(tmpl, target, config)
	if err != nil {
		return nil, err
	}

	out := &Rendered{
		Service: tmpl.Name,
		Method:  tmpl.Installation.Method,
		Vars:    vars,
	}

	switch tmpl.Installation.Method {
	case models.MethodDockerCompose:
		tree, err := substituteTree(tmpl.Installation.DockerCompose, vars)
		if err != nil {
			return nil, err
		}
		out.Compose = tree.(map[string]any)

	case models.MethodAnsible:
		playbook, files, err := renderAnsible(tmpl.Installation.Ansible, tmpl.Name, target, vars)
		if err != nil {
			return nil, err
		}
		out.Playbook = playbook
		out.Files = files

	case models.MethodTerraform:
		mainTF, tfvars, err := renderTerraform(tmpl.Installation.Terraform, vars)
		if err != nil {
			return nil, err
		}
		out.MainTF = mainTF
		out.TFVars = tfvars

	case models.MethodScript:
		script, err := Substitute(tmpl.Installation.Script, vars)
		if err != nil {
			return nil, err
		}
		out.Script = script

	default:
		return nil, models.NewToolError(models.KindTemplateError,
			"unsupported installation method %q", tmpl.Installation.Method)
	}

	for _, cmd := range tmpl.Installation.UninstallCommands {
		rendered, err := Substitute(cmd, vars)
		if err != nil {
			return nil, err
		}
		out.UninstallCommands = append(out.UninstallCommands, rendered)
	}

	digest, err := ArtifactDigest(out, target)
	if err != nil {
		return nil, err
	}
	out.Digest = digest
	return out, nil
}

// RenderProbes substitutes placeholders in the template's health probes.
func RenderProbes(tmpl *models.ServiceTemplate, vars Vars) ([]models.HealthProbe, error) {
	probes := make([]models.HealthProbe, 0, len(tmpl.PostInstall.HealthChecks))
	for _, probe := range tmpl.PostInstall.HealthChecks {
		target, err := Substitute(probe.Target, vars)
		if err != nil {
			return nil, err
		}
		probes = append(probes, models.HealthProbe{Kind: probe.Kind, Target: target, Expected: probe.Expected})
	}
	return probes, nil
}

// mergeVars layers default_config, declared variable defaults, and the
// caller's config, then enforces required and typed variables.
func mergeVars(tmpl *models.ServiceTemplate, target RenderTarget, config map[string]any) (Vars, error) {
	vars := Vars{}
	for key, value := range tmpl.DefaultConfig {
		vars[key] = value
	}
	for _, decl := range tmpl.Variables {
		if decl.Default != nil {
			vars[decl.Name] = decl.Default
		}
	}
	for key, value := range config {
		vars[key] = value
	}

	vars["target_host"] = target.Host
	vars["target_ip"] = target.IP
	vars["service"] = tmpl.Name

	for _, decl := range tmpl.Variables {
		value, present := vars[decl.Name]
		if !present || value == nil || value == "" {
			if decl.Required {
				return nil, models.NewToolError(models.KindTemplateError,
					"required variable %q not provided", decl.Name)
			}
			continue
		}
		coerced, err := coerce(decl, value)
		if err != nil {
			return nil, err
		}
		vars[decl.Name] = coerced
	}
	return vars, nil
}

func coerce(decl models.Variable, value any) (any, error) {
	mismatch := func() error {
		return models.NewToolError(models.KindTemplateError,
			"variable %q expects %s, got %T", decl.Name, decl.Type, value)
	}
	switch decl.Type {
	case models.VarString, models.VarPassword, "":
		if s, ok := value.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", value), nil
	case models.VarInt:
		if n, ok := asInt(value); ok {
			return n, nil
		}
		return nil, mismatch()
	case models.VarBool:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			if parsed, err := strconv.ParseBool(v); err == nil {
				return parsed, nil
			}
		}
		return nil, mismatch()
	case models.VarList:
		switch v := value.(type) {
		case []any:
			return v, nil
		case []string:
			out := make([]any, len(v))
			for i, s := range v {
				out[i] = s
			}
			return out, nil
		}
		return nil, mismatch()
	default:
		return nil, models.NewToolError(models.KindTemplateError,
			"variable %q has unknown type %q", decl.Name, decl.Type)
	}
}

// substituteTree walks a YAML tree substituting every string leaf.
func substituteTree(node any, vars Vars) (any, error) {
	switch v := node.(type) {
	case string:
		return Substitute(v, vars)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, child := range v {
			rendered, err := substituteTree(child, vars)
			if err != nil {
				return nil, err
			}
			out[key] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			rendered, err := substituteTree(child, vars)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return node, nil
	}
}

func renderAnsible(install *models.AnsibleInstall, service string, target RenderTarget, vars Vars) (map[string]any, map[string]string, error) {
	renderTasks := func(tasks []map[string]any) ([]any, error) {
		out := make([]any, 0, len(tasks))
		for _, task := range tasks {
			rendered, err := substituteTree(map[string]any(task), vars)
			if err != nil {
				return nil, err
			}
			out = append(out, rendered)
		}
		return out, nil
	}

	playbook := map[string]any{
		"name":   fmt.Sprintf("install %s", service),
		"hosts":  target.Host,
		"become": true,
	}
	for key, tasks := range map[string][]map[string]any{
		"pre_tasks":  install.PreTasks,
		"tasks":      install.Tasks,
		"post_tasks": install.PostTasks,
		"handlers":   install.Handlers,
	} {
		if len(tasks) == 0 {
			continue
		}
		rendered, err := renderTasks(tasks)
		if err != nil {
			return nil, nil, err
		}
		playbook[key] = rendered
	}

	files := make(map[string]string, len(install.ServiceTemplates))
	for dest, body := range install.ServiceTemplates {
		destRendered, err := Substitute(dest, vars)
		if err != nil {
			return nil, nil, err
		}
		bodyRendered, err := Substitute(body, vars)
		if err != nil {
			return nil, nil, err
		}
		files[destRendered] = bodyRendered
	}
	return playbook, files, nil
}

func renderTerraform(install *models.TerraformInstall, vars Vars) (string, string, error) {
	mainTF, err := Substitute(install.MainTF, vars)
	if err != nil {
		return "", "", err
	}

	var b strings.Builder
	keys := sortedKeys(install.Variables)
	for _, key := range keys {
		rendered, err := substituteTree(install.Variables[key], vars)
		if err != nil {
			return "", "", err
		}
		b.WriteString(key)
		b.WriteString(" = ")
		b.WriteString(tfvarLiteral(rendered))
		b.WriteByte('\n')
	}
	return mainTF, b.String(), nil
}

func tfvarLiteral(value any) string {
	switch v := value.(type) {
	case string:
		return strconv.Quote(v)
	case bool:
		return strconv.FormatBool(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = tfvarLiteral(item)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return strconv.Quote(fmt.Sprintf("%v", v))
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
