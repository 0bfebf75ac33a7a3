// Package template loads, validates, and renders the service template
// catalog. Templates are YAML files; rendering substitutes {{name}}
// placeholders into method-specific artifacts and hashes them into a config
// digest.
package template

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"evalgo.org/lares/models"
)

// Engine holds the loaded template catalog. Loading happens at startup and
// on explicit reload; lookups are concurrent.
type Engine struct {
	logger   *slog.Logger
	validate *validator.Validate

	mu        sync.RWMutex
	templates map[string]*models.ServiceTemplate
}

// NewEngine creates an empty engine.
func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{
		logger:    logger,
		validate:  validator.New(),
		templates: map[string]*models.ServiceTemplate{},
	}
}

// LoadDir parses every *.yaml / *.yml file under dir. A file that fails to
// parse or validate is logged and skipped so one broken template cannot
// take the catalog down. Returns the number of templates loaded.
func (e *Engine) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read template directory: %w", err)
	}

	loaded := map[string]*models.ServiceTemplate{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		tmpl, err := e.loadFile(path)
		if err != nil {
			e.logger.Warn("skipping invalid template", "file", entry.Name(), "error", err)
			continue
		}
		if _, dup := loaded[tmpl.Name]; dup {
			e.logger.Warn("skipping duplicate template name", "file", entry.Name(), "name", tmpl.Name)
			continue
		}
		loaded[tmpl.Name] = tmpl
	}

	e.mu.Lock()
	e.templates = loaded
	e.mu.Unlock()

	e.logger.Info("template catalog loaded", "dir", dir, "count", len(loaded))
	return len(loaded), nil
}

// CheckDir validates every template file under dir without touching the
// loaded catalog. Used by the validate-templates CLI command, where a broken
// file must be reported rather than skipped.
func (e *Engine) CheckDir(dir string) (ok int, problems map[string]error, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, nil, fmt.Errorf("read template directory: %w", err)
	}
	problems = map[string]error{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		if _, err := e.loadFile(filepath.Join(dir, entry.Name())); err != nil {
			problems[entry.Name()] = err
			continue
		}
		ok++
	}
	return ok, problems, nil
}

func (e *Engine) loadFile(path string) (*models.ServiceTemplate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tmpl models.ServiceTemplate
	if err := yaml.Unmarshal(raw, &tmpl); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if err := e.Validate(&tmpl); err != nil {
		return nil, err
	}
	return &tmpl, nil
}

// Validate checks a template structurally: required fields, a known
// installation method with its matching payload, and every placeholder
// reference resolving to a declared variable or default_config key.
func (e *Engine) Validate(tmpl *models.ServiceTemplate) error {
	if err := e.validate.Struct(tmpl); err != nil {
		return fmt.Errorf("structure: %w", err)
	}

	switch tmpl.Installation.Method {
	case models.MethodDockerCompose:
		if tmpl.Installation.DockerCompose == nil {
			return fmt.Errorf("method docker_compose declared without a docker_compose section")
		}
	case models.MethodAnsible:
		if tmpl.Installation.Ansible == nil || len(tmpl.Installation.Ansible.Tasks) == 0 {
			return fmt.Errorf("method ansible declared without tasks")
		}
	case models.MethodTerraform:
		if tmpl.Installation.Terraform == nil || tmpl.Installation.Terraform.MainTF == "" {
			return fmt.Errorf("method terraform declared without main_tf")
		}
	case models.MethodScript:
		if tmpl.Installation.Script == "" {
			return fmt.Errorf("method script declared without a script body")
		}
	default:
		return fmt.Errorf("unsupported installation method %q", tmpl.Installation.Method)
	}

	return e.checkReferences(tmpl)
}

// checkReferences fails closed: every variable a placeholder reads must be
// declared or have a default_config entry.
func (e *Engine) checkReferences(tmpl *models.ServiceTemplate) error {
	known := map[string]bool{
		// Always injected at render time.
		"target_host": true,
		"target_ip":   true,
		"service":     true,
	}
	for _, v := range tmpl.Variables {
		known[v.Name] = true
	}
	for key := range tmpl.DefaultConfig {
		known[key] = true
	}

	var unknown []string
	for _, name := range e.collectReferences(tmpl) {
		if !known[name] {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unresolved variable references: %s", strings.Join(unknown, ", "))
	}
	return nil
}

func (e *Engine) collectReferences(tmpl *models.ServiceTemplate) []string {
	var refs []string
	walk := func(node any) {
		refs = append(refs, referencesIn(node)...)
	}
	walk(tmpl.Installation.DockerCompose)
	if a := tmpl.Installation.Ansible; a != nil {
		for _, group := range [][]map[string]any{a.PreTasks, a.Tasks, a.PostTasks, a.Handlers, a.UninstallTasks} {
			for _, task := range group {
				walk(task)
			}
		}
		for _, body := range a.ServiceTemplates {
			refs = append(refs, References(body)...)
		}
	}
	if tf := tmpl.Installation.Terraform; tf != nil {
		refs = append(refs, References(tf.MainTF)...)
		walk(tf.Variables)
	}
	refs = append(refs, References(tmpl.Installation.Script)...)
	for _, cmd := range tmpl.Installation.UninstallCommands {
		refs = append(refs, References(cmd)...)
	}
	for _, probe := range tmpl.PostInstall.HealthChecks {
		refs = append(refs, References(probe.Target)...)
	}
	return refs
}

// referencesIn walks an arbitrary YAML tree collecting placeholder
// references from every string value.
func referencesIn(node any) []string {
	var refs []string
	switch v := node.(type) {
	case string:
		refs = append(refs, References(v)...)
	case map[string]any:
		for _, child := range v {
			refs = append(refs, referencesIn(child)...)
		}
	case []any:
		for _, child := range v {
			refs = append(refs, referencesIn(child)...)
		}
	}
	return refs
}

// Get returns the named template.
func (e *Engine) Get(name string) (*models.ServiceTemplate, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	tmpl, ok := e.templates[name]
	return tmpl, ok
}

// List returns template summaries sorted by name.
func (e *Engine) List() []models.TemplateSummary {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.TemplateSummary, 0, len(e.templates))
	for _, tmpl := range e.templates {
		out = append(out, tmpl.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len reports the catalog size.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.templates)
}
