package models

// VariableType constrains a declared template input.
type VariableType string

const (
	VarString   VariableType = "string"
	VarInt      VariableType = "int"
	VarBool     VariableType = "bool"
	VarList     VariableType = "list<string>"
	VarPassword VariableType = "password"
)

// Variable is a declared template input.
type Variable struct {
	Name        string       `yaml:"name" json:"name" validate:"required"`
	Type        VariableType `yaml:"type" json:"type"`
	Required    bool         `yaml:"required" json:"required"`
	Default     any          `yaml:"default,omitempty" json:"default,omitempty"`
	Description string       `yaml:"description,omitempty" json:"description,omitempty"`
}

// HardwareHint matches against discovered GPU/USB/PCI facts. A miss is a
// warning unless Required is set.
type HardwareHint struct {
	Tag      string `yaml:"tag" json:"tag"`
	Required bool   `yaml:"required" json:"required"`
}

// Requirements are the resources a service needs on its target device.
type Requirements struct {
	Ports         []int          `yaml:"ports,omitempty" json:"ports,omitempty"`
	MemoryGB      float64        `yaml:"memory_gb,omitempty" json:"memory_gb,omitempty"`
	DiskGB        float64        `yaml:"disk_gb,omitempty" json:"disk_gb,omitempty"`
	CPUCores      int            `yaml:"cpu_cores,omitempty" json:"cpu_cores,omitempty"`
	Dependencies  []string       `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	HardwareHints []HardwareHint `yaml:"hardware_hints,omitempty" json:"hardware_hints,omitempty"`
}

// AnsibleInstall is the ansible variant of the installation union. Task
// entries are passed through to the generated playbook; ServiceTemplates are
// file templates materialized on the target during install, keyed by
// destination path.
type AnsibleInstall struct {
	PreTasks         []map[string]any  `yaml:"pre_tasks,omitempty" json:"pre_tasks,omitempty"`
	Tasks            []map[string]any  `yaml:"tasks" json:"tasks"`
	PostTasks        []map[string]any  `yaml:"post_tasks,omitempty" json:"post_tasks,omitempty"`
	Handlers         []map[string]any  `yaml:"handlers,omitempty" json:"handlers,omitempty"`
	ServiceTemplates map[string]string `yaml:"service_templates,omitempty" json:"service_templates,omitempty"`
	UninstallTasks   []map[string]any  `yaml:"uninstall_tasks,omitempty" json:"uninstall_tasks,omitempty"`
}

// TerraformInstall is the terraform variant: a self-contained module source.
type TerraformInstall struct {
	RequiredVersion string            `yaml:"required_version,omitempty" json:"required_version,omitempty"`
	Backend         string            `yaml:"backend,omitempty" json:"backend,omitempty"`
	Variables       map[string]any    `yaml:"variables,omitempty" json:"variables,omitempty"`
	MainTF          string            `yaml:"main_tf" json:"main_tf"`
	Outputs         map[string]string `yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

// Installation is a discriminated union on Method. Exactly one of the method
// payloads is set, matching Method.
type Installation struct {
	Method        InstallMethod     `yaml:"method" json:"method" validate:"required"`
	DockerCompose map[string]any    `yaml:"docker_compose,omitempty" json:"docker_compose,omitempty"`
	Ansible       *AnsibleInstall   `yaml:"ansible,omitempty" json:"ansible,omitempty"`
	Terraform     *TerraformInstall `yaml:"terraform,omitempty" json:"terraform,omitempty"`
	Script        string            `yaml:"script,omitempty" json:"script,omitempty"`
	// UninstallCommands is a best-effort command list for methods without a
	// native teardown path.
	UninstallCommands []string `yaml:"uninstall_commands,omitempty" json:"uninstall_commands,omitempty"`
}

// ProbeKind selects a health probe mechanism.
type ProbeKind string

const (
	ProbeHTTP    ProbeKind = "http"
	ProbeTCP     ProbeKind = "tcp"
	ProbeCommand ProbeKind = "command"
)

// HealthProbe is a machine-checkable post-install probe.
type HealthProbe struct {
	Kind     ProbeKind `yaml:"kind" json:"kind"`
	Target   string    `yaml:"target" json:"target"`
	Expected string    `yaml:"expected,omitempty" json:"expected,omitempty"`
}

// PostInstall carries human-readable instructions plus health probes.
type PostInstall struct {
	Instructions string        `yaml:"instructions,omitempty" json:"instructions,omitempty"`
	HealthChecks []HealthProbe `yaml:"health_check,omitempty" json:"health_check,omitempty"`
}

// ServiceTemplate is a declarative, deployable service description loaded
// from a YAML file. Every {{name}} reference in the installation artifacts
// must resolve to a declared variable or a default_config key; the loader
// fails closed otherwise.
type ServiceTemplate struct {
	Name        string `yaml:"name" json:"name" validate:"required"`
	Version     string `yaml:"version,omitempty" json:"version,omitempty"`
	Category    string `yaml:"category,omitempty" json:"category,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	Requirements  Requirements   `yaml:"requirements,omitempty" json:"requirements,omitempty"`
	DefaultConfig map[string]any `yaml:"default_config,omitempty" json:"default_config,omitempty"`
	Variables     []Variable     `yaml:"variables,omitempty" json:"variables,omitempty"`

	Installation Installation `yaml:"installation" json:"installation" validate:"required"`
	PostInstall  PostInstall  `yaml:"post_install,omitempty" json:"post_install,omitempty"`
}

// TemplateSummary is the template listing shape returned by list_services.
type TemplateSummary struct {
	Name        string        `json:"name"`
	Version     string        `json:"version,omitempty"`
	Category    string        `json:"category,omitempty"`
	Description string        `json:"description,omitempty"`
	Method      InstallMethod `json:"method"`
}

// Summary returns the listing shape for the template.
func (t *ServiceTemplate) Summary() TemplateSummary {
	return TemplateSummary{
		Name:        t.Name,
		Version:     t.Version,
		Category:    t.Category,
		Description: t.Description,
		Method:      t.Installation.Method,
	}
}

// Variable returns the declared variable with the given name.
func (t *ServiceTemplate) Variable(name string) (*Variable, bool) {
	for i := range t.Variables {
		if t.Variables[i].Name == name {
			return &t.Variables[i], true
		}
	}
	return nil, false
}
