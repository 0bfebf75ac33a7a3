package installer

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"evalgo.org/lares/internal/procexec"
	"evalgo.org/lares/internal/sshexec"
	"evalgo.org/lares/internal/template"
	"evalgo.org/lares/models"
)

// AnsibleRunner runs the local ansible-playbook subprocess.
type AnsibleRunner = procexec.Runner

// execute runs the Uploading and Executing steps for the rendered method.
func (i *Installer) execute(ctx context.Context, device *models.Device, tmpl *models.ServiceTemplate,
	rendered *template.Rendered, wait bool, progress func(Step, string)) (map[string]any, string, error) {

	switch rendered.Method {
	case models.MethodDockerCompose:
		return i.executeCompose(ctx, device, rendered, progress)
	case models.MethodAnsible:
		return i.executeAnsible(ctx, device, rendered, progress)
	case models.MethodTerraform:
		return i.executeTerraform(ctx, device, tmpl, rendered, wait, progress)
	case models.MethodScript:
		return i.executeScript(ctx, device, rendered, progress)
	default:
		return nil, "", models.NewToolError(models.KindTemplateError,
			"no executor for method %q", rendered.Method)
	}
}

// executeCompose uploads the compose document and brings the stack up.
func (i *Installer) executeCompose(ctx context.Context, device *models.Device,
	rendered *template.Rendered, progress func(Step, string)) (map[string]any, string, error) {

	target := i.refresher.TargetFor(device)
	dir := i.deploymentDir(rendered.Service)

	composeYAML, err := yaml.Marshal(rendered.Compose)
	if err != nil {
		return nil, "", models.NewToolError(models.KindTemplateError, "serialize compose: %v", err)
	}

	progress(StepUploading, "uploading compose document")
	prep := fmt.Sprintf("mkdir -p %s && chown %s %s", shellQuote(dir), shellQuote(target.User), shellQuote(dir))
	if err := i.runChecked(ctx, target, prep, sshexec.RunOptions{UseSudo: true}); err != nil {
		return nil, "", err
	}
	if err := i.ssh.Upload(ctx, target, composeYAML, path.Join(dir, "docker-compose.yaml"), "0644"); err != nil {
		return nil, "", err
	}

	progress(StepExecuting, "pulling images")
	compose := fmt.Sprintf("cd %s && docker compose", shellQuote(dir))
	if err := i.runChecked(ctx, target, compose+" pull", sshexec.RunOptions{UseSudo: true}); err != nil {
		return nil, "", err
	}
	progress(StepExecuting, "starting containers")
	if err := i.runChecked(ctx, target, compose+" up -d", sshexec.RunOptions{UseSudo: true}); err != nil {
		return nil, "", err
	}

	outputs := map[string]any{}
	if ids, err := i.ssh.Run(ctx, target, compose+" ps -q", sshexec.RunOptions{UseSudo: true}); err == nil && ids.ExitCode == 0 {
		var containers []string
		for _, id := range strings.Fields(ids.Stdout) {
			containers = append(containers, id)
		}
		outputs["container_ids"] = containers
	}
	return outputs, dir, nil
}

// executeAnsible materializes the playbook locally and runs ansible-playbook
// against an inventory of one host.
func (i *Installer) executeAnsible(ctx context.Context, device *models.Device,
	rendered *template.Rendered, progress func(Step, string)) (map[string]any, string, error) {

	progress(StepUploading, "staging playbook")
	workdir, err := i.stageAnsible(device, rendered, rendered.Playbook)
	if err != nil {
		return nil, "", err
	}
	defer os.RemoveAll(workdir)

	progress(StepExecuting, "running ansible-playbook")
	result, err := i.runAnsible(ctx, workdir, progress)
	if err != nil {
		return nil, "", err
	}
	if result.ExitCode != 0 {
		te := models.NewToolError(models.KindRemoteFailure,
			"ansible-playbook exited with code %d", result.ExitCode).
			WithDetail("stdout_tail", tailString(result.Stdout, 8192)).
			WithDetail("stderr_tail", tailString(result.Stderr, 8192))
		if failed := firstFailedTask(result.Stdout); failed != "" {
			te = te.WithDetail("failed_task", failed)
		}
		return nil, "", te
	}
	return nil, i.deploymentDir(rendered.Service), nil
}

// executeTerraform delegates to the terraform driver.
func (i *Installer) executeTerraform(ctx context.Context, device *models.Device, tmpl *models.ServiceTemplate,
	rendered *template.Rendered, wait bool, progress func(Step, string)) (map[string]any, string, error) {

	host := device.Identity()
	progress(StepUploading, "preparing terraform workspace")
	stream := func(line string) { progress(StepExecuting, line) }
	if err := i.tf.Prepare(ctx, rendered.Service, host, rendered.MainTF, rendered.TFVars, nil); err != nil {
		return nil, "", err
	}
	progress(StepExecuting, "applying terraform plan")
	outputs, err := i.tf.Apply(ctx, rendered.Service, host, wait, stream)
	if err != nil {
		return nil, "", err
	}
	return outputs, i.tf.Workdir(rendered.Service, host), nil
}

// executeScript uploads the script and runs it under bash -euo pipefail.
func (i *Installer) executeScript(ctx context.Context, device *models.Device,
	rendered *template.Rendered, progress func(Step, string)) (map[string]any, string, error) {

	target := i.refresher.TargetFor(device)
	dir := i.deploymentDir(rendered.Service)
	scriptPath := path.Join(dir, "install.sh")

	progress(StepUploading, "uploading install script")
	prep := fmt.Sprintf("mkdir -p %s && chown %s %s", shellQuote(dir), shellQuote(target.User), shellQuote(dir))
	if err := i.runChecked(ctx, target, prep, sshexec.RunOptions{UseSudo: true}); err != nil {
		return nil, "", err
	}
	if err := i.ssh.Upload(ctx, target, []byte(rendered.Script), scriptPath, "0755"); err != nil {
		return nil, "", err
	}

	progress(StepExecuting, "running install script")
	run := fmt.Sprintf("bash -euo pipefail %s", shellQuote(scriptPath))
	if err := i.runChecked(ctx, target, run, sshexec.RunOptions{UseSudo: true}); err != nil {
		return nil, "", err
	}
	return nil, dir, nil
}

// teardown undoes an install per its recorded method.
func (i *Installer) teardown(ctx context.Context, device *models.Device,
	record *models.ServiceRecord, tmpl *models.ServiceTemplate) error {

	switch record.Method {
	case models.MethodDockerCompose:
		target := i.refresher.TargetFor(device)
		dir := record.DeploymentDir
		if dir == "" {
			dir = i.deploymentDir(record.ServiceName)
		}
		down := fmt.Sprintf("cd %s && docker compose down -v", shellQuote(dir))
		return i.runChecked(ctx, target, down, sshexec.RunOptions{UseSudo: true})

	case models.MethodAnsible:
		if tmpl != nil && tmpl.Installation.Ansible != nil && len(tmpl.Installation.Ansible.UninstallTasks) > 0 {
			return i.teardownAnsible(ctx, device, tmpl)
		}
		return i.runUninstallCommands(ctx, device, tmpl)

	case models.MethodTerraform:
		_, err := i.tf.Destroy(ctx, record.ServiceName, device.Identity(), true, nil)
		return err

	case models.MethodScript:
		return i.runUninstallCommands(ctx, device, tmpl)

	default:
		return models.NewToolError(models.KindStateDrift,
			"service record has unknown method %q", record.Method)
	}
}

// teardownAnsible runs the template's uninstall task list as its own play.
func (i *Installer) teardownAnsible(ctx context.Context, device *models.Device, tmpl *models.ServiceTemplate) error {
	rendered, err := i.render(tmpl, device, nil)
	if err != nil {
		// Required variables may be gone at uninstall time; fall back to
		// the declared command list.
		return i.runUninstallCommands(ctx, device, tmpl)
	}

	play := map[string]any{
		"name":   fmt.Sprintf("uninstall %s", tmpl.Name),
		"hosts":  device.Hostname,
		"become": true,
	}
	tasks := make([]any, 0, len(tmpl.Installation.Ansible.UninstallTasks))
	for _, task := range tmpl.Installation.Ansible.UninstallTasks {
		tasks = append(tasks, task)
	}
	play["tasks"] = tasks

	workdir, err := i.stageAnsible(device, rendered, play)
	if err != nil {
		return err
	}
	defer os.RemoveAll(workdir)

	result, err := i.runAnsible(ctx, workdir, nil)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return models.NewToolError(models.KindRemoteFailure,
			"uninstall playbook exited with code %d", result.ExitCode).
			WithDetail("stderr_tail", tailString(result.Stderr, 8192))
	}
	return nil
}

// runUninstallCommands executes the template's best-effort command list.
func (i *Installer) runUninstallCommands(ctx context.Context, device *models.Device, tmpl *models.ServiceTemplate) error {
	if tmpl == nil || len(tmpl.Installation.UninstallCommands) == 0 {
		return nil
	}
	rendered, err := i.render(tmpl, device, nil)
	if err != nil || len(rendered.UninstallCommands) == 0 {
		return err
	}
	target := i.refresher.TargetFor(device)
	for _, cmd := range rendered.UninstallCommands {
		if err := i.runChecked(ctx, target, cmd, sshexec.RunOptions{UseSudo: true}); err != nil {
			return err
		}
	}
	return nil
}

// stageAnsible writes the playbook, inventory-of-one, and file templates
// into a local staging directory.
func (i *Installer) stageAnsible(device *models.Device, rendered *template.Rendered, play map[string]any) (string, error) {
	workdir, err := os.MkdirTemp(i.opts.StagingRoot, "lares-ansible-*")
	if err != nil {
		return "", models.NewToolError(models.KindRemoteFailure, "create staging dir: %v", err)
	}
	cleanup := func(e error) (string, error) {
		os.RemoveAll(workdir)
		return "", e
	}

	playbookYAML, err := yaml.Marshal([]any{play})
	if err != nil {
		return cleanup(models.NewToolError(models.KindTemplateError, "serialize playbook: %v", err))
	}
	if err := os.WriteFile(filepath.Join(workdir, "playbook.yml"), playbookYAML, 0o644); err != nil {
		return cleanup(models.NewToolError(models.KindRemoteFailure, "write playbook: %v", err))
	}

	target := i.refresher.TargetFor(device)
	inventoryLine := fmt.Sprintf("%s ansible_host=%s ansible_user=%s ansible_port=%d\n",
		device.Hostname, target.Host, target.User, portOrDefault(target.Port))
	if err := os.WriteFile(filepath.Join(workdir, "inventory.ini"), []byte(inventoryLine), 0o644); err != nil {
		return cleanup(models.NewToolError(models.KindRemoteFailure, "write inventory: %v", err))
	}

	for dest, body := range rendered.Files {
		local := filepath.Join(workdir, "files", filepath.FromSlash(strings.TrimPrefix(dest, "/")))
		if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
			return cleanup(models.NewToolError(models.KindRemoteFailure, "stage file templates: %v", err))
		}
		if err := os.WriteFile(local, []byte(body), 0o644); err != nil {
			return cleanup(models.NewToolError(models.KindRemoteFailure, "stage file templates: %v", err))
		}
	}
	return workdir, nil
}

func (i *Installer) runAnsible(ctx context.Context, workdir string, progress func(Step, string)) (*procexec.Result, error) {
	runCtx := ctx
	if i.opts.AnsiblePlaybookTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, i.opts.AnsiblePlaybookTimeout)
		defer cancel()
	}

	env := os.Environ()
	if !i.opts.AnsibleHostKeyChecking {
		env = append(env, "ANSIBLE_HOST_KEY_CHECKING=False")
	}

	var stream func(string)
	if progress != nil {
		stream = func(line string) { progress(StepExecuting, line) }
	}
	return i.ansible.Run(runCtx, procexec.Command{
		Name:   i.opts.AnsibleBinary,
		Args:   []string{"-i", "inventory.ini", "playbook.yml"},
		Dir:    workdir,
		Env:    env,
		Stream: stream,
	})
}

// firstFailedTask pulls the first fatal task name out of ansible output.
func firstFailedTask(stdout string) string {
	lines := strings.Split(stdout, "\n")
	lastTask := ""
	for _, line := range lines {
		if strings.HasPrefix(line, "TASK [") {
			if end := strings.Index(line, "]"); end > 6 {
				lastTask = line[6:end]
			}
		}
		if strings.HasPrefix(line, "fatal:") || strings.HasPrefix(line, "failed:") {
			return lastTask
		}
	}
	return ""
}

// runChecked runs a remote command and converts a non-zero exit into a
// RemoteFailure with output tails.
func (i *Installer) runChecked(ctx context.Context, target sshexec.Target, command string, opts sshexec.RunOptions) error {
	result, err := i.ssh.Run(ctx, target, command, opts)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return models.NewToolError(models.KindRemoteFailure,
			"remote command exited with code %d", result.ExitCode).
			WithDetail("command", command).
			WithDetail("stdout_tail", tailString(result.Stdout, 8192)).
			WithDetail("stderr_tail", tailString(result.Stderr, 8192))
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func portOrDefault(port int) int {
	if port == 0 {
		return 22
	}
	return port
}

func tailString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
