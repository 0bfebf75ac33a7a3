package terraform

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/lares/internal/procexec"
	"evalgo.org/lares/models"
)

// fakeRunner scripts terraform CLI results per subcommand.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	results map[string]*procexec.Result
}

func (f *fakeRunner) Run(ctx context.Context, cmd procexec.Command) (*procexec.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := cmd.Args[0]
	f.calls = append(f.calls, sub)
	if result, ok := f.results[sub]; ok {
		return result, nil
	}
	return &procexec.Result{}, nil
}

func (f *fakeRunner) callCount(sub string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, call := range f.calls {
		if call == sub {
			count++
		}
	}
	return count
}

func testDriver(t *testing.T, runner procexec.Runner) *Driver {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(runner, logger, Options{StateRoot: t.TempDir()})
}

func TestPrepareWritesModuleAndInitsOnce(t *testing.T) {
	runner := &fakeRunner{results: map[string]*procexec.Result{}}
	driver := testDriver(t, runner)
	ctx := context.Background()

	require.NoError(t, driver.Prepare(ctx, "dev-vm", "pve1", "resource {}", "name = \"x\"\n", nil))

	dir := driver.Workdir("dev-vm", "pve1")
	mainTF, err := os.ReadFile(filepath.Join(dir, "main.tf"))
	require.NoError(t, err)
	assert.Equal(t, "resource {}", string(mainTF))
	assert.FileExists(t, filepath.Join(dir, "terraform.tfvars"))
	assert.FileExists(t, filepath.Join(dir, initSentinel))

	// Second prepare re-renders but does not re-init.
	require.NoError(t, driver.Prepare(ctx, "dev-vm", "pve1", "resource {}", "name = \"x\"\n", nil))
	assert.Equal(t, 1, runner.callCount("init"))
}

func TestPlanParsesChangeCounts(t *testing.T) {
	runner := &fakeRunner{results: map[string]*procexec.Result{
		"plan": {
			Stdout:   "...\nPlan: 2 to add, 1 to change, 0 to destroy.\n",
			ExitCode: 2,
		},
	}}
	driver := testDriver(t, runner)

	summary, err := driver.Plan(context.Background(), "dev-vm", "pve1", false, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Add)
	assert.Equal(t, 1, summary.Change)
	assert.Equal(t, 0, summary.Destroy)
	assert.False(t, summary.Clean)
}

func TestPlanCleanExit(t *testing.T) {
	runner := &fakeRunner{results: map[string]*procexec.Result{
		"plan": {Stdout: "No changes.", ExitCode: 0},
	}}
	driver := testDriver(t, runner)

	summary, err := driver.Plan(context.Background(), "dev-vm", "pve1", false, nil)
	require.NoError(t, err)
	assert.True(t, summary.Clean)
}

func TestPlanFailureCarriesStderrTail(t *testing.T) {
	runner := &fakeRunner{results: map[string]*procexec.Result{
		"plan": {Stderr: "Error: invalid provider", ExitCode: 1},
	}}
	driver := testDriver(t, runner)

	_, err := driver.Plan(context.Background(), "dev-vm", "pve1", false, nil)
	require.Error(t, err)
	te := models.AsToolError(err)
	assert.Equal(t, models.KindRemoteFailure, te.Kind)
	assert.Contains(t, te.Details["stderr_tail"], "invalid provider")
}

func TestApplyReturnsOutputs(t *testing.T) {
	runner := &fakeRunner{results: map[string]*procexec.Result{
		"apply":  {ExitCode: 0},
		"output": {Stdout: `{"vm_ip":{"value":"10.0.0.42"},"vm_id":{"value":105}}`, ExitCode: 0},
	}}
	driver := testDriver(t, runner)

	outputs, err := driver.Apply(context.Background(), "dev-vm", "pve1", false, nil)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.42", outputs["vm_ip"])
	assert.Equal(t, float64(105), outputs["vm_id"])
}

func TestDestroyLeavesTombstoneAndIsIdempotent(t *testing.T) {
	runner := &fakeRunner{results: map[string]*procexec.Result{}}
	driver := testDriver(t, runner)
	ctx := context.Background()

	require.NoError(t, driver.Prepare(ctx, "dev-vm", "pve1", "resource {}", "", nil))
	dir := driver.Workdir("dev-vm", "pve1")

	changed, err := driver.Destroy(ctx, "dev-vm", "pve1", false, nil)
	require.NoError(t, err)
	assert.True(t, changed)

	assert.FileExists(t, filepath.Join(dir, destroyedSentinel))
	assert.NoFileExists(t, filepath.Join(dir, "main.tf"))
	assert.NoFileExists(t, filepath.Join(dir, initSentinel))

	// Destroying again, or destroying a never-deployed pair, changes nothing.
	changed, err = driver.Destroy(ctx, "dev-vm", "pve1", false, nil)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = driver.Destroy(ctx, "ghost", "pve1", false, nil)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 1, runner.callCount("destroy"))
}

func TestRedeployAfterDestroyReinitializes(t *testing.T) {
	runner := &fakeRunner{results: map[string]*procexec.Result{}}
	driver := testDriver(t, runner)
	ctx := context.Background()

	require.NoError(t, driver.Prepare(ctx, "dev-vm", "pve1", "a", "", nil))
	_, err := driver.Destroy(ctx, "dev-vm", "pve1", false, nil)
	require.NoError(t, err)

	require.NoError(t, driver.Prepare(ctx, "dev-vm", "pve1", "b", "", nil))
	dir := driver.Workdir("dev-vm", "pve1")
	assert.NoFileExists(t, filepath.Join(dir, destroyedSentinel))
	assert.Equal(t, 2, runner.callCount("init"))
}

func TestHeldLockFailsFastWithBusy(t *testing.T) {
	runner := &fakeRunner{results: map[string]*procexec.Result{}}
	driver := testDriver(t, runner)
	dir := driver.Workdir("dev-vm", "pve1")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	holder := flock.New(filepath.Join(dir, lockFile))
	held, err := holder.TryLock()
	require.NoError(t, err)
	require.True(t, held)
	defer holder.Unlock()

	_, err = driver.Plan(context.Background(), "dev-vm", "pve1", false, nil)
	require.Error(t, err)
	assert.Equal(t, models.KindBusy, models.AsToolError(err).Kind)
}

func TestWorkdirSanitizesNames(t *testing.T) {
	driver := testDriver(t, &fakeRunner{})
	dir := driver.Workdir("Dev VM/../x", "pve1.lan")
	assert.NotContains(t, filepath.Base(dir), "/")
	assert.NotContains(t, filepath.Base(dir), " ")
	assert.Contains(t, filepath.Base(dir), "pve1.lan")
}
