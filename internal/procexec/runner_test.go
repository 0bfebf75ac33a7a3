package procexec

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRunner() *ExecRunner {
	return NewRunner(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	result, err := testRunner().Run(context.Background(), Command{
		Name: "sh", Args: []string{"-c", "echo out; echo err >&2"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "out\n", result.Stdout)
	assert.Equal(t, "err\n", result.Stderr)
}

func TestRunNonZeroExitIsNotAnError(t *testing.T) {
	result, err := testRunner().Run(context.Background(), Command{
		Name: "sh", Args: []string{"-c", "exit 3"},
	})
	require.NoError(t, err, "exit codes are data, not errors")
	assert.Equal(t, 3, result.ExitCode)
}

func TestRunFeedsStdin(t *testing.T) {
	result, err := testRunner().Run(context.Background(), Command{
		Name: "cat", Stdin: "piped input",
	})
	require.NoError(t, err)
	assert.Equal(t, "piped input\n", result.Stdout)
}

func TestRunStreamsLines(t *testing.T) {
	var lines []string
	result, err := testRunner().Run(context.Background(), Command{
		Name:   "sh",
		Args:   []string{"-c", "echo one; echo two"},
		Stream: func(line string) { lines = append(lines, line) },
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.ElementsMatch(t, []string{"one", "two"}, lines)
}

func TestRunMissingBinary(t *testing.T) {
	_, err := testRunner().Run(context.Background(), Command{Name: "definitely-not-a-binary"})
	assert.Error(t, err)
}

func TestCappedBufferDropsOldestLines(t *testing.T) {
	buf := cappedBuffer{limit: 32}
	for i := 0; i < 10; i++ {
		buf.WriteLine(strings.Repeat("x", 10))
	}
	out := buf.String()
	assert.LessOrEqual(t, len(out), 32)
	assert.True(t, strings.HasSuffix(out, "xxxxxxxxxx\n"))
}
