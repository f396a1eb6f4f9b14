package gitstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// slowGit 模拟 push 时挂起的 git：后台子进程继承输出管道
func slowGit(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script git stand-in needs a unix shell")
	}
	p := filepath.Join(t.TempDir(), "git")
	script := "#!/bin/sh\nsleep 10 &\nwait\n"
	require.NoError(t, os.WriteFile(p, []byte(script), 0o755))
	return p
}

func TestRunnerHonoursDeadlineWithLingeringChild(t *testing.T) {
	runner, err := NewRunner(slowGit(t), t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = runner.Run(ctx, "push", "origin", "master")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), err.Error())
	assert.Less(t, elapsed, 200*time.Millisecond+waitDelay+2*time.Second)

	var execErr *ExecError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, []string{"push", "origin", "master"}, execErr.Args)
}

func TestRunnerReportsExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script git stand-in needs a unix shell")
	}
	p := filepath.Join(t.TempDir(), "git")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\necho boom >&2\nexit 3\n"), 0o755))
	runner, err := NewRunner(p, t.TempDir())
	require.NoError(t, err)

	_, err = runner.Run(context.Background(), "status")
	require.Error(t, err)
	assert.Equal(t, 3, ExitCode(err))
	assert.Contains(t, err.Error(), "boom")
}
