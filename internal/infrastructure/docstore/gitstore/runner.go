package gitstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// waitDelay 上下文取消杀掉 git 后等待输出管道关闭的上限；
// push 时 ssh 或凭证助手等子进程会继承管道，不设上限时 Wait 会一直阻塞
const waitDelay = time.Second

// Runner 在指定裸仓库中执行 git 命令，GIT_DIR 固定为 Dir
type Runner struct {
	gitPath string
	// Dir 命令执行目录（裸仓库目录）
	Dir string
}

// NewRunner 查找 git 可执行文件并创建 Runner
func NewRunner(binary, dir string) (*Runner, error) {
	if binary == "" {
		binary = "git"
	}
	p, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("no %q program on path: %w", binary, err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve repo dir %s: %w", dir, err)
	}
	return &Runner{gitPath: p, Dir: abs}, nil
}

// RunResult 命令输出
type RunResult struct {
	Stdout string
	Stderr string
}

// runOpts 单次命令的附加输入
type runOpts struct {
	env   []string
	stdin io.Reader
}

// Run 执行 git 子命令，省略开头的 git
func (r *Runner) Run(ctx context.Context, args ...string) (RunResult, error) {
	return r.run(ctx, runOpts{}, args...)
}

// RunWithInput 带标准输入与额外环境变量执行
func (r *Runner) RunWithInput(ctx context.Context, env []string, stdin io.Reader, args ...string) (RunResult, error) {
	return r.run(ctx, runOpts{env: env, stdin: stdin}, args...)
}

func (r *Runner) run(ctx context.Context, opts runOpts, args ...string) (RunResult, error) {
	cmd := exec.CommandContext(ctx, r.gitPath, args...)
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(), "GIT_DIR="+r.Dir, "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")
	cmd.Env = append(cmd.Env, opts.env...)
	cmd.Stdin = opts.stdin
	cmd.WaitDelay = waitDelay

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		return RunResult{Stdout: stdout.String(), Stderr: stderr.String()}, &ExecError{
			Args:   args,
			Err:    err,
			StdOut: stdout.String(),
			StdErr: stderr.String(),
		}
	}
	return RunResult{Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// ExecError git 命令执行失败
type ExecError struct {
	Args   []string
	Err    error
	StdErr string
	StdOut string
}

func (e *ExecError) Error() string {
	b := new(strings.Builder)
	b.WriteString("git ")
	if len(e.Args) > 0 {
		b.WriteString(e.Args[0])
		b.WriteString(": ")
	}
	b.WriteString(e.Err.Error())
	if s := strings.TrimSpace(e.StdErr); s != "" {
		b.WriteString(": ")
		b.WriteString(s)
	}
	return b.String()
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// ExitCode 返回进程退出码，非进程退出类错误返回 -1
func ExitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
