package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// stopGrace is how long a runner gets between SIGTERM and SIGKILL.
const stopGrace = 5 * time.Second

// maxLineSize bounds one NDJSON line from a runner; large tool outputs can
// produce multi-megabyte events.
const maxLineSize = 16 * 1024 * 1024

// proc runs one agent CLI child and feeds its stdout lines to a callback.
// Stops are tracked so the exit status can be classified as intentional.
type proc struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stderr  bytes.Buffer
	stopped atomic.Bool

	stopOnce sync.Once
	done     chan struct{}
	waitErr  error
}

// startProc launches the command with the given environment overlay. Each
// stdout line is passed to onLine; onExit fires exactly once after the child
// has exited and stdout is fully drained.
func startProc(ctx context.Context, name string, args []string, workDir string, env map[string]string, needStdin bool, onLine func([]byte), onExit func(p *proc, err error, stderr string)) (*proc, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = workDir
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = stopGrace

	p := &proc{cmd: cmd, done: make(chan struct{})}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = &p.stderr

	if needStdin {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
		p.stdin = stdin
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			// Scanner reuses its buffer; hand the callback a copy.
			out := make([]byte, len(line))
			copy(out, line)
			onLine(out)
		}
		p.waitErr = cmd.Wait()
		close(p.done)
		onExit(p, p.waitErr, p.stderr.String())
	}()

	return p, nil
}

// stop terminates the child: SIGTERM, then SIGKILL after the grace period.
// Safe to call repeatedly and after exit.
func (p *proc) stop(ctx context.Context) {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		if p.stdin != nil {
			p.stdin.Close()
		}
		if p.cmd.Process != nil {
			p.cmd.Process.Signal(syscall.SIGTERM)
		}
		select {
		case <-p.done:
		case <-time.After(stopGrace):
			if p.cmd.Process != nil {
				p.cmd.Process.Kill()
			}
		case <-ctx.Done():
			if p.cmd.Process != nil {
				p.cmd.Process.Kill()
			}
		}
	})
}

// wasStopped reports whether stop was requested before exit.
func (p *proc) wasStopped() bool { return p.stopped.Load() }

// writeLine sends one line to the child's stdin.
func (p *proc) writeLine(data []byte) error {
	if p.stdin == nil {
		return ErrNotRunning
	}
	if _, err := p.stdin.Write(data); err != nil {
		return err
	}
	_, err := p.stdin.Write([]byte{'\n'})
	return err
}

// closeStdin signals end of streaming input.
func (p *proc) closeStdin() error {
	if p.stdin == nil {
		return nil
	}
	return p.stdin.Close()
}

// gracefulExit classifies a Wait error. A deliberate termination is not a
// failure: exit code 143 (128+SIGTERM), a SIGTERM/SIGKILL death, or a
// cancelled context all count as graceful.
func gracefulExit(err error, stopped bool, ctx context.Context) bool {
	if err == nil {
		return true
	}
	if stopped || ctx.Err() != nil {
		return true
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() == 143 {
			return true
		}
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			sig := status.Signal()
			if sig == syscall.SIGTERM || sig == syscall.SIGKILL {
				return true
			}
		}
	}
	return false
}
