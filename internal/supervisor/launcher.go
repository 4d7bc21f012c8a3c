package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"NodeController/internal/registry"
)

// ExitStatus describes how a process left.
type ExitStatus struct {
	Code     int
	Signal   string
	Signaled bool
}

// Clean reports a normal zero exit.
func (s ExitStatus) Clean() bool {
	return !s.Signaled && s.Code == 0
}

// Process is a handle to a launched plugin process.
type Process interface {
	PID() int
	// Wait blocks until the process exits and returns its exit status.
	Wait() ExitStatus
	Signal(sig os.Signal) error
	Kill() error
}

// Launcher spawns plugin processes. The exec-backed implementation is the
// default; tests substitute a fake.
type Launcher interface {
	Launch(ctx context.Context, spec registry.PluginSpec) (Process, error)
}

// OutputSink receives captured output lines from plugin processes. The
// relay's enqueue surface is wired here by the daemon.
type OutputSink func(plugin string, line []byte)

type execLauncher struct {
	sink OutputSink
}

// NewExecLauncher returns the os/exec-backed launcher. Captured stdout and
// stderr lines are forwarded to sink when one is provided.
func NewExecLauncher(sink OutputSink) Launcher {
	return &execLauncher{sink: sink}
}

func (l *execLauncher) Launch(ctx context.Context, spec registry.PluginSpec) (Process, error) {
	if len(spec.Command) == 0 {
		return nil, errors.New("spec command is empty")
	}
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.WorkDir
	cmd.Env = buildEnv(spec)
	// Own process group so a forced kill reaches grandchildren too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if l.sink != nil {
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe for %s: %w", spec.Name, err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("stderr pipe for %s: %w", spec.Name, err)
		}
		go l.capture(spec.Name, stdout)
		go l.capture(spec.Name, stderr)
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd}, nil
}

func (l *execLauncher) capture(plugin string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		l.sink(plugin, line)
	}
}

// buildEnv extends the daemon environment with the spec's variables and
// exports declared resource ceilings for the plugin wrapper to enforce.
func buildEnv(spec registry.PluginSpec) []string {
	env := os.Environ()
	for key, value := range spec.Env {
		env = append(env, key+"="+value)
	}
	if spec.Resources != nil {
		if spec.Resources.CPUMillis > 0 {
			env = append(env, fmt.Sprintf("PLUGIN_CPU_MILLIS=%d", spec.Resources.CPUMillis))
		}
		if spec.Resources.MemoryMB > 0 {
			env = append(env, fmt.Sprintf("PLUGIN_MEMORY_MB=%d", spec.Resources.MemoryMB))
		}
	}
	return env
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() ExitStatus {
	err := p.cmd.Wait()
	if err == nil {
		return ExitStatus{Code: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return ExitStatus{Code: -1, Signal: ws.Signal().String(), Signaled: true}
		}
		return ExitStatus{Code: exitErr.ExitCode()}
	}
	return ExitStatus{Code: -1}
}

func (p *execProcess) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return errors.New("process not started")
	}
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	// Negative pid targets the whole process group.
	if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL); err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return p.cmd.Process.Kill()
}
