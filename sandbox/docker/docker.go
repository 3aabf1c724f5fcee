// Package docker implements sandbox.Runtime using Docker containers.
//
// Containers are long-lived (entrypoint sleep infinity); agent turns run
// through docker exec. Idle-timeout and max-lifetime limits are recorded as
// labels for the external reaper that owns container reclamation.
package docker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/drydock-dev/drydock/pkg/sandbox"
)

// DefaultMemoryMB is the default container memory limit (2 GB).
const DefaultMemoryMB = 2048

// DefaultCPUs is the default CPU limit for sandbox containers.
const DefaultCPUs = 2

// Runtime implements sandbox.Runtime using the docker CLI.
type Runtime struct {
	dockerBin string
}

// New creates a new Docker sandbox runtime.
func New() *Runtime {
	return &Runtime{
		dockerBin: findDocker(),
	}
}

// findDocker locates the docker binary, checking PATH first and then
// well-known install locations (Docker Desktop on macOS, Homebrew, etc.).
func findDocker() string {
	if p, err := exec.LookPath("docker"); err == nil {
		return p
	}
	candidates := []string{
		"/Applications/Docker.app/Contents/Resources/bin/docker",
		"/usr/local/bin/docker",
		"/opt/homebrew/bin/docker",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return "docker"
}

func (r *Runtime) docker(ctx context.Context, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, r.dockerBin, args...)
}

// Create starts a new named sandbox container. Docker's container-name
// uniqueness is the create-exclusivity primitive: a duplicate name maps to
// sandbox.ErrAlreadyExists.
func (r *Runtime) Create(ctx context.Context, opts sandbox.CreateOptions) (*sandbox.Handle, error) {
	args := []string{
		"run", "-d",
		"--name", opts.Name,
		"--label", "drydock.session=" + opts.Name,
		"--label", "drydock.idle-timeout=" + strconv.Itoa(int(opts.IdleTimeout.Seconds())),
		"--label", "drydock.max-lifetime=" + strconv.Itoa(int(opts.MaxLifetime.Seconds())),
		"--memory", fmt.Sprintf("%dm", DefaultMemoryMB),
		"--cpus", strconv.Itoa(DefaultCPUs),
		"--pids-limit", "512",
	}

	if opts.Workdir != "" {
		args = append(args, "-w", opts.Workdir)
	}
	for _, e := range opts.Env {
		args = append(args, "-e", e)
	}

	args = append(args, "--entrypoint", "sleep", opts.Image, "infinity")

	cmd := r.docker(ctx, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if strings.Contains(string(output), "is already in use") {
			return nil, sandbox.ErrAlreadyExists
		}
		return nil, fmt.Errorf("starting container: %w\noutput: %s", err, string(output))
	}

	return &sandbox.Handle{
		ID:   strings.TrimSpace(string(output)),
		Name: opts.Name,
	}, nil
}

// FromName resolves a running container by name.
func (r *Runtime) FromName(ctx context.Context, name string) (*sandbox.Handle, error) {
	return r.inspect(ctx, name)
}

// FromID resolves a running container by id.
func (r *Runtime) FromID(ctx context.Context, id string) (*sandbox.Handle, error) {
	return r.inspect(ctx, id)
}

// inspect resolves a container reference (name or id) to a Handle. Stopped
// containers count as reclaimed: the platform removes them, so a non-running
// container is as dead as a missing one.
func (r *Runtime) inspect(ctx context.Context, ref string) (*sandbox.Handle, error) {
	cmd := r.docker(ctx, "inspect", "-f", "{{.Id}} {{.Name}} {{.State.Running}}", ref)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, sandbox.ErrNotFound
	}

	fields := strings.Fields(strings.TrimSpace(string(output)))
	if len(fields) != 3 || fields[2] != "true" {
		return nil, sandbox.ErrNotFound
	}

	return &sandbox.Handle{
		ID:   fields[0],
		Name: strings.TrimPrefix(fields[1], "/"),
	}, nil
}

// IsRunning checks if a container is still running.
func (r *Runtime) IsRunning(ctx context.Context, id string) bool {
	cmd := r.docker(ctx, "inspect", "-f", "{{.State.Running}}", id)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(output)) == "true"
}

// Exec runs a command inside a running container with streaming stdout and
// background-spooled stderr.
func (r *Runtime) Exec(ctx context.Context, id string, argv []string) (sandbox.Process, error) {
	args := append([]string{"exec", id}, argv...)
	cmd := r.docker(ctx, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting exec: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 256*1024), 256*1024)

	p := &process{
		cmd:    cmd,
		stdout: scanner,
	}

	// Drain stderr concurrently so a chatty error stream can't fill the pipe
	// and deadlock the stdout reader.
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 0, 256*1024), 256*1024)
		for sc.Scan() {
			p.stderrBuf.WriteString(sc.Text())
			p.stderrBuf.WriteByte('\n')
		}
	}()

	return p, nil
}

// ExecCollect runs a command inside a container and returns all output as a string.
func (r *Runtime) ExecCollect(ctx context.Context, id string, argv []string) (string, error) {
	args := append([]string{"exec", id}, argv...)
	cmd := r.docker(ctx, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("exec failed: %w\noutput: %s", err, string(output))
	}
	return string(output), nil
}

// Stop kills and removes a sandbox container.
func (r *Runtime) Stop(ctx context.Context, id string) error {
	_ = r.docker(ctx, "kill", id).Run()
	cmd := r.docker(ctx, "rm", "-f", id)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("removing container: %w\noutput: %s", err, string(output))
	}
	return nil
}

// process wraps a docker exec command as a sandbox.Process.
type process struct {
	cmd       *exec.Cmd
	stdout    *bufio.Scanner
	stderrBuf bytes.Buffer
	wg        sync.WaitGroup
	waited    bool
	exitCode  int
	waitErr   error
}

func (p *process) Stdout() sandbox.LineScanner { return p.stdout }

// StderrLines returns the spooled stderr split into lines. Valid after Wait.
func (p *process) StderrLines() []string {
	out := strings.TrimRight(p.stderrBuf.String(), "\n")
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

// Wait reaps the exec process and returns its exit code.
func (p *process) Wait() (int, error) {
	if p.waited {
		return p.exitCode, p.waitErr
	}
	p.waited = true

	p.wg.Wait()
	err := p.cmd.Wait()
	if err == nil {
		p.exitCode = 0
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		p.exitCode = exitErr.ExitCode()
		return p.exitCode, nil
	}
	p.exitCode, p.waitErr = -1, err
	return -1, err
}
