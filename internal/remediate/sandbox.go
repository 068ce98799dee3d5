package remediate

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/google/uuid"

	"github.com/alertmesh/backend/internal/core"
)

// SandboxExecutor runs runbook commands in a locked-down local container:
// no network, read-only rootfs, a small tmpfs, and cpu/memory caps. It
// serves tenants without a cloud integration and development setups.
type SandboxExecutor struct {
	image  string
	logger *log.Logger

	mu   sync.Mutex
	runs map[string]*sandboxRun
}

type sandboxRun struct {
	result *Result
	done   bool
}

func NewSandboxExecutor(image string) *SandboxExecutor {
	if image == "" {
		image = "alpine:3.20"
	}
	return &SandboxExecutor{
		image:  image,
		logger: log.New(log.Writer(), "[SANDBOX] ", log.LstdFlags),
		runs:   make(map[string]*sandboxRun),
	}
}

// Execute starts the container run asynchronously and returns immediately,
// matching the SSM submit-then-poll shape.
func (e *SandboxExecutor) Execute(ctx context.Context, commands, instanceIDs []string, timeout time.Duration) (string, error) {
	commandID := uuid.NewString()

	e.mu.Lock()
	e.runs[commandID] = &sandboxRun{}
	e.mu.Unlock()

	go e.run(commandID, commands, timeout)
	return commandID, nil
}

// Status reports the recorded outcome for a command id.
func (e *SandboxExecutor) Status(_ context.Context, commandID string) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	run, ok := e.runs[commandID]
	if !ok {
		return nil, core.Ef(core.KindNotFound, "unknown command %s", commandID)
	}
	if !run.done {
		return &Result{Status: core.ExecutionInProgress}, nil
	}
	return run.result, nil
}

func (e *SandboxExecutor) run(commandID string, commands []string, timeout time.Duration) {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	stdout, stderr, err := e.runContainer(ctx, commands)

	res := &Result{
		Stdout:     stdout,
		Stderr:     stderr,
		FinishedAt: time.Now().Unix(),
	}
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		res.Status = core.ExecutionTimeout
	case err != nil:
		res.Status = core.ExecutionFailed
		if res.Stderr == "" {
			res.Stderr = err.Error()
		}
	default:
		res.Status = core.ExecutionSuccess
	}

	e.mu.Lock()
	if run, ok := e.runs[commandID]; ok {
		run.result = res
		run.done = true
	}
	e.mu.Unlock()
}

func (e *SandboxExecutor) runContainer(ctx context.Context, commands []string) (string, string, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return "", "", fmt.Errorf("docker client: %w", err)
	}
	defer cli.Close()

	hostConfig := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		Resources: container.Resources{
			NanoCPUs: 1_000_000_000,
			Memory:   256 * 1024 * 1024,
		},
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=64m",
		},
	}

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image: e.image,
		Tty:   false,
		Cmd:   []string{"sleep", "infinity"},
	}, hostConfig, nil, nil, "")
	if err != nil {
		return "", "", fmt.Errorf("create container: %w", err)
	}
	defer func() {
		rmCtx, rmCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer rmCancel()
		if err := cli.ContainerRemove(rmCtx, resp.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
			e.logger.Printf("container %s cleanup: %v", resp.ID[:12], err)
		}
	}()

	if err := cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return "", "", fmt.Errorf("start container: %w", err)
	}

	var stdout, stderr strings.Builder
	for _, command := range commands {
		out, err := e.execOnce(ctx, cli, resp.ID, command)
		stdout.WriteString(out)
		if err != nil {
			stderr.WriteString(err.Error())
			return stdout.String(), stderr.String(), fmt.Errorf("command %q: %w", command, err)
		}
	}
	return stdout.String(), stderr.String(), nil
}

func (e *SandboxExecutor) execOnce(ctx context.Context, cli *client.Client, containerID, command string) (string, error) {
	execID, err := cli.ContainerExecCreate(ctx, containerID, types.ExecConfig{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          []string{"/bin/sh", "-c", command},
	})
	if err != nil {
		return "", fmt.Errorf("exec create: %w", err)
	}

	attach, err := cli.ContainerExecAttach(ctx, execID.ID, types.ExecStartCheck{})
	if err != nil {
		return "", fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	output, _ := io.ReadAll(attach.Reader)

	inspect, err := cli.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return string(output), fmt.Errorf("exec inspect: %w", err)
	}
	if inspect.ExitCode != 0 {
		return string(output), fmt.Errorf("exit code %d", inspect.ExitCode)
	}
	return string(output), nil
}
