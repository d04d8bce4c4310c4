package collab

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// sigkillGraceS is the spec's SIGKILL_GRACE_S: the window a container gets to
// exit on its own after a graceful terminate signal before the watchdog
// escalates to a forced kill.
const sigkillGraceS = 30 * time.Second

// DockerSandbox runs one command per ephemeral, auto-removed container,
// bind-mounting the task's workspace and capping memory. Backs both the
// AgentRunner and VCS.RunTests implementations.
type DockerSandbox struct {
	client      *client.Client
	image       string
	memoryMB    int64
	networkMode string
}

// NewDockerSandbox creates a sandbox manager bound to the local Docker
// daemon. memoryMB <= 0 defaults to 512; networkMode "" defaults to "none"
// (no network access for test/agent runs, per the spec's isolation intent).
func NewDockerSandbox(image string, memoryMB int64, networkMode string) (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if image == "" {
		image = "golang:alpine"
	}
	if memoryMB <= 0 {
		memoryMB = 512
	}
	if networkMode == "" {
		networkMode = "none"
	}
	return &DockerSandbox{
		client:      cli,
		image:       image,
		memoryMB:    memoryMB * 1024 * 1024,
		networkMode: networkMode,
	}, nil
}

// Close releases the underlying Docker client.
func (d *DockerSandbox) Close() error {
	return d.client.Close()
}

// RunStreaming runs cmd in an ephemeral container bind-mounting workspace at
// /workspace, calling onLine for every combined stdout/stderr line as it is
// produced. A context deadline kills the container with SIGKILL; the caller
// is responsible for turning that into killed_by_timeout.
func (d *DockerSandbox) RunStreaming(ctx context.Context, cmd, workspace string, onLine func(string)) (stdout, stderr string, exitCode int, err error) {
	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:      d.image,
		Cmd:        []string{"sh", "-c", cmd},
		WorkingDir: "/workspace",
		Tty:        false,
	}, &container.HostConfig{
		Resources:   container.Resources{Memory: d.memoryMB},
		NetworkMode: container.NetworkMode(d.networkMode),
		Binds:       []string{fmt.Sprintf("%s:/workspace", workspace)},
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		return "", "", -1, fmt.Errorf("create container: %w", err)
	}
	containerID := resp.ID

	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return "", "", -1, fmt.Errorf("start container: %w", err)
	}

	logsReader, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true, ShowStderr: true, Follow: true,
	})
	if err != nil {
		return "", "", -1, fmt.Errorf("stream logs: %w", err)
	}
	defer logsReader.Close()

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	demuxDone := make(chan error, 1)
	go func() {
		_, demuxErr := stdcopy.StdCopy(stdoutW, stderrW, logsReader)
		stdoutW.Close()
		stderrW.Close()
		demuxDone <- demuxErr
	}()

	var stdoutBuf, stderrBuf builderSink
	lineDone := make(chan struct{}, 2)
	go streamLines(stdoutR, onLine, &stdoutBuf, lineDone)
	go streamLines(stderrR, onLine, &stderrBuf, lineDone)

	statusCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case werr := <-errCh:
		return "", "", -1, fmt.Errorf("wait container: %w", werr)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		d.terminateContainer(containerID)
		<-lineDone
		<-lineDone
		return stdoutBuf.String(), stderrBuf.String(), -1, ctx.Err()
	}

	<-lineDone
	<-lineDone
	<-demuxDone
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// terminateContainer implements the watchdog's graceful-terminate, grace-
// period, force-kill sequence (spec.md §4.4): a SIGTERM first, then up to
// sigkillGraceS waiting for the container to actually stop on its own, and
// only then a SIGKILL. Uses a background context for the Docker calls
// themselves since the caller's ctx is already past its deadline by the time
// this runs.
func (d *DockerSandbox) terminateContainer(containerID string) {
	background := context.Background()
	_ = d.client.ContainerKill(background, containerID, "SIGTERM")

	graceCtx, cancel := context.WithTimeout(background, sigkillGraceS)
	defer cancel()
	statusCh, errCh := d.client.ContainerWait(graceCtx, containerID, container.WaitConditionNotRunning)
	select {
	case <-statusCh:
		return // exited on its own within the grace window
	case <-errCh:
	case <-graceCtx.Done():
	}
	_ = d.client.ContainerKill(background, containerID, "SIGKILL")
}

// builderSink accumulates lines with their trailing newline restored, for
// callers that need the full stream text in addition to the line callback.
type builderSink struct {
	data []byte
}

func (b *builderSink) add(line string) {
	b.data = append(b.data, line...)
	b.data = append(b.data, '\n')
}

func (b *builderSink) String() string { return string(b.data) }

func streamLines(r io.Reader, onLine func(string), sink *builderSink, done chan<- struct{}) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		sink.add(line)
		if onLine != nil {
			onLine(line)
		}
	}
	done <- struct{}{}
}
