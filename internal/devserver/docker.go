package devserver

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"snapcode/internal/framework"
	"snapcode/internal/logging"
)

// containerWorkDir is where the project is bind-mounted
const containerWorkDir = "/app"

// projectLabel tags containers started for a project
const projectLabel = "snapcode.project"

var containerNameUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// DockerRunner runs commands in throwaway containers with the project
// bind-mounted and the port published on the loopback interface.
type DockerRunner struct {
	client      *client.Client
	nodeImage   string
	staticImage string
}

// NewDockerRunner connects to the daemon configured in the environment
func NewDockerRunner(nodeImage, staticImage string) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &DockerRunner{client: cli, nodeImage: nodeImage, staticImage: staticImage}, nil
}

// Name returns the runtime name
func (r *DockerRunner) Name() string { return RuntimeDocker }

// IsAvailable checks if Docker is available
func (r *DockerRunner) IsAvailable(ctx context.Context) bool {
	_, err := r.client.Ping(ctx)
	return err == nil
}

// Close closes the Docker client
func (r *DockerRunner) Close() error {
	return r.client.Close()
}

func (r *DockerRunner) imageFor(t framework.Type) string {
	if t.Valid() && t.Profile().NodeProject {
		return r.nodeImage
	}
	return r.staticImage
}

// ensureImage pulls ref unless it is already present locally
func (r *DockerRunner) ensureImage(ctx context.Context, ref string, out io.Writer) error {
	args := filters.NewArgs()
	args.Add("reference", ref)
	images, err := r.client.ImageList(ctx, image.ListOptions{Filters: args})
	if err != nil {
		return fmt.Errorf("list images: %w", err)
	}
	if len(images) > 0 {
		return nil
	}

	fmt.Fprintf(out, "Pulling %s...\n", ref)
	rc, err := r.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

// Start creates and starts a container running spec.Command
func (r *DockerRunner) Start(ctx context.Context, spec Spec, out io.Writer) (Handle, error) {
	ref := r.imageFor(spec.Type)
	if err := r.ensureImage(ctx, ref, out); err != nil {
		return nil, err
	}

	port := nat.Port(strconv.Itoa(spec.Port) + "/tcp")
	cfg := &container.Config{
		Image:        ref,
		Cmd:          containerCommand(spec),
		WorkingDir:   containerWorkDir,
		Env:          append([]string{"PORT=" + strconv.Itoa(spec.Port), "BROWSER=none"}, spec.Env...),
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels:       map[string]string{projectLabel: spec.Project},
	}
	hostCfg := &container.HostConfig{
		Binds: []string{spec.Dir + ":" + containerWorkDir},
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(spec.Port)}},
		},
	}

	name := fmt.Sprintf("snapcode-%s-%d-%d", containerNameUnsafe.ReplaceAllString(spec.Project, "-"), spec.Port, time.Now().Unix())
	created, err := r.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	if err := r.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = r.client.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("start container: %w", err)
	}

	c := &dockerContainer{
		runner: r,
		id:     created.ID,
		done:   make(chan struct{}),
	}
	go c.follow(out)
	go c.wait()

	logging.Info("Container started", "project", spec.Project, "container", c.ID(), "image", ref, "port", spec.Port)
	return c, nil
}

// containerCommand rewrites loopback binds so the server is reachable through
// the published port.
func containerCommand(spec Spec) []string {
	argv := make([]string, 0, len(spec.Command)+2)
	for _, a := range spec.Command {
		if a == "127.0.0.1" || a == "localhost" {
			a = "0.0.0.0"
		}
		argv = append(argv, a)
	}
	if !isLaunch(spec) {
		return argv
	}
	switch spec.Type {
	case framework.React, framework.Vue:
		argv = append(argv, "--host", "0.0.0.0")
	case framework.NextJS:
		argv = append(argv, "-H", "0.0.0.0")
	}
	return argv
}

func isLaunch(spec Spec) bool {
	return len(spec.Command) >= 3 && spec.Command[0] == "npm" && spec.Command[1] == "run"
}

type dockerContainer struct {
	runner *DockerRunner
	id     string
	done   chan struct{}

	mu       sync.Mutex
	err      error
	stopping bool
	removed  bool
}

func (c *dockerContainer) follow(out io.Writer) {
	rc, err := c.runner.client.ContainerLogs(context.Background(), c.id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		logging.Warn("Failed to follow container logs", "container", c.ID(), "error", err)
		return
	}
	defer rc.Close()
	_, _ = stdcopy.StdCopy(out, out, rc)
}

func (c *dockerContainer) wait() {
	statusCh, errCh := c.runner.client.ContainerWait(context.Background(), c.id, container.WaitConditionNotRunning)
	var err error
	select {
	case res := <-statusCh:
		if res.Error != nil {
			err = fmt.Errorf("container wait: %s", res.Error.Message)
		} else if res.StatusCode != 0 {
			err = fmt.Errorf("exit status %d", res.StatusCode)
		}
	case werr := <-errCh:
		err = werr
	}
	c.mu.Lock()
	c.err = err
	c.removed = !c.stopping
	remove := c.removed
	c.mu.Unlock()
	// A container that exits on its own is removed here; Stop removes the rest.
	if remove {
		c.remove()
	}
	close(c.done)
}

func (c *dockerContainer) remove() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.runner.client.ContainerRemove(ctx, c.id, container.RemoveOptions{Force: true}); err != nil {
		logging.Warn("Failed to remove exited container", "container", c.ID(), "error", err)
	}
}

func (c *dockerContainer) ID() string {
	if len(c.id) > 12 {
		return c.id[:12]
	}
	return c.id
}

func (c *dockerContainer) Done() <-chan struct{} { return c.done }

func (c *dockerContainer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Stop lets the daemon send SIGTERM and SIGKILL after grace, then removes
// the container.
func (c *dockerContainer) Stop(grace time.Duration) error {
	c.mu.Lock()
	if c.removed {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.stopping = true
	c.mu.Unlock()

	secs := int(grace.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace+30*time.Second)
	defer cancel()

	var errs []string
	if err := c.runner.client.ContainerStop(ctx, c.id, container.StopOptions{Timeout: &secs}); err != nil {
		errs = append(errs, err.Error())
	}
	waitDone(c, 10*time.Second)
	if err := c.runner.client.ContainerRemove(ctx, c.id, container.RemoveOptions{Force: true}); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("stop container %s: %s", c.ID(), strings.Join(errs, "; "))
	}
	return nil
}
