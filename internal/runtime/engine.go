package runtime

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/moby/moby/client"
)

// ContainerState is the subset of a container listing the manager needs.
type ContainerState struct {
	Name   string
	Status string
}

// Mount is a volume mount attached to a container.
type Mount struct {
	Name        string
	Destination string
}

// Engine is the container-engine API surface used by the Manager.
// Implemented by DockerEngine for production and by fakes in tests.
type Engine interface {
	Ping(ctx context.Context) error
	Containers(ctx context.Context, nameFilter string) ([]ContainerState, error)
	ContainerMounts(ctx context.Context, name string) ([]Mount, error)
	RemoveContainer(ctx context.Context, name string) error
	ImagePresent(ctx context.Context, ref string) (bool, error)
}

// CommandRunner executes a docker CLI invocation and returns its combined
// output. Compose and manifest operations have no engine-API equivalent, so
// they go through the CLI.
type CommandRunner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// ExecRunner runs commands via os/exec. Non-zero exits map to
// docker_command_failed; failures to launch map to docker_unavailable.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	raw, err := cmd.CombinedOutput()
	out := strings.TrimSpace(string(raw))
	if err == nil {
		return out, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out, errf(CodeDockerCommandFailed, "command_failed args=%v output=%s", args, out)
	}
	return out, errf(CodeDockerUnavailable, "command_exec_error args=%v error=%v", args, err)
}

// DockerEngine implements Engine on the Docker daemon socket.
type DockerEngine struct {
	api *client.Client
}

// NewDockerEngine connects to the daemon at sock (a unix socket path or a
// tcp:// endpoint).
func NewDockerEngine(sock string) (*DockerEngine, error) {
	var opts []client.Opt
	if strings.HasPrefix(sock, "tcp://") {
		opts = append(opts, client.WithHost(sock))
	} else {
		opts = append(opts,
			client.WithHost("unix://"+sock),
			client.WithHTTPClient(&http.Client{
				Transport: &http.Transport{
					DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
						return net.DialTimeout("unix", sock, 30*time.Second)
					},
				},
			}),
		)
	}
	api, err := client.New(opts...)
	if err != nil {
		return nil, err
	}
	return &DockerEngine{api: api}, nil
}

func (e *DockerEngine) Ping(ctx context.Context) error {
	_, err := e.api.Ping(ctx, client.PingOptions{})
	return err
}

func (e *DockerEngine) Close() error { return e.api.Close() }

// Containers lists running containers, optionally filtered by name.
func (e *DockerEngine) Containers(ctx context.Context, nameFilter string) ([]ContainerState, error) {
	opts := client.ContainerListOptions{}
	if nameFilter != "" {
		opts.Filters = make(client.Filters).Add("name", nameFilter)
	}
	result, err := e.api.ContainerList(ctx, opts)
	if err != nil {
		return nil, err
	}
	states := make([]ContainerState, 0, len(result.Items))
	for _, c := range result.Items {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		states = append(states, ContainerState{Name: name, Status: c.Status})
	}
	return states, nil
}

func (e *DockerEngine) ContainerMounts(ctx context.Context, name string) ([]Mount, error) {
	result, err := e.api.ContainerInspect(ctx, name, client.ContainerInspectOptions{})
	if err != nil {
		return nil, err
	}
	mounts := make([]Mount, 0, len(result.Container.Mounts))
	for _, m := range result.Container.Mounts {
		mounts = append(mounts, Mount{Name: m.Name, Destination: string(m.Destination)})
	}
	return mounts, nil
}

func (e *DockerEngine) RemoveContainer(ctx context.Context, name string) error {
	_, err := e.api.ContainerRemove(ctx, name, client.ContainerRemoveOptions{Force: true})
	return err
}

// ImagePresent reports whether the image exists locally. A not-found
// response is not an error.
func (e *DockerEngine) ImagePresent(ctx context.Context, ref string) (bool, error) {
	_, err := e.api.ImageInspect(ctx, ref)
	if err == nil {
		return true, nil
	}
	if isNotFoundErr(err) {
		return false, nil
	}
	return false, err
}

func isNotFoundErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such") || strings.Contains(msg, "not found")
}
