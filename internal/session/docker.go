package session

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/mtzanidakis/treeherd/internal/config"
)

const labelPrefix = "treeherd"

// Docker runs each unit as a container named after it. The working
// directory and any extra paths are bind-mounted at their host locations so
// the command line is identical to the tmux one.
type Docker struct {
	docker     *client.Client
	image      string
	network    string
	dockerfile string
}

func NewDocker(cfg config.DockerConfig) (*Docker, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Docker{
		docker:     docker,
		image:      cfg.Image,
		network:    cfg.Network,
		dockerfile: cfg.Dockerfile,
	}, nil
}

func (d *Docker) Name() string { return "docker" }

func (d *Docker) Available(ctx context.Context) bool {
	_, err := d.docker.Ping(ctx)
	return err == nil
}

func (d *Docker) Start(ctx context.Context, spec Spec) (Result, error) {
	// Remove any stale container with the same name
	_ = d.docker.ContainerRemove(ctx, spec.Name, dockercontainer.RemoveOptions{Force: true})

	containerCfg := &dockercontainer.Config{
		Image:      d.image,
		Cmd:        []string{"sh", "-c", spec.Command},
		WorkingDir: spec.WorkDir,
		Labels: map[string]string{
			labelPrefix + ".managed": "true",
			labelPrefix + ".unit":    spec.Name,
		},
	}
	hostCfg := &dockercontainer.HostConfig{
		Binds: binds(spec),
	}
	if d.network != "" {
		hostCfg.NetworkMode = dockercontainer.NetworkMode(d.network)
	}

	resp, err := d.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return Result{ReturnCode: 1, Stderr: err.Error()}, nil
	}
	if err := d.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		_ = d.docker.ContainerRemove(ctx, resp.ID, dockercontainer.RemoveOptions{Force: true})
		return Result{ReturnCode: 1, Stderr: err.Error()}, nil
	}

	slog.Info("agent container started", "unit", spec.Name, "container", shortID(resp.ID))
	return Result{OK: true, Stdout: resp.ID}, nil
}

func binds(spec Spec) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range append([]string{spec.WorkDir}, spec.Paths...) {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p+":"+p)
	}
	sort.Strings(out)
	return out
}

func (d *Docker) Exists(ctx context.Context, name string) (bool, error) {
	info, err := d.docker.ContainerInspect(ctx, name)
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("inspect container: %w", err)
	}
	return info.State != nil && info.State.Running, nil
}

func (d *Docker) Capture(ctx context.Context, name string) (string, error) {
	rc, err := d.docker.ContainerLogs(ctx, name, dockercontainer.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       "2000",
	})
	if err != nil {
		return "", fmt.Errorf("container logs: %w", err)
	}
	defer rc.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, rc); err != nil {
		return "", fmt.Errorf("demux logs: %w", err)
	}
	return out.String(), nil
}

func (d *Docker) Kill(ctx context.Context, name string) (bool, error) {
	timeout := 10
	if err := d.docker.ContainerStop(ctx, name, dockercontainer.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		slog.Warn("failed to stop container gracefully", "unit", name, "error", err)
	}
	if err := d.docker.ContainerRemove(ctx, name, dockercontainer.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("remove container: %w", err)
	}
	slog.Info("agent container stopped", "unit", name)
	return true, nil
}

// CleanupStale removes exited containers this backend created.
func (d *Docker) CleanupStale(ctx context.Context) error {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", labelPrefix+".managed=true")
	filterArgs.Add("status", "exited")

	containers, err := d.docker.ContainerList(ctx, dockercontainer.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}
	for _, c := range containers {
		slog.Info("cleaning up stale container", "container", shortID(c.ID))
		_ = d.docker.ContainerRemove(ctx, c.ID, dockercontainer.RemoveOptions{Force: true})
	}
	return nil
}

func (d *Docker) Close() error {
	return d.docker.Close()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
