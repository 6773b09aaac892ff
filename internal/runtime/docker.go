package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

var _ Runtime = (*DockerRuntime)(nil)

type DockerConfig struct {
	NetworkName  string
	MemoryMB     int64
	CPULimit     float64
	LabelProject string
}

// DockerRuntime creates trap units as Docker containers on a dedicated
// bridge network and addresses them by container IP.
type DockerRuntime struct {
	client *client.Client
	config DockerConfig
	logger *slog.Logger
}

func NewDockerRuntime(cli *client.Client, cfg DockerConfig, logger *slog.Logger) *DockerRuntime {
	if cfg.LabelProject == "" {
		cfg.LabelProject = "labyrinth"
	}
	return &DockerRuntime{
		client: cli,
		config: cfg,
		logger: logger.With("component", "docker-runtime"),
	}
}

func (d *DockerRuntime) Create(ctx context.Context, spec Spec) (Handle, error) {
	d.logger.Info("Creating unit", "unit_id", spec.UnitID, "tier", spec.Tier, "image", spec.Image)

	if err := d.ensureImage(ctx, spec.Image); err != nil {
		return Handle{}, err
	}

	cfg := &container.Config{
		Image: spec.Image,
		Env:   spec.EnvVars,
		Labels: map[string]string{
			"managed_by": d.config.LabelProject,
			"unit_id":    spec.UnitID,
			"tier":       fmt.Sprintf("%d", spec.Tier),
		},
	}

	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:   d.config.MemoryMB * 1024 * 1024,
			NanoCPUs: int64(d.config.CPULimit * 1e9),
		},
		AutoRemove: false,
	}

	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			d.config.NetworkName: {},
		},
	}

	name := containerName(spec.UnitID)
	resp, err := d.client.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		d.logger.Error("Failed to create container", "unit_id", spec.UnitID, "error", err)
		return Handle{}, fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		d.logger.Error("Failed to start container", "unit_id", spec.UnitID, "error", err)
		_ = d.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return Handle{}, fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}

	inspect, err := d.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		_ = d.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return Handle{}, fmt.Errorf("%w: inspect after start: %v", ErrCreateFailed, err)
	}

	ip := ""
	if net, ok := inspect.NetworkSettings.Networks[d.config.NetworkName]; ok {
		ip = net.IPAddress
	} else {
		for _, v := range inspect.NetworkSettings.Networks {
			ip = v.IPAddress
			break
		}
	}
	if ip == "" {
		_ = d.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return Handle{}, fmt.Errorf("%w: container has no IP on network %s", ErrCreateFailed, d.config.NetworkName)
	}

	h := Handle{
		RuntimeID: resp.ID,
		Address:   fmt.Sprintf("%s:%d", ip, spec.ServicePort),
	}
	d.logger.Info("Unit created", "unit_id", spec.UnitID, "container_id", resp.ID, "address", h.Address)
	return h, nil
}

func (d *DockerRuntime) ensureImage(ctx context.Context, ref string) error {
	_, err := d.client.ImageInspect(ctx, ref)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to inspect image: %w", err)
	}

	d.logger.Info("Image not found, pulling...", "image", ref)
	reader, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrImagePullFailed, err)
	}
	defer reader.Close()

	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, reader)
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Image pull completed", "image", ref)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrImagePullFailed, ctx.Err())
	}
}

func (d *DockerRuntime) Destroy(ctx context.Context, runtimeID string) error {
	d.logger.Info("Destroying unit container", "container_id", runtimeID)

	opts := container.RemoveOptions{Force: true}
	if err := d.client.ContainerRemove(ctx, runtimeID, opts); err != nil {
		if errdefs.IsNotFound(err) {
			return ErrUnitNotFound
		}
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

func (d *DockerRuntime) Probe(ctx context.Context, runtimeID string) (ProbeResult, error) {
	start := time.Now()
	inspect, err := d.client.ContainerInspect(ctx, runtimeID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return ProbeResult{}, ErrUnitNotFound
		}
		return ProbeResult{}, fmt.Errorf("failed to inspect container: %w", err)
	}

	return ProbeResult{
		Alive:   inspect.State.Running,
		Latency: time.Since(start),
	}, nil
}

func containerName(unitID string) string {
	return "trap-" + unitID
}
