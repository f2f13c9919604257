package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/overnode-org/overnode/pkg/health"
	"github.com/overnode-org/overnode/pkg/log"
	"github.com/overnode-org/overnode/pkg/types"
)

const (
	// DefaultNamespace is the containerd namespace for managed containers
	DefaultNamespace = "overnode"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// DefaultVolumesDir holds named volumes as host directories
	DefaultVolumesDir = "/var/lib/overnode/volumes"

	stopTimeout = 10 * time.Second
)

// ContainerdDriver implements Driver using containerd
type ContainerdDriver struct {
	client     *containerd.Client
	namespace  string
	volumesDir string
	tracker    *health.Tracker
}

// NewContainerdDriver connects to containerd
func NewContainerdDriver(socketPath, volumesDir string) (*ContainerdDriver, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if volumesDir == "" {
		volumesDir = DefaultVolumesDir
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdDriver{
		client:     client,
		namespace:  DefaultNamespace,
		volumesDir: volumesDir,
		tracker:    health.NewTracker(),
	}, nil
}

// Close closes the containerd client connection
func (r *ContainerdDriver) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *ContainerdDriver) ensureImage(ctx context.Context, ref string) (containerd.Image, error) {
	image, err := r.client.GetImage(ctx, ref)
	if err == nil {
		return image, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, fmt.Errorf("failed to get image %s: %w", ref, err)
	}

	logger := log.WithComponent("runtime")
	logger.Info().Str("image", ref).Msg("Pulling image")
	image, err = r.client.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return image, nil
}

func (r *ContainerdDriver) mounts(project string, spec *types.ServiceSpec) ([]specs.Mount, error) {
	mounts := make([]specs.Mount, 0, len(spec.Volumes))
	for _, v := range spec.Volumes {
		mode := "rw"
		if v.ReadOnly {
			mode = "ro"
		}
		switch v.Type {
		case types.VolumeBind:
			mounts = append(mounts, specs.Mount{
				Source:      v.Source,
				Destination: v.Target,
				Type:        "bind",
				Options:     []string{"rbind", mode},
			})
		case types.VolumeNamed:
			dir := filepath.Join(r.volumesDir, project+"_"+v.Source)
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create volume %s: %w", v.Source, err)
			}
			mounts = append(mounts, specs.Mount{
				Source:      dir,
				Destination: v.Target,
				Type:        "bind",
				Options:     []string{"rbind", mode},
			})
		case types.VolumeTmpfs:
			mounts = append(mounts, specs.Mount{
				Source:      "tmpfs",
				Destination: v.Target,
				Type:        "tmpfs",
				Options:     []string{"nosuid", "nodev", "mode=1777"},
			})
		default:
			return nil, fmt.Errorf("unsupported volume type %q", v.Type)
		}
	}
	return mounts, nil
}

// Create creates the container for a service, pulling the image if needed
func (r *ContainerdDriver) Create(ctx context.Context, project string, spec *types.ServiceSpec, fingerprint string) (string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	ref, err := types.NormalizeImage(spec.Image)
	if err != nil {
		return "", err
	}
	image, err := r.ensureImage(ctx, ref)
	if err != nil {
		return "", err
	}

	labels, err := Labels(project, spec, fingerprint)
	if err != nil {
		return "", err
	}
	mounts, err := r.mounts(project, spec)
	if err != nil {
		return "", err
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(Env(spec.Environment)),
		oci.WithMounts(mounts),
	}
	if len(spec.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Command...))
	}
	if spec.NetworkMode == "host" {
		opts = append(opts, oci.WithHostNamespace(specs.NetworkNamespace), oci.WithHostHostsFile, oci.WithHostResolvconf)
	}

	id := ContainerID(project, spec.Name)
	container, err := r.client.NewContainer(
		ctx,
		id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(labels),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	r.tracker.Forget(id)

	return container.ID(), nil
}

// Start starts a created container
func (r *ContainerdDriver) Start(ctx context.Context, containerID string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	// A stopped container keeps its exited task until it is deleted
	if task, err := container.Task(ctx, nil); err == nil {
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil {
			return fmt.Errorf("failed to clear previous task: %w", err)
		}
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}

	r.tracker.Forget(containerID)
	return nil
}

// Stop stops a running container
func (r *ContainerdDriver) Stop(ctx context.Context, containerID string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// Task might not exist (container not running)
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to kill task: %w", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
		<-statusC
	}

	if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	return nil
}

// Remove stops and deletes a container and its snapshot
func (r *ContainerdDriver) Remove(ctx context.Context, containerID string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	if err := r.Stop(ctx, containerID); err != nil {
		return err
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete container: %w", err)
	}

	r.tracker.Forget(containerID)
	return nil
}

func (r *ContainerdDriver) running(ctx context.Context, container containerd.Container) (bool, error) {
	task, err := container.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	status, err := task.Status(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get task status: %w", err)
	}
	return status.Status == containerd.Running || status.Status == containerd.Paused, nil
}

// Inspect lists the project's containers
func (r *ContainerdDriver) Inspect(ctx context.Context, project string) ([]*types.ObservedContainer, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	containers, err := r.client.Containers(ctx, fmt.Sprintf("labels.%q==%s", LabelProject, project))
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	observed := make([]*types.ObservedContainer, 0, len(containers))
	for _, c := range containers {
		labels, err := c.Labels(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read labels of %s: %w", c.ID(), err)
		}

		oc := &types.ObservedContainer{
			ID:          c.ID(),
			Project:     project,
			Service:     labels[LabelService],
			Fingerprint: labels[LabelFingerprint],
			State:       types.ContainerStopped,
			Health:      types.HealthUnknown,
		}
		oc.Retain, _ = strconv.ParseBool(labels[LabelRetain])

		if image, err := c.Image(ctx); err == nil {
			oc.ImageDigest = image.Target().Digest.String()
		}

		running, err := r.running(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("failed to inspect %s: %w", c.ID(), err)
		}
		if running {
			oc.State = types.ContainerRunning
			hc, _ := HealthCheckFromLabels(labels)
			if status, ok := r.tracker.Get(c.ID()); ok && hc != nil {
				oc.Health = status.State(health.ConfigFor(hc))
			}
		}
		observed = append(observed, oc)
	}
	return observed, nil
}

// HealthOf probes a container once and returns its tracked health.
// A container that is not running is unhealthy; one without a health check
// is unknown.
func (r *ContainerdDriver) HealthOf(ctx context.Context, containerID string) (types.HealthState, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return types.HealthUnknown, fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	running, err := r.running(ctx, container)
	if err != nil {
		return types.HealthUnknown, err
	}
	if !running {
		return types.HealthUnhealthy, nil
	}

	labels, err := container.Labels(ctx)
	if err != nil {
		return types.HealthUnknown, err
	}
	hc, err := HealthCheckFromLabels(labels)
	if err != nil || hc == nil {
		return types.HealthUnknown, err
	}

	checker, err := health.NewChecker(hc)
	if err != nil {
		return types.HealthUnknown, err
	}
	cfg := health.ConfigFor(hc)
	probeCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	result := checker.Check(probeCtx)
	state := r.tracker.Record(containerID, result, cfg)

	logger := log.WithComponent("runtime")
	logger.Debug().Str("container", containerID).Bool("passed", result.Healthy).Str("message", result.Message).Str("state", string(state)).Msg("Health probe")
	return state, nil
}
