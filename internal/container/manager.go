// Package container manages Docker containers and images on remote VPS hosts.
package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ashureev/vpsdeck/internal/domain"
)

const (
	stopTimeoutSecs = 10

	// Port the image listens on when the caller does not say otherwise.
	defaultContainerPort = 80
)

var (
	// ErrInvalidPort is returned when a run request names an unusable port.
	ErrInvalidPort = errors.New("invalid port")
	// ErrNameRequired is returned when a run request has no container name.
	ErrNameRequired = errors.New("container name is required")
)

// Engine is the subset of the Docker Engine API the manager uses.
// *client.Client satisfies it.
type Engine interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error)
	Close() error
}

// Manager defines container operations against one VPS Docker Engine.
type Manager interface {
	// Ping checks that the engine answers.
	Ping(ctx context.Context) error

	ListContainers(ctx context.Context) ([]domain.Container, error)
	ListImages(ctx context.Context) ([]domain.Image, error)

	StartContainer(ctx context.Context, containerID string) error

	// StopContainer stops a container. A missing or already stopped
	// container is not an error.
	StopContainer(ctx context.Context, containerID string) error

	RemoveContainer(ctx context.Context, containerID string) error
	RemoveImage(ctx context.Context, imageID string) error

	// RunImage creates and starts a container from an existing image,
	// publishing containerPort on hostPort.
	RunImage(ctx context.Context, req domain.RunImageRequest) (string, error)
}

// DockerManager implements Manager using the Docker API.
type DockerManager struct {
	cli    Engine
	host   string
	logger *slog.Logger
}

// NewDockerManager wraps an engine client for host.
func NewDockerManager(cli Engine, host string, logger *slog.Logger) *DockerManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerManager{cli: cli, host: host, logger: logger.With("docker_host", host)}
}

// Host returns the engine address this manager talks to.
func (m *DockerManager) Host() string {
	return m.host
}

// Ping checks that the engine answers.
func (m *DockerManager) Ping(ctx context.Context) error {
	if _, err := m.cli.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker engine %s: %w", m.host, err)
	}
	return nil
}

// ListContainers returns every container on the host, running or not.
func (m *DockerManager) ListContainers(ctx context.Context) ([]domain.Container, error) {
	list, err := m.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	out := make([]domain.Container, 0, len(list))
	for _, c := range list {
		out = append(out, toDomainContainer(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListImages returns the images on the host, marking those used by a container.
func (m *DockerManager) ListImages(ctx context.Context) ([]domain.Image, error) {
	images, err := m.cli.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	containers, err := m.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	used := make(map[string]bool, len(containers))
	for _, c := range containers {
		used[c.ImageID] = true
	}

	out := make([]domain.Image, 0, len(images))
	for _, img := range images {
		out = append(out, domain.Image{
			ImageID:      img.ID,
			Name:         imageName(img),
			Tags:         img.RepoTags,
			SizeBytes:    img.Size,
			HasContainer: used[img.ID],
		})
	}
	return out, nil
}

// StartContainer starts a stopped container.
func (m *DockerManager) StartContainer(ctx context.Context, containerID string) error {
	m.logger.Info("Starting container", "container_id", containerID)
	if err := m.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", containerID, err)
	}
	return nil
}

// StopContainer stops a container.
// It is idempotent and handles concurrent calls gracefully.
func (m *DockerManager) StopContainer(ctx context.Context, containerID string) error {
	m.logger.Info("Stopping container", "container_id", containerID)

	inspect, err := m.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			m.logger.Debug("Container already removed", "container_id", containerID)
			return nil
		}
		return fmt.Errorf("inspect container %s: %w", containerID, err)
	}
	if inspect.State != nil && !inspect.State.Running {
		m.logger.Debug("Container already stopped", "container_id", containerID)
		return nil
	}

	timeout := stopTimeoutSecs
	if err := m.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			m.logger.Debug("Container removed while stopping", "container_id", containerID)
			return nil
		}
		return fmt.Errorf("stop container %s: %w", containerID, err)
	}

	m.logger.Info("Container stopped", "container_id", containerID)
	return nil
}

// RemoveContainer force-removes a container. A missing container is not an error.
func (m *DockerManager) RemoveContainer(ctx context.Context, containerID string) error {
	m.logger.Info("Removing container", "container_id", containerID)

	if err := m.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			m.logger.Debug("Container already removed", "container_id", containerID)
			return nil
		}
		if strings.Contains(err.Error(), "is already in progress") {
			m.logger.Debug("Container removal already in progress", "container_id", containerID)
			return nil
		}
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}
	return nil
}

// RemoveImage deletes an image. Images still used by a container are refused
// by the engine.
func (m *DockerManager) RemoveImage(ctx context.Context, imageID string) error {
	m.logger.Info("Removing image", "image_id", imageID)

	if _, err := m.cli.ImageRemove(ctx, imageID, image.RemoveOptions{PruneChildren: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove image %s: %w", imageID, err)
	}
	return nil
}

// RunImage creates and starts a container from an existing image.
func (m *DockerManager) RunImage(ctx context.Context, req domain.RunImageRequest) (string, error) {
	name := strings.TrimSpace(req.ContainerName)
	if name == "" {
		return "", ErrNameRequired
	}
	if req.Port <= 0 || req.Port > 65535 {
		return "", fmt.Errorf("host port %d: %w", req.Port, ErrInvalidPort)
	}
	containerPort := req.ContainerPort
	if containerPort == 0 {
		containerPort = defaultContainerPort
	}

	port, err := nat.NewPort("tcp", strconv.Itoa(containerPort))
	if err != nil {
		return "", fmt.Errorf("container port %d: %w", containerPort, ErrInvalidPort)
	}

	config := &container.Config{
		Image:        req.ImageID,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(req.Port)}},
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}

	resp, err := m.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", name, err)
	}

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := m.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errors.Is(removeErr, context.Canceled) {
			m.logger.Warn("Failed to remove container after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return "", fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	m.logger.Info("Container created and started",
		"container_id", resp.ID,
		"image", req.ImageID,
		"host_port", req.Port,
		"container_port", containerPort,
	)
	return resp.ID, nil
}

func toDomainContainer(c container.Summary) domain.Container {
	name := c.ID
	if len(c.Names) > 0 {
		name = strings.TrimPrefix(c.Names[0], "/")
	}

	var ports []string
	for _, p := range c.Ports {
		if p.PublicPort == 0 {
			continue
		}
		ports = append(ports, fmt.Sprintf("%d->%d/%s", p.PublicPort, p.PrivatePort, p.Type))
	}

	return domain.Container{
		ID:        c.ID,
		Name:      name,
		Image:     c.Image,
		Status:    c.Status,
		State:     string(c.State),
		Port:      strings.Join(ports, ", "),
		CreatedAt: time.Unix(c.Created, 0).UTC(),
	}
}

func imageName(img image.Summary) string {
	for _, tag := range img.RepoTags {
		if tag != "" && tag != "<none>:<none>" {
			return tag
		}
	}
	return strings.TrimPrefix(img.ID, "sha256:")
}
