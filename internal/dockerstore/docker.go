// Package dockerstore runs a local Redis container to serve as the
// coordination store and broker during development.
package dockerstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultImage         = "redis:7-alpine"
	DefaultContainerName = "chorus-redis"
	DefaultPort          = "6379"
	ContainerPort        = "6379/tcp"
	DataDir              = "/data"
	Label                = "chorus-redis"

	// ContainerNamePrefix prefixes names derived from a home directory.
	ContainerNamePrefix = "chorus-redis-"
)

// ContainerStatus represents the state of the Redis container.
type ContainerStatus string

const (
	StatusRunning   ContainerStatus = "running"
	StatusStopped   ContainerStatus = "stopped"
	StatusNotFound  ContainerStatus = "not_found"
	StatusUnhealthy ContainerStatus = "unhealthy"
	StatusStarting  ContainerStatus = "starting"
)

// GenerateContainerName derives a stable container name from a home
// directory so separate homes get separate containers.
func GenerateContainerName(homePath string) string {
	sum := sha256.Sum256([]byte(homePath))
	return ContainerNamePrefix + hex.EncodeToString(sum[:])[:8]
}

// DockerManager manages the Redis container lifecycle.
type DockerManager struct {
	cli           *client.Client
	containerName string
	imageName     string
	dataPath      string            // Host path for AOF persistence, optional
	hostPort      string            // Host port to bind (default: 6379)
	labels        map[string]string // Container labels
}

// DockerConfig holds configuration for the Docker manager.
type DockerConfig struct {
	ContainerName string
	Image         string
	DataPath      string
	HostPort      string
	Labels        map[string]string // Optional labels for container (used for test cleanup)
}

// NewDockerManager creates a new Docker manager for Redis.
func NewDockerManager(cfg DockerConfig) (*DockerManager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	cfg = cfg.withDefaults()
	labels := map[string]string{Label: "true"}
	for k, v := range cfg.Labels {
		labels[k] = v
	}

	return &DockerManager{
		cli:           cli,
		containerName: cfg.ContainerName,
		imageName:     cfg.Image,
		dataPath:      cfg.DataPath,
		hostPort:      cfg.HostPort,
		labels:        labels,
	}, nil
}

func (c DockerConfig) withDefaults() DockerConfig {
	if c.ContainerName == "" {
		c.ContainerName = DefaultContainerName
	}
	if c.Image == "" {
		c.Image = DefaultImage
	}
	if c.HostPort == "" {
		c.HostPort = DefaultPort
	}
	return c
}

// Close closes the Docker client.
func (m *DockerManager) Close() error {
	return m.cli.Close()
}

// Addr is the host:port clients use to reach the container.
func (m *DockerManager) Addr() string {
	return "127.0.0.1:" + m.hostPort
}

// Start starts the Redis container, creating it when needed. Starting a
// running container is a no-op.
func (m *DockerManager) Start(ctx context.Context) error {
	if _, err := m.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker is not running: %w", err)
	}

	status, containerID, err := m.getContainerStatus(ctx)
	if err != nil {
		return err
	}

	switch status {
	case StatusRunning:
		return nil
	case StatusStopped:
		if err := m.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
			return fmt.Errorf("failed to start existing container: %w", err)
		}
		return m.WaitReady(ctx, 30*time.Second)
	case StatusNotFound:
		return m.createAndStart(ctx)
	default:
		return fmt.Errorf("container in unexpected state: %s", status)
	}
}

// Stop stops the Redis container.
func (m *DockerManager) Stop(ctx context.Context) error {
	status, containerID, err := m.getContainerStatus(ctx)
	if err != nil {
		return err
	}
	if status == StatusNotFound {
		return nil
	}

	timeout := 10
	if err := m.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

// Remove stops and removes the Redis container.
func (m *DockerManager) Remove(ctx context.Context) error {
	status, containerID, err := m.getContainerStatus(ctx)
	if err != nil {
		return err
	}
	if status == StatusNotFound {
		return nil
	}

	if status == StatusRunning {
		if err := m.Stop(ctx); err != nil {
			return err
		}
	}

	if err := m.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// Status returns the current status of the Redis container.
func (m *DockerManager) Status(ctx context.Context) (ContainerStatus, error) {
	status, _, err := m.getContainerStatus(ctx)
	return status, err
}

// Logs returns the container logs.
func (m *DockerManager) Logs(ctx context.Context, tail string) (string, error) {
	status, containerID, err := m.getContainerStatus(ctx)
	if err != nil {
		return "", err
	}
	if status == StatusNotFound {
		return "", fmt.Errorf("container not found")
	}

	logs, err := m.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tail,
	})
	if err != nil {
		return "", fmt.Errorf("failed to get logs: %w", err)
	}
	defer logs.Close()

	logBytes, err := io.ReadAll(logs)
	if err != nil {
		return "", fmt.Errorf("failed to read logs: %w", err)
	}
	return string(logBytes), nil
}

// WaitReady pings Redis until it answers or timeout passes.
func (m *DockerManager) WaitReady(ctx context.Context, timeout time.Duration) error {
	return waitForRedis(ctx, m.Addr(), timeout)
}

func waitForRedis(ctx context.Context, addr string, timeout time.Duration) error {
	rdb := redis.NewClient(&redis.Options{Addr: addr, DialTimeout: 2 * time.Second})
	defer rdb.Close()

	attempts := uint(timeout / time.Second)
	if attempts == 0 {
		attempts = 1
	}
	return retry.Do(
		func() error {
			return rdb.Ping(ctx).Err()
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(1*time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}

func (m *DockerManager) createAndStart(ctx context.Context) error {
	if err := m.ensureImage(ctx); err != nil {
		return err
	}

	containerConfig := &container.Config{
		Image:  m.imageName,
		Cmd:    []string{"redis-server", "--appendonly", "yes"},
		Labels: m.labels,
		ExposedPorts: nat.PortSet{
			ContainerPort: struct{}{},
		},
		Healthcheck: &container.HealthConfig{
			Test:        []string{"CMD", "redis-cli", "ping"},
			Interval:    2 * time.Second,
			Timeout:     5 * time.Second,
			Retries:     10,
			StartPeriod: 2 * time.Second,
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			ContainerPort: []nat.PortBinding{
				{HostIP: "127.0.0.1", HostPort: m.hostPort},
			},
		},
	}
	if m.dataPath != "" {
		hostConfig.Mounts = []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: m.dataPath,
				Target: DataDir,
			},
		}
	}

	resp, err := m.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, m.containerName)
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = m.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("failed to start container: %w", err)
	}

	return m.WaitReady(ctx, 30*time.Second)
}

func (m *DockerManager) getContainerStatus(ctx context.Context) (ContainerStatus, string, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("name", m.containerName)

	containers, err := m.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to list containers: %w", err)
	}
	if len(containers) == 0 {
		return StatusNotFound, "", nil
	}

	c := containers[0]
	return containerState(c.State), c.ID, nil
}

func containerState(state string) ContainerStatus {
	switch state {
	case "running":
		return StatusRunning
	case "exited", "dead":
		return StatusStopped
	case "created", "restarting":
		return StatusStarting
	default:
		return ContainerStatus(state)
	}
}

func (m *DockerManager) ensureImage(ctx context.Context) error {
	if _, err := m.cli.ImageInspect(ctx, m.imageName); err == nil {
		return nil
	}

	reader, err := m.cli.ImagePull(ctx, m.imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}
