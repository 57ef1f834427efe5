package container

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ashureev/vpsdeck/internal/config"
	"github.com/ashureev/vpsdeck/internal/domain"
)

type fakeEngine struct {
	containers []container.Summary
	images     []image.Summary
	running    map[string]bool

	created     *container.Config
	createdHost *container.HostConfig
	createdName string
	startErr    error
	removed     []string
	stopped     []string
	closed      bool
}

func (f *fakeEngine) Ping(context.Context) (types.Ping, error) { return types.Ping{}, nil }

func (f *fakeEngine) ContainerList(context.Context, container.ListOptions) ([]container.Summary, error) {
	return f.containers, nil
}

func (f *fakeEngine) ContainerInspect(_ context.Context, id string) (container.InspectResponse, error) {
	running, ok := f.running[id]
	if !ok {
		return container.InspectResponse{}, fmt.Errorf("no such container %s: %w", id, errdefs.ErrNotFound)
	}
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{ID: id, State: &container.State{Running: running}},
	}, nil
}

func (f *fakeEngine) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.created, f.createdHost, f.createdName = cfg, host, name
	return container.CreateResponse{ID: "new-" + name}, nil
}

func (f *fakeEngine) ContainerStart(context.Context, string, container.StartOptions) error {
	return f.startErr
}

func (f *fakeEngine) ContainerStop(_ context.Context, id string, _ container.StopOptions) error {
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeEngine) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeEngine) ImageList(context.Context, image.ListOptions) ([]image.Summary, error) {
	return f.images, nil
}

func (f *fakeEngine) ImageRemove(_ context.Context, id string, _ image.RemoveOptions) ([]image.DeleteResponse, error) {
	return nil, fmt.Errorf("image %s: %w", id, errdefs.ErrNotFound)
}

func (f *fakeEngine) Close() error {
	f.closed = true
	return nil
}

func TestListContainersNewestFirst(t *testing.T) {
	eng := &fakeEngine{containers: []container.Summary{
		{ID: "a", Names: []string{"/old"}, Image: "nginx", Created: 100, Ports: []container.Port{{PrivatePort: 80, PublicPort: 8080, Type: "tcp"}}},
		{ID: "b", Names: []string{"/new"}, Image: "redis", Created: 200},
	}}
	m := NewDockerManager(eng, "tcp://10.0.0.1:2375", nil)

	got, err := m.ListContainers(context.Background())
	if err != nil {
		t.Fatalf("ListContainers: %v", err)
	}
	if len(got) != 2 || got[0].Name != "new" || got[1].Name != "old" {
		t.Fatalf("containers = %+v", got)
	}
	if got[1].Port != "8080->80/tcp" {
		t.Errorf("port = %q, want 8080->80/tcp", got[1].Port)
	}
}

func TestListImagesMarksUsedImages(t *testing.T) {
	eng := &fakeEngine{
		containers: []container.Summary{{ID: "c1", ImageID: "sha256:used"}},
		images: []image.Summary{
			{ID: "sha256:used", RepoTags: []string{"nginx:latest"}, Size: 10},
			{ID: "sha256:idle", RepoTags: []string{"<none>:<none>"}},
		},
	}
	m := NewDockerManager(eng, "tcp://10.0.0.1:2375", nil)

	got, err := m.ListImages(context.Background())
	if err != nil {
		t.Fatalf("ListImages: %v", err)
	}
	if !got[0].HasContainer || got[0].Name != "nginx:latest" {
		t.Errorf("used image = %+v", got[0])
	}
	if got[1].HasContainer || got[1].Name != "idle" {
		t.Errorf("idle image = %+v", got[1])
	}
}

func TestStopContainerIsIdempotent(t *testing.T) {
	eng := &fakeEngine{running: map[string]bool{"up": true, "down": false}}
	m := NewDockerManager(eng, "tcp://10.0.0.1:2375", nil)
	ctx := context.Background()

	for _, id := range []string{"up", "down", "gone"} {
		if err := m.StopContainer(ctx, id); err != nil {
			t.Errorf("StopContainer(%s): %v", id, err)
		}
	}
	if len(eng.stopped) != 1 || eng.stopped[0] != "up" {
		t.Errorf("stopped = %v, want only the running container", eng.stopped)
	}
}

func TestRemoveImageToleratesMissing(t *testing.T) {
	m := NewDockerManager(&fakeEngine{}, "tcp://10.0.0.1:2375", nil)
	if err := m.RemoveImage(context.Background(), "sha256:gone"); err != nil {
		t.Errorf("RemoveImage: %v", err)
	}
}

func TestRunImagePublishesPort(t *testing.T) {
	eng := &fakeEngine{}
	m := NewDockerManager(eng, "tcp://10.0.0.1:2375", nil)

	id, err := m.RunImage(context.Background(), domain.RunImageRequest{
		ImageID:       "nginx:latest",
		ContainerName: " web ",
		Port:          8080,
	})
	if err != nil {
		t.Fatalf("RunImage: %v", err)
	}
	if id != "new-web" || eng.createdName != "web" {
		t.Errorf("id = %q, name = %q", id, eng.createdName)
	}
	bindings := eng.createdHost.PortBindings[nat.Port("80/tcp")]
	if len(bindings) != 1 || bindings[0].HostPort != "8080" {
		t.Errorf("bindings = %+v", eng.createdHost.PortBindings)
	}
}

func TestRunImageRejectsBadInput(t *testing.T) {
	m := NewDockerManager(&fakeEngine{}, "tcp://10.0.0.1:2375", nil)
	ctx := context.Background()

	if _, err := m.RunImage(ctx, domain.RunImageRequest{ImageID: "x", Port: 80}); !errors.Is(err, ErrNameRequired) {
		t.Errorf("missing name error = %v", err)
	}
	if _, err := m.RunImage(ctx, domain.RunImageRequest{ImageID: "x", ContainerName: "n", Port: 70000}); !errors.Is(err, ErrInvalidPort) {
		t.Errorf("bad port error = %v", err)
	}
}

func TestRunImageRemovesContainerWhenStartFails(t *testing.T) {
	eng := &fakeEngine{startErr: errors.New("port is already allocated")}
	m := NewDockerManager(eng, "tcp://10.0.0.1:2375", nil)

	if _, err := m.RunImage(context.Background(), domain.RunImageRequest{ImageID: "x", ContainerName: "n", Port: 80}); err == nil {
		t.Fatal("expected start failure")
	}
	if len(eng.removed) != 1 || eng.removed[0] != "new-n" {
		t.Errorf("removed = %v", eng.removed)
	}
}

func TestPoolCachesPerHostAndEvictsIdle(t *testing.T) {
	engines := map[string]*fakeEngine{}
	pool := NewPool(config.DockerConfig{Port: 2375}, WithDialer(func(host string) (Engine, error) {
		e := &fakeEngine{}
		engines[host] = e
		return e, nil
	}))
	now := time.Now()
	pool.now = func() time.Time { return now }

	a1, err := pool.ForVPS("10.0.0.1")
	if err != nil {
		t.Fatalf("ForVPS: %v", err)
	}
	a2, _ := pool.ForVPS("10.0.0.1")
	if a1 != a2 {
		t.Error("same host should reuse the manager")
	}
	if _, err := pool.ForVPS("10.0.0.2"); err != nil {
		t.Fatalf("ForVPS: %v", err)
	}
	if pool.Len() != 2 {
		t.Fatalf("Len = %d, want 2", pool.Len())
	}

	now = now.Add(time.Hour)
	_, _ = pool.ForVPS("10.0.0.2")

	var evicted []string
	sweepIdleClients(context.Background(), pool, 30*time.Minute, func(host string) { evicted = append(evicted, host) })
	if len(evicted) != 1 || evicted[0] != "tcp://10.0.0.1:2375" {
		t.Errorf("evicted = %v", evicted)
	}
	if !engines["tcp://10.0.0.1:2375"].closed {
		t.Error("evicted client was not closed")
	}
	if pool.Len() != 1 {
		t.Errorf("Len = %d, want 1", pool.Len())
	}

	if _, err := pool.ForVPS(""); err == nil {
		t.Error("empty address should fail")
	}
}
