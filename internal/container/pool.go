package container

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/client"

	"github.com/ashureev/vpsdeck/internal/config"
)

// Dialer builds an engine client for a docker host address.
type Dialer func(host string) (Engine, error)

// Pool caches one Docker manager per VPS engine address.
type Pool struct {
	mu       sync.Mutex
	managers map[string]*pooledManager
	port     int
	dial     Dialer
	logger   *slog.Logger
	now      func() time.Time
}

type pooledManager struct {
	mgr      *DockerManager
	lastUsed time.Time
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithDialer replaces the engine client constructor.
func WithDialer(d Dialer) PoolOption {
	return func(p *Pool) { p.dial = d }
}

// WithPoolLogger sets the logger.
func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPool creates a pool dialing engines on cfg.Port, with TLS when
// cfg.TLSVerify is set.
func NewPool(cfg config.DockerConfig, opts ...PoolOption) *Pool {
	p := &Pool{
		managers: make(map[string]*pooledManager),
		port:     cfg.Port,
		dial:     dockerDialer(cfg),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func dockerDialer(cfg config.DockerConfig) Dialer {
	return func(host string) (Engine, error) {
		opts := []client.Opt{
			client.WithHost(host),
			client.WithAPIVersionNegotiation(),
		}
		if cfg.TLSVerify {
			opts = append(opts, client.WithTLSClientConfig(
				filepath.Join(cfg.CertPath, "ca.pem"),
				filepath.Join(cfg.CertPath, "cert.pem"),
				filepath.Join(cfg.CertPath, "key.pem"),
			))
		}
		cli, err := client.NewClientWithOpts(opts...)
		if err != nil {
			return nil, fmt.Errorf("create docker client for %s: %w", host, err)
		}
		return cli, nil
	}
}

// HostFor returns the engine address for a VPS IP.
func (p *Pool) HostFor(ip string) string {
	return "tcp://" + net.JoinHostPort(ip, strconv.Itoa(p.port))
}

// ForVPS returns the manager for the engine running on ip, creating it on
// first use.
func (p *Pool) ForVPS(ip string) (Manager, error) {
	if ip == "" {
		return nil, fmt.Errorf("vps has no address")
	}
	host := p.HostFor(ip)

	p.mu.Lock()
	defer p.mu.Unlock()

	if pm, ok := p.managers[host]; ok {
		pm.lastUsed = p.now()
		return pm.mgr, nil
	}

	cli, err := p.dial(host)
	if err != nil {
		return nil, err
	}
	mgr := NewDockerManager(cli, host, p.logger)
	p.managers[host] = &pooledManager{mgr: mgr, lastUsed: p.now()}
	p.logger.Info("Docker client initialized", "docker_host", host)
	return mgr, nil
}

// Len reports how many engine clients are cached.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.managers)
}

// Close closes every cached client.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for host, pm := range p.managers {
		if err := pm.mgr.cli.Close(); err != nil {
			p.logger.Debug("Failed to close docker client", "docker_host", host, "error", err)
		}
		delete(p.managers, host)
	}
}

// evictIdle closes clients unused for longer than idle and returns their hosts.
func (p *Pool) evictIdle(_ context.Context, idle time.Duration) []string {
	cutoff := p.now().Add(-idle)

	p.mu.Lock()
	defer p.mu.Unlock()

	var evicted []string
	for host, pm := range p.managers {
		if pm.lastUsed.After(cutoff) {
			continue
		}
		if err := pm.mgr.cli.Close(); err != nil {
			p.logger.Debug("Failed to close idle docker client", "docker_host", host, "error", err)
		}
		delete(p.managers, host)
		evicted = append(evicted, host)
	}
	return evicted
}
