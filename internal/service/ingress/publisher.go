// Package ingress renders the reverse proxy configuration from the active
// slot of every service and pushes it to Caddy.
package ingress

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/CuAuPro/switchyard/internal/domain"
)

const defaultPushTimeout = 10 * time.Second

var reloadCommand = []string{"caddy", "reload", "--config", "/etc/caddy/Caddyfile", "--adapter", "caddyfile"}

// Topology lists services with their slots.
type Topology interface {
	Topology(ctx context.Context) ([]domain.ServiceDetail, error)
}

// Execer runs a command inside a container.
type Execer interface {
	Exec(ctx context.Context, container string, cmd []string) error
}

// Observer receives publish outcomes.
type Observer interface {
	ObserveRouterPublish(err error)
}

// Doer sends admin API requests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config controls where and how the configuration is published.
type Config struct {
	Domain           string
	ConsoleSubdomain string
	ConsoleOrigin    string
	AdminURL         string
	CaddyfilePath    string
	Container        string
	Timeout          time.Duration
}

// Publisher coalesces publish requests and applies them one at a time in
// the background.
type Publisher struct {
	source   Topology
	client   Doer
	exec     Execer
	observer Observer
	logger   *slog.Logger
	cfg      Config
	requests chan string
}

// New constructs a publisher. exec and observer may be nil.
func New(source Topology, client Doer, exec Execer, observer Observer, logger *slog.Logger, cfg Config) *Publisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultPushTimeout
	}
	cfg.AdminURL = strings.TrimRight(cfg.AdminURL, "/")
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		source:   source,
		client:   client,
		exec:     exec,
		observer: observer,
		logger:   logger.With("component", "ingress"),
		cfg:      cfg,
		requests: make(chan string, 1),
	}
}

// SetSource installs the topology source when it is built after the
// publisher. It must be called before Run.
func (p *Publisher) SetSource(source Topology) {
	p.source = source
}

// Enabled reports whether any publish target is configured.
func (p *Publisher) Enabled() bool {
	return p.cfg.AdminURL != "" || p.cfg.CaddyfilePath != ""
}

// Request schedules a publish without blocking. Requests arriving while
// one is pending are folded into it.
func (p *Publisher) Request(reason string) {
	select {
	case p.requests <- reason:
	default:
		p.logger.Debug("router publish already pending", "reason", reason)
	}
}

// Run publishes once at startup and then for every request until ctx is done.
func (p *Publisher) Run(ctx context.Context) {
	p.publishLogged(ctx, "startup")
	for {
		select {
		case <-ctx.Done():
			return
		case reason := <-p.requests:
			p.publishLogged(ctx, reason)
		}
	}
}

func (p *Publisher) publishLogged(ctx context.Context, reason string) {
	err := p.Publish(ctx)
	if p.observer != nil {
		p.observer.ObserveRouterPublish(err)
	}
	if err != nil {
		p.logger.Error("router publish failed", "reason", reason, "error", err)
		return
	}
	p.logger.Debug("router config published", "reason", reason)
}

// Publish renders the current topology and applies it to every configured
// target.
func (p *Publisher) Publish(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	services, err := p.source.Topology(ctx)
	if err != nil {
		return fmt.Errorf("load topology: %w", err)
	}
	routes := BuildRoutes(services, p.cfg)

	var errs []error
	if p.cfg.AdminURL != "" {
		if err := p.push(ctx, routes); err != nil {
			errs = append(errs, err)
		}
	}
	if p.cfg.CaddyfilePath != "" {
		if err := p.writeCaddyfile(ctx, routes); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Publisher) push(ctx context.Context, routes []Route) error {
	body, err := RenderJSON(routes)
	if err != nil {
		return fmt.Errorf("render caddy config: %w", err)
	}
	pushCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(pushCtx, http.MethodPost, p.cfg.AdminURL+"/load", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("push caddy config: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("caddy admin returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func (p *Publisher) writeCaddyfile(ctx context.Context, routes []Route) error {
	dir := filepath.Dir(p.cfg.CaddyfilePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create caddyfile dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".Caddyfile-*")
	if err != nil {
		return fmt.Errorf("create caddyfile: %w", err)
	}
	if _, err := tmp.Write(RenderCaddyfile(routes)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write caddyfile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), p.cfg.CaddyfilePath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace caddyfile: %w", err)
	}
	if p.cfg.Container == "" || p.exec == nil {
		return nil
	}
	reloadCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	if err := p.exec.Exec(reloadCtx, p.cfg.Container, reloadCommand); err != nil {
		return fmt.Errorf("reload caddy in %s: %w", p.cfg.Container, err)
	}
	return nil
}
