package ingress

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"

	"github.com/CuAuPro/switchyard/internal/domain"
)

// Route maps a public host to an upstream address.
type Route struct {
	Host     string
	Upstream string
}

// BuildRoutes derives one route per service with an active target, sorted
// by host, followed by the console route when configured.
func BuildRoutes(services []domain.ServiceDetail, cfg Config) []Route {
	base := strings.Trim(cfg.Domain, ".")
	var routes []Route
	for _, svc := range services {
		active, ok := svc.ActiveEnvironment()
		if !ok || active.TargetURL == "" {
			continue
		}
		upstream, err := dialAddress(active.TargetURL)
		if err != nil {
			continue
		}
		routes = append(routes, Route{Host: domain.SanitizeName(svc.Name) + "." + base, Upstream: upstream})
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].Host < routes[j].Host })
	if cfg.ConsoleSubdomain != "" && cfg.ConsoleOrigin != "" {
		if upstream, err := dialAddress(cfg.ConsoleOrigin); err == nil {
			routes = append(routes, Route{Host: cfg.ConsoleSubdomain + "." + base, Upstream: upstream})
		}
	}
	return routes
}

// dialAddress turns a target URL into host:port.
func dialAddress(target string) (string, error) {
	if !strings.Contains(target, "://") {
		target = "http://" + target
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("target %q has no host", target)
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

type caddyConfig struct {
	Apps caddyApps `json:"apps"`
}

type caddyApps struct {
	HTTP caddyHTTP `json:"http"`
}

type caddyHTTP struct {
	Servers map[string]caddyServer `json:"servers"`
}

type caddyServer struct {
	Listen         []string        `json:"listen"`
	Routes         []caddyRoute    `json:"routes"`
	AutomaticHTTPS *caddyAutoHTTPS `json:"automatic_https,omitempty"`
}

type caddyAutoHTTPS struct {
	Disable bool `json:"disable"`
}

type caddyRoute struct {
	Match    []caddyMatch   `json:"match"`
	Handle   []caddyHandler `json:"handle"`
	Terminal bool           `json:"terminal"`
}

type caddyMatch struct {
	Host []string `json:"host"`
}

type caddyHandler struct {
	Handler   string          `json:"handler"`
	Upstreams []caddyUpstream `json:"upstreams"`
}

type caddyUpstream struct {
	Dial string `json:"dial"`
}

// RenderJSON builds the document accepted by the Caddy admin /load endpoint.
func RenderJSON(routes []Route) ([]byte, error) {
	server := caddyServer{
		Listen:         []string{":80"},
		Routes:         make([]caddyRoute, 0, len(routes)),
		AutomaticHTTPS: &caddyAutoHTTPS{Disable: true},
	}
	for _, r := range routes {
		server.Routes = append(server.Routes, caddyRoute{
			Match: []caddyMatch{{Host: []string{r.Host}}},
			Handle: []caddyHandler{{
				Handler:   "reverse_proxy",
				Upstreams: []caddyUpstream{{Dial: r.Upstream}},
			}},
			Terminal: true,
		})
	}
	doc := caddyConfig{Apps: caddyApps{HTTP: caddyHTTP{Servers: map[string]caddyServer{"switchyard": server}}}}
	return json.MarshalIndent(doc, "", "  ")
}

// RenderCaddyfile renders the same routes in Caddyfile syntax.
func RenderCaddyfile(routes []Route) []byte {
	var buf bytes.Buffer
	buf.WriteString("# Generated by switchyard. Manual edits are overwritten.\n")
	buf.WriteString("{\n\tauto_https off\n}\n")
	for _, r := range routes {
		fmt.Fprintf(&buf, "\nhttp://%s {\n\treverse_proxy %s\n}\n", r.Host, r.Upstream)
	}
	return buf.Bytes()
}
