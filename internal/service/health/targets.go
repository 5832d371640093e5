package health

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/CuAuPro/switchyard/internal/domain"
)

var absoluteURL = regexp.MustCompile(`(?i)^https?://`)

func normalizePath(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" || absoluteURL.MatchString(endpoint) {
		return endpoint
	}
	if !strings.HasPrefix(endpoint, "/") {
		return "/" + endpoint
	}
	return endpoint
}

// Targets lists the URLs to probe for a slot in order of preference:
// the container address on the runtime network, the host port, then the
// routed target URL. An absolute health endpoint is probed as is.
func Targets(endpoint string, env domain.Environment, useContainer bool, routerHost string) []string {
	path := normalizePath(endpoint)
	if path == "" {
		return nil
	}
	if absoluteURL.MatchString(path) {
		return []string{path}
	}

	meta := env.Metadata
	var targets []string
	if useContainer && meta.ContainerName != "" && meta.AppPort > 0 {
		targets = append(targets, fmt.Sprintf("http://%s:%d%s", meta.ContainerName, meta.AppPort, path))
	}
	if meta.HostPort > 0 {
		targets = append(targets, fmt.Sprintf("%s:%d%s", strings.TrimRight(routerHost, "/"), meta.HostPort, path))
	}
	if base := strings.TrimRight(env.TargetURL, "/"); base != "" {
		targets = append(targets, base+path)
	}

	seen := make(map[string]bool, len(targets))
	out := targets[:0]
	for _, t := range targets {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
