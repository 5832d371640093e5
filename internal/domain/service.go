package domain

import (
	"regexp"
	"strings"
	"time"
)

// Service is an application routed through two environment slots.
type Service struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Description     string    `json:"description,omitempty"`
	RepositoryURL   string    `json:"repositoryUrl,omitempty"`
	HealthEndpoint  string    `json:"healthEndpoint,omitempty"`
	ActiveTrafficID string    `json:"activeTrafficId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// ServiceDetail is a service with its slots and recent history.
type ServiceDetail struct {
	Service
	Environments []Environment   `json:"environments"`
	Deployments  []Deployment    `json:"deployments"`
	Activities   []ActivityEvent `json:"activities"`
}

// Environment returns the slot with the given label.
func (d ServiceDetail) Environment(label string) (Environment, bool) {
	for _, env := range d.Environments {
		if env.Label == label {
			return env, true
		}
	}
	return Environment{}, false
}

// ActiveEnvironment returns the slot currently receiving traffic.
func (d ServiceDetail) ActiveEnvironment() (Environment, bool) {
	for _, env := range d.Environments {
		if env.IsActive {
			return env, true
		}
	}
	return Environment{}, false
}

var unsafeNameChars = regexp.MustCompile(`[^a-z0-9-]`)

// SanitizeName lowercases value and replaces anything outside [a-z0-9-] with '-'.
func SanitizeName(value string) string {
	return unsafeNameChars.ReplaceAllString(strings.ToLower(value), "-")
}

// ContainerName derives the deterministic container name for a service slot.
func ContainerName(serviceName, label string) string {
	return "switchyard-" + SanitizeName(serviceName) + "-" + SanitizeName(label)
}
