package domain

import (
	"encoding/json"
	"time"
)

// Activity types surfaced to operators.
const (
	ActivityServiceReseeded        = "service.reseeded"
	ActivityServiceMetadataUpdated = "service.metadata.updated"
	ActivityEnvironmentConfigured  = "environment.config.updated"
	ActivityDeploymentQueued       = "deployment.queued"
	ActivityEnvironmentStarted     = "environment.started"
	ActivityEnvironmentStopped     = "environment.stopped"
	ActivityServiceSwitched        = "service.switched"
)

// ActivityEvent is a human readable audit entry for a service.
type ActivityEvent struct {
	ID               string          `json:"id"`
	ServiceID        string          `json:"serviceId"`
	EnvironmentID    string          `json:"environmentId,omitempty"`
	EnvironmentLabel string          `json:"environmentLabel,omitempty"`
	ActorID          string          `json:"actorId,omitempty"`
	ActorRole        Role            `json:"actorRole,omitempty"`
	Type             string          `json:"type"`
	Message          string          `json:"message"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
}
