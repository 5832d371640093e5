package registry

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/CuAuPro/switchyard/internal/domain"
)

var (
	absoluteURL = regexp.MustCompile(`(?i)^https?://`)
	whitespace  = regexp.MustCompile(`\s`)
)

func validateName(op, name string) error {
	if len(strings.TrimSpace(name)) < 2 {
		return fail(KindValidation, op, ErrInvalidInput, "service name must be at least 2 characters")
	}
	return nil
}

func validateRepositoryURL(op, raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fail(KindValidation, op, ErrInvalidInput, "repository url %q is not a valid URL", raw)
	}
	return nil
}

// validateHealthEndpoint accepts an http(s) URL or a relative path without spaces.
func validateHealthEndpoint(op, raw string) error {
	if raw == "" {
		return nil
	}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fail(KindValidation, op, ErrInvalidInput, "health endpoint cannot be blank")
	}
	if absoluteURL.MatchString(trimmed) {
		if _, err := url.ParseRequestURI(trimmed); err != nil {
			return fail(KindValidation, op, ErrInvalidInput, "health endpoint %q is not a valid URL", raw)
		}
		return nil
	}
	if whitespace.MatchString(trimmed) {
		return fail(KindValidation, op, ErrInvalidInput, "health endpoint must be an http(s) URL or a relative path without spaces")
	}
	return nil
}

func validateImage(op, label, image string) error {
	if len(strings.TrimSpace(image)) < 3 {
		return fail(KindValidation, op, ErrMissingImage, "environment %s requires a docker image", label)
	}
	return nil
}

func validateAppPort(op, label string, port int) error {
	if port < 1 || port > 65535 {
		return fail(KindValidation, op, ErrInvalidInput, "environment %s app port %d outside 1-65535", label, port)
	}
	return nil
}

// normalizeSlots maps the registration environments onto the two slot
// labels, rejecting anything else.
func normalizeSlots(op string, envs []EnvironmentInput) (map[string]EnvironmentInput, error) {
	out := make(map[string]EnvironmentInput, len(envs))
	for _, env := range envs {
		label := strings.ToLower(strings.TrimSpace(env.Label))
		if label != domain.SlotA && label != domain.SlotB {
			return nil, fail(KindValidation, op, ErrInvalidInput, "unknown environment label %q", env.Label)
		}
		if _, dup := out[label]; dup {
			return nil, fail(KindValidation, op, ErrInvalidInput, "environment %s listed twice", label)
		}
		if err := validateImage(op, label, env.DockerImage); err != nil {
			return nil, err
		}
		if env.AppPort != 0 {
			if err := validateAppPort(op, label, env.AppPort); err != nil {
				return nil, err
			}
		}
		if env.WeightPercent != nil && (*env.WeightPercent < 0 || *env.WeightPercent > 100) {
			return nil, fail(KindValidation, op, ErrInvalidInput, "environment %s weight must be between 0 and 100", label)
		}
		env.Label = label
		out[label] = env
	}
	for _, label := range domain.SlotLabels {
		if _, ok := out[label]; !ok {
			return nil, fail(KindValidation, op, ErrInvalidInput, "services must define both '%s' and '%s' environments", domain.SlotA, domain.SlotB)
		}
	}
	return out, nil
}
