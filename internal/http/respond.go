package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/CuAuPro/switchyard/internal/service/registry"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusForKind maps engine error kinds onto HTTP status codes.
func statusForKind(kind registry.Kind) int {
	switch kind {
	case registry.KindValidation:
		return http.StatusBadRequest
	case registry.KindPrecondition:
		return http.StatusConflict
	case registry.KindNotFound:
		return http.StatusNotFound
	case registry.KindResourceExhausted:
		return http.StatusServiceUnavailable
	case registry.KindRuntime:
		return http.StatusBadGateway
	case registry.KindAuthorization:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	kind := registry.KindOf(err)
	msg := err.Error()
	if kind == registry.KindInternal {
		msg = "internal error"
	}
	writeJSON(w, statusForKind(kind), map[string]string{"error": msg, "kind": string(kind)})
}
