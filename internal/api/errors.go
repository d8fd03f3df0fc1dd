package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/masqctl/masqctl/internal/apply"
	"github.com/masqctl/masqctl/internal/dnsconf"
	"github.com/masqctl/masqctl/internal/process"
	"github.com/masqctl/masqctl/internal/store"
)

// Error codes returned in the "code" field of error bodies.
const (
	CodeInvalidConfig        = "INVALID_CONFIG"
	CodeConfigTooLarge       = "CONFIG_TOO_LARGE"
	CodeApplyInProgress      = "APPLY_IN_PROGRESS"
	CodeDaemonUnreachable    = "DAEMON_UNREACHABLE"
	CodeValidatorUnavailable = "VALIDATOR_UNAVAILABLE"
	CodeRestartFailed        = "RESTART_FAILED"
	CodePersistenceError     = "PERSISTENCE_ERROR"

	CodeBadRequest           = "BAD_REQUEST"
	CodeNotFound             = "NOT_FOUND"
	CodeUnsupportedMediaType = "UNSUPPORTED_MEDIA_TYPE"
	CodeRateLimited          = "RATE_LIMITED"
	CodeServerError          = "SERVER_ERROR"
)

// classifyError maps a domain error to an HTTP status and error code.
func classifyError(err error) (int, string) {
	var (
		ve  *dnsconf.ValidationError
		pe  *store.PersistenceError
		se  *process.SupervisorError
		fe  *apply.FatalError
		mbe *http.MaxBytesError
	)
	switch {
	case errors.Is(err, apply.ErrApplyInProgress):
		return http.StatusConflict, CodeApplyInProgress
	case errors.As(err, &fe):
		// Checked before the cause it wraps.
		return http.StatusBadGateway, CodeRestartFailed
	case errors.As(err, &mbe):
		return http.StatusRequestEntityTooLarge, CodeConfigTooLarge
	case errors.As(err, &ve):
		if ve.Kind == dnsconf.KindTooLarge {
			return http.StatusRequestEntityTooLarge, CodeConfigTooLarge
		}
		return http.StatusUnprocessableEntity, CodeInvalidConfig
	case errors.Is(err, dnsconf.ErrValidatorUnavailable):
		return http.StatusServiceUnavailable, CodeValidatorUnavailable
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.As(err, &pe):
		return http.StatusInternalServerError, CodePersistenceError
	case errors.Is(err, process.ErrUnreachable):
		return http.StatusServiceUnavailable, CodeDaemonUnreachable
	case errors.Is(err, apply.ErrVerifyFailed), errors.As(err, &se):
		return http.StatusBadGateway, CodeRestartFailed
	default:
		return http.StatusInternalServerError, CodeServerError
	}
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}

// writeErr writes err with the status and code classifyError assigns.
func writeErr(w http.ResponseWriter, err error) {
	status, code := classifyError(err)
	writeError(w, status, err.Error(), code)
}
