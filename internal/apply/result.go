package apply

import (
	"errors"
	"time"

	"github.com/masqctl/masqctl/internal/dnsconf"
	"github.com/masqctl/masqctl/internal/process"
	"github.com/masqctl/masqctl/internal/store"
)

// ErrApplyInProgress is returned to every caller that arrives while another
// apply, stage, restart or rollback holds the workflow lock.
var ErrApplyInProgress = errors.New("another apply is already in progress")

// ErrVerifyFailed means the daemon restarted but was not running when
// re-probed afterwards.
var ErrVerifyFailed = errors.New("daemon not running after restart")

// Phase is the furthest workflow step an apply reached.
type Phase string

// Workflow phases, in order.
const (
	PhaseValidate Phase = "validate"
	PhaseStage    Phase = "stage"
	PhaseRestart  Phase = "restart"
	PhaseVerify   Phase = "verify"
	PhaseDone     Phase = "done"
)

// Error kinds reported in Result.ErrorKind.
const (
	KindInvalidConfig              = "invalid_config"
	KindValidatorUnavailable       = "validator_unavailable"
	KindPersistence                = "persistence_error"
	KindVersionNotFound            = "version_not_found"
	KindRestartFailed              = "restart_failed"
	KindDaemonUnreachable          = "daemon_unreachable"
	KindVerifyFailed               = "verify_failed"
	KindRestartFailedAfterRollback = "restart_failed_after_rollback"
)

// Result is the outcome of one apply workflow.
type Result struct {
	RequestID  string    `json:"requestId"`
	Phase      Phase     `json:"phase"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  string    `json:"errorKind,omitempty"`
	RolledBack bool      `json:"rolledBack"`
	Fatal      bool      `json:"fatal"`
	VersionID  uint64    `json:"versionId,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Log        string    `json:"log,omitempty"`
}

// StageResult is the outcome of staging a pending version.
type StageResult struct {
	VersionID uint64 `json:"versionId"`
	Validated bool   `json:"validated"`
}

// RestartResult is the outcome of a restart request. Result is set when a
// pending version was applied.
type RestartResult struct {
	Success bool    `json:"success"`
	Log     string  `json:"log"`
	Result  *Result `json:"result,omitempty"`
}

// Pending describes a staged version awaiting restart.
type Pending struct {
	VersionID uint64    `json:"versionId"`
	StagedAt  time.Time `json:"stagedAt"`
}

// FatalError reports a restart that failed and a rollback that could not
// bring the daemon back. Operator intervention is required.
type FatalError struct {
	Cause    error
	Rollback error
}

func (e *FatalError) Error() string {
	return "restart failed after rollback: " + e.Cause.Error() + "; rollback: " + e.Rollback.Error()
}

func (e *FatalError) Unwrap() error { return e.Cause }

// errorKind classifies a workflow failure for Result.ErrorKind.
func errorKind(err error) string {
	var (
		ve *dnsconf.ValidationError
		pe *store.PersistenceError
		se *process.SupervisorError
		fe *FatalError
	)
	switch {
	case errors.As(err, &fe):
		return KindRestartFailedAfterRollback
	case errors.As(err, &ve):
		return KindInvalidConfig
	case errors.Is(err, dnsconf.ErrValidatorUnavailable):
		return KindValidatorUnavailable
	case errors.Is(err, store.ErrNotFound):
		return KindVersionNotFound
	case errors.As(err, &pe):
		return KindPersistence
	case errors.Is(err, process.ErrUnreachable):
		return KindDaemonUnreachable
	case errors.Is(err, ErrVerifyFailed):
		return KindVerifyFailed
	case errors.As(err, &se):
		return KindRestartFailed
	default:
		return KindRestartFailed
	}
}
