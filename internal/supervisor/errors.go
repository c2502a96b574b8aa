package supervisor

import (
	"errors"

	"github.com/loykin/warden/internal/health"
	"github.com/loykin/warden/internal/launcher"
)

// Error kinds. Match with errors.Is.
var (
	ErrExecutableNotFound = launcher.ErrExecutableNotFound
	ErrScriptNotFound     = launcher.ErrScriptNotFound
	ErrDirectoryNotFound  = launcher.ErrDirectoryNotFound
	ErrSpawnFailure       = launcher.ErrSpawnFailure
	ErrReadinessTimeout   = launcher.ErrReadinessTimeout
	// ErrHealthCheckFailure also accompanies ErrReadinessTimeout, wrapping the last probe error.
	ErrHealthCheckFailure = health.ErrHealthCheckFailure

	ErrKillFailure = errors.New("kill failed")
	// ErrAlreadyRunning is only logged; Start on a healthy backend succeeds.
	ErrAlreadyRunning = errors.New("backend already running")
	// ErrAborted is returned by a Start that a concurrent Stop or ForceKill superseded.
	ErrAborted           = errors.New("start aborted by stop")
	ErrAlreadyMonitoring = errors.New("already monitoring")
)

// OpError carries the failed operation, the path involved and the error kind.
type OpError = launcher.OpError
