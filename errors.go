package rescale

import "github.com/arloliu/rescale/types"

// Sentinel errors returned by Node and the packages it wires together.
//
// They are the same values as in the types package, so errors.Is works with
// either name.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = types.ErrInvalidConfig

	// ErrNATSConnectionRequired is returned when NATS connection is nil.
	ErrNATSConnectionRequired = types.ErrNATSConnectionRequired

	// ErrAlreadyStarted is returned when Start is called on a running node.
	ErrAlreadyStarted = types.ErrAlreadyStarted

	// ErrNotStarted is returned when Stop is called on a node that hasn't been started.
	ErrNotStarted = types.ErrNotStarted

	// ErrMissingEnv is returned when the process or worker count is not configured.
	ErrMissingEnv = types.ErrMissingEnv

	// ErrSpawnFailed is returned when the leader cannot launch a new process.
	ErrSpawnFailed = types.ErrSpawnFailed

	// ErrJoinTimeout is returned when spawned workers did not join in time.
	ErrJoinTimeout = types.ErrJoinTimeout

	// ErrLauncherRequired is returned when the leader has triggers but no launcher.
	ErrLauncherRequired = types.ErrLauncherRequired

	// ErrNotLeader is returned when orchestration results are requested from a non-leader process.
	ErrNotLeader = types.ErrNotLeader

	// ErrMalformedControl is returned when a control line fails to parse.
	ErrMalformedControl = types.ErrMalformedControl

	// ErrControlHalted is returned by the text control ingest after a failed publish.
	ErrControlHalted = types.ErrControlHalted

	// ErrVerificationMismatch is returned when verified streams differ.
	ErrVerificationMismatch = types.ErrVerificationMismatch
)

// IsRetryable reports whether err is worth retrying. See types.IsRetryable.
func IsRetryable(err error) bool {
	return types.IsRetryable(err)
}
