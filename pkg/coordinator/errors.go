package coordinator

import "errors"

var (
	// ErrNoParticipants is returned by ExecuteTransaction when the
	// registry is empty; no transaction record is created.
	ErrNoParticipants = errors.New("no participants registered")

	// ErrCrashed is returned when an operation that requires the
	// coordinator to be running is attempted while the crash flag is set.
	ErrCrashed = errors.New("coordinator is crashed")

	// ErrNotCrashed is returned when recover is requested but the
	// coordinator isn't crashed.
	ErrNotCrashed = errors.New("coordinator is not crashed")

	// ErrUnknownTransaction is returned by queries against a transaction
	// id the coordinator has never seen.
	ErrUnknownTransaction = errors.New("unknown transaction")

	// ErrUnknownParticipant is returned when sending to a participant id
	// absent from the registry.
	ErrUnknownParticipant = errors.New("unknown participant")

	// ErrRegistrationRejected is returned when a REGISTER envelope's
	// token fails verification against the configured cluster secret.
	ErrRegistrationRejected = errors.New("registration rejected: bad or missing token")
)
