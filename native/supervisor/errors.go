package supervisor

import "errors"

// Sentinel errors surfaced by transaction logic, the pre-commit engine, and
// the config applier. Each maps onto one of the abstract error kinds named by
// the governance specification (Authorization, DuplicateOrConflict,
// InvalidTiming, NotFound, ApplyFailure, FatalMisconfiguration).
var (
	// Authorization.
	ErrUnauthorizedSigner = errors.New("supervisor: signer is not a current validator")

	// DuplicateOrConflict.
	ErrArtifactAlreadyDeployed = errors.New("supervisor: artifact already deployed")
	ErrAlreadyConfirmed        = errors.New("supervisor: signer has already confirmed")
	ErrProposalActive          = errors.New("supervisor: a configuration proposal is already pending")
	ErrInstanceIDTaken         = errors.New("supervisor: instance id already in use")
	ErrAlreadyVoted            = errors.New("supervisor: signer already voted")
	ErrProposerSelfVote        = errors.New("supervisor: proposer vote is recorded automatically")

	// InvalidTiming.
	ErrInvalidDeadline   = errors.New("supervisor: deadline_height must be in the future")
	ErrInvalidActualFrom = errors.New("supervisor: actual_from_height must be in the future")

	// NotFound.
	ErrNoPendingProposal      = errors.New("supervisor: no pending configuration proposal")
	ErrProposalHashMismatch   = errors.New("supervisor: vote references a different proposal")
	ErrUnknownServiceInstance = errors.New("supervisor: service instance not found")
	ErrArtifactNotDeployed    = errors.New("supervisor: artifact is not deployed")

	// ApplyFailure.
	ErrApplyFailed = errors.New("supervisor: configuration change application failed")

	// FatalMisconfiguration.
	ErrFatalMisconfiguration = errors.New("supervisor: fatal supervisor misconfiguration")

	// ErrActivationRollback wraps an ApplyFailure raised while activating a
	// proposal; the pre-commit engine returns it so the host can perform a
	// block-level rollback instead of panicking.
	ErrActivationRollback = errors.New("supervisor: configuration activation rolled back")
)
