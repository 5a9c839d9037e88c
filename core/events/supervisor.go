package events

import (
	"encoding/hex"
	"strconv"

	"nhbchain/core/types"
)

const (
	TypeSupervisorDeployRequested  = "supervisor.deploy.requested"
	TypeSupervisorDeployConfirmed  = "supervisor.deploy.confirmed"
	TypeSupervisorDeployDeployed   = "supervisor.deploy.deployed"
	TypeSupervisorDeployExpired    = "supervisor.deploy.expired"
	TypeSupervisorConfigProposed   = "supervisor.config.proposed"
	TypeSupervisorConfigVoted      = "supervisor.config.voted"
	TypeSupervisorConfigActivated  = "supervisor.config.activated"
	TypeSupervisorConfigRolledBack = "supervisor.config.rolledBack"
	TypeSupervisorConfigExpired    = "supervisor.config.expired"
)

// SupervisorDeployRequested marks a new deploy request accepted by the
// supervisor's multisig index.
type SupervisorDeployRequested struct {
	ArtifactID     string
	Signer         []byte
	DeadlineHeight uint64
	Confirmations  int
}

func (SupervisorDeployRequested) EventType() string { return TypeSupervisorDeployRequested }

func (e SupervisorDeployRequested) Event() *types.Event {
	return &types.Event{Type: TypeSupervisorDeployRequested, Attributes: map[string]string{
		"artifact_id":     e.ArtifactID,
		"signer":          "0x" + hex.EncodeToString(e.Signer),
		"deadline_height": strconv.FormatUint(e.DeadlineHeight, 10),
		"confirmations":   strconv.Itoa(e.Confirmations),
	}}
}

// SupervisorDeployConfirmed marks a runtime-load confirmation recorded for a
// pending deployment.
type SupervisorDeployConfirmed struct {
	ArtifactID    string
	Signer        []byte
	Confirmations int
}

func (SupervisorDeployConfirmed) EventType() string { return TypeSupervisorDeployConfirmed }

func (e SupervisorDeployConfirmed) Event() *types.Event {
	return &types.Event{Type: TypeSupervisorDeployConfirmed, Attributes: map[string]string{
		"artifact_id":   e.ArtifactID,
		"signer":        "0x" + hex.EncodeToString(e.Signer),
		"confirmations": strconv.Itoa(e.Confirmations),
	}}
}

// SupervisorDeployDeployed marks quorum reached and the artifact registered
// as deployed; the request is removed from pending_deployments.
type SupervisorDeployDeployed struct {
	ArtifactID string
}

func (SupervisorDeployDeployed) EventType() string { return TypeSupervisorDeployDeployed }

func (e SupervisorDeployDeployed) Event() *types.Event {
	return &types.Event{Type: TypeSupervisorDeployDeployed, Attributes: map[string]string{
		"artifact_id": e.ArtifactID,
	}}
}

// SupervisorDeployExpired marks a pending deployment swept for deadline
// expiry during the pre-commit hook.
type SupervisorDeployExpired struct {
	ArtifactID     string
	DeadlineHeight uint64
	Height         uint64
}

func (SupervisorDeployExpired) EventType() string { return TypeSupervisorDeployExpired }

func (e SupervisorDeployExpired) Event() *types.Event {
	return &types.Event{Type: TypeSupervisorDeployExpired, Attributes: map[string]string{
		"artifact_id":     e.ArtifactID,
		"deadline_height": strconv.FormatUint(e.DeadlineHeight, 10),
		"height":          strconv.FormatUint(e.Height, 10),
	}}
}

// SupervisorConfigProposed marks a new configuration proposal accepted.
type SupervisorConfigProposed struct {
	ProposeHash    []byte
	Proposer       []byte
	ActualFrom     uint64
	ChangeCount    int
}

func (SupervisorConfigProposed) EventType() string { return TypeSupervisorConfigProposed }

func (e SupervisorConfigProposed) Event() *types.Event {
	return &types.Event{Type: TypeSupervisorConfigProposed, Attributes: map[string]string{
		"propose_hash": "0x" + hex.EncodeToString(e.ProposeHash),
		"proposer":     "0x" + hex.EncodeToString(e.Proposer),
		"actual_from":  strconv.FormatUint(e.ActualFrom, 10),
		"change_count": strconv.Itoa(e.ChangeCount),
	}}
}

// SupervisorConfigVoted marks a vote recorded against a pending proposal.
type SupervisorConfigVoted struct {
	ProposeHash   []byte
	Signer        []byte
	Confirmations int
}

func (SupervisorConfigVoted) EventType() string { return TypeSupervisorConfigVoted }

func (e SupervisorConfigVoted) Event() *types.Event {
	return &types.Event{Type: TypeSupervisorConfigVoted, Attributes: map[string]string{
		"propose_hash":  "0x" + hex.EncodeToString(e.ProposeHash),
		"signer":        "0x" + hex.EncodeToString(e.Signer),
		"confirmations": strconv.Itoa(e.Confirmations),
	}}
}

// SupervisorConfigActivated marks a proposal whose changes were fully
// applied at its actual_from height.
type SupervisorConfigActivated struct {
	ProposeHash []byte
	Height      uint64
}

func (SupervisorConfigActivated) EventType() string { return TypeSupervisorConfigActivated }

func (e SupervisorConfigActivated) Event() *types.Event {
	return &types.Event{Type: TypeSupervisorConfigActivated, Attributes: map[string]string{
		"propose_hash": "0x" + hex.EncodeToString(e.ProposeHash),
		"height":       strconv.FormatUint(e.Height, 10),
	}}
}

// SupervisorConfigRolledBack marks a proposal whose activation failed and
// was rolled back at the block level.
type SupervisorConfigRolledBack struct {
	ProposeHash []byte
	Height      uint64
	Reason      string
}

func (SupervisorConfigRolledBack) EventType() string { return TypeSupervisorConfigRolledBack }

func (e SupervisorConfigRolledBack) Event() *types.Event {
	return &types.Event{Type: TypeSupervisorConfigRolledBack, Attributes: map[string]string{
		"propose_hash": "0x" + hex.EncodeToString(e.ProposeHash),
		"height":       strconv.FormatUint(e.Height, 10),
		"reason":       e.Reason,
	}}
}

// SupervisorConfigExpired marks a proposal dropped by the pre-commit hook
// without ever reaching activation.
type SupervisorConfigExpired struct {
	ProposeHash []byte
	Height      uint64
}

func (SupervisorConfigExpired) EventType() string { return TypeSupervisorConfigExpired }

func (e SupervisorConfigExpired) Event() *types.Event {
	return &types.Event{Type: TypeSupervisorConfigExpired, Attributes: map[string]string{
		"propose_hash": "0x" + hex.EncodeToString(e.ProposeHash),
		"height":       strconv.FormatUint(e.Height, 10),
	}}
}
