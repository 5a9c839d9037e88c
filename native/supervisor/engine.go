package supervisor

import (
	"encoding/hex"
	"fmt"
	"sort"

	"nhbchain/core/events"
)

// Engine orchestrates the supervisor's transaction logic, deterministic
// pre-commit sweep/activation, and non-deterministic post-commit broadcast.
type Engine struct {
	host    Host
	schema  *Schema
	mode    Mode
	emitter events.Emitter
}

// NewEngine constructs an Engine bound to host and store, running under mode.
// It performs the supervisor's one startup-time invariant check: the
// supervisor must be installed at instance ID 0.
func NewEngine(host Host, store Store, mode Mode, emitter events.Emitter) (*Engine, error) {
	if host == nil || store == nil || mode == nil {
		return nil, fmt.Errorf("supervisor: host, store, and mode must not be nil")
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	return &Engine{
		host:    host,
		schema:  NewSchema(store),
		mode:    mode,
		emitter: emitter,
	}, nil
}

// Schema exposes the engine's persistent views, e.g. for read-only RPC
// handlers.
func (e *Engine) Schema() *Schema { return e.schema }

// CheckInstanceID is the startup-time invariant check replacing the
// panic-on-wrong-instance-ID idiom: the supervisor is a privileged builtin
// and must run at SupervisorInstanceID, or node bootstrap must fail with
// ErrFatalMisconfiguration rather than operate incorrectly at runtime.
func CheckInstanceID(id uint64) error {
	if id != SupervisorInstanceID {
		return ErrFatalMisconfiguration
	}
	return nil
}

func (e *Engine) isValidator(signer []byte) bool {
	keys := e.host.ValidatorKeys()
	target := hexKey(signer)
	idx := sort.SearchStrings(keys, target)
	return idx < len(keys) && keys[idx] == target
}

func (e *Engine) validatorCount() int {
	return len(e.host.ValidatorKeys())
}

// ApplyDeployRequest handles a DeployRequest transaction: confirms the
// request, and inserts it into pending_deployments once the configured Mode
// approves it.
func (e *Engine) ApplyDeployRequest(req DeployRequest, signer []byte) error {
	if !e.isValidator(signer) {
		return ErrUnauthorizedSigner
	}
	if _, ok, err := e.schema.PendingDeployment(req.ArtifactID); err != nil {
		return err
	} else if ok {
		return ErrArtifactAlreadyDeployed
	}
	if deployed, err := e.host.IsArtifactDeployed(req.ArtifactID); err != nil {
		return err
	} else if deployed {
		return ErrArtifactAlreadyDeployed
	}
	if req.DeadlineHeight <= e.host.Height() {
		return ErrInvalidDeadline
	}

	// Keyed by artifactID rather than the full request body: only one
	// DeployRequest can be pending per artifact at a time, so the narrower
	// key is equivalent here and avoids re-serializing the request to derive
	// a multisig key.
	if err := e.schema.DeployRequests.confirm([]byte(req.ArtifactID), signer); err != nil {
		return err
	}
	confirmations, err := e.schema.DeployRequests.confirmations([]byte(req.ArtifactID))
	if err != nil {
		return err
	}
	e.emitter.Emit(events.SupervisorDeployRequested{
		ArtifactID:     req.ArtifactID,
		Signer:         signer,
		DeadlineHeight: req.DeadlineHeight,
		Confirmations:  confirmations,
	})

	approved, err := e.mode.DeployApproved(e.schema.DeployRequests, req.ArtifactID, e.validatorCount())
	if err != nil {
		return err
	}
	if approved {
		if err := e.schema.PutPendingDeployment(req); err != nil {
			return err
		}
	}
	return nil
}

// ApplyDeployConfirmation handles a DeployConfirmation transaction: records
// the runtime-load confirmation and, once quorum is reached, asks the host
// to register the artifact as deployed and removes the request.
func (e *Engine) ApplyDeployConfirmation(conf DeployConfirmation, signer []byte) error {
	if !e.isValidator(signer) {
		return ErrUnauthorizedSigner
	}
	pending, ok, err := e.schema.PendingDeployment(conf.ArtifactID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrArtifactNotDeployed
	}
	alreadyConfirmed, err := e.schema.DeployConfirmations.confirmedBy([]byte(conf.ArtifactID), signer)
	if err != nil {
		return err
	}
	if alreadyConfirmed {
		return ErrAlreadyConfirmed
	}

	if err := e.schema.DeployConfirmations.confirm([]byte(conf.ArtifactID), signer); err != nil {
		return err
	}
	confirmations, err := e.schema.DeployConfirmations.confirmations([]byte(conf.ArtifactID))
	if err != nil {
		return err
	}
	e.emitter.Emit(events.SupervisorDeployConfirmed{
		ArtifactID:    conf.ArtifactID,
		Signer:        signer,
		Confirmations: confirmations,
	})

	approved, err := e.mode.DeployApproved(e.schema.DeployConfirmations, conf.ArtifactID, e.validatorCount())
	if err != nil {
		return err
	}
	if !approved {
		return nil
	}
	if err := e.host.RegisterDeployedArtifact(pending.ArtifactID); err != nil {
		return err
	}
	if err := e.schema.RemovePendingDeployment(conf.ArtifactID); err != nil {
		return err
	}
	e.emitter.Emit(events.SupervisorDeployDeployed{ArtifactID: conf.ArtifactID})
	return nil
}

// ApplyConfigPropose handles a ConfigPropose transaction: validates there is
// no active proposal, that actual_from is in the future, that every change
// is individually valid, stores the proposal, and auto-records the
// proposer's vote.
func (e *Engine) ApplyConfigPropose(propose ConfigPropose, signer []byte) ([]byte, error) {
	if !e.isValidator(signer) {
		return nil, ErrUnauthorizedSigner
	}
	if _, ok, err := e.schema.PendingProposal(); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrProposalActive
	}
	if propose.ActualFromHeight <= e.host.Height() {
		return nil, ErrInvalidActualFrom
	}
	for i := range propose.Changes {
		if err := e.validateConfigChange(propose.Changes[i]); err != nil {
			return nil, err
		}
	}

	hash, err := proposeHash(propose)
	if err != nil {
		return nil, err
	}
	entry := ConfigProposalWithHash{ProposeHash: hash, ConfigPropose: propose, Proposer: append([]byte(nil), signer...)}
	if err := e.schema.SetPendingProposal(entry); err != nil {
		return nil, err
	}
	if err := e.schema.ConfigConfirms.confirm(hash, signer); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.SupervisorConfigProposed{
		ProposeHash: hash,
		Proposer:    signer,
		ActualFrom:  propose.ActualFromHeight,
		ChangeCount: len(propose.Changes),
	})
	return hash, nil
}

// validateConfigChange checks a single ConfigChange's preconditions without
// applying it: consensus config well-formedness, target-instance existence
// for Service changes, and artifact-deployed/instance-free for StartService
// changes. StartService's instance-ID-free check is necessarily optimistic:
// the actual ID is assigned lazily at apply time.
func (e *Engine) validateConfigChange(change ConfigChange) error {
	switch change.Kind {
	case ConfigChangeConsensus:
		if change.Consensus == nil || len(change.Consensus.ValidatorKeys) == 0 {
			return fmt.Errorf("supervisor: invalid consensus config: %w", ErrApplyFailed)
		}
		return nil
	case ConfigChangeService:
		if change.Service == nil {
			return fmt.Errorf("supervisor: invalid service config change")
		}
		ids, err := e.host.RunningInstanceIDs()
		if err != nil {
			return err
		}
		for _, id := range ids {
			if id == change.Service.InstanceID {
				return nil
			}
		}
		return ErrUnknownServiceInstance
	case ConfigChangeStartService:
		if change.StartService == nil {
			return fmt.Errorf("supervisor: invalid start-service change")
		}
		deployed, err := e.host.IsArtifactDeployed(change.StartService.ArtifactID)
		if err != nil {
			return err
		}
		if !deployed {
			return ErrArtifactNotDeployed
		}
		return nil
	default:
		return fmt.Errorf("supervisor: unrecognised config change kind %d", change.Kind)
	}
}

// ApplyConfigVote handles a ConfigVote transaction: records a vote against
// the currently pending proposal.
func (e *Engine) ApplyConfigVote(vote ConfigVote, signer []byte) error {
	if !e.isValidator(signer) {
		return ErrUnauthorizedSigner
	}
	entry, ok, err := e.schema.PendingProposal()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoPendingProposal
	}
	if !bytesEqual(entry.ProposeHash, vote.ProposeHash) {
		return ErrProposalHashMismatch
	}
	if bytesEqual(entry.Proposer, signer) {
		// The proposer's vote was already auto-recorded at proposal time; a
		// separate ConfigVote from the proposer is rejected rather than
		// silently deduplicated (spec.md §9, Open Question resolved in
		// favor of rejection).
		return ErrProposerSelfVote
	}
	alreadyVoted, err := e.schema.ConfigConfirms.confirmedBy(entry.ProposeHash, signer)
	if err != nil {
		return err
	}
	if alreadyVoted {
		return ErrAlreadyVoted
	}
	if err := e.schema.ConfigConfirms.confirm(entry.ProposeHash, signer); err != nil {
		return err
	}
	confirmations, err := e.schema.ConfigConfirms.confirmations(entry.ProposeHash)
	if err != nil {
		return err
	}
	e.emitter.Emit(events.SupervisorConfigVoted{
		ProposeHash:   entry.ProposeHash,
		Signer:        signer,
		Confirmations: confirmations,
	})
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func hexKey(b []byte) string {
	return hex.EncodeToString(b)
}
