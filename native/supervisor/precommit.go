package supervisor

import (
	"fmt"

	"nhbchain/core/events"
)

// PreCommit runs the supervisor's deterministic end-of-block sweep: evict
// deploy requests past their deadline, then either expire or activate the
// pending configuration proposal. It must run identically on every node, in
// this exact order, at the given height.
func (e *Engine) PreCommit(height uint64) error {
	if err := e.sweepExpiredDeployments(height); err != nil {
		return err
	}
	return e.sweepProposal(height)
}

func (e *Engine) sweepExpiredDeployments(height uint64) error {
	pending, err := e.schema.PendingDeployments()
	if err != nil {
		return err
	}
	for _, req := range pending {
		if req.DeadlineHeight < height {
			if err := e.schema.RemovePendingDeployment(req.ArtifactID); err != nil {
				return err
			}
			e.emitter.Emit(events.SupervisorDeployExpired{
				ArtifactID:     req.ArtifactID,
				DeadlineHeight: req.DeadlineHeight,
				Height:         height,
			})
		}
	}
	return nil
}

func (e *Engine) sweepProposal(height uint64) error {
	entry, ok, err := e.schema.PendingProposal()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if entry.ConfigPropose.ActualFromHeight <= height {
		if err := e.schema.RemovePendingProposal(); err != nil {
			return err
		}
		e.emitter.Emit(events.SupervisorConfigExpired{ProposeHash: entry.ProposeHash, Height: height})
		return nil
	}

	if entry.ConfigPropose.ActualFromHeight != height+1 {
		return nil
	}

	approved, err := e.mode.ConfigApproved(e.schema.ConfigConfirms, entry.ProposeHash, e.validatorCount())
	if err != nil {
		return err
	}
	if !approved {
		return nil
	}

	// Remove the proposal before applying its changes. If activation fails
	// the caller rolls the entire block back (restoring this removal along
	// with every other state mutation), so the pending_proposal entry is
	// never durably lost on failure. On success the proposal stays removed:
	// it cannot re-activate, since at the next height its actual_from is
	// already in the past and the expiry branch above removes it instead.
	if err := e.schema.RemovePendingProposal(); err != nil {
		return err
	}
	if err := e.activate(height, entry); err != nil {
		e.emitter.Emit(events.SupervisorConfigRolledBack{
			ProposeHash: entry.ProposeHash,
			Height:      height,
			Reason:      err.Error(),
		})
		return fmt.Errorf("%w: %v", ErrActivationRollback, err)
	}
	e.emitter.Emit(events.SupervisorConfigActivated{ProposeHash: entry.ProposeHash, Height: height + 1})
	return nil
}

// activate applies every ConfigChange in entry, in declaration order, via
// the config applier. The first failure aborts the remaining changes.
func (e *Engine) activate(height uint64, entry ConfigProposalWithHash) error {
	for i := range entry.ConfigPropose.Changes {
		if err := e.applyConfigChange(entry.ConfigPropose.Changes[i]); err != nil {
			return fmt.Errorf("%w: change %d: %v", ErrApplyFailed, i, err)
		}
	}
	return nil
}

// applyConfigChange dispatches a single change to the consensus-config
// entry, a running service's Configure capability, or the dispatcher's
// start-adding-service request.
func (e *Engine) applyConfigChange(change ConfigChange) error {
	switch change.Kind {
	case ConfigChangeConsensus:
		e.host.SetConsensusConfig(*change.Consensus)
		return nil

	case ConfigChangeService:
		if err := e.host.ApplyConfig(change.Service.InstanceID, change.Service.ParamsBlob); err != nil {
			return err
		}
		return nil

	case ConfigChangeStartService:
		id, err := e.assignInstanceID()
		if err != nil {
			return err
		}
		spec := InstanceSpec{ID: id, Name: change.StartService.Name, ArtifactID: change.StartService.ArtifactID}
		return e.host.StartAddingService(spec, change.StartService.ConstructorBlob)

	default:
		return fmt.Errorf("supervisor: unrecognised config change kind %d", change.Kind)
	}
}

// assignInstanceID returns the next free instance ID, initialising
// vacant_instance_id lazily on first use. Builtin instances are only
// observable after the genesis block commits, so eager initialisation at
// construction time is not possible; the first StartService change in the
// life of the chain triggers the scan instead.
func (e *Engine) assignInstanceID() (uint64, error) {
	if id, ok, err := e.schema.VacantInstanceID(); err != nil {
		return 0, err
	} else if ok {
		if err := e.schema.SetVacantInstanceID(id + 1); err != nil {
			return 0, err
		}
		return id, nil
	}

	running, err := e.host.RunningInstanceIDs()
	if err != nil {
		return 0, err
	}
	maxID := SupervisorInstanceID
	for _, id := range running {
		if id > maxID {
			maxID = id
		}
	}
	newID := maxID + 1
	if err := e.schema.SetVacantInstanceID(newID + 1); err != nil {
		return 0, err
	}
	return newID, nil
}
