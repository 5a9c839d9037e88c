package supervisor

// PostCommit runs after each block is finalized. Every validator (and every
// non-validator node, for loading purposes) examines pending_deployments;
// for each entry it has not yet confirmed locally, it asks the host runtime
// to load the artifact, then broadcasts a signed DeployConfirmation once
// loading succeeds — but only if this node is a validator. It recomputes the
// set from state on every call, so it is naturally idempotent across
// restarts and across ordinary re-invocation within a single process.
func (e *Engine) PostCommit() error {
	serviceKey := e.host.ServiceKey()

	pending, err := e.schema.PendingDeployments()
	if err != nil {
		return err
	}

	for _, req := range pending {
		req := req
		if serviceKey != nil {
			confirmed, err := e.schema.DeployConfirmations.confirmedBy([]byte(req.ArtifactID), serviceKey)
			if err != nil {
				return err
			}
			if confirmed {
				continue
			}
		}

		broadcaster := e.host.Broadcaster()
		if err := e.host.StartDeploy(req.ArtifactID, req.SpecBlob, func() error {
			if broadcaster == nil {
				return nil
			}
			return broadcaster.Broadcast(confirmationOf(req))
		}); err != nil {
			return err
		}
	}
	return nil
}
