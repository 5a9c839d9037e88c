package supervisor

import (
	"sort"
)

var (
	pendingDeploymentPrefix      = []byte("supervisor/pending_deployments/")
	pendingDeploymentIndexKey    = []byte("supervisor/pending_deployments/index")
	deployRequestsMultisigPrefix = []byte("supervisor/deploy_requests/")
	deployConfirmsMultisigPrefix = []byte("supervisor/deploy_confirmations/")
	pendingProposalKey           = []byte("supervisor/pending_proposal")
	configConfirmsMultisigPrefix = []byte("supervisor/config_confirms/")
	vacantInstanceIDKey          = []byte("supervisor/vacant_instance_id")
)

// Schema provides typed views over the supervisor's persistent state:
// pending deploys, the pending proposal, and the next-free instance ID,
// alongside the three multisig indexes keyed off of those entities.
type Schema struct {
	store              Store
	DeployRequests     *MultisigIndex
	DeployConfirmations *MultisigIndex
	ConfigConfirms     *MultisigIndex
}

// NewSchema constructs a Schema backed by store.
func NewSchema(store Store) *Schema {
	return &Schema{
		store:               store,
		DeployRequests:      newMultisigIndex(store, deployRequestsMultisigPrefix),
		DeployConfirmations: newMultisigIndex(store, deployConfirmsMultisigPrefix),
		ConfigConfirms:      newMultisigIndex(store, configConfirmsMultisigPrefix),
	}
}

func deploymentKey(artifactID string) []byte {
	key := make([]byte, 0, len(pendingDeploymentPrefix)+len(artifactID))
	key = append(key, pendingDeploymentPrefix...)
	key = append(key, artifactID...)
	return key
}

// PendingDeployment returns the stored request for artifactID, if any.
func (s *Schema) PendingDeployment(artifactID string) (DeployRequest, bool, error) {
	var req DeployRequest
	ok, err := s.store.KVGet(deploymentKey(artifactID), &req)
	if err != nil {
		return DeployRequest{}, false, err
	}
	return req, ok, nil
}

// PutPendingDeployment inserts or overwrites req in pending_deployments and
// maintains the artifact-ID index used for deterministic iteration.
func (s *Schema) PutPendingDeployment(req DeployRequest) error {
	if err := s.store.KVPut(deploymentKey(req.ArtifactID), req); err != nil {
		return err
	}
	index, err := s.deploymentIndex()
	if err != nil {
		return err
	}
	i := sort.SearchStrings(index, req.ArtifactID)
	if i < len(index) && index[i] == req.ArtifactID {
		return nil
	}
	index = append(index, "")
	copy(index[i+1:], index[i:])
	index[i] = req.ArtifactID
	return s.store.KVPut(pendingDeploymentIndexKey, index)
}

// RemovePendingDeployment deletes artifactID from pending_deployments and its
// associated index entry. The deploy_requests multisig entry is pruned too,
// since a request cannot be re-deployed once removed (whether by deadline
// eviction or by reaching quorum).
func (s *Schema) RemovePendingDeployment(artifactID string) error {
	if err := s.store.KVDelete(deploymentKey(artifactID)); err != nil {
		return err
	}
	index, err := s.deploymentIndex()
	if err != nil {
		return err
	}
	i := sort.SearchStrings(index, artifactID)
	if i < len(index) && index[i] == artifactID {
		index = append(index[:i], index[i+1:]...)
		if err := s.store.KVPut(pendingDeploymentIndexKey, index); err != nil {
			return err
		}
	}
	return s.DeployRequests.prune([]byte(artifactID))
}

func (s *Schema) deploymentIndex() ([]string, error) {
	var index []string
	if _, err := s.store.KVGet(pendingDeploymentIndexKey, &index); err != nil {
		return nil, err
	}
	return index, nil
}

// PendingDeployments returns every in-flight deploy request, in stable
// (artifact-ID sorted) order.
func (s *Schema) PendingDeployments() ([]DeployRequest, error) {
	index, err := s.deploymentIndex()
	if err != nil {
		return nil, err
	}
	out := make([]DeployRequest, 0, len(index))
	for _, artifactID := range index {
		req, ok, err := s.PendingDeployment(artifactID)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, req)
		}
	}
	return out, nil
}

// PendingProposal returns the single active configuration proposal, if any.
func (s *Schema) PendingProposal() (ConfigProposalWithHash, bool, error) {
	var entry ConfigProposalWithHash
	ok, err := s.store.KVGet(pendingProposalKey, &entry)
	if err != nil {
		return ConfigProposalWithHash{}, false, err
	}
	return entry, ok, nil
}

// SetPendingProposal stores entry as the sole active proposal.
func (s *Schema) SetPendingProposal(entry ConfigProposalWithHash) error {
	return s.store.KVPut(pendingProposalKey, entry)
}

// RemovePendingProposal clears the active proposal slot.
func (s *Schema) RemovePendingProposal() error {
	return s.store.KVDelete(pendingProposalKey)
}

// VacantInstanceID returns the stored next-free instance ID and whether it
// has been initialised yet.
func (s *Schema) VacantInstanceID() (uint64, bool, error) {
	var id uint64
	ok, err := s.store.KVGet(vacantInstanceIDKey, &id)
	if err != nil {
		return 0, false, err
	}
	return id, ok, nil
}

// SetVacantInstanceID persists the next-free instance ID.
func (s *Schema) SetVacantInstanceID(id uint64) error {
	return s.store.KVPut(vacantInstanceIDKey, id)
}
