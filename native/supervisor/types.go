// Package supervisor implements the privileged, instance-ID-0 governance and
// lifecycle service: artifact deployment, service instantiation, and live
// configuration mutation for the replicated state machine.
package supervisor

// DeployRequest is a binding request to load artifact bytes into every
// validator's local runtime. DeadlineHeight is the block height after which
// the request is abandoned if quorum has not yet been reached.
type DeployRequest struct {
	ArtifactID     string
	SpecBlob       []byte
	DeadlineHeight uint64
}

// DeployConfirmation is structurally equal to DeployRequest. It signals that
// the sending validator's runtime has successfully loaded the artifact and is
// used only as a quorum token; it is never re-applied.
type DeployConfirmation struct {
	ArtifactID     string
	SpecBlob       []byte
	DeadlineHeight uint64
}

// confirmationOf projects a DeployRequest onto the confirmation token used to
// key the deploy_confirmations multisig.
func confirmationOf(req DeployRequest) DeployConfirmation {
	return DeployConfirmation{
		ArtifactID:     req.ArtifactID,
		SpecBlob:       append([]byte(nil), req.SpecBlob...),
		DeadlineHeight: req.DeadlineHeight,
	}
}

// ConsensusConfig is the consensus-level parameter set a Consensus
// ConfigChange overwrites wholesale. It mirrors the round-timeout knobs
// tracked by the BFT engine plus the canonical validator key ordering.
type ConsensusConfig struct {
	ProposeTimeoutMS   uint64
	PrevoteTimeoutMS   uint64
	PrecommitTimeoutMS uint64
	ValidatorKeys      []string
}

// ServiceConfigChange reconfigures a single running service instance.
type ServiceConfigChange struct {
	InstanceID uint64
	ParamsBlob []byte
}

// StartServiceChange starts a new instance of an already-deployed artifact.
type StartServiceChange struct {
	ArtifactID      string
	Name            string
	ConstructorBlob []byte
}

// ConfigChangeKind tags the variant held by a ConfigChange.
type ConfigChangeKind uint8

const (
	ConfigChangeUnspecified ConfigChangeKind = iota
	ConfigChangeConsensus
	ConfigChangeService
	ConfigChangeStartService
)

// ConfigChange is a tagged variant: exactly one of Consensus, Service, or
// StartService is populated, selected by Kind.
type ConfigChange struct {
	Kind        ConfigChangeKind
	Consensus   *ConsensusConfig
	Service     *ServiceConfigChange
	StartService *StartServiceChange
}

// ConfigPropose names the block at which it becomes effective
// (ActualFromHeight) and the ordered sequence of changes to apply atomically
// at that height.
type ConfigPropose struct {
	ActualFromHeight uint64
	Changes          []ConfigChange
}

// ConfigProposalWithHash pairs a proposal with the hash identifying it in
// votes; the hash is computed over the canonical serialization of
// ConfigPropose. Proposer is the signer whose vote was auto-recorded when
// the proposal was submitted.
type ConfigProposalWithHash struct {
	ProposeHash   []byte
	ConfigPropose ConfigPropose
	Proposer      []byte
}

// ConfigVote references the pending proposal a validator votes to approve.
type ConfigVote struct {
	ProposeHash []byte
}

// InstanceSpec describes a newly started service instance as handed to the
// host dispatcher.
type InstanceSpec struct {
	ID         uint64
	Name       string
	ArtifactID string
}
