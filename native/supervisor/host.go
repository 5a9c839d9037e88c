package supervisor

// SupervisorInstanceID is the reserved, fixed instance ID the supervisor must
// run at. It is a privileged builtin and refuses to operate at any other ID.
const SupervisorInstanceID uint64 = 0

// SupervisorArtifactName is the supervisor's own on-chain artifact name.
const SupervisorArtifactName = "exonum-supervisor"

// Configurable exposes the narrow "Configure" capability a service instance
// offers so its on-chain parameters can be mutated by a Service ConfigChange.
type Configurable interface {
	// ApplyConfig invokes the Configure capability on the given instance.
	// ErrUnknownServiceInstance must be returned for unrecognised instance
	// IDs; ErrFatalMisconfiguration must be returned when the instance is
	// known but does not implement Configure (a bug, not a user error).
	ApplyConfig(instanceID uint64, paramsBlob []byte) error
}

// Dispatcher exposes the runtime dispatcher's service-lifecycle surface.
type Dispatcher interface {
	// RunningInstanceIDs lists every currently running service instance,
	// including builtins, in no particular order.
	RunningInstanceIDs() ([]uint64, error)
	// StartAddingService requests that the dispatcher begin instantiating a
	// new service from an already-deployed artifact.
	StartAddingService(spec InstanceSpec, constructorBlob []byte) error
	// StartDeploy asks the runtime to load the artifact's bytes locally.
	// onLoaded is invoked once loading succeeds (or immediately, if the
	// artifact was already loaded).
	StartDeploy(artifactID string, specBlob []byte, onLoaded func() error) error
	// RegisterDeployedArtifact marks artifactID as deployed in the runtime's
	// artifact registry once deploy confirmations reach quorum.
	RegisterDeployedArtifact(artifactID string) error
	// IsArtifactDeployed reports whether artifactID is already present in the
	// runtime's deployed-artifact registry.
	IsArtifactDeployed(artifactID string) (bool, error)
}

// Broadcaster sends a signed DeployConfirmation transaction on behalf of the
// local node's service key. A nil Broadcaster (returned by Host.Broadcaster)
// signals a non-validator node, which must still load artifacts but must
// never broadcast.
type Broadcaster interface {
	Broadcast(confirmation DeployConfirmation) error
}

// Host is the narrow surface the supervisor depends on from the replicated
// state machine host: block height, the current consensus config (and thus
// validator count/keys), and the service-lifecycle capabilities above.
type Host interface {
	Configurable
	Dispatcher

	// Height returns the current block height.
	Height() uint64
	// ValidatorKeys returns the current validator set's signer keys, in
	// stable (sorted) order.
	ValidatorKeys() []string
	// ConsensusConfig returns the host's current consensus configuration.
	ConsensusConfig() ConsensusConfig
	// SetConsensusConfig overwrites the host's consensus configuration for
	// the next height.
	SetConsensusConfig(ConsensusConfig)
	// ServiceKey returns the local node's service signing key, or nil if
	// this node is not a validator.
	ServiceKey() []byte
	// Broadcaster returns the broadcaster for the local node, or nil on
	// non-validators.
	Broadcaster() Broadcaster
}
