package core

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"time"

	"nhbchain/consensus/bft"
	nhbstate "nhbchain/core/state"
	"nhbchain/core/types"
	"nhbchain/native/potso"
	"nhbchain/native/supervisor"
)

// instancePotsoRewards is the nominal instance ID assigned to the built-in
// POTSO rewards module so it can be targeted by a Service ConfigChange. It is
// not a real dynamically-loaded instance, since nhbchain has no pluggable
// runtime; it exists only to give the supervisor's "reconfigure a running
// instance" capability a real collaborator.
const instancePotsoRewards uint64 = 1

var (
	supervisorRegisteredInstancesKey = []byte("supervisor-host/registered-instances")
	supervisorDeployedArtifactsKey   = []byte("supervisor-host/deployed-artifacts")
)

// SupervisorHost adapts *Node (and its *StateProcessor) to the narrow
// supervisor.Host surface. The runtime dispatcher methods are necessarily
// thin: nhbchain has no dynamically loaded service runtime, so "deploying an
// artifact" and "starting a service" are recorded as durable registry
// entries rather than driving an actual code loader.
type SupervisorHost struct {
	node *Node
}

// NewSupervisorHost constructs a SupervisorHost bound to node.
func NewSupervisorHost(node *Node) *SupervisorHost {
	return &SupervisorHost{node: node}
}

func (h *SupervisorHost) manager() *nhbstate.Manager {
	return nhbstate.NewManager(h.node.state.Trie)
}

// ApplyConfig satisfies supervisor.Configurable. Only instances with a real
// on-chain configuration surface are wired; everything else is rejected with
// ErrFatalMisconfiguration, since validateConfigChange already restricted the
// target to a RunningInstanceIDs() member before this is ever called.
func (h *SupervisorHost) ApplyConfig(instanceID uint64, paramsBlob []byte) error {
	switch instanceID {
	case instancePotsoRewards:
		var cfg potso.RewardConfig
		if err := json.Unmarshal(paramsBlob, &cfg); err != nil {
			return fmt.Errorf("supervisor: decode potso reward config: %w", err)
		}
		return h.node.state.SetPotsoRewardConfig(cfg)
	default:
		return supervisor.ErrFatalMisconfiguration
	}
}

// RunningInstanceIDs satisfies supervisor.Dispatcher.
func (h *SupervisorHost) RunningInstanceIDs() ([]uint64, error) {
	ids := []uint64{supervisor.SupervisorInstanceID, instancePotsoRewards}
	var registered []uint64
	if _, err := h.manager().KVGet(supervisorRegisteredInstancesKey, &registered); err != nil {
		return nil, err
	}
	ids = append(ids, registered...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// StartAddingService satisfies supervisor.Dispatcher by durably recording the
// new instance ID in the host registry.
func (h *SupervisorHost) StartAddingService(spec supervisor.InstanceSpec, constructorBlob []byte) error {
	manager := h.manager()
	var registered []uint64
	if _, err := manager.KVGet(supervisorRegisteredInstancesKey, &registered); err != nil {
		return err
	}
	for _, id := range registered {
		if id == spec.ID {
			return fmt.Errorf("supervisor: instance %d already registered", spec.ID)
		}
	}
	registered = append(registered, spec.ID)
	sort.Slice(registered, func(i, j int) bool { return registered[i] < registered[j] })
	return manager.KVPut(supervisorRegisteredInstancesKey, registered)
}

// StartDeploy satisfies supervisor.Dispatcher. nhbchain carries no bytecode to
// fetch for a native artifact, so "loading" is synchronous and onLoaded runs
// immediately.
func (h *SupervisorHost) StartDeploy(artifactID string, specBlob []byte, onLoaded func() error) error {
	if onLoaded == nil {
		return nil
	}
	return onLoaded()
}

// RegisterDeployedArtifact satisfies supervisor.Dispatcher by durably
// recording artifactID as deployed.
func (h *SupervisorHost) RegisterDeployedArtifact(artifactID string) error {
	manager := h.manager()
	var deployed []string
	if _, err := manager.KVGet(supervisorDeployedArtifactsKey, &deployed); err != nil {
		return err
	}
	idx := sort.SearchStrings(deployed, artifactID)
	if idx < len(deployed) && deployed[idx] == artifactID {
		return nil
	}
	deployed = append(deployed, "")
	copy(deployed[idx+1:], deployed[idx:])
	deployed[idx] = artifactID
	return manager.KVPut(supervisorDeployedArtifactsKey, deployed)
}

// IsArtifactDeployed satisfies supervisor.Dispatcher by consulting the same
// durable registry RegisterDeployedArtifact maintains.
func (h *SupervisorHost) IsArtifactDeployed(artifactID string) (bool, error) {
	var deployed []string
	if _, err := h.manager().KVGet(supervisorDeployedArtifactsKey, &deployed); err != nil {
		return false, err
	}
	idx := sort.SearchStrings(deployed, artifactID)
	return idx < len(deployed) && deployed[idx] == artifactID, nil
}

// Height satisfies supervisor.Host.
func (h *SupervisorHost) Height() uint64 {
	return h.node.state.blockHeight()
}

// ValidatorKeys satisfies supervisor.Host, returning the current validator
// addresses as lower-case hex, in sorted order.
func (h *SupervisorHost) ValidatorKeys() []string {
	set := h.node.GetValidatorSet()
	keys := make([]string, 0, len(set))
	for addr := range set {
		keys = append(keys, hex.EncodeToString([]byte(addr)))
	}
	sort.Strings(keys)
	return keys
}

// ConsensusConfig satisfies supervisor.Host by reading the live BFT engine's
// round timers.
func (h *SupervisorHost) ConsensusConfig() supervisor.ConsensusConfig {
	cfg := supervisor.ConsensusConfig{ValidatorKeys: h.ValidatorKeys()}
	if h.node.bftEngine != nil {
		timeouts := h.node.bftEngine.Timeouts()
		cfg.ProposeTimeoutMS = uint64(timeouts.Proposal.Milliseconds())
		cfg.PrevoteTimeoutMS = uint64(timeouts.Prevote.Milliseconds())
		cfg.PrecommitTimeoutMS = uint64(timeouts.Precommit.Milliseconds())
	}
	return cfg
}

// SetConsensusConfig satisfies supervisor.Host by pushing new round timers
// into the live BFT engine. The validator-key list itself is derived from
// stake, not overwritten here; a Consensus ConfigChange governs round timing
// only.
func (h *SupervisorHost) SetConsensusConfig(cfg supervisor.ConsensusConfig) {
	if h.node.bftEngine == nil {
		return
	}
	h.node.bftEngine.SetTimeouts(bft.TimeoutConfig{
		Proposal:  time.Duration(cfg.ProposeTimeoutMS) * time.Millisecond,
		Prevote:   time.Duration(cfg.PrevoteTimeoutMS) * time.Millisecond,
		Precommit: time.Duration(cfg.PrecommitTimeoutMS) * time.Millisecond,
	})
}

// ServiceKey satisfies supervisor.Host, returning the local node's validator
// address, or nil if this node has no validator key configured.
func (h *SupervisorHost) ServiceKey() []byte {
	if h.node.validatorKey == nil {
		return nil
	}
	addr := h.node.validatorKey.PubKey().Address()
	return addr.Bytes()
}

// Broadcaster satisfies supervisor.Host, returning nil on non-validator
// nodes.
func (h *SupervisorHost) Broadcaster() supervisor.Broadcaster {
	if h.node.validatorKey == nil {
		return nil
	}
	return &supervisorBroadcaster{node: h.node}
}

type supervisorBroadcaster struct {
	node *Node
}

// Broadcast signs a DeployConfirmation as a TxTypeDeployConfirmation
// transaction and submits it to the local mempool, from which ordinary p2p
// gossip carries it to peers.
func (b *supervisorBroadcaster) Broadcast(confirmation supervisor.DeployConfirmation) error {
	payload, err := json.Marshal(confirmation)
	if err != nil {
		return err
	}

	validatorKey := b.node.validatorKey
	addr := validatorKey.PubKey().Address()

	b.node.stateMu.Lock()
	account, err := b.node.state.GetAccount(addr.Bytes())
	b.node.stateMu.Unlock()
	if err != nil {
		return err
	}

	tx := &types.Transaction{
		ChainID:  types.NHBChainID(),
		Type:     types.TxTypeDeployConfirmation,
		Nonce:    account.Nonce,
		Data:     payload,
		GasLimit: 21000,
		GasPrice: big.NewInt(1),
	}
	if err := tx.Sign(validatorKey.PrivateKey); err != nil {
		return err
	}
	return b.node.AddTransaction(tx)
}
