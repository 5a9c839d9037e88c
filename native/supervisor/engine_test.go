package supervisor

import (
	"bytes"
	"encoding/gob"
	"errors"
	"sort"
	"testing"

	"nhbchain/core/events"
)

// fakeStore is an in-memory Store used by tests; it round-trips values
// through gob the same way core/state.Manager round-trips them through RLP,
// so the supervisor package under test never depends on a real trie.
type fakeStore struct {
	data map[string][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{data: make(map[string][]byte)} }

func (s *fakeStore) KVPut(key []byte, value interface{}) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(value); err != nil {
		return err
	}
	s.data[string(key)] = buf.Bytes()
	return nil
}

func (s *fakeStore) KVGet(key []byte, out interface{}) (bool, error) {
	raw, ok := s.data[string(key)]
	if !ok {
		return false, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(out); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fakeStore) KVDelete(key []byte) error {
	delete(s.data, string(key))
	return nil
}

// fakeHost is a scriptable Host used by tests.
type fakeHost struct {
	height      uint64
	validators  []string
	consensus   ConsensusConfig
	running     []uint64
	serviceKey  []byte
	broadcaster Broadcaster

	configureErr    error
	startAddingErr  error
	startDeployErr  error
	registerErr     error
	startedServices []InstanceSpec
	registered      []string
	loaded          []string
}

func (h *fakeHost) ApplyConfig(instanceID uint64, paramsBlob []byte) error { return h.configureErr }
func (h *fakeHost) RunningInstanceIDs() ([]uint64, error)                 { return h.running, nil }
func (h *fakeHost) StartAddingService(spec InstanceSpec, constructorBlob []byte) error {
	h.startedServices = append(h.startedServices, spec)
	return h.startAddingErr
}
func (h *fakeHost) StartDeploy(artifactID string, specBlob []byte, onLoaded func() error) error {
	h.loaded = append(h.loaded, artifactID)
	if h.startDeployErr != nil {
		return h.startDeployErr
	}
	return onLoaded()
}
func (h *fakeHost) RegisterDeployedArtifact(artifactID string) error {
	h.registered = append(h.registered, artifactID)
	return h.registerErr
}
func (h *fakeHost) IsArtifactDeployed(artifactID string) (bool, error) {
	for _, id := range h.registered {
		if id == artifactID {
			return true, nil
		}
	}
	return false, nil
}
func (h *fakeHost) Height() uint64                       { return h.height }
func (h *fakeHost) ValidatorKeys() []string               { sort.Strings(h.validators); return h.validators }
func (h *fakeHost) ConsensusConfig() ConsensusConfig       { return h.consensus }
func (h *fakeHost) SetConsensusConfig(cfg ConsensusConfig) { h.consensus = cfg }
func (h *fakeHost) ServiceKey() []byte                     { return h.serviceKey }
func (h *fakeHost) Broadcaster() Broadcaster                { return h.broadcaster }

type fakeBroadcaster struct {
	sent []DeployConfirmation
}

func (b *fakeBroadcaster) Broadcast(confirmation DeployConfirmation) error {
	b.sent = append(b.sent, confirmation)
	return nil
}

func newTestHost(validatorCount int) *fakeHost {
	validators := make([]string, validatorCount)
	for i := range validators {
		validators[i] = string([]byte{byte('a' + i)})
	}
	return &fakeHost{validators: validators}
}

func signerOf(host *fakeHost, i int) []byte {
	return []byte(host.validators[i])
}

func newTestEngine(t *testing.T, host *fakeHost, mode Mode) *Engine {
	t.Helper()
	e, err := NewEngine(host, newFakeStore(), mode, events.NoopEmitter{})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestCheckInstanceID(t *testing.T) {
	if err := CheckInstanceID(0); err != nil {
		t.Fatalf("expected instance id 0 to be valid, got %v", err)
	}
	if err := CheckInstanceID(1); !errors.Is(err, ErrFatalMisconfiguration) {
		t.Fatalf("expected ErrFatalMisconfiguration, got %v", err)
	}
}

func TestByzantineQuorum(t *testing.T) {
	if got := ByzantineQuorum(4); got != 3 {
		t.Fatalf("ByzantineQuorum(4) = %d, want 3", got)
	}
}

// Scenario 1: Simple-mode deploy.
func TestSimpleModeDeploy(t *testing.T) {
	host := newTestHost(4)
	host.height = 10
	e := newTestEngine(t, host, Simple{})

	req := DeployRequest{ArtifactID: "artifact-a", DeadlineHeight: 20}
	if err := e.ApplyDeployRequest(req, signerOf(host, 0)); err != nil {
		t.Fatalf("ApplyDeployRequest: %v", err)
	}
	// Simple mode approves a request after its own first confirmation, so the
	// request is already in pending_deployments.
	pending, err := e.Schema().PendingDeployments()
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected 1 pending deployment, got %d (err=%v)", len(pending), err)
	}

	// A single runtime-load confirmation is enough to finish the deploy under
	// Simple mode.
	if err := e.ApplyDeployConfirmation(confirmationOf(req), signerOf(host, 0)); err != nil {
		t.Fatalf("ApplyDeployConfirmation: %v", err)
	}

	pending, err = e.Schema().PendingDeployments()
	if err != nil || len(pending) != 0 {
		t.Fatalf("expected pending_deployments empty after quorum, got %d", len(pending))
	}
	if len(host.registered) != 1 || host.registered[0] != "artifact-a" {
		t.Fatalf("expected artifact-a registered as deployed, got %v", host.registered)
	}
}

// Scenario 2: Decentralized-mode deploy with one dropout.
func TestDecentralizedModeDeployWithDropout(t *testing.T) {
	host := newTestHost(4)
	host.height = 10
	e := newTestEngine(t, host, Decentralized{})

	req := DeployRequest{ArtifactID: "artifact-b", DeadlineHeight: 20}
	for i := 0; i < 3; i++ {
		if err := e.ApplyDeployRequest(req, signerOf(host, i)); err != nil {
			t.Fatalf("ApplyDeployRequest[%d]: %v", i, err)
		}
	}

	confirmations, err := e.Schema().DeployRequests.confirmations([]byte("artifact-b"))
	if err != nil || confirmations != 3 {
		t.Fatalf("expected 3 confirmations, got %d (err=%v)", confirmations, err)
	}
	pending, err := e.Schema().PendingDeployments()
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected request inserted into pending_deployments once quorum (3) reached, got %d", len(pending))
	}

	for i := 0; i < 3; i++ {
		conf := confirmationOf(req)
		if err := e.ApplyDeployConfirmation(conf, signerOf(host, i)); err != nil {
			t.Fatalf("ApplyDeployConfirmation[%d]: %v", i, err)
		}
	}
	pending, err = e.Schema().PendingDeployments()
	if err != nil || len(pending) != 0 {
		t.Fatalf("expected deploy complete with 3/4 confirmations, got %d pending", len(pending))
	}
}

func simpleConsensusChange() ConfigChange {
	return ConfigChange{Kind: ConfigChangeConsensus, Consensus: &ConsensusConfig{
		ProposeTimeoutMS: 3000, PrevoteTimeoutMS: 1000, PrecommitTimeoutMS: 1000,
		ValidatorKeys: []string{"a", "b", "c", "d"},
	}}
}

// Scenario 3: Config proposal activation.
func TestConfigProposalActivation(t *testing.T) {
	host := newTestHost(4)
	host.height = 100
	e := newTestEngine(t, host, Decentralized{})

	propose := ConfigPropose{ActualFromHeight: 105, Changes: []ConfigChange{simpleConsensusChange()}}
	hash, err := e.ApplyConfigPropose(propose, signerOf(host, 0))
	if err != nil {
		t.Fatalf("ApplyConfigPropose: %v", err)
	}

	if err := e.ApplyConfigVote(ConfigVote{ProposeHash: hash}, signerOf(host, 1)); err != nil {
		t.Fatalf("vote 1: %v", err)
	}
	if err := e.ApplyConfigVote(ConfigVote{ProposeHash: hash}, signerOf(host, 2)); err != nil {
		t.Fatalf("vote 2: %v", err)
	}

	// Pre-commit at height 103, 104: proposal still pending (actual_from=105
	// means activation check fires at height 104 since 104+1==105).
	host.height = 103
	if err := e.PreCommit(103); err != nil {
		t.Fatalf("PreCommit(103): %v", err)
	}
	if _, ok, _ := e.Schema().PendingProposal(); !ok {
		t.Fatalf("expected proposal still pending at height 103")
	}

	if err := e.PreCommit(104); err != nil {
		t.Fatalf("PreCommit(104): %v", err)
	}
	if _, ok, _ := e.Schema().PendingProposal(); ok {
		t.Fatalf("expected proposal activated (removed) at height 104")
	}
	if len(host.consensus.ValidatorKeys) != 4 {
		t.Fatalf("expected consensus config applied, got %+v", host.consensus)
	}
}

// Scenario 4: Config proposal rollback on ApplyFailure.
func TestConfigProposalRollbackOnApplyFailure(t *testing.T) {
	host := newTestHost(4)
	host.height = 100
	host.running = []uint64{0, 1}
	e := newTestEngine(t, host, Decentralized{})

	serviceChange := ConfigChange{Kind: ConfigChangeService, Service: &ServiceConfigChange{InstanceID: 1, ParamsBlob: []byte("bad")}}
	propose := ConfigPropose{ActualFromHeight: 105, Changes: []ConfigChange{serviceChange}}
	hash, err := e.ApplyConfigPropose(propose, signerOf(host, 0))
	if err != nil {
		t.Fatalf("ApplyConfigPropose: %v", err)
	}
	if err := e.ApplyConfigVote(ConfigVote{ProposeHash: hash}, signerOf(host, 1)); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if err := e.ApplyConfigVote(ConfigVote{ProposeHash: hash}, signerOf(host, 2)); err != nil {
		t.Fatalf("vote: %v", err)
	}

	host.configureErr = errors.New("rejected params")
	err = e.PreCommit(104)
	if !errors.Is(err, ErrActivationRollback) {
		t.Fatalf("expected ErrActivationRollback, got %v", err)
	}
	// The caller (host adapter) is expected to roll the whole block back on
	// this error, which restores the pending_proposal entry this call
	// removed. Simulating that restoration here to exercise the
	// "expires next height" contract:
	if err := e.Schema().SetPendingProposal(ConfigProposalWithHash{ProposeHash: hash, ConfigPropose: propose, Proposer: signerOf(host, 0)}); err != nil {
		t.Fatalf("restore proposal: %v", err)
	}
	if err := e.PreCommit(105); err != nil {
		t.Fatalf("PreCommit(105): %v", err)
	}
	if _, ok, _ := e.Schema().PendingProposal(); ok {
		t.Fatalf("expected proposal expired (not re-activated) at height 105")
	}
}

// Scenario 5: Deadline eviction.
func TestDeadlineEviction(t *testing.T) {
	host := newTestHost(4)
	host.height = 10
	e := newTestEngine(t, host, Simple{})

	req := DeployRequest{ArtifactID: "artifact-c", DeadlineHeight: 12}
	if err := e.ApplyDeployRequest(req, signerOf(host, 0)); err != nil {
		t.Fatalf("ApplyDeployRequest: %v", err)
	}
	if err := e.PreCommit(11); err != nil {
		t.Fatalf("PreCommit(11): %v", err)
	}
	if _, ok, _ := e.Schema().PendingDeployment("artifact-c"); !ok {
		t.Fatalf("expected request still alive at height 11 (deadline==12)")
	}
	if err := e.PreCommit(13); err != nil {
		t.Fatalf("PreCommit(13): %v", err)
	}
	if _, ok, _ := e.Schema().PendingDeployment("artifact-c"); ok {
		t.Fatalf("expected request swept once height (13) exceeds deadline (12)")
	}
}

// Scenario 6: Instance ID assignment.
func TestInstanceIDAssignment(t *testing.T) {
	host := newTestHost(4)
	host.running = []uint64{0, 1, 5}
	e := newTestEngine(t, host, Simple{})

	id, err := e.assignInstanceID()
	if err != nil || id != 6 {
		t.Fatalf("first assignment = %d, %v, want 6", id, err)
	}
	id, err = e.assignInstanceID()
	if err != nil || id != 7 {
		t.Fatalf("second assignment = %d, %v, want 7", id, err)
	}
}

func TestInvariantAtMostOnePendingProposal(t *testing.T) {
	host := newTestHost(4)
	host.height = 10
	e := newTestEngine(t, host, Simple{})
	propose := ConfigPropose{ActualFromHeight: 20, Changes: []ConfigChange{simpleConsensusChange()}}
	if _, err := e.ApplyConfigPropose(propose, signerOf(host, 0)); err != nil {
		t.Fatalf("first propose: %v", err)
	}
	if _, err := e.ApplyConfigPropose(propose, signerOf(host, 1)); !errors.Is(err, ErrProposalActive) {
		t.Fatalf("expected ErrProposalActive, got %v", err)
	}
}

func TestProposerSelfVoteRejected(t *testing.T) {
	host := newTestHost(4)
	host.height = 10
	e := newTestEngine(t, host, Simple{})
	propose := ConfigPropose{ActualFromHeight: 20, Changes: []ConfigChange{simpleConsensusChange()}}
	hash, err := e.ApplyConfigPropose(propose, signerOf(host, 0))
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	err = e.ApplyConfigVote(ConfigVote{ProposeHash: hash}, signerOf(host, 0))
	if !errors.Is(err, ErrProposerSelfVote) {
		t.Fatalf("expected ErrProposerSelfVote, got %v", err)
	}
}

func TestReplayingDeployConfirmationIsIdempotent(t *testing.T) {
	host := newTestHost(4)
	host.height = 10
	e := newTestEngine(t, host, Decentralized{})
	req := DeployRequest{ArtifactID: "artifact-d", DeadlineHeight: 20}
	for i := 0; i < 3; i++ {
		if err := e.ApplyDeployRequest(req, signerOf(host, i)); err != nil {
			t.Fatalf("ApplyDeployRequest[%d]: %v", i, err)
		}
	}
	conf := confirmationOf(req)
	if err := e.ApplyDeployConfirmation(conf, signerOf(host, 0)); err != nil {
		t.Fatalf("first confirmation: %v", err)
	}
	if err := e.ApplyDeployConfirmation(conf, signerOf(host, 0)); !errors.Is(err, ErrAlreadyConfirmed) {
		t.Fatalf("expected ErrAlreadyConfirmed on replay, got %v", err)
	}
}

func TestUnauthorizedSignerRejected(t *testing.T) {
	host := newTestHost(4)
	host.height = 10
	e := newTestEngine(t, host, Simple{})
	req := DeployRequest{ArtifactID: "artifact-e", DeadlineHeight: 20}
	err := e.ApplyDeployRequest(req, []byte("not-a-validator"))
	if !errors.Is(err, ErrUnauthorizedSigner) {
		t.Fatalf("expected ErrUnauthorizedSigner, got %v", err)
	}
}

func TestVoteOnUnknownProposalFails(t *testing.T) {
	host := newTestHost(4)
	host.height = 10
	e := newTestEngine(t, host, Simple{})
	err := e.ApplyConfigVote(ConfigVote{ProposeHash: []byte("nope")}, signerOf(host, 0))
	if !errors.Is(err, ErrNoPendingProposal) {
		t.Fatalf("expected ErrNoPendingProposal, got %v", err)
	}
}

func TestPostCommitBroadcastsUnconfirmedDeployments(t *testing.T) {
	host := newTestHost(4)
	host.height = 10
	host.serviceKey = signerOf(host, 0)
	bc := &fakeBroadcaster{}
	host.broadcaster = bc
	e := newTestEngine(t, host, Simple{})

	req := DeployRequest{ArtifactID: "artifact-f", DeadlineHeight: 20}
	if err := e.ApplyDeployRequest(req, signerOf(host, 0)); err != nil {
		t.Fatalf("ApplyDeployRequest: %v", err)
	}
	if err := e.PostCommit(); err != nil {
		t.Fatalf("PostCommit: %v", err)
	}
	if len(bc.sent) != 1 || bc.sent[0].ArtifactID != "artifact-f" {
		t.Fatalf("expected one broadcast confirmation for artifact-f, got %v", bc.sent)
	}

	// Idempotent: a second PostCommit call must not rebroadcast once this
	// node's own confirmation is on record.
	if err := e.ApplyDeployConfirmation(confirmationOf(req), signerOf(host, 0)); err != nil {
		t.Fatalf("ApplyDeployConfirmation: %v", err)
	}
	if err := e.PostCommit(); err != nil {
		t.Fatalf("PostCommit 2: %v", err)
	}
	if len(bc.sent) != 1 {
		t.Fatalf("expected no additional broadcast after local confirmation recorded, got %d", len(bc.sent))
	}
}

func TestPostCommitNonValidatorDoesNotBroadcast(t *testing.T) {
	host := newTestHost(4)
	host.height = 10
	host.serviceKey = nil
	e := newTestEngine(t, host, Simple{})
	req := DeployRequest{ArtifactID: "artifact-g", DeadlineHeight: 20}
	if err := e.ApplyDeployRequest(req, signerOf(host, 0)); err != nil {
		t.Fatalf("ApplyDeployRequest: %v", err)
	}
	if err := e.PostCommit(); err != nil {
		t.Fatalf("PostCommit: %v", err)
	}
	if len(host.loaded) != 1 {
		t.Fatalf("expected non-validator to still load the artifact, got %v", host.loaded)
	}
}

func TestDeployRequestRejectsAlreadyDeployedArtifact(t *testing.T) {
	host := newTestHost(4)
	host.height = 10
	host.registered = append(host.registered, "artifact-h")
	e := newTestEngine(t, host, Simple{})

	req := DeployRequest{ArtifactID: "artifact-h", DeadlineHeight: 20}
	err := e.ApplyDeployRequest(req, signerOf(host, 0))
	if !errors.Is(err, ErrArtifactAlreadyDeployed) {
		t.Fatalf("expected ErrArtifactAlreadyDeployed, got %v", err)
	}
}

func TestStartServiceRejectsUndeployedArtifact(t *testing.T) {
	host := newTestHost(4)
	host.height = 10
	e := newTestEngine(t, host, Simple{})

	change := ConfigChange{Kind: ConfigChangeStartService, StartService: &StartServiceChange{
		ArtifactID: "artifact-i", Name: "new-instance",
	}}
	propose := ConfigPropose{ActualFromHeight: 20, Changes: []ConfigChange{change}}
	_, err := e.ApplyConfigPropose(propose, signerOf(host, 0))
	if !errors.Is(err, ErrArtifactNotDeployed) {
		t.Fatalf("expected ErrArtifactNotDeployed, got %v", err)
	}
}

func TestStartServiceAcceptsDeployedArtifact(t *testing.T) {
	host := newTestHost(4)
	host.height = 10
	host.registered = append(host.registered, "artifact-j")
	e := newTestEngine(t, host, Simple{})

	change := ConfigChange{Kind: ConfigChangeStartService, StartService: &StartServiceChange{
		ArtifactID: "artifact-j", Name: "new-instance",
	}}
	propose := ConfigPropose{ActualFromHeight: 20, Changes: []ConfigChange{change}}
	if _, err := e.ApplyConfigPropose(propose, signerOf(host, 0)); err != nil {
		t.Fatalf("ApplyConfigPropose: %v", err)
	}
}
