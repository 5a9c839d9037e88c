package supervisor

import (
	"encoding/hex"
	"sort"
)

// Store is the narrow persistence surface the supervisor schema needs: a
// transactional, typed key-value snapshot. core/state.Manager already
// satisfies this interface via its KVPut/KVGet/KVDelete helpers.
type Store interface {
	KVPut(key []byte, value interface{}) error
	KVGet(key []byte, out interface{}) (bool, error)
	KVDelete(key []byte) error
}

// MultisigIndex is a persistent mapping from a proposal key to the set of
// validator signatures confirming it. Decoupling the signer set from the
// proposal body lets the same proposal be re-validated under a changed
// validator set, and lets a Mode count approvals without inspecting
// signatures.
type MultisigIndex struct {
	store  Store
	prefix []byte
}

// newMultisigIndex constructs an index namespaced under prefix.
func newMultisigIndex(store Store, prefix []byte) *MultisigIndex {
	return &MultisigIndex{store: store, prefix: append([]byte(nil), prefix...)}
}

func (m *MultisigIndex) key(proposalKey []byte) []byte {
	key := make([]byte, 0, len(m.prefix)+len(proposalKey))
	key = append(key, m.prefix...)
	key = append(key, proposalKey...)
	return key
}

// confirm adds signer to the set at key. Idempotent: confirming the same
// signer twice leaves the set unchanged.
func (m *MultisigIndex) confirm(key []byte, signer []byte) error {
	signers, err := m.signers(key)
	if err != nil {
		return err
	}
	encoded := hex.EncodeToString(signer)
	idx := sort.SearchStrings(signers, encoded)
	if idx < len(signers) && signers[idx] == encoded {
		return nil
	}
	signers = append(signers, "")
	copy(signers[idx+1:], signers[idx:])
	signers[idx] = encoded
	return m.store.KVPut(m.key(key), signers)
}

// confirmations returns the cardinality of the signer set at key.
func (m *MultisigIndex) confirmations(key []byte) (int, error) {
	signers, err := m.signers(key)
	if err != nil {
		return 0, err
	}
	return len(signers), nil
}

// confirmedBy reports whether signer is a member of the set at key.
func (m *MultisigIndex) confirmedBy(key []byte, signer []byte) (bool, error) {
	signers, err := m.signers(key)
	if err != nil {
		return false, err
	}
	encoded := hex.EncodeToString(signer)
	idx := sort.SearchStrings(signers, encoded)
	return idx < len(signers) && signers[idx] == encoded, nil
}

// signers returns the signer set at key in stable, sorted order. A missing
// entry is an empty set, not an error.
func (m *MultisigIndex) signers(key []byte) ([]string, error) {
	var signers []string
	if _, err := m.store.KVGet(m.key(key), &signers); err != nil {
		return nil, err
	}
	return signers, nil
}

// prune removes the signer set stored at key entirely (used when a pending
// deployment or proposal is dropped).
func (m *MultisigIndex) prune(key []byte) error {
	return m.store.KVDelete(m.key(key))
}
