package supervisor

import (
	"encoding/json"

	"lukechampine.com/blake3"
)

// proposeHash computes the hash identifying propose in votes: blake3 over the
// canonical JSON serialization of the proposal. Field order is fixed by the
// struct definition and slice order is preserved, so two ConfigPropose values
// with the same logical content always hash identically.
func proposeHash(propose ConfigPropose) ([]byte, error) {
	encoded, err := json.Marshal(propose)
	if err != nil {
		return nil, err
	}
	sum := blake3.Sum256(encoded)
	return sum[:], nil
}
