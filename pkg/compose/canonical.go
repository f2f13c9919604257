package compose

import (
	"encoding/json"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/overnode-org/overnode/pkg/types"
)

// canonicalState is what the digest covers. The version is assigned at
// rollout time and is not part of the content.
type canonicalState struct {
	Project  string                        `json:"project"`
	Services map[string]*types.ServiceSpec `json:"services"`
}

// Canonical encodes the desired state deterministically: map keys and
// services sorted, slices in merge order.
func Canonical(state *types.DesiredState) ([]byte, error) {
	data, err := json.Marshal(canonicalState{Project: state.Project, Services: state.Services})
	if err != nil {
		return nil, errors.Wrap(err, "encoding desired state")
	}
	return data, nil
}

// Digest returns the sha256 digest of the canonical encoding
func Digest(state *types.DesiredState) (string, error) {
	data, err := Canonical(state)
	if err != nil {
		return "", err
	}
	return digest.FromBytes(data).String(), nil
}

// Decode parses a canonical encoding back into a desired state
func Decode(data []byte) (*types.DesiredState, error) {
	var c canonicalState
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, "decoding desired state")
	}
	return &types.DesiredState{Project: c.Project, Services: c.Services, Digest: digest.FromBytes(data).String()}, nil
}
