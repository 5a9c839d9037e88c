package rpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"nhbchain/native/supervisor"
)

type supervisorDeployArtifactParams struct {
	ArtifactID     string `json:"artifactId"`
	SpecBlob       string `json:"specBlob"`
	DeadlineHeight uint64 `json:"deadlineHeight"`
	Signer         string `json:"signer"`
}

type supervisorConfirmDeployParams struct {
	ArtifactID     string `json:"artifactId"`
	SpecBlob       string `json:"specBlob"`
	DeadlineHeight uint64 `json:"deadlineHeight"`
	Signer         string `json:"signer"`
}

type supervisorProposeConfigParams struct {
	ActualFromHeight uint64                  `json:"actualFromHeight"`
	Changes          []supervisorConfigChange `json:"changes"`
	Signer           string                  `json:"signer"`
}

type supervisorConfigChange struct {
	Kind         string                       `json:"kind"`
	Consensus    *supervisorConsensusConfig   `json:"consensus,omitempty"`
	Service      *supervisorServiceChange     `json:"service,omitempty"`
	StartService *supervisorStartServiceChange `json:"startService,omitempty"`
}

type supervisorConsensusConfig struct {
	ProposeTimeoutMS   uint64   `json:"proposeTimeoutMs"`
	PrevoteTimeoutMS   uint64   `json:"prevoteTimeoutMs"`
	PrecommitTimeoutMS uint64   `json:"precommitTimeoutMs"`
	ValidatorKeys      []string `json:"validatorKeys"`
}

type supervisorServiceChange struct {
	InstanceID uint64 `json:"instanceId"`
	ParamsBlob string `json:"paramsBlob"`
}

type supervisorStartServiceChange struct {
	ArtifactID      string `json:"artifactId"`
	Name            string `json:"name"`
	ConstructorBlob string `json:"constructorBlob"`
}

type supervisorVoteConfigParams struct {
	ProposeHash string `json:"proposeHash"`
	Signer      string `json:"signer"`
}

type supervisorAckResponse struct {
	OK bool `json:"ok"`
}

type supervisorProposeConfigResponse struct {
	ProposeHash string `json:"proposeHash"`
}

type supervisorPendingDeploymentsResponse struct {
	Deployments []supervisorDeployRequestView `json:"deployments"`
}

type supervisorDeployRequestView struct {
	ArtifactID     string `json:"artifactId"`
	SpecBlob       string `json:"specBlob"`
	DeadlineHeight uint64 `json:"deadlineHeight"`
}

type supervisorPendingProposalResponse struct {
	Found       bool                          `json:"found"`
	ProposeHash string                        `json:"proposeHash,omitempty"`
	Proposer    string                        `json:"proposer,omitempty"`
	ActualFrom  uint64                        `json:"actualFromHeight,omitempty"`
	Changes     []supervisorConfigChangeView `json:"changes,omitempty"`
}

type supervisorConfigChangeView struct {
	Kind string `json:"kind"`
}

func decodeSupervisorSigner(value string) ([]byte, error) {
	if strings.TrimSpace(value) == "" {
		return nil, fmt.Errorf("signer is required")
	}
	addr, err := decodeBech32(value)
	if err != nil {
		return nil, err
	}
	return addr[:], nil
}

func decodeHexBlob(value string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	if trimmed == "" {
		return nil, nil
	}
	return hex.DecodeString(trimmed)
}

func encodeHexBlob(value []byte) string {
	if len(value) == 0 {
		return ""
	}
	return "0x" + hex.EncodeToString(value)
}

func (s *Server) handleSupervisorDeployArtifact(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "exactly one parameter object expected", nil)
		return
	}
	var params supervisorDeployArtifactParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	if strings.TrimSpace(params.ArtifactID) == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "artifactId is required", nil)
		return
	}
	specBlob, err := decodeHexBlob(params.SpecBlob)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid specBlob", err.Error())
		return
	}
	signer, err := decodeSupervisorSigner(params.Signer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid signer", err.Error())
		return
	}
	reqPayload := supervisor.DeployRequest{
		ArtifactID:     params.ArtifactID,
		SpecBlob:       specBlob,
		DeadlineHeight: params.DeadlineHeight,
	}
	if err := s.node.SupervisorDeployArtifact(reqPayload, signer); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, supervisorAckResponse{OK: true})
}

func (s *Server) handleSupervisorConfirmDeploy(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "exactly one parameter object expected", nil)
		return
	}
	var params supervisorConfirmDeployParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	if strings.TrimSpace(params.ArtifactID) == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "artifactId is required", nil)
		return
	}
	specBlob, err := decodeHexBlob(params.SpecBlob)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid specBlob", err.Error())
		return
	}
	signer, err := decodeSupervisorSigner(params.Signer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid signer", err.Error())
		return
	}
	confirmation := supervisor.DeployConfirmation{
		ArtifactID:     params.ArtifactID,
		SpecBlob:       specBlob,
		DeadlineHeight: params.DeadlineHeight,
	}
	if err := s.node.SupervisorConfirmDeploy(confirmation, signer); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, supervisorAckResponse{OK: true})
}

func convertSupervisorConfigChange(change supervisorConfigChange) (supervisor.ConfigChange, error) {
	switch strings.ToLower(strings.TrimSpace(change.Kind)) {
	case "consensus":
		if change.Consensus == nil {
			return supervisor.ConfigChange{}, fmt.Errorf("consensus change requires a consensus object")
		}
		return supervisor.ConfigChange{
			Kind: supervisor.ConfigChangeConsensus,
			Consensus: &supervisor.ConsensusConfig{
				ProposeTimeoutMS:   change.Consensus.ProposeTimeoutMS,
				PrevoteTimeoutMS:   change.Consensus.PrevoteTimeoutMS,
				PrecommitTimeoutMS: change.Consensus.PrecommitTimeoutMS,
				ValidatorKeys:      change.Consensus.ValidatorKeys,
			},
		}, nil
	case "service":
		if change.Service == nil {
			return supervisor.ConfigChange{}, fmt.Errorf("service change requires a service object")
		}
		paramsBlob, err := decodeHexBlob(change.Service.ParamsBlob)
		if err != nil {
			return supervisor.ConfigChange{}, err
		}
		return supervisor.ConfigChange{
			Kind: supervisor.ConfigChangeService,
			Service: &supervisor.ServiceConfigChange{
				InstanceID: change.Service.InstanceID,
				ParamsBlob: paramsBlob,
			},
		}, nil
	case "startservice", "start_service":
		if change.StartService == nil {
			return supervisor.ConfigChange{}, fmt.Errorf("startService change requires a startService object")
		}
		constructorBlob, err := decodeHexBlob(change.StartService.ConstructorBlob)
		if err != nil {
			return supervisor.ConfigChange{}, err
		}
		return supervisor.ConfigChange{
			Kind: supervisor.ConfigChangeStartService,
			StartService: &supervisor.StartServiceChange{
				ArtifactID:      change.StartService.ArtifactID,
				Name:            change.StartService.Name,
				ConstructorBlob: constructorBlob,
			},
		}, nil
	default:
		return supervisor.ConfigChange{}, fmt.Errorf("unknown change kind")
	}
}

func (s *Server) handleSupervisorProposeConfig(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "exactly one parameter object expected", nil)
		return
	}
	var params supervisorProposeConfigParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	if len(params.Changes) == 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "changes is required", nil)
		return
	}
	signer, err := decodeSupervisorSigner(params.Signer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid signer", err.Error())
		return
	}
	changes := make([]supervisor.ConfigChange, 0, len(params.Changes))
	for _, raw := range params.Changes {
		change, err := convertSupervisorConfigChange(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
			return
		}
		changes = append(changes, change)
	}
	propose := supervisor.ConfigPropose{
		ActualFromHeight: params.ActualFromHeight,
		Changes:          changes,
	}
	hash, err := s.node.SupervisorProposeConfig(propose, signer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, supervisorProposeConfigResponse{ProposeHash: encodeHexBlob(hash)})
}

func (s *Server) handleSupervisorConfirmConfig(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "exactly one parameter object expected", nil)
		return
	}
	var params supervisorVoteConfigParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	proposeHash, err := decodeHexBlob(params.ProposeHash)
	if err != nil || len(proposeHash) == 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid proposeHash", nil)
		return
	}
	signer, err := decodeSupervisorSigner(params.Signer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid signer", err.Error())
		return
	}
	vote := supervisor.ConfigVote{ProposeHash: proposeHash}
	if err := s.node.SupervisorVoteConfig(vote, signer); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, supervisorAckResponse{OK: true})
}

func (s *Server) handleSupervisorPendingDeployments(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	deployments, err := s.node.SupervisorPendingDeployments()
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	views := make([]supervisorDeployRequestView, len(deployments))
	for i, d := range deployments {
		views[i] = supervisorDeployRequestView{
			ArtifactID:     d.ArtifactID,
			SpecBlob:       encodeHexBlob(d.SpecBlob),
			DeadlineHeight: d.DeadlineHeight,
		}
	}
	writeResult(w, req.ID, supervisorPendingDeploymentsResponse{Deployments: views})
}

func (s *Server) handleSupervisorPendingProposal(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	proposal, found, err := s.node.SupervisorPendingProposal()
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if !found {
		writeResult(w, req.ID, supervisorPendingProposalResponse{Found: false})
		return
	}
	changeViews := make([]supervisorConfigChangeView, len(proposal.ConfigPropose.Changes))
	for i, change := range proposal.ConfigPropose.Changes {
		kind := "unspecified"
		switch change.Kind {
		case supervisor.ConfigChangeConsensus:
			kind = "consensus"
		case supervisor.ConfigChangeService:
			kind = "service"
		case supervisor.ConfigChangeStartService:
			kind = "startService"
		}
		changeViews[i] = supervisorConfigChangeView{Kind: kind}
	}
	writeResult(w, req.ID, supervisorPendingProposalResponse{
		Found:       true,
		ProposeHash: encodeHexBlob(proposal.ProposeHash),
		Proposer:    encodeHexBlob(proposal.Proposer),
		ActualFrom:  proposal.ConfigPropose.ActualFromHeight,
		Changes:     changeViews,
	})
}
