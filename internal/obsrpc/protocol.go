// Capsule - Star Citizen gameplay recording companion
// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package obsrpc maintains the RPC session to the capture engine
// (obs-websocket protocol v5) and translates its notifications into domain
// events on the bus. It owns the reconnect policy: bounded attempt rounds
// with exponential backoff, fast retry after engine restarts, and escalation
// to the correlator when rounds are exhausted.
package obsrpc

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/goccy/go-json"
)

// obs-websocket opcodes (protocol v5).
const (
	opHello      = 0
	opIdentify   = 1
	opIdentified = 2
	opEvent      = 5
	opRequest    = 6
	opResponse   = 7
)

// rpcVersion is the protocol version Capsule speaks.
const rpcVersion = 1

// eventSubscriptions selects General and Outputs events; recording state and
// file rotation arrive under Outputs.
const eventSubscriptions = 1 | (1 << 6)

// Request types used by the recording-lifecycle subset.
const (
	reqGetVersion      = "GetVersion"
	reqStartRecord     = "StartRecord"
	reqStopRecord      = "StopRecord"
	reqSplitRecordFile = "SplitRecordFile"
	reqGetRecordStatus = "GetRecordStatus"
	reqGetInputList    = "GetInputList"
	reqGetSceneList    = "GetSceneList"
)

// Event types translated into domain events.
const (
	evRecordStateChanged = "RecordStateChanged"
	evRecordFileChanged  = "RecordFileChanged"
)

// RequestStatus codes used for split-failure classification.
const (
	codeUnknownRequestType = 204
	codeOutputNotRunning   = 506
	codeInvalidOutputState = 500
)

type envelope struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

type helloData struct {
	ObsWebSocketVersion string         `json:"obsWebSocketVersion"`
	RPCVersion          int            `json:"rpcVersion"`
	Authentication      *authChallenge `json:"authentication,omitempty"`
}

type authChallenge struct {
	Challenge string `json:"challenge"`
	Salt      string `json:"salt"`
}

type identifyData struct {
	RPCVersion         int    `json:"rpcVersion"`
	Authentication     string `json:"authentication,omitempty"`
	EventSubscriptions int    `json:"eventSubscriptions"`
}

type identifiedData struct {
	NegotiatedRPCVersion int `json:"negotiatedRpcVersion"`
}

type requestData struct {
	RequestType string `json:"requestType"`
	RequestID   string `json:"requestId"`
	RequestData any    `json:"requestData,omitempty"`
}

type requestStatus struct {
	Result  bool   `json:"result"`
	Code    int    `json:"code"`
	Comment string `json:"comment,omitempty"`
}

type responseData struct {
	RequestType   string          `json:"requestType"`
	RequestID     string          `json:"requestId"`
	RequestStatus requestStatus   `json:"requestStatus"`
	ResponseData  json.RawMessage `json:"responseData,omitempty"`
}

type eventPayload struct {
	EventType   string          `json:"eventType"`
	EventIntent int             `json:"eventIntent"`
	EventData   json.RawMessage `json:"eventData,omitempty"`
}

type recordStateChanged struct {
	OutputActive bool   `json:"outputActive"`
	OutputState  string `json:"outputState"`
	OutputPath   string `json:"outputPath,omitempty"`
}

type recordFileChanged struct {
	NewOutputPath string `json:"newOutputPath"`
}

type recordStatusResponse struct {
	OutputActive   bool    `json:"outputActive"`
	OutputPaused   bool    `json:"outputPaused"`
	OutputTimecode string  `json:"outputTimecode"`
	OutputDuration float64 `json:"outputDuration"` // milliseconds
	OutputBytes    int64   `json:"outputBytes"`
}

func marshalEnvelope(op int, d any) ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal op %d payload: %w", op, err)
	}
	return json.Marshal(envelope{Op: op, D: data})
}

// authResponse computes the obs-websocket authentication string:
// base64(sha256(base64(sha256(password+salt)) + challenge)).
func authResponse(password string, ch authChallenge) string {
	secretHash := sha256.Sum256([]byte(password + ch.Salt))
	secret := base64.StdEncoding.EncodeToString(secretHash[:])
	authHash := sha256.Sum256([]byte(secret + ch.Challenge))
	return base64.StdEncoding.EncodeToString(authHash[:])
}
