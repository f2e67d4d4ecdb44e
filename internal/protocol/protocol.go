// Package protocol defines the wire format between the stratad CLI and
// daemon.
//
// Messages are newline-delimited JSON envelopes carrying a command name and
// an optional typed payload. Every connection is a single request-response
// exchange.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Command names a request or response type.
type Command string

const (
	// Requests.
	CmdBuild    Command = "build"
	CmdRun      Command = "run"
	CmdStop     Command = "stop"
	CmdStatus   Command = "status"
	CmdShutdown Command = "shutdown"

	// Responses.
	CmdOK    Command = "ok"
	CmdError Command = "error"
)

// Envelope frames every message on the wire.
type Envelope struct {
	Command Command         `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// BuildRequest asks the daemon to build an image from a plan.
type BuildRequest struct {
	Plan    []byte `json:"plan"`             // Raw TOML plan document.
	Context string `json:"context"`          // Absolute build context directory.
	Tag     string `json:"tag"`              // Tag for the final image.
	Output  string `json:"output,omitempty"` // Optional archive output directory.
}

// BuildResult reports a finished build.
type BuildResult struct {
	Tag       string `json:"tag"`
	Digest    string `json:"digest"`
	Layers    int    `json:"layers"`
	CacheHits int    `json:"cacheHits"`
	Archive   string `json:"archive,omitempty"`
	Duration  string `json:"duration"`
}

// RunRequest asks the daemon to launch a service from a built image.
type RunRequest struct {
	Tag  string `json:"tag"`
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
}

// RunResult reports a launched service.
type RunResult struct {
	Container string `json:"container"`
	Port      int    `json:"port"`
}

// StopResult reports a stopped service.
type StopResult struct {
	ExitCode int `json:"exitCode"`
}

// StatusResult reports daemon state.
type StatusResult struct {
	Running bool   `json:"running"`
	Version string `json:"version"`
	Pid     int    `json:"pid"`
	Uptime  string `json:"uptime"`
	Builds  int    `json:"builds"`
	Service string `json:"service,omitempty"` // Container ID of the running service, if any.
}

// ErrorResult carries a failed command's message.
type ErrorResult struct {
	Message string `json:"message"`
}

// Encodes a command and payload as a JSON envelope.
//
// The returned bytes do not include the trailing newline; the transport
// appends it.
func Encode(cmd Command, payload any) ([]byte, error) {
	env := Envelope{Command: cmd}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", cmd, err)
		}
		env.Payload = data
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", cmd, err)
	}

	return data, nil
}

// Decodes a JSON envelope, returning the raw payload for a second-stage
// decode via [DecodePayload].
func Decode(data []byte) (Envelope, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Command == "" {
		return Envelope{}, nil, fmt.Errorf("decode envelope: missing command")
	}
	return env, env.Payload, nil
}

// Decodes a typed payload from its raw JSON form.
func DecodePayload[T any](payload json.RawMessage) (*T, error) {
	var v T
	if len(payload) == 0 {
		return &v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &v, nil
}
