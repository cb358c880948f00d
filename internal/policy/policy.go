// Package policy holds the capture policy bundle: retention window, replay
// masking options, and the console capture sub-policy. The active bundle is
// loaded once at startup and treated as immutable afterwards; clients receive
// it verbatim at session init.
package policy

import (
	"encoding/json"
	"fmt"
	"os"
)

// StringifyOptions bounds the serialization of console arguments on the client.
type StringifyOptions struct {
	StringLengthLimit int `json:"stringLengthLimit,omitempty"`
	NumOfKeysLimit    int `json:"numOfKeysLimit"`
	DepthOfLimit      int `json:"depthOfLimit"`
}

// Console is the console capture sub-policy.
type Console struct {
	Enabled          bool             `json:"enabled"`
	Level            []string         `json:"level"`
	LengthThreshold  int              `json:"lengthThreshold"`
	StringifyOptions StringifyOptions `json:"stringifyOptions"`
}

// Replay holds the replay recorder masking options, passed through to the
// client untouched.
type Replay struct {
	MaskAllInputs bool `json:"maskAllInputs"`
}

// Bundle is the active capture policy. Version is stamped into upload tokens
// and session rows so stored data can be traced back to the policy it was
// captured under.
type Bundle struct {
	Version       string  `json:"version"`
	RetentionDays int     `json:"retentionDays"`
	Replay        Replay  `json:"replay"`
	Console       Console `json:"console"`
}

// Default returns the built-in policy bundle.
func Default() Bundle {
	return Bundle{
		Version:       "v1",
		RetentionDays: 14,
		Replay: Replay{
			MaskAllInputs: true,
		},
		Console: Console{
			Enabled:         true,
			Level:           []string{"log", "info", "warn", "error"},
			LengthThreshold: 200,
			StringifyOptions: StringifyOptions{
				StringLengthLimit: 300,
				NumOfKeysLimit:    30,
				DepthOfLimit:      2,
			},
		},
	}
}

// Load returns the policy bundle from the given JSON file, with the built-in
// defaults filling any field the file omits. An empty path returns the
// defaults unchanged.
func Load(path string) (Bundle, error) {
	bundle := Default()
	if path == "" {
		return bundle, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Bundle{}, fmt.Errorf("read policy file: %w", err)
	}
	if err := json.Unmarshal(data, &bundle); err != nil {
		return Bundle{}, fmt.Errorf("parse policy file: %w", err)
	}
	if bundle.Version == "" {
		bundle.Version = Default().Version
	}
	if bundle.RetentionDays <= 0 {
		bundle.RetentionDays = Default().RetentionDays
	}
	return bundle, nil
}
