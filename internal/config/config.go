// Package config loads orchestrator tuning parameters from YAML, falling
// back to schema.DefaultConfig for anything left unset.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/contentdag/core/pkg/schema"
)

// Load reads a YAML file at path and merges it over schema.DefaultConfig.
// A zero value for any numeric or duration field in the file is treated
// as "not set" and the default is kept.
func Load(path string) (schema.Config, error) {
	cfg := schema.DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	var override schema.Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&override); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}

	mergeOverrides(&cfg, &override)
	return cfg, nil
}

func mergeOverrides(base, override *schema.Config) {
	if override.MaxConcurrency != 0 {
		base.MaxConcurrency = override.MaxConcurrency
	}
	if override.CheckpointTTL != 0 {
		base.CheckpointTTL = override.CheckpointTTL
	}
	if override.MaxCheckpoints != 0 {
		base.MaxCheckpoints = override.MaxCheckpoints
	}
	if override.DisagreementThreshold != 0 {
		base.DisagreementThreshold = override.DisagreementThreshold
	}
	if override.MinConfidenceThreshold != 0 {
		base.MinConfidenceThreshold = override.MinConfidenceThreshold
	}
	if override.ConfidenceFloor != 0 {
		base.ConfidenceFloor = override.ConfidenceFloor
	}
	if override.ConfidenceChainLimit != 0 {
		base.ConfidenceChainLimit = override.ConfidenceChainLimit
	}
	if override.ConfidenceDepthDecayBase != 0 {
		base.ConfidenceDepthDecayBase = override.ConfidenceDepthDecayBase
	}
	if override.Breaker.FailureThreshold != 0 {
		base.Breaker.FailureThreshold = override.Breaker.FailureThreshold
	}
	if override.Breaker.SuccessThreshold != 0 {
		base.Breaker.SuccessThreshold = override.Breaker.SuccessThreshold
	}
	if override.Breaker.Cooldown != 0 {
		base.Breaker.Cooldown = override.Breaker.Cooldown
	}
	if override.Breaker.HalfOpenMax != 0 {
		base.Breaker.HalfOpenMax = override.Breaker.HalfOpenMax
	}
}
