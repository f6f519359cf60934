// Package config holds the recognized configuration surface of the core, as
// an explicit struct passed into the top-level assembly rather than read
// from globals — see the "module-level singletons" design note.
package config

import (
	"github.com/grailbio/findneighbour-core/cluster"
	"github.com/grailbio/findneighbour-core/compare"
	"github.com/grailbio/findneighbour-core/ferrors"
)

// ClusteringAlgo configures one clustering pass: a name, an SNV threshold,
// the uncertain-character class it skips distance on, and how mixed guids
// participate.
type ClusteringAlgo struct {
	Name          string
	Threshold     int
	UncertainChar compare.UncertainClass
	MixturePolicy cluster.MixturePolicy
}

// Config is the recognized option set from spec.md §6.1.
type Config struct {
	// SNVCeiling is the maximum SNV distance retained in the sparse matrix.
	SNVCeiling int
	// MaxNPercent is the fraction of N+M over (L-|mask|) above which a
	// sequence is flagged invalid.
	MaxNPercent float64
	// Clustering lists the configured clustering algorithms.
	Clustering []ClusteringAlgo
	// MixtureAlpha is the significance threshold for the mixed flag.
	MixtureAlpha float64
	// WorkingSetCapacity is the soft cap on rehydrated sequences held in RAM.
	WorkingSetCapacity int
	// DebugMode enables reset, server_config and raise_error.
	DebugMode bool
	// ServerName and Description are opaque strings echoed by the REST layer.
	ServerName  string
	Description string
}

// Validate checks the configuration for internal consistency, returning a
// ferrors.ConfigError-kinded error on the first problem found.
func (c Config) Validate(refLen int) error {
	if c.SNVCeiling < 0 {
		return ferrors.New(ferrors.ConfigError, "snv_ceiling must be >= 0")
	}
	if c.MaxNPercent < 0 || c.MaxNPercent > 1 {
		return ferrors.New(ferrors.ConfigError, "max_n_percent must be in [0,1]")
	}
	if c.MixtureAlpha < 0 || c.MixtureAlpha > 1 {
		return ferrors.New(ferrors.ConfigError, "mixture_alpha must be in [0,1]")
	}
	if c.WorkingSetCapacity <= 0 {
		return ferrors.New(ferrors.ConfigError, "working_set_capacity must be > 0")
	}
	names := map[string]bool{}
	for _, a := range c.Clustering {
		if a.Name == "" {
			return ferrors.New(ferrors.ConfigError, "clustering algorithm name must not be empty")
		}
		if names[a.Name] {
			return ferrors.Errorf(ferrors.ConfigError, "duplicate clustering algorithm name %q", a.Name)
		}
		names[a.Name] = true
		if a.Threshold < 0 || a.Threshold > c.SNVCeiling {
			return ferrors.Errorf(ferrors.ConfigError,
				"clustering algorithm %q threshold %d must be within [0, snv_ceiling=%d]",
				a.Name, a.Threshold, c.SNVCeiling)
		}
	}
	return nil
}
