// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package placement

import (
	"os"
	"strings"
)

const (
	// EnvIgnoreModules is a comma-separated list of module type names that strategies leave untouched.
	EnvIgnoreModules = "DISTRIBUTED_STRATEGY_IGNORE_MODULES"

	// EnvSequenceParallelism enables (if "true", case-insensitive) sequence parallelism of the
	// normalization and dropout sub-modules in the tensor parallel strategy.
	EnvSequenceParallelism = "USE_SEQUENCE_PARALLELISM"
)

// Config holds the options shared by all strategies.
type Config struct {
	// IgnoreModules lists module type names (see module.Module.TypeName) that are never distributed:
	// DistributeModule and DistributeLayer return them unchanged.
	IgnoreModules []string

	// FromMeta indicates the model was built with placeholder (meta) storage: instead of copying
	// parameters to their devices, strategies allocate them there directly.
	FromMeta bool

	// SequenceParallel enables sequence parallelism for normalization and dropout sub-modules.
	// Only used by the tensor parallel strategy.
	SequenceParallel bool
}

// ConfigFromEnv returns a Config with IgnoreModules and SequenceParallel read from the environment variables
// EnvIgnoreModules and EnvSequenceParallelism. Unset variables leave the default (empty / false) values.
func ConfigFromEnv() Config {
	return Config{
		IgnoreModules:    ParseIgnoreModules(os.Getenv(EnvIgnoreModules)),
		SequenceParallel: strings.EqualFold(strings.TrimSpace(os.Getenv(EnvSequenceParallelism)), "true"),
	}
}

// ParseIgnoreModules splits a comma-separated list of module type names, trimming spaces and
// dropping empty entries.
func ParseIgnoreModules(list string) []string {
	var names []string
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}
