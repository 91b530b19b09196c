package app

import (
	cliflag "k8s.io/component-base/cli/flag"
)

// NamedFlagSetOptions is implemented by a command's options object.
type NamedFlagSetOptions interface {
	// Flags returns the flag sets, one per section of the help output.
	Flags() cliflag.NamedFlagSets

	// Complete fills in derived values after flags and config are parsed.
	Complete() error

	// Validate returns an aggregate of every invalid option.
	Validate() error
}
