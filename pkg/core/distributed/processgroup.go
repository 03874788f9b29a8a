package distributed

// ProcessGroup is a set of processes (ranks) that take part in collective operations.
//
// It is implemented by the communication library in use: this package only queries it.
type ProcessGroup interface {
	// Name of the group, for logging.
	Name() string

	// Rank of the current process within the group.
	Rank() int

	// Size is the number of ranks in the group.
	Size() int
}

// Runtime is the process-wide distributed runtime: it knows whether the process group bootstrap has
// already happened, and what devices the process can use.
type Runtime interface {
	// IsInitialized returns whether the default (world) process group was initialized.
	IsInitialized() bool

	// WorldGroup returns the default process group including every rank.
	WorldGroup() ProcessGroup

	// AcceleratorAvailable returns whether the process has an accelerator device to run on.
	AcceleratorAvailable() bool
}
