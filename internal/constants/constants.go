package constants

// Reactor sizing defaults
const (
	// DefaultQueueDepth is the number of submission entries in the ring
	DefaultQueueDepth = 1024

	// DefaultReadBufferSize is the read length used when a caller passes 0
	DefaultReadBufferSize = 8192

	// DefaultPoolPrealloc is the number of accept, read and write records
	// created up front
	DefaultPoolPrealloc = 1024

	// DefaultPoolRetention is the most idle records a pool keeps per kind
	DefaultPoolRetention = 8192

	// DefaultBatchSize is the number of completions peeked per round trip
	DefaultBatchSize = 512

	// MaxBatchCeiling bounds the completions one drain call may process
	MaxBatchCeiling = 2048
)

// MinKernelMajor and MinKernelMinor give the oldest kernel with
// IORING_OP_TIMEOUT, below which the reactor refuses to start.
const (
	MinKernelMajor = 5
	MinKernelMinor = 4
)
