package reactor

import (
	"github.com/ehrlich-b/go-reactor/internal/constants"
	"github.com/ehrlich-b/go-reactor/internal/uring"
)

// Re-export constants for public API
const (
	DefaultQueueDepth     = constants.DefaultQueueDepth
	DefaultReadBufferSize = constants.DefaultReadBufferSize
	DefaultPoolPrealloc   = constants.DefaultPoolPrealloc
	DefaultPoolRetention  = constants.DefaultPoolRetention
	DefaultBatchSize      = constants.DefaultBatchSize
	MaxBatchCeiling       = constants.MaxBatchCeiling
)

// Features reports which optional io_uring behaviour the kernel offers.
type Features = uring.Features

// DetectFeatures reports what the running kernel's io_uring supports.
func DetectFeatures() (Features, error) {
	f, _, err := uring.DetectFeatures()
	return f, err
}
