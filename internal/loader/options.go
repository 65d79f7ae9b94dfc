package loader

import (
	"github.com/born-ml/prepack/internal/envconfig"
)

// Options control a load.
type Options struct {
	ShareWeights    bool   // Pack through the shared cache so models share blobs.
	SavePrepacked   bool   // Collect packed blobs for Save.
	VerifyChecksums bool   // Check disk segments against their recorded checksum.
	Device          string // Allocator device for packed buffers.
	MaxParallel     int    // Models loaded at once by PackModels.
}

// DefaultOptions returns options read from the environment.
func DefaultOptions() Options {
	return Options{
		ShareWeights:    envconfig.ShareWeights(true),
		SavePrepacked:   envconfig.SavePrepacked(),
		VerifyChecksums: envconfig.VerifyChecksums(true),
		Device:          envconfig.Device(),
		MaxParallel:     envconfig.MaxParallel(),
	}
}
