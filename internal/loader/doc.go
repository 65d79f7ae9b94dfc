// Package loader runs pre-packing over ONNX models.
//
// A load restores packed weights that an earlier save wrote next to the
// model, packs the rest (sharing results across models through a
// prepack.SharedCache), and can write everything back so the next load maps
// the packed bytes instead of recomputing them.
//
// Example:
//
//	cache := prepack.NewSharedCache()
//	defer cache.Close()
//
//	state, err := loader.OpenModel("path/to/model.onnx", loader.DefaultOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer state.Close()
//
//	packed, err := state.Pack(kernels.DefaultRegistry(), cache)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Design principles:
//   - Pure Go: No CGO dependencies
//   - Zero-copy: external data and packed blobs are memory mapped
//   - Hints degrade: an unreadable packed-blob hint means repacking, a bad
//     descriptor means a failed load
//   - Ownership: states are closed before the shared cache they packed into
package loader
