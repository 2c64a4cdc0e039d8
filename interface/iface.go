package iface

// Backend is the synchronous detector contract consumed by the async
// gateway. Implementations are not assumed safe for concurrent Detect
// calls; the pool serializes access unless the implementation documents
// otherwise.
type Backend interface {
	Detect(img ImageData) (DetectionResult, error)
	DetectBatch(imgs []ImageData) ([]DetectionResult, error)
	IsLoaded() bool
}
