package iface

import "fmt"

// ImageData is a decoded image buffer in H x W x C layout.
type ImageData struct {
	Data     []byte
	Width    int
	Height   int
	Channels int
}

// Validate checks the structural contract expected by the detection path:
// a non-empty 3-channel buffer with non-degenerate dimensions.
func (img ImageData) Validate() error {
	if img.Data == nil {
		return fmt.Errorf("image data is nil")
	}
	if img.Channels != 3 {
		return fmt.Errorf("image must have exactly 3 channels, got %d", img.Channels)
	}
	if img.Width <= 0 || img.Height <= 0 {
		return fmt.Errorf("image has degenerate dimensions %dx%d", img.Width, img.Height)
	}
	return nil
}

// DetectionResult holds one image's worth of detections. Boxes are
// (x1,y1,x2,y2) in absolute pixel coordinates; Scores and Classes are
// index-aligned with Boxes. Immutable once constructed.
type DetectionResult struct {
	Boxes    [][4]float32
	Scores   []float32
	Classes  []int32
	Metadata map[string]any
}

// NewDetectionResult builds a result and enforces the length invariant
// across boxes, scores and classes. It never truncates silently.
func NewDetectionResult(boxes [][4]float32, scores []float32, classes []int32) (DetectionResult, error) {
	if len(boxes) != len(scores) || len(boxes) != len(classes) {
		return DetectionResult{}, fmt.Errorf(
			"mismatched detection lengths: boxes=%d scores=%d classes=%d",
			len(boxes), len(scores), len(classes))
	}
	return DetectionResult{
		Boxes:   boxes,
		Scores:  scores,
		Classes: classes,
		Metadata: map[string]any{
			"numDetections": len(boxes),
		},
	}, nil
}

// EmptyResult is the synthetic placeholder substituted for an image that
// could not be processed by any path. Metadata carries an error flag so
// callers can tell it apart from a genuine zero-detection result.
func EmptyResult() DetectionResult {
	return DetectionResult{
		Boxes:   [][4]float32{},
		Scores:  []float32{},
		Classes: []int32{},
		Metadata: map[string]any{
			"numDetections": 0,
			"error":         true,
		},
	}
}

// NumDetections reports the number of boxes in the result.
func (r DetectionResult) NumDetections() int {
	return len(r.Boxes)
}

// IsSynthetic reports whether the result was substituted for a failed image.
func (r DetectionResult) IsSynthetic() bool {
	flag, ok := r.Metadata["error"].(bool)
	return ok && flag
}

// PartialBatchError signals degraded success: at least one sub-batch needed
// fallback, but Results still carries one entry per requested image, in
// input order, with synthetic placeholders at the unrecoverable positions.
type PartialBatchError struct {
	Successful int
	Total      int
	Results    []DetectionResult
}

func (e *PartialBatchError) Error() string {
	return fmt.Sprintf("batch completed with partial failures: %d/%d images succeeded",
		e.Successful, e.Total)
}
