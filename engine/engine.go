// Package engine provides the OpenCV-DNN detection backend: an ONNX
// object-detection model executed through gocv, exposed behind the
// iface.Backend contract the async gateway consumes.
package engine

import (
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"

	iface "AsyncDetServer/interface"
)

// Detector runs an ONNX detection model through the OpenCV DNN module.
// A Detector is not safe for concurrent Detect calls; the mutex
// serializes access so one instance can sit behind a multi-worker pool.
type Detector struct {
	ModelPath string
	Names     []string
	Conf      float32
	Iou       float32
	UseGPU    bool
	InputSize int
	State     int

	// mu serializes inference; stateMu guards State so status queries
	// never wait behind a running detection.
	mu      sync.Mutex
	stateMu sync.Mutex
	net     gocv.Net
}

// New returns an unloaded detector.
func New() *Detector {
	return &Detector{
		InputSize: defaultInputSize,
		State:     Registered,
	}
}

// LoadModel reads an ONNX model and the class-name list. Only .onnx
// files are accepted.
func (d *Detector) LoadModel(modelPath string, names NamesConf, conf, iou float32, useGPU bool) error {
	if len(modelPath) < 5 || modelPath[len(modelPath)-5:] != ".onnx" {
		return fmt.Errorf("LoadModel only supports .onnx, got %q", modelPath)
	}
	if conf < 0 || conf > 1 {
		return fmt.Errorf("confidence must be between 0.0 and 1.0, got %f", conf)
	}
	if iou < 0 || iou > 1 {
		return fmt.Errorf("IoU must be between 0.0 and 1.0, got %f", iou)
	}
	if names.IsFile {
		path, ok := names.Data.(string)
		if !ok {
			return fmt.Errorf("names file path must be a string, got %T", names.Data)
		}
		loaded, err := ReadNamesFile(path)
		if err != nil {
			return fmt.Errorf("read names file: %w", err)
		}
		d.Names = loaded
	} else {
		list, ok := names.Data.([]string)
		if !ok {
			return fmt.Errorf("names must be a []string or a file path, got %T", names.Data)
		}
		d.Names = list
	}

	net := gocv.ReadNetFromONNX(modelPath)
	if net.Empty() {
		return fmt.Errorf("failed to load model from %q", modelPath)
	}
	if useGPU {
		_ = net.SetPreferableBackend(gocv.NetBackendCUDA)
		_ = net.SetPreferableTarget(gocv.NetTargetCUDA)
	} else {
		_ = net.SetPreferableBackend(gocv.NetBackendDefault)
		_ = net.SetPreferableTarget(gocv.NetTargetCPU)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.net = net
	d.ModelPath = modelPath
	d.Conf = conf
	d.Iou = iou
	d.UseGPU = useGPU
	d.setState(Idle)
	return nil
}

func (d *Detector) setState(s int) {
	d.stateMu.Lock()
	d.State = s
	d.stateMu.Unlock()
}

func (d *Detector) getState() int {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.State
}

// IsLoaded reports whether a model is ready for inference. It never
// waits behind a running detection.
func (d *Detector) IsLoaded() bool {
	s := d.getState()
	return s == Idle || s == Busy
}

// SetInputSize overrides the square network input size.
func (d *Detector) SetInputSize(size int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if size > 0 {
		d.InputSize = size
	}
}

// Detect runs one image through the network.
func (d *Detector) Detect(img iface.ImageData) (iface.DetectionResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.detectLocked(img)
}

// DetectBatch runs a chunk of images through the network under a single
// lock acquisition. The first failing image fails the whole chunk; the
// orchestrator's fallback path retries per item.
func (d *Detector) DetectBatch(imgs []iface.ImageData) ([]iface.DetectionResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	results := make([]iface.DetectionResult, 0, len(imgs))
	for i, img := range imgs {
		res, err := d.detectLocked(img)
		if err != nil {
			return nil, fmt.Errorf("batch image %d: %w", i, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (d *Detector) detectLocked(img iface.ImageData) (iface.DetectionResult, error) {
	if !d.IsLoaded() {
		return iface.DetectionResult{}, fmt.Errorf("model not loaded")
	}
	if err := img.Validate(); err != nil {
		return iface.DetectionResult{}, err
	}
	d.setState(Busy)
	defer d.setState(Idle)

	mat, err := gocv.NewMatFromBytes(img.Height, img.Width, gocv.MatTypeCV8UC3, img.Data)
	if err != nil {
		return iface.DetectionResult{}, fmt.Errorf("wrap image buffer: %w", err)
	}
	defer mat.Close()

	blob := gocv.BlobFromImage(mat, 1.0/255.0,
		image.Pt(d.InputSize, d.InputSize),
		gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	prob := d.net.Forward("")
	defer prob.Close()

	return d.postprocess(prob, img.Width, img.Height)
}

// postprocess decodes a YOLO-family output tensor of shape
// (1, 4+numClasses, numAnchors), applies the confidence threshold and
// NMS, and scales boxes back to source pixel coordinates.
func (d *Detector) postprocess(prob gocv.Mat, origW, origH int) (iface.DetectionResult, error) {
	sizes := prob.Size()
	if len(sizes) != 3 {
		return iface.DetectionResult{}, fmt.Errorf("unexpected output rank %d", len(sizes))
	}
	channels := sizes[1]
	anchors := sizes[2]
	numClasses := channels - 4
	if numClasses < 1 {
		return iface.DetectionResult{}, fmt.Errorf("unexpected output channels %d", channels)
	}

	flat := prob.Reshape(1, channels)
	defer flat.Close()
	rows := gocv.NewMat()
	defer rows.Close()
	// anchors-major layout makes per-candidate reads contiguous
	gocv.Transpose(flat, &rows)

	scaleX := float32(origW) / float32(d.InputSize)
	scaleY := float32(origH) / float32(d.InputSize)

	var rects []image.Rectangle
	var rawBoxes [][4]float32
	var scores []float32
	var classes []int32
	for i := 0; i < anchors; i++ {
		bestScore := float32(0)
		bestClass := 0
		for c := 0; c < numClasses; c++ {
			s := rows.GetFloatAt(i, 4+c)
			if s > bestScore {
				bestScore = s
				bestClass = c
			}
		}
		if bestScore < d.Conf {
			continue
		}
		cx := rows.GetFloatAt(i, 0)
		cy := rows.GetFloatAt(i, 1)
		w := rows.GetFloatAt(i, 2)
		h := rows.GetFloatAt(i, 3)
		x1 := (cx - w/2) * scaleX
		y1 := (cy - h/2) * scaleY
		x2 := (cx + w/2) * scaleX
		y2 := (cy + h/2) * scaleY
		rects = append(rects, image.Rect(int(x1), int(y1), int(x2), int(y2)))
		rawBoxes = append(rawBoxes, [4]float32{x1, y1, x2, y2})
		scores = append(scores, bestScore)
		classes = append(classes, int32(bestClass))
	}

	keep := gocv.NMSBoxes(rects, scores, d.Conf, d.Iou)
	boxes := make([][4]float32, 0, len(keep))
	keptScores := make([]float32, 0, len(keep))
	keptClasses := make([]int32, 0, len(keep))
	for _, idx := range keep {
		boxes = append(boxes, rawBoxes[idx])
		keptScores = append(keptScores, scores[idx])
		keptClasses = append(keptClasses, classes[idx])
	}
	return iface.NewDetectionResult(boxes, keptScores, keptClasses)
}

// ClassName resolves a class id against the loaded name list.
func (d *Detector) ClassName(id int32) string {
	if id >= 0 && int(id) < len(d.Names) {
		return d.Names[id]
	}
	return fmt.Sprintf("class_%d", id)
}

// Close releases the network. The detector transitions back to
// Registered and must be reloaded before further use.
func (d *Detector) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.IsLoaded() {
		_ = d.net.Close()
	}
	d.ModelPath = ""
	d.Conf = 0
	d.Iou = 0
	d.UseGPU = false
	d.setState(Registered)
}
