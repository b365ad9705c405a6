package detector

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/owulveryck/onnx-go"
	"github.com/owulveryck/onnx-go/backend/x/gorgonnx"
	"gorgonia.org/tensor"

	"github.com/BMS-GM/pick-point/internal/types"
)

// ONNX runs an SSD-style model in process.
//
// Input is a 1xHxWx3 float32 tensor scaled to [0,1]. Outputs follow the
// TensorFlow object detection export: num_detections, boxes (N,4 as
// top/left/bottom/right), scores, classes.
type ONNX struct {
	mu      sync.Mutex
	backend *gorgonnx.Graph
	model   *onnx.Model
	labels  []string
}

// LoadONNX reads a model file and the class labels, indexed by class id
func LoadONNX(path string, labels []string) (*ONNX, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model: %w", err)
	}

	backend := gorgonnx.NewGraph()
	model := onnx.NewModel(backend)
	if err := model.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("failed to decode model %s: %w", path, err)
	}

	return &ONNX{backend: backend, model: model, labels: labels}, nil
}

// Infer runs the graph on one frame
func (o *ONNX) Infer(ctx context.Context, img types.Image) ([]types.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	input, err := imageTensor(img)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.model.SetInput(0, input); err != nil {
		return nil, fmt.Errorf("set input: %w", err)
	}
	if err := o.backend.Run(); err != nil {
		return nil, fmt.Errorf("run graph: %w", err)
	}
	outputs, err := o.model.GetOutputTensors()
	if err != nil {
		return nil, fmt.Errorf("read outputs: %w", err)
	}
	if len(outputs) < 4 {
		return nil, fmt.Errorf("model produced %d outputs, want 4", len(outputs))
	}

	num, err := floats(outputs[0])
	if err != nil {
		return nil, err
	}
	boxes, err := floats(outputs[1])
	if err != nil {
		return nil, err
	}
	scores, err := floats(outputs[2])
	if err != nil {
		return nil, err
	}
	classes, err := floats(outputs[3])
	if err != nil {
		return nil, err
	}

	n := len(scores)
	if len(num) > 0 && int(num[0]) < n {
		n = int(num[0])
	}
	return decodeSSD(n, boxes, scores, classes, o.labels), nil
}

// imageTensor converts RGB24 bytes into a normalized NHWC tensor
func imageTensor(img types.Image) (tensor.Tensor, error) {
	want := img.Width * img.Height * 3
	if want == 0 || len(img.Data) < want {
		return nil, fmt.Errorf("frame %d: %d bytes for %dx%d RGB", img.Seq, len(img.Data), img.Width, img.Height)
	}

	backing := make([]float32, want)
	for n := 0; n < want; n++ {
		backing[n] = float32(img.Data[n]) / 255
	}
	return tensor.New(
		tensor.WithShape(1, img.Height, img.Width, 3),
		tensor.WithBacking(backing),
	), nil
}

func floats(t tensor.Tensor) ([]float32, error) {
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("unexpected output type %T", t.Data())
	}
	return data, nil
}

// decodeSSD turns flat SSD outputs into detections. Classes are 1-based;
// ids without a label are reported as "class_<id>".
func decodeSSD(n int, boxes, scores, classes []float32, labels []string) []types.Detection {
	out := make([]types.Detection, 0, n)
	for i := 0; i < n; i++ {
		if len(boxes) < (i+1)*4 || len(classes) <= i {
			break
		}
		id := int(classes[i])
		label := fmt.Sprintf("class_%d", id)
		if id >= 1 && id <= len(labels) {
			label = labels[id-1]
		}
		out = append(out, types.Detection{
			Label: label,
			Score: float64(scores[i]),
			Box: [4]float64{
				float64(boxes[i*4]),
				float64(boxes[i*4+1]),
				float64(boxes[i*4+2]),
				float64(boxes[i*4+3]),
			},
		})
	}
	return out
}
