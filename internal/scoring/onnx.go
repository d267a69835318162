package scoring

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/dunamismax/skinsight/internal/tensor"
)

// Inference devices.
const (
	DeviceAuto = "auto"
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

var envMu sync.Mutex

func initEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("onnx init environment: %w", err)
	}
	return nil
}

func destroyEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// newSessionOptions builds options for device. CUDA is attached as an
// execution provider; CPU uses the defaults.
func newSessionOptions(device string) (*ort.SessionOptions, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("onnx session options: %w", err)
	}
	if device != DeviceCUDA {
		return opts, nil
	}

	cuda, err := ort.NewCUDAProviderOptions()
	if err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("onnx cuda provider options: %w", err)
	}
	defer cuda.Destroy()
	if err := cuda.Update(map[string]string{"device_id": "0"}); err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("onnx cuda provider update: %w", err)
	}
	if err := opts.AppendExecutionProviderCUDA(cuda); err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("onnx append cuda provider: %w", err)
	}
	return opts, nil
}

// onnxModel owns one session with bound input and output tensors. The bound
// tensors are shared, so Run is serialized.
type onnxModel struct {
	mu         sync.Mutex
	session    *ort.AdvancedSession
	inputs     []*ort.Tensor[float32]
	inputSizes []int
	output     *ort.Tensor[float32]
	closed     bool
}

func openModel(path string, opts *ort.SessionOptions) (*onnxModel, error) {
	inputInfo, outputInfo, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("onnx get input/output info: %w", err)
	}
	if len(inputInfo) == 0 || len(outputInfo) == 0 {
		return nil, errors.New("onnx model has no inputs or outputs")
	}

	m := &onnxModel{}
	inputNames := make([]string, 0, len(inputInfo))
	for _, info := range inputInfo {
		size, err := imageInputSize(info.Dimensions)
		if err != nil {
			m.destroy()
			return nil, fmt.Errorf("input %q: %w", info.Name, err)
		}
		t, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(size), int64(size)))
		if err != nil {
			m.destroy()
			return nil, fmt.Errorf("onnx new input tensor: %w", err)
		}
		m.inputs = append(m.inputs, t)
		m.inputSizes = append(m.inputSizes, size)
		inputNames = append(inputNames, info.Name)
	}

	outShape := concreteShape(outputInfo[0].Dimensions)
	if outShape.FlattenedSize() != NumClasses {
		m.destroy()
		return nil, fmt.Errorf("output %q has shape %v, want %d classes", outputInfo[0].Name, outShape, NumClasses)
	}
	m.output, err = ort.NewEmptyTensor[float32](outShape)
	if err != nil {
		m.destroy()
		return nil, fmt.Errorf("onnx new output tensor: %w", err)
	}

	m.session, err = ort.NewAdvancedSession(path, inputNames, []string{outputInfo[0].Name},
		sessionTensors(m.inputs...), sessionTensors(m.output), opts)
	if err != nil {
		m.destroy()
		return nil, fmt.Errorf("onnx new session: %w", err)
	}
	return m, nil
}

// run binds each provided tensor to the input of matching spatial size and
// returns softmaxed output.
func (m *onnxModel) run(ctx context.Context, provided ...tensor.Tensor) (Probabilities, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrUnavailable
	}

	ordered, err := bindOrder(m.inputSizes, provided)
	if err != nil {
		return nil, err
	}

	for i, t := range ordered {
		dst := m.inputs[i].GetData()
		if len(dst) != len(t.Data) {
			return nil, fmt.Errorf("input %d expects %d values, got %d", i, len(dst), len(t.Data))
		}
		copy(dst, t.Data)
	}
	if err := m.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	logits := append([]float32(nil), m.output.GetData()...)
	return Softmax(logits), nil
}

func (m *onnxModel) destroy() {
	if m.session != nil {
		m.session.Destroy()
	}
	for _, t := range m.inputs {
		t.Destroy()
	}
	if m.output != nil {
		m.output.Destroy()
	}
}

// Close releases the session. Later runs report ErrUnavailable.
func (m *onnxModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.destroy()
	m.session, m.inputs, m.output = nil, nil, nil
	return nil
}

// sessionTensors widens typed tensors to what NewAdvancedSession binds.
func sessionTensors(ts ...*ort.Tensor[float32]) []ort.ArbitraryTensor {
	out := make([]ort.ArbitraryTensor, len(ts))
	for i, t := range ts {
		out[i] = t
	}
	return out
}

// bindOrder arranges provided tensors in model input order by size.
func bindOrder(inputSizes []int, provided []tensor.Tensor) ([]tensor.Tensor, error) {
	if len(provided) != len(inputSizes) {
		return nil, fmt.Errorf("model takes %d inputs, got %d", len(inputSizes), len(provided))
	}
	out := make([]tensor.Tensor, len(inputSizes))
	used := make([]bool, len(provided))
	for i, size := range inputSizes {
		found := false
		for j, t := range provided {
			if !used[j] && t.Size == size {
				out[i], used[j], found = t, true, true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("no %dx%d tensor for input %d", size, size, i)
		}
	}
	return out, nil
}

// imageInputSize reads the spatial size of an NCHW square image input.
func imageInputSize(dims ort.Shape) (int, error) {
	if len(dims) != 4 {
		return 0, fmt.Errorf("expected NCHW input, got shape %v", dims)
	}
	if dims[1] != 3 {
		return 0, fmt.Errorf("expected 3 channels, got shape %v", dims)
	}
	if dims[2] <= 0 || dims[2] != dims[3] {
		return 0, fmt.Errorf("expected fixed square input, got shape %v", dims)
	}
	return int(dims[2]), nil
}

// concreteShape pins dynamic dimensions (batch) to 1.
func concreteShape(dims ort.Shape) ort.Shape {
	out := make(ort.Shape, len(dims))
	for i, d := range dims {
		if d <= 0 {
			d = 1
		}
		out[i] = d
	}
	return out
}

type onnxFilter struct {
	model *onnxModel
}

func (f *onnxFilter) ScoreFilter(ctx context.Context, input tensor.Tensor) (Probabilities, error) {
	return f.model.run(ctx, input)
}

func (f *onnxFilter) Close() error {
	return f.model.Close()
}

type onnxFusion struct {
	model *onnxModel
}

func (f *onnxFusion) ScoreFusion(ctx context.Context, small, large tensor.Tensor) (Probabilities, error) {
	return f.model.run(ctx, small, large)
}

func (f *onnxFusion) Close() error {
	return f.model.Close()
}
