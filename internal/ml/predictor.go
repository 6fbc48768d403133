// Package ml runs the direction classifier. Inference happens in a Python
// subprocess speaking JSON over stdin/stdout, so the ONNX runtime stays out
// of the Go process.
package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"predix-engine/internal/features"
	"predix-engine/internal/prediction"
)

// ErrModelNotReady signals that no usable model is loaded. The cycle skips,
// it never falls back to a synthetic prediction.
var ErrModelNotReady = errors.New("ml: model not ready")

// MetricsInterface defines the metrics methods the predictor reports to.
type MetricsInterface interface {
	ClassifierLatencyObserve(float64)
	ModelAgeSet(float64)
}

type Predictor struct {
	modelPath  string
	pythonPath string
	scriptPath string
	timeout    time.Duration
	version    string
	metrics    MetricsInterface

	mu        sync.RWMutex
	available bool
}

type inferenceRequest struct {
	Features [][]float64 `json:"features"`
	Shape    [2]int      `json:"shape"`
}

type inferenceResponse struct {
	Probabilities []float64 `json:"probabilities"`
	Prediction    int       `json:"prediction"`
	Error         string    `json:"error,omitempty"`
}

func New(modelPath string, metrics MetricsInterface, timeout time.Duration) (*Predictor, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	p := &Predictor{
		modelPath: modelPath,
		timeout:   timeout,
		version:   "v1.0_unloaded",
		metrics:   metrics,
	}

	info, err := os.Stat(modelPath)
	if err != nil {
		log.Warn().Err(err).Str("model_path", modelPath).Msg("model file not found, classifier disabled")
		return p, nil
	}
	p.version = fmt.Sprintf("v1.0_%s", info.ModTime().UTC().Format("20060102150405"))
	if metrics != nil {
		metrics.ModelAgeSet(time.Since(info.ModTime()).Seconds())
	}

	pythonPath, err := findPython()
	if err != nil {
		log.Warn().Err(err).Msg("no usable Python found, classifier disabled")
		return p, nil
	}
	p.pythonPath = pythonPath

	scriptPath := filepath.Join(filepath.Dir(modelPath), "onnx_inference.py")
	if _, err := os.Stat(scriptPath); os.IsNotExist(err) {
		scriptPath = filepath.Join(filepath.Dir(modelPath), "onnx_inference_embedded.py")
		if err := writeInferenceScript(scriptPath); err != nil {
			log.Warn().Err(err).Msg("could not write inference script, classifier disabled")
			return p, nil
		}
	}
	p.scriptPath = scriptPath
	p.available = true

	log.Info().
		Str("model_path", modelPath).
		Str("model_version", p.version).
		Str("python_path", pythonPath).
		Msg("classifier loaded")
	return p, nil
}

// ModelVersion identifies the loaded model build. Recorded on every
// prediction so outcomes can be attributed to the model that made them.
func (p *Predictor) ModelVersion() string { return p.version }

// Ready reports whether inference can be attempted.
func (p *Predictor) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.available
}

// Predict classifies a feature window and returns the direction with the
// winning class probability.
func (p *Predictor) Predict(ctx context.Context, w features.Window) (prediction.Direction, float64, error) {
	if p == nil || !p.Ready() {
		return 0, 0, ErrModelNotReady
	}

	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.ClassifierLatencyObserve(time.Since(start).Seconds())
		}
	}()

	rows := make([][]float64, w.Rows())
	for r := 0; r < w.Rows(); r++ {
		rows[r] = w.Row(r)
	}
	reqJSON, err := json.Marshal(inferenceRequest{
		Features: rows,
		Shape:    [2]int{w.Rows(), w.Cols()},
	})
	if err != nil {
		return 0, 0, fmt.Errorf("marshal inference request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.pythonPath, p.scriptPath, p.modelPath)
	cmd.Stdin = bytes.NewReader(reqJSON)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return 0, 0, fmt.Errorf("inference timeout after %v", p.timeout)
		}
		if strings.Contains(stderr.String(), "onnxruntime not installed") {
			p.mu.Lock()
			p.available = false
			p.mu.Unlock()
			return 0, 0, fmt.Errorf("%w: onnxruntime missing", ErrModelNotReady)
		}
		return 0, 0, fmt.Errorf("inference subprocess failed: %w, stderr: %s", err, stderr.String())
	}

	return parseResponse(stdout.Bytes())
}

// parseResponse decodes the subprocess output into a direction and the
// winning class probability.
func parseResponse(out []byte) (prediction.Direction, float64, error) {
	var resp inferenceResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return 0, 0, fmt.Errorf("parse inference response: %w, stdout: %s", err, string(out))
	}
	if resp.Error != "" {
		return 0, 0, fmt.Errorf("inference error: %s", resp.Error)
	}
	if len(resp.Probabilities) != 2 {
		return 0, 0, fmt.Errorf("expected 2 probabilities, got %d", len(resp.Probabilities))
	}
	for i, prob := range resp.Probabilities {
		if prob < 0 || prob > 1 || prob != prob {
			return 0, 0, fmt.Errorf("invalid probability %d: %f", i, prob)
		}
	}

	dir := prediction.Up
	conf := resp.Probabilities[0]
	if resp.Probabilities[1] > resp.Probabilities[0] {
		dir = prediction.Down
		conf = resp.Probabilities[1]
	}
	return dir, conf, nil
}

func findPython() (string, error) {
	if venv := os.Getenv("VIRTUAL_ENV"); venv != "" {
		for _, candidate := range []string{
			filepath.Join(venv, "bin", "python3"),
			filepath.Join(venv, "bin", "python"),
		} {
			if hasOnnxRuntime(candidate) {
				return candidate, nil
			}
		}
	}
	for _, candidate := range []string{"python3", "python"} {
		path, err := exec.LookPath(candidate)
		if err != nil {
			continue
		}
		if hasOnnxRuntime(path) {
			return path, nil
		}
	}
	return "", fmt.Errorf("no Python 3 with onnxruntime found")
}

func hasOnnxRuntime(path string) bool {
	cmd := exec.Command(path, "-c", "import sys, onnxruntime; print('Python', sys.version)")
	out, err := cmd.Output()
	return err == nil && strings.Contains(string(out), "Python 3")
}

func writeInferenceScript(scriptPath string) error {
	script := `#!/usr/bin/env python3
import sys
import json
import numpy as np

try:
    import onnxruntime as ort
except ImportError:
    print(json.dumps({"error": "onnxruntime not installed"}), file=sys.stderr)
    sys.exit(1)

def main():
    if len(sys.argv) != 2:
        print(json.dumps({"error": "usage: onnx_inference.py <model_path>"}))
        sys.exit(1)

    try:
        request = json.load(sys.stdin)
        window = np.array([request["features"]], dtype=np.float32)
        expected = tuple(request.get("shape", window.shape[1:]))
        if window.shape[1:] != expected:
            raise ValueError(f"window shape {window.shape[1:]} != declared {expected}")

        session = ort.InferenceSession(sys.argv[1])
        input_name = session.get_inputs()[0].name
        outputs = session.run(None, {input_name: window})

        if len(outputs) == 2:
            prediction = int(outputs[0][0])
            probabilities = outputs[1][0].tolist()
        else:
            output = outputs[0]
            if len(output.shape) > 1 and output.shape[-1] == 2:
                probabilities = output[0].tolist()
                prediction = int(np.argmax(probabilities))
            else:
                prediction = int(output[0] > 0.5)
                p = float(output[0]) if 0.0 <= output[0] <= 1.0 else 0.5
                probabilities = [1.0 - p, p]

        total = sum(probabilities)
        if abs(total - 1.0) > 0.01:
            probabilities = [p / total for p in probabilities]

        print(json.dumps({"probabilities": probabilities, "prediction": prediction}))
    except Exception as e:
        print(json.dumps({"error": str(e)}))
        sys.exit(1)

if __name__ == "__main__":
    main()
`
	return os.WriteFile(scriptPath, []byte(script), 0o755)
}
