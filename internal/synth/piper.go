package synth

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/palemoky/xiaomi-speaker/pkg/logx"
)

// PiperEngine shells out to the piper TTS binary. Text goes in on stdin and
// a complete WAV file comes back on stdout.
type PiperEngine struct {
	bin      string
	modelDir string
	params   VoiceParams
	timeout  time.Duration
	log      logx.Logger
}

func NewPiperEngine(bin, modelDir string, params VoiceParams, timeout time.Duration, log logx.Logger) *PiperEngine {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PiperEngine{bin: bin, modelDir: modelDir, params: params, timeout: timeout, log: log}
}

func (e *PiperEngine) ID() string { return "piper" }

func (e *PiperEngine) Params() VoiceParams { return e.params }

func (e *PiperEngine) modelPath() string {
	return filepath.Join(e.modelDir, e.params.Voice+".onnx")
}

func (e *PiperEngine) Synthesize(ctx context.Context, text string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	args := []string{
		"--model", e.modelPath(),
		"--output_file", "-",
	}
	if e.params.Speaker > 0 {
		args = append(args, "--speaker", strconv.Itoa(e.params.Speaker))
	}
	if e.params.LengthScale > 0 {
		args = append(args, "--length_scale", strconv.FormatFloat(e.params.LengthScale, 'f', -1, 64))
	}

	cmd := exec.CommandContext(ctx, e.bin, args...)
	cmd.Stdin = bytes.NewBufferString(text)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("piper: %w", ctx.Err())
		}
		return nil, fmt.Errorf("piper %s: %w (%s)", e.params.Voice, err, bytes.TrimSpace(stderr.Bytes()))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("piper %s: empty output", e.params.Voice)
	}
	e.log.Debug("piper synthesized",
		logx.String("voice", e.params.Voice),
		logx.Int("bytes", stdout.Len()),
		logx.Duration("took", time.Since(start)))
	return stdout.Bytes(), nil
}
