// Package ocr recognizes text in scanned pages and images.
package ocr

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/hubenschmidt/go-docqa/config"
	"github.com/hubenschmidt/go-docqa/core"
	"github.com/hubenschmidt/go-docqa/llm"
)

// Engine turns an image into plain text.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, image []byte, mimeType string) (string, error)
}

const visionPrompt = "Transcribe all text in this image exactly as written. " +
	"Keep paragraph breaks as blank lines. Output only the transcription."

// VisionEngine reads images with a multimodal LLM.
type VisionEngine struct {
	client llm.VisionClient
	model  core.ModelConfig
}

func NewVisionEngine(client llm.VisionClient, model string) *VisionEngine {
	return &VisionEngine{
		client: client,
		model:  core.ModelConfig{Name: model, MaxTokens: 4096},
	}
}

func (v *VisionEngine) Name() string { return "vision:" + v.model.Name }

func (v *VisionEngine) Recognize(ctx context.Context, image []byte, mimeType string) (string, error) {
	if mimeType == "" {
		mimeType = "image/png"
	}
	resp, err := v.client.ReadImage(ctx, v.model, visionPrompt, image, mimeType)
	if err != nil {
		return "", fmt.Errorf("vision ocr: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// TesseractEngine shells out to the tesseract CLI, piping the image on
// stdin and reading text from stdout.
type TesseractEngine struct {
	path      string
	languages []string
}

// NewTesseractEngine fails when the binary cannot be found.
func NewTesseractEngine(path string, languages []string) (*TesseractEngine, error) {
	if path == "" {
		path = "tesseract"
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("%w: tesseract not found: %v", core.ErrOCRUnavailable, err)
	}
	return &TesseractEngine{path: resolved, languages: languages}, nil
}

func (t *TesseractEngine) Name() string { return "tesseract" }

func (t *TesseractEngine) Recognize(ctx context.Context, image []byte, _ string) (string, error) {
	cmd := exec.CommandContext(ctx, t.path, t.args()...)
	cmd.Stdin = bytes.NewReader(image)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("tesseract: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (t *TesseractEngine) args() []string {
	args := []string{"stdin", "stdout"}
	if len(t.languages) > 0 {
		args = append(args, "-l", strings.Join(t.languages, "+"))
	}
	return args
}

// New builds the engine selected by cfg.Backend. The "none" backend
// returns a nil Engine.
func New(cfg config.OCRConfig, vision llm.VisionClient, visionModel string) (Engine, error) {
	switch cfg.Backend {
	case "none", "":
		return nil, nil
	case "tesseract":
		eng, err := NewTesseractEngine(cfg.TesseractPath, cfg.Languages)
		if err != nil {
			return nil, err
		}
		return eng, nil
	case "vision":
		if vision == nil {
			return nil, fmt.Errorf("%w: vision backend needs an LLM client", core.ErrOCRUnavailable)
		}
		return NewVisionEngine(vision, visionModel), nil
	default:
		return nil, fmt.Errorf("%w: unknown ocr backend %q", core.ErrInvalidConfig, cfg.Backend)
	}
}
