package ocr

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/hubenschmidt/go-docqa/config"
	"github.com/hubenschmidt/go-docqa/core"
	"github.com/hubenschmidt/go-docqa/llm"
)

type fakeVision struct {
	gotModel string
	gotMIME  string
	text     string
	err      error
}

func (f *fakeVision) ReadImage(_ context.Context, model core.ModelConfig, _ string, _ []byte, mimeType string) (*llm.LLMResponse, error) {
	f.gotModel = model.Name
	f.gotMIME = mimeType
	if f.err != nil {
		return nil, f.err
	}
	return &llm.LLMResponse{Content: f.text}, nil
}

func TestVisionEngine(t *testing.T) {
	fv := &fakeVision{text: "  Invoice 42\n\nTotal: 10  "}
	eng := NewVisionEngine(fv, "gpt-4o")

	text, err := eng.Recognize(context.Background(), []byte("img"), "")
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if text != "Invoice 42\n\nTotal: 10" {
		t.Errorf("text = %q", text)
	}
	if fv.gotModel != "gpt-4o" || fv.gotMIME != "image/png" {
		t.Errorf("model = %q mime = %q", fv.gotModel, fv.gotMIME)
	}
	if eng.Name() != "vision:gpt-4o" {
		t.Errorf("name = %q", eng.Name())
	}
}

func TestVisionEngineError(t *testing.T) {
	eng := NewVisionEngine(&fakeVision{err: core.ErrLLMRequest}, "m")
	if _, err := eng.Recognize(context.Background(), nil, "image/jpeg"); !errors.Is(err, core.ErrLLMRequest) {
		t.Errorf("err = %v", err)
	}
}

func TestTesseractArgs(t *testing.T) {
	eng := &TesseractEngine{path: "tesseract", languages: []string{"eng", "fra"}}
	want := []string{"stdin", "stdout", "-l", "eng+fra"}
	if got := eng.args(); !reflect.DeepEqual(got, want) {
		t.Errorf("args = %v, want %v", got, want)
	}
}

func TestNew(t *testing.T) {
	eng, err := New(config.OCRConfig{Backend: "none"}, nil, "")
	if err != nil || eng != nil {
		t.Errorf("none backend = %v, %v", eng, err)
	}

	if _, err := New(config.OCRConfig{Backend: "vision"}, nil, "m"); !errors.Is(err, core.ErrOCRUnavailable) {
		t.Errorf("vision without client err = %v", err)
	}

	eng, err = New(config.OCRConfig{Backend: "vision"}, &fakeVision{}, "m")
	if err != nil {
		t.Fatalf("vision: %v", err)
	}
	if _, ok := eng.(*VisionEngine); !ok {
		t.Errorf("engine type = %T", eng)
	}

	if _, err := New(config.OCRConfig{Backend: "tesseract", TesseractPath: "/nonexistent/tesseract"}, nil, ""); !errors.Is(err, core.ErrOCRUnavailable) {
		t.Errorf("missing tesseract err = %v", err)
	}
}
