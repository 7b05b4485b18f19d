package ocr

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// TesseractEngine recognizes text using a local Tesseract installation via
// gosseract. A fresh client is created per call; the library is not safe
// for concurrent use of a single client.
type TesseractEngine struct {
	clientFactory func() *gosseract.Client
}

// NewTesseractEngine constructs a Tesseract-backed engine.
func NewTesseractEngine() *TesseractEngine {
	return &TesseractEngine{clientFactory: gosseract.NewClient}
}

func (e *TesseractEngine) Name() string { return "tesseract" }

// Recognize runs Tesseract over one page image. The context deadline is
// honored by running recognition in a goroutine; Tesseract itself has no
// cancellation hook.
func (e *TesseractEngine) Recognize(ctx context.Context, in Input) (Result, error) {
	type outcome struct {
		text string
		err  error
	}
	ch := make(chan outcome, 1)

	go func() {
		text, err := e.recognize(in)
		ch <- outcome{text: text, err: err}
	}()

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case out := <-ch:
		if out.err != nil {
			return Result{}, out.err
		}
		return Result{Text: out.text}, nil
	}
}

func (e *TesseractEngine) recognize(in Input) (string, error) {
	c := e.clientFactory()
	defer c.Close()

	if err := c.SetImage(in.ImagePath); err != nil {
		return "", fmt.Errorf("set image: %w", err)
	}
	if in.Language != "" {
		if err := c.SetLanguage(in.Language); err != nil {
			return "", fmt.Errorf("set language: %w", err)
		}
	}
	if in.PageSegMode >= 0 {
		if err := c.SetPageSegMode(gosseract.PageSegMode(in.PageSegMode)); err != nil {
			return "", fmt.Errorf("set page seg mode: %w", err)
		}
	}
	for k, v := range in.Variables {
		if err := c.SetVariable(gosseract.SettableVariable(k), v); err != nil {
			return "", fmt.Errorf("set variable %s: %w", k, err)
		}
	}

	text, err := c.Text()
	if err != nil {
		return "", fmt.Errorf("recognize text: %w", err)
	}
	return strings.TrimSpace(text), nil
}
