package output

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/thoscut/ocrflow/internal/config"
)

// Document is a finished text document ready for export.
type Document struct {
	Filename string
	Title    string
	Reader   io.Reader
	Size     int64
}

// Handler is the interface for all export targets.
type Handler interface {
	Name() string
	Send(ctx context.Context, doc *Document) error
	Available() bool
}

// Target describes a configured export target.
type Target struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Enabled   bool   `json:"enabled"`
	Available bool   `json:"available"`
}

// Manager routes documents to the appropriate export handler.
type Manager struct {
	handlers map[string]Handler
}

// NewManager creates an export manager from the server configuration.
func NewManager(cfg config.OutputConfig) *Manager {
	m := &Manager{
		handlers: make(map[string]Handler),
	}

	if cfg.SMB.Enabled {
		m.handlers["smb"] = NewSMBHandler(cfg.SMB)
	}

	// Filesystem is always available
	m.handlers["filesystem"] = NewFilesystemHandler(cfg.Filesystem.Directory)

	slog.Info("export handlers initialized", "count", len(m.handlers))
	return m
}

// Send routes a document to the specified export target.
func (m *Manager) Send(ctx context.Context, target string, doc *Document) error {
	handler, ok := m.handlers[target]
	if !ok {
		return fmt.Errorf("unknown export target: %s", target)
	}

	slog.Info("exporting document",
		"target", target,
		"filename", doc.Filename,
		"size", doc.Size)

	if err := handler.Send(ctx, doc); err != nil {
		return fmt.Errorf("export %s: %w", target, err)
	}

	slog.Info("document exported", "target", target)
	return nil
}

// ListTargets returns all configured export targets.
func (m *Manager) ListTargets() []Target {
	targets := make([]Target, 0, len(m.handlers))
	for name, h := range m.handlers {
		targets = append(targets, Target{
			Name:      name,
			Type:      name,
			Enabled:   true,
			Available: h.Available(),
		})
	}
	return targets
}
