package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-yaml"
)

// Handler loads the yaml config file and keeps the parsed copy around.
type Handler struct {
	path string

	mu   sync.Mutex
	conf *Root
}

func NewHandler(path string) *Handler {
	return &Handler{path: path}
}

func (h *Handler) Path() string {
	return h.path
}

// Get returns the cached config, loading it from disk on first use.
func (h *Handler) Get() (*Root, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conf != nil {
		return h.conf, nil
	}
	return h.reload()
}

// Reload re-reads the file, replacing the cached copy.
func (h *Handler) Reload() (*Root, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reload()
}

func (h *Handler) reload() (*Root, error) {
	b, err := os.ReadFile(h.path)
	if err != nil {
		return nil, fmt.Errorf("error reading configuration file: %w", err)
	}

	conf := &Root{}
	if err := yaml.Unmarshal(b, conf); err != nil {
		return nil, fmt.Errorf("error parsing configuration file: %w", err)
	}

	h.conf = AddDefaults(conf)
	return h.conf, nil
}

// Set persists the given config to disk and makes it the cached copy.
func (h *Handler) Set(conf *Root) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, err := yaml.Marshal(conf)
	if err != nil {
		return fmt.Errorf("error encoding configuration: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(h.path), 0744); err != nil {
		return fmt.Errorf("error creating configuration folder: %w", err)
	}

	if err := os.WriteFile(h.path, b, 0644); err != nil {
		return fmt.Errorf("error writing configuration file: %w", err)
	}

	h.conf = conf
	return nil
}
