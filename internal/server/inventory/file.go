package inventory

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileSource reads a YAML key listing:
//
//	accepted:
//	  - node1.example.net
//	pending:
//	  - node2.example.net
//	rejected: []
//
// Only accepted hosts join the fleet. The file is re-read on every call.
type FileSource struct {
	path      string
	registrar Registrar
}

type keyListing struct {
	Accepted []string `yaml:"accepted"`
	Pending  []string `yaml:"pending"`
	Rejected []string `yaml:"rejected"`
}

// NewFileSource returns a source backed by the YAML file at path.
func NewFileSource(path string, registrar Registrar) *FileSource {
	return &FileSource{path: path, registrar: registrar}
}

var _ Source = (*FileSource)(nil)

func (s *FileSource) Name() string {
	return "file:" + s.path
}

func (s *FileSource) AcceptedHosts(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read inventory file: %w", err)
	}
	var listing keyListing
	if err := yaml.Unmarshal(data, &listing); err != nil {
		return nil, fmt.Errorf("parse inventory file %s: %w", s.path, err)
	}
	return normalize(listing.Accepted), nil
}

func (s *FileSource) ImportHosts(ctx context.Context, hosts []string) error {
	return importHosts(ctx, s.registrar, s.Name(), hosts)
}
