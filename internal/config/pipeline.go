package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"labrecorder/internal/recorder"
	"labrecorder/internal/sink"
	"labrecorder/internal/source"
)

// DefaultInterval is used for sources that do not set one.
const DefaultInterval = time.Second

// Pipeline is the declarative description of what to record.
type Pipeline struct {
	Writer  *sink.Config `yaml:"writer,omitempty"`
	Sources []SourceSpec `yaml:"sources,omitempty"`
}

// SourceSpec is one source entry of the pipeline file.
type SourceSpec struct {
	Address     string            `yaml:"address"`
	Interval    time.Duration     `yaml:"interval,omitempty"`
	Measurement string            `yaml:"measurement"`
	Tags        map[string]string `yaml:"tags,omitempty"`
	Fields      []string          `yaml:"fields,omitempty"`
}

// LoadPipeline reads, defaults, and validates a pipeline file.
func LoadPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from settings
	if err != nil {
		return nil, err
	}
	p, err := ParsePipeline(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// ParsePipeline parses pipeline YAML. Unknown keys are rejected.
func ParsePipeline(data []byte) (*Pipeline, error) {
	var p Pipeline
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	ApplyDefaults(&p)
	if err := Validate(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SavePipeline writes p as YAML.
func SavePipeline(path string, p *Pipeline) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o640) //nolint:gosec // G306: pipeline files may be shared with operators
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(p *Pipeline) {
	for i := range p.Sources {
		if p.Sources[i].Interval == 0 {
			p.Sources[i].Interval = DefaultInterval
		}
	}
}

// Validate checks every source and the writer kind. Addresses must be
// unique.
func Validate(p *Pipeline) error {
	if p.Writer != nil && p.Writer.Kind == "" {
		return fmt.Errorf("%w: writer.kind is required", ErrInvalid)
	}
	seen := make(map[source.ID]bool, len(p.Sources))
	for i, s := range p.Sources {
		req, err := s.AttachRequest()
		if err != nil {
			return fmt.Errorf("%w: sources[%d]: %w", ErrInvalid, i, err)
		}
		if seen[req.Source] {
			return fmt.Errorf("%w: sources[%d]: duplicate address %s", ErrInvalid, i, req.Source)
		}
		seen[req.Source] = true
	}
	return nil
}

// AttachRequest converts the pipeline entry into a recorder request.
func (s SourceSpec) AttachRequest() (recorder.AttachRequest, error) {
	id, err := source.ParseID(s.Address)
	if err != nil {
		return recorder.AttachRequest{}, err
	}
	if s.Interval <= 0 {
		return recorder.AttachRequest{}, fmt.Errorf("interval must be positive, got %s", s.Interval)
	}
	if s.Measurement == "" {
		return recorder.AttachRequest{}, errors.New("measurement is required")
	}
	return recorder.AttachRequest{
		Source:      id,
		Interval:    s.Interval,
		Measurement: s.Measurement,
		Tags:        s.Tags,
		Fields:      s.Fields,
	}, nil
}

// AttachRequests converts every source. The pipeline must be valid.
func (p *Pipeline) AttachRequests() []recorder.AttachRequest {
	out := make([]recorder.AttachRequest, 0, len(p.Sources))
	for _, s := range p.Sources {
		if req, err := s.AttachRequest(); err == nil {
			out = append(out, req)
		}
	}
	return out
}
