package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	dm "github.com/andrej220/saltdispatch/pkg/shared-models"
)

type Serializer interface {
	Marshal(data any) ([]byte, error)
}

type JSONSerializer struct {
	Prefix, Indent string
}

func (s JSONSerializer) Marshal(data any) ([]byte, error) {
	return json.MarshalIndent(data, s.Prefix, s.Indent)
}

// FileSink writes each outcome to <Dir>/<exuid>.json.
type FileSink struct {
	Dir        string
	Serializer Serializer
}

func NewFileSink(dir string) *FileSink {
	return &FileSink{Dir: dir, Serializer: JSONSerializer{Indent: "    "}}
}

func (s *FileSink) Publish(_ context.Context, outcome dm.DispatchOutcome) error {
	data, err := s.Serializer.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	filename := filepath.Join(s.Dir, outcome.ExecutionUID.String()+".json")
	tmp := filename + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	return os.Rename(tmp, filename)
}
