package persistence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aristath/autoqueue/internal/queue"
)

// Format is a snapshot file encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath picks the format from a file extension, defaulting to JSON.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatJSON
}

// ParseFormat accepts "json", "yaml" or "yml".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("unknown format %q", s)
}

// Encode writes snap to w. YAML output uses the same field names as JSON.
func Encode(w io.Writer, snap queue.Snapshot, f Format) error {
	if err := EncodeValue(w, snap, f); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return nil
}

// EncodeValue writes any JSON-tagged value to w in format f.
func EncodeValue(w io.Writer, v any, f Format) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if f == FormatYAML {
		if data, err = jsonToYAML(data); err != nil {
			return err
		}
	} else {
		data = append(data, '\n')
	}
	_, err = w.Write(data)
	return err
}

// Decode reads a snapshot written by Encode.
func Decode(r io.Reader, f Format) (queue.Snapshot, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return queue.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if f == FormatYAML {
		if data, err = yamlToJSON(data); err != nil {
			return queue.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
		}
	}
	var snap queue.Snapshot
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&snap); err != nil {
		return queue.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

// jsonToYAML re-encodes a JSON document as block-style YAML. Task fields only
// carry JSON names, so going through JSON keeps the two formats aligned.
func jsonToYAML(data []byte) ([]byte, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	plain(&node)
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// plain drops the flow and quoting styles JSON input brings with it. The
// encoder still quotes strings that would otherwise read as another type.
func plain(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		plain(c)
	}
}

func yamlToJSON(data []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
