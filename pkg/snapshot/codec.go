package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format is a snapshot encoding.
type Format string

const (
	// FormatJSON is the native, authoritative encoding.
	FormatJSON Format = "json"
	// FormatYAML carries the same shape as JSON.
	FormatYAML Format = "yaml"
	// FormatXML is the interchange encoding; types are recovered from the section catalogue.
	FormatXML Format = "xml"
)

// ParseFormat resolves a format name. The empty string selects JSON.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	case "xml":
		return FormatXML, nil
	}
	return "", fmt.Errorf("unknown snapshot format %q", name)
}

// FormatFromPath picks a format from a file extension, defaulting to JSON.
func FormatFromPath(path string) Format {
	f, err := ParseFormat(strings.TrimPrefix(filepath.Ext(path), "."))
	if err != nil {
		return FormatJSON
	}
	return f
}

// Ext returns the file extension for the format, without the dot.
func (f Format) Ext() string {
	return string(f)
}

// ContentType returns the MIME type of the format.
func (f Format) ContentType() string {
	switch f {
	case FormatYAML:
		return "application/yaml"
	case FormatXML:
		return "application/xml"
	default:
		return "application/json"
	}
}

// Encode writes s to w in the given format.
func Encode(w io.Writer, s *Snapshot, f Format) error {
	switch f {
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			return err
		}
		return enc.Close()
	case FormatXML:
		return encodeXML(w, s)
	}
	return fmt.Errorf("unknown snapshot format %q", f)
}

// Decode reads a snapshot in the given format. Parse failures wrap ErrFormat.
// Decode does not check the version; see Snapshot.Check.
func Decode(r io.Reader, f Format) (*Snapshot, error) {
	var s *Snapshot
	switch f {
	case FormatJSON, "":
		s = &Snapshot{}
		if err := json.NewDecoder(r).Decode(s); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFormat, err)
		}
	case FormatYAML:
		s = &Snapshot{}
		if err := yaml.NewDecoder(r).Decode(s); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFormat, err)
		}
	case FormatXML:
		var err error
		if s, err = decodeXML(r); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown snapshot format %q", f)
	}
	s.coerce()
	return s, nil
}

// Marshal encodes s into a byte slice.
func Marshal(s *Snapshot, f Format) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, s, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a snapshot from a byte slice.
func Unmarshal(data []byte, f Format) (*Snapshot, error) {
	return Decode(bytes.NewReader(data), f)
}
