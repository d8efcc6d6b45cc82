package opmon

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Facility receives published entries.
// Implementations wrap ErrPublishFailure when an entry cannot be delivered.
// Facilities holding resources also implement io.Closer.
type Facility interface {
	Publish(e Entry) error
}

// FacilityFunc adapts a function to the Facility interface
type FacilityFunc func(e Entry) error

// Publish implements Facility
func (f FacilityFunc) Publish(e Entry) error {
	return f(e)
}

// NullFacility discards every entry
type NullFacility struct{}

// Publish implements Facility
func (NullFacility) Publish(Entry) error {
	return nil
}

// JSONFacility writes one JSON document per entry
type JSONFacility struct {
	w      io.Writer
	closer io.Closer
	mutex  sync.Mutex
}

// NewJSONFacility writes entries to w. If w is an io.Closer, Close closes it.
func NewJSONFacility(w io.Writer) *JSONFacility {
	f := &JSONFacility{w: w}
	if c, ok := w.(io.Closer); ok && w != os.Stdout && w != os.Stderr {
		f.closer = c
	}
	return f
}

// OpenJSONFile appends entries to the file at path, creating it if needed
func OpenJSONFile(path string) (*JSONFacility, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open opmon file %s: %w", path, err)
	}
	return NewJSONFacility(file), nil
}

// Publish implements Facility
func (f *JSONFacility) Publish(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("%w: encode entry: %v", ErrPublishFailure, err)
	}
	data = append(data, '\n')

	f.mutex.Lock()
	defer f.mutex.Unlock()
	if _, err := f.w.Write(data); err != nil {
		return fmt.Errorf("%w: write entry: %v", ErrPublishFailure, err)
	}
	return nil
}

// Close closes the underlying writer when it owns one
func (f *JSONFacility) Close() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.closer == nil {
		return nil
	}
	err := f.closer.Close()
	f.closer = nil
	return err
}

// NewFacility builds the facility named by cfg.FacilityURI.
//
// Supported schemes:
//
//	""  or null://      NullFacility
//	stdout://           JSON lines on standard output
//	file://<path>       JSON lines appended to a file
//	sqlite://<path>     SQLite database
//	http:// https://    Prometheus remote write endpoint
func NewFacility(cfg Config) (Facility, error) {
	uri := strings.TrimSpace(cfg.FacilityURI)
	if uri == "" {
		return NullFacility{}, nil
	}

	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, uri)
	}

	switch strings.ToLower(scheme) {
	case "null":
		return NullFacility{}, nil
	case "stdout":
		return NewJSONFacility(os.Stdout), nil
	case "file":
		f, err := OpenJSONFile(rest)
		if err != nil {
			return nil, err
		}
		return f, nil
	case "sqlite":
		f, err := NewSQLiteFacility(rest, cfg.logger())
		if err != nil {
			return nil, err
		}
		return f, nil
	case "http", "https":
		rw := cfg
		rw.RemoteWriteURL = uri
		f, err := NewRemoteWriteFacility(rw)
		if err != nil {
			return nil, err
		}
		return f, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
}
