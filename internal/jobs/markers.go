package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Marker tokens written by the generation programs on stdout.
const (
	JSONStartMarker = "___JSON_START___"
	JSONEndMarker   = "___JSON_END___"
	PDFMarker       = "___PDF_GENERATED___:"
)

var (
	// ErrNoMarker means the expected marker never appeared on stdout.
	ErrNoMarker = errors.New("jobs: marker not found")
	// ErrMalformedMarker means a marker appeared but its payload is unusable.
	ErrMalformedMarker = errors.New("jobs: malformed marker")
)

// ExtractJSONBlock returns the JSON text between the start and end markers.
// When several blocks are present the last complete one wins.
func ExtractJSONBlock(stdout string) (json.RawMessage, error) {
	start := strings.LastIndex(stdout, JSONStartMarker)
	if start < 0 {
		return nil, ErrNoMarker
	}
	body := stdout[start+len(JSONStartMarker):]
	end := strings.Index(body, JSONEndMarker)
	if end < 0 {
		return nil, fmt.Errorf("%w: %s without %s", ErrMalformedMarker, JSONStartMarker, JSONEndMarker)
	}
	payload := strings.TrimSpace(body[:end])
	if payload == "" || !json.Valid([]byte(payload)) {
		return nil, fmt.Errorf("%w: invalid JSON between markers", ErrMalformedMarker)
	}
	return json.RawMessage(payload), nil
}

// ExtractPathMarker returns the path from the last ___PDF_GENERATED___ line.
func ExtractPathMarker(stdout string) (string, error) {
	var path string
	found := false
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, PDFMarker); ok {
			path = strings.TrimSpace(rest)
			found = true
		}
	}
	if !found {
		return "", ErrNoMarker
	}
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrMalformedMarker)
	}
	return path, nil
}
