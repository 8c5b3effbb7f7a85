package positions

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// This file contains the JSONL codec for the canonical record types. One
// record per line keeps the files human-readable, diffable, and appendable.

// DecodeJSONL reads records of type T from a JSONL stream. Empty lines are
// skipped; a malformed line fails the whole decode with its line number.
func DecodeJSONL[T any](r io.Reader) ([]T, error) {
	var out []T
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	i := 0
	for scanner.Scan() {
		i++
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var rec T
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("parse error on line %d: %w", i, err)
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading from input: %w", err)
	}
	return out, nil
}

// EncodeJSONL writes records as one JSON object per line.
func EncodeJSONL[T any](w io.Writer, records []T) error {
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("cannot marshal record: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("cannot write record: %w", err)
		}
	}
	return nil
}
