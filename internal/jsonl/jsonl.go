// Package jsonl moves collection documents in and out of JSON Lines files,
// one document per line.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/offlinekit/offsync/cache"
	"github.com/offlinekit/offsync/query"
)

// Read parses a JSONL file. Numbers are kept as json.Number so integer
// values survive a round trip unchanged.
func Read(path string) ([]cache.Document, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()
	return Decode(file)
}

// Decode parses JSONL from r.
func Decode(r io.Reader) ([]cache.Document, error) {
	dec := json.NewDecoder(bufio.NewReader(r))
	dec.UseNumber()

	var docs []cache.Document
	for line := 1; ; line++ {
		var doc cache.Document
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", line, err)
		}
		if doc == nil {
			return nil, fmt.Errorf("invalid JSON at line %d: not an object", line)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Write writes docs to path atomically via a temp file.
func Write(path string, docs []cache.Document) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tmpPath := path + ".tmp"
	file, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)
	for _, d := range docs {
		if err := enc.Encode(d); err != nil {
			file.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("failed to encode document %s: %w", d.EntityID(), err)
		}
	}
	if err := w.Flush(); err != nil {
		file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Export writes the cached documents matching q to path and returns how
// many were written.
func Export(ctx context.Context, c *cache.LocalCache[cache.Document], q query.Query, path string) (int, error) {
	docs, err := c.FindByQuery(ctx, q)
	if err != nil {
		return 0, err
	}
	if err := Write(path, docs); err != nil {
		return 0, err
	}
	return len(docs), nil
}

// ImportOptions controls Import.
type ImportOptions struct {
	DryRun bool // Parse and count without saving

	// RequireID rejects documents without an "_id" instead of letting
	// the save assign one.
	RequireID bool
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	Read     int
	Imported int
	Skipped  int
	Errors   []string
}

// SaveFunc stores one imported document.
type SaveFunc func(ctx context.Context, doc cache.Document) error

// Import reads path and hands every document to save. A document that
// fails is recorded in the result and the import moves on; only an
// unreadable file or a cancelled context aborts it.
func Import(ctx context.Context, path string, opts ImportOptions, save SaveFunc) (*ImportResult, error) {
	docs, err := Read(path)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{Read: len(docs)}
	for i, doc := range docs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if opts.RequireID && doc.EntityID() == "" {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: document has no _id", i+1))
			continue
		}
		if opts.DryRun {
			result.Imported++
			continue
		}
		if err := save(ctx, doc); err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", i+1, err))
			continue
		}
		result.Imported++
	}
	return result, nil
}
