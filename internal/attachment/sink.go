// Package attachment persists VOICE and FILE bodies received by a client.
package attachment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ReceivedPrefix is prepended to every attachment written to disk.
const ReceivedPrefix = "received_"

// Sink stores an attachment body and returns where it ended up.
type Sink interface {
	Persist(ctx context.Context, filename string, body []byte) (string, error)
}

// DiskSink writes attachments into a local directory.
type DiskSink struct {
	dir string
}

// NewDiskSink creates dir if needed and returns a sink writing into it.
func NewDiskSink(dir string) (*DiskSink, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	return &DiskSink{dir: dir}, nil
}

// Persist writes body to <dir>/received_<base of filename>, replacing any
// earlier file of the same name.
func (s *DiskSink) Persist(ctx context.Context, filename string, body []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, ReceivedPrefix+baseName(filename))
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write attachment: %w", err)
	}
	return path, nil
}

// baseName strips any directory a peer put in the filename so attachments
// cannot escape the sink's directory.
func baseName(filename string) string {
	name := filepath.Base(strings.ReplaceAll(filename, `\`, "/"))
	switch name {
	case ".", "..", "/", "":
		return "file.bin"
	}
	return name
}
