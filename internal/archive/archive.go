package archive

import (
	"context"
	"fmt"

	"github.com/factoryos/auditledger/internal/audit"
)

// Archive types.
const (
	TypeNone = ""
	TypeFile = "file"
	TypeS3   = "s3"
)

// Options selects and configures an archive backend.
type Options struct {
	Type string
	Dir  string
	S3   S3Options
}

// Open returns the configured archive, or nil when archiving is disabled.
func Open(ctx context.Context, opts Options) (audit.Archive, error) {
	switch opts.Type {
	case TypeNone, "none":
		return nil, nil
	case TypeFile:
		f, err := NewFile(opts.Dir)
		if err != nil {
			return nil, err
		}
		return f, nil
	case TypeS3:
		s, err := NewS3(ctx, opts.S3)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown archive type %q (use file or s3)", opts.Type)
	}
}
