package sqlstore

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/golang/snappy"
	"go.uber.org/zap"
)

// Format selects how a store is written to or read from a file.
type Format int

const (
	// FormatAuto picks the format from the filename suffix.
	FormatAuto Format = iota
	// FormatNative writes the SQLite database file itself.
	FormatNative
	// FormatDump writes the SQL script produced by DumpSQL.
	FormatDump
	// FormatGzip writes a gzip-compressed SQL script.
	FormatGzip
	// FormatSnappy writes a snappy-framed SQL script.
	FormatSnappy
)

func (f Format) String() string {
	switch f {
	case FormatAuto:
		return "auto"
	case FormatNative:
		return "native"
	case FormatDump:
		return "dump"
	case FormatGzip:
		return "gzip"
	case FormatSnappy:
		return "snappy"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// FormatForPath maps a filename to the format its suffix implies: ".gz" is
// a gzip-compressed dump, ".sz" a snappy-framed dump, anything else the
// native database file.
func FormatForPath(path string) Format {
	switch {
	case strings.HasSuffix(path, ".gz"):
		return FormatGzip
	case strings.HasSuffix(path, ".sz"):
		return FormatSnappy
	default:
		return FormatNative
	}
}

// WriteFile serializes the store to filename in the given format. With
// overwrite false an existing file is an error.
func (s *Store) WriteFile(ctx context.Context, filename string, format Format, overwrite bool) error {
	if format == FormatAuto {
		format = FormatForPath(filename)
	}

	if format == FormatNative {
		if _, err := os.Stat(filename); err == nil {
			if !overwrite {
				return fmt.Errorf("sqlstore: %s already exists", filename)
			}
			if err := os.Remove(filename); err != nil {
				return fmt.Errorf("sqlstore: failed to replace %s: %w", filename, err)
			}
		}
		// VACUUM INTO refuses to write over an existing file.
		if _, err := s.DB.ExecContext(ctx, `VACUUM INTO `+QuoteString(filename)); err != nil {
			return fmt.Errorf("sqlstore: failed to write %s: %w", filename, err)
		}
		s.log.Info("wrote store file", zap.String("path", filename), zap.Stringer("format", format))
		return nil
	}

	script, err := s.DumpSQL(ctx)
	if err != nil {
		return err
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}
	f, err := os.OpenFile(filename, flags, 0o644)
	if err != nil {
		return fmt.Errorf("sqlstore: failed to create %s: %w", filename, err)
	}

	switch format {
	case FormatDump:
		_, err = io.WriteString(f, script)
	case FormatGzip:
		zw := gzip.NewWriter(f)
		if _, err = io.WriteString(zw, script); err == nil {
			err = zw.Close()
		}
	case FormatSnappy:
		sw := snappy.NewBufferedWriter(f)
		if _, err = io.WriteString(sw, script); err == nil {
			err = sw.Close()
		}
	default:
		f.Close()
		os.Remove(filename)
		return fmt.Errorf("sqlstore: unknown format %v", format)
	}
	if err != nil {
		f.Close()
		os.Remove(filename)
		return fmt.Errorf("sqlstore: failed to write %s: %w", filename, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("sqlstore: failed to write %s: %w", filename, err)
	}

	s.log.Info("wrote store file", zap.String("path", filename), zap.Stringer("format", format))
	return nil
}

// ReadFile loads a serialized store into a fresh RAM-backed store,
// detached from the file. To work on a database file in place, use Open.
func ReadFile(ctx context.Context, filename string, format Format, opts ...Option) (*Store, error) {
	if format == FormatAuto {
		format = FormatForPath(filename)
	}
	if _, err := os.Stat(filename); err != nil {
		return nil, fmt.Errorf("sqlstore: failed to read %s: %w", filename, err)
	}

	if format == FormatNative {
		src, err := Open(filename, opts...)
		if err != nil {
			return nil, err
		}
		defer src.Close()
		return src.Copy(ctx, InMemoryPath, opts...)
	}

	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: failed to read %s: %w", filename, err)
	}
	defer f.Close()

	var r io.Reader
	switch format {
	case FormatDump:
		r = f
	case FormatGzip:
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: failed to read %s: %w", filename, err)
		}
		defer zr.Close()
		r = zr
	case FormatSnappy:
		r = snappy.NewReader(f)
	default:
		return nil, fmt.Errorf("sqlstore: unknown format %v", format)
	}

	script, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: failed to read %s: %w", filename, err)
	}

	dst, err := Open(InMemoryPath, opts...)
	if err != nil {
		return nil, err
	}
	if err := dst.RestoreSQL(ctx, string(script)); err != nil {
		dst.Close()
		return nil, err
	}
	dst.log.Debug("loaded store file", zap.String("path", filename), zap.Stringer("format", format))
	return dst, nil
}
