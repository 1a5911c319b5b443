// Package compress gzips finished artifacts in place.
package compress

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
)

// EncodeFile gzips src into dst at the given compression level (0 picks the
// library default). dst is created fresh; a failure partway through removes
// it so the caller never sees a truncated archive.
func EncodeFile(src, dst string, level int) error {
	if level < gzip.HuffmanOnly || level > gzip.BestCompression {
		return fmt.Errorf("compress: invalid gzip level %d", level)
	}
	if level == 0 {
		level = gzip.DefaultCompression
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("compress: %w", err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("compress: %w", err)
	}

	if err := encode(out, in, level); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return fmt.Errorf("compress: encoding %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return fmt.Errorf("compress: closing %s: %w", dst, err)
	}
	return nil
}

func encode(w io.Writer, r io.Reader, level int) error {
	zw, err := gzip.NewWriterLevel(w, level)
	if err != nil {
		return err
	}
	if _, err := io.Copy(zw, r); err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}

// DecodeFile un-gzips src into dst. Used by tests and by consumers that want
// the raw netCDF back from a gzipped artifact.
func DecodeFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("compress: %w", err)
	}
	defer func() { _ = in.Close() }()

	zr, err := gzip.NewReader(in)
	if err != nil {
		return fmt.Errorf("compress: reading %s: %w", src, err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("compress: %w", err)
	}
	if _, err := io.Copy(out, zr); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return fmt.Errorf("compress: decoding %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return fmt.Errorf("compress: closing %s: %w", dst, err)
	}
	return zr.Close()
}
