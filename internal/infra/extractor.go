package infra

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nikkigallery/whimbox-launcher/internal/domain"
)

// ArchiveExtractor implements domain.Extractor for zip and tar.gz archives.
// The format is sniffed from content, not the file name.
type ArchiveExtractor struct {
	logger *zap.Logger
}

// NewArchiveExtractor creates an extractor.
func NewArchiveExtractor(logger *zap.Logger) *ArchiveExtractor {
	return &ArchiveExtractor{logger: logger}
}

// Extract unpacks archive into dest. Entries that would land outside dest
// abort the extraction.
func (x *ArchiveExtractor) Extract(ctx context.Context, archive, dest string, sink domain.EventSink) (int, error) {
	op := "extract " + filepath.Base(archive)
	if sink == nil {
		sink = domain.NopSink{}
	}

	if _, err := os.Stat(archive); err != nil {
		if os.IsNotExist(err) {
			return 0, domain.Errorf(domain.KindNotFound, op, "archive %s does not exist", archive)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	mtype, err := mimetype.DetectFile(archive)
	if err != nil {
		return 0, fmt.Errorf("%s: failed to detect archive type: %w", op, err)
	}
	if err := os.MkdirAll(dest, 0755); err != nil {
		return 0, fmt.Errorf("%s: failed to create destination: %w", op, err)
	}

	var n int
	switch {
	case detectedAs(mtype, "application/zip"):
		n, err = x.extractZip(ctx, archive, dest, sink)
	case detectedAs(mtype, "application/gzip"):
		n, err = x.extractTarGz(ctx, archive, dest, sink)
	default:
		return 0, fmt.Errorf("%s: unsupported archive type %s", op, mtype.String())
	}
	if err != nil {
		return n, fmt.Errorf("%s: %w", op, err)
	}

	if x.logger != nil {
		x.logger.Info("archive extracted",
			zap.String("archive", archive), zap.String("dest", dest), zap.Int("files", n))
	}
	return n, nil
}

func (x *ArchiveExtractor) extractZip(ctx context.Context, archive, dest string, sink domain.EventSink) (int, error) {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	total := 0
	for _, f := range r.File {
		if !f.FileInfo().IsDir() {
			total++
		}
	}

	throttle := rate.Sometimes{First: 1, Interval: progressEmitInterval}
	written := 0
	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		target, err := safeJoin(dest, f.Name)
		if err != nil {
			return written, err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return written, err
			}
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return written, err
		}
		err = writeEntry(target, rc, f.Mode())
		rc.Close()
		if err != nil {
			return written, err
		}
		written++
		ev := domain.Event{
			Stage:    domain.StageExtractProgress,
			FileName: f.Name,
			Done:     int64(written),
			Total:    int64(total),
			Percent:  written * 100 / total,
		}
		emit := func() { sink.Emit(ev) }
		if written == total {
			emit()
		} else {
			throttle.Do(emit)
		}
	}
	return written, nil
}

func (x *ArchiveExtractor) extractTarGz(ctx context.Context, archive, dest string, sink domain.EventSink) (int, error) {
	f, err := os.Open(archive)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	gzr, err := gzip.NewReader(f)
	if err != nil {
		return 0, err
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	throttle := rate.Sometimes{First: 1, Interval: progressEmitInterval}
	written := 0
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			if written > 0 {
				sink.Emit(domain.Event{
					Stage:   domain.StageExtractProgress,
					Done:    int64(written),
					Total:   int64(written),
					Percent: 100,
				})
			}
			return written, nil
		}
		if err != nil {
			return written, err
		}

		target, err := safeJoin(dest, header.Name)
		if err != nil {
			return written, err
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return written, err
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr, header.FileInfo().Mode()); err != nil {
				return written, err
			}
			written++
			// Entry count is unknown until the stream ends.
			ev := domain.Event{
				Stage:    domain.StageExtractProgress,
				FileName: header.Name,
				Done:     int64(written),
			}
			throttle.Do(func() { sink.Emit(ev) })
		}
	}
}

// detectedAs reports whether m or one of its parents is mime. Wheels and
// jars detect as children of zip.
func detectedAs(m *mimetype.MIME, mime string) bool {
	for ; m != nil; m = m.Parent() {
		if m.Is(mime) {
			return true
		}
	}
	return false
}

// safeJoin resolves name under dest, rejecting absolute and escaping paths.
func safeJoin(dest, name string) (string, error) {
	cleanDest := filepath.Clean(dest)
	target := filepath.Join(cleanDest, name)
	if target != cleanDest && !strings.HasPrefix(target, cleanDest+string(os.PathSeparator)) {
		return "", fmt.Errorf("illegal path in archive: %s", name)
	}
	return target, nil
}

func writeEntry(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	perm := mode.Perm()
	if perm == 0 {
		perm = 0644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

var _ domain.Extractor = (*ArchiveExtractor)(nil)
