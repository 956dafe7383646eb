package infra

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nikkigallery/whimbox-launcher/internal/domain"
)

const (
	// DefaultDownloadIdleTimeout aborts a transfer that makes no progress.
	DefaultDownloadIdleTimeout = 30 * time.Second
	// DefaultDownloadRetention is how long stale downloads are kept.
	DefaultDownloadRetention = 7 * 24 * time.Hour

	downloadChunkSize     = 32 * 1024
	progressEmitInterval  = 200 * time.Millisecond
	partialDownloadSuffix = ".part"
)

// HTTPDownloader implements domain.Downloader with resty.
type HTTPDownloader struct {
	client      *resty.Client
	dir         string
	idleTimeout time.Duration
	fs          domain.FileSystemManager
	logger      *zap.Logger
}

// NewHTTPDownloader creates a downloader writing into dir.
func NewHTTPDownloader(dir string, idleTimeout time.Duration, logger *zap.Logger) *HTTPDownloader {
	client := resty.New().
		SetHeader("User-Agent", "whimbox-launcher").
		SetRetryCount(0)
	return NewHTTPDownloaderWithClient(client, dir, idleTimeout, logger)
}

// NewHTTPDownloaderWithClient creates a downloader with an injected client (for testing).
func NewHTTPDownloaderWithClient(client *resty.Client, dir string, idleTimeout time.Duration, logger *zap.Logger) *HTTPDownloader {
	if idleTimeout <= 0 {
		idleTimeout = DefaultDownloadIdleTimeout
	}
	return &HTTPDownloader{
		client:      client,
		dir:         dir,
		idleTimeout: idleTimeout,
		fs:          NewFileSystemManager(),
		logger:      logger,
	}
}

// Dir returns the downloads directory.
func (d *HTTPDownloader) Dir() string {
	return d.dir
}

// Download fetches rawURL into the downloads directory. An existing file
// whose MD5 matches checksum is returned as-is without touching the network.
// Any other existing file of that name is replaced; partial transfers are
// never resumed.
func (d *HTTPDownloader) Download(ctx context.Context, rawURL, fileName, checksum string, sink domain.EventSink) (string, error) {
	if sink == nil {
		sink = domain.NopSink{}
	}
	if fileName == "" {
		fileName = FileNameFromURL(rawURL)
	}
	op := "download " + fileName
	if fileName == "" {
		return "", domain.Errorf(domain.KindNotFound, "download", "cannot derive a file name from %q", rawURL)
	}
	if err := checkFileName(fileName); err != nil {
		return "", domain.E(domain.KindNotFound, "download", err)
	}
	if err := os.MkdirAll(d.dir, 0755); err != nil {
		return "", fmt.Errorf("%s: failed to create downloads directory: %w", op, err)
	}

	dst := filepath.Join(d.dir, fileName)
	if checksumMatches(dst, checksum) {
		d.log("download skipped, local file matches checksum", zap.String("path", dst))
		sink.Emit(domain.Event{Stage: domain.StageDownloadProgress, FileName: fileName, Percent: 100,
			Message: "already downloaded"})
		return dst, nil
	}
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("%s: failed to remove previous file: %w", op, err)
	}

	part := dst + partialDownloadSuffix
	if err := d.fetch(ctx, rawURL, part, fileName, sink); err != nil {
		os.Remove(part)
		return "", domain.E(domain.KindOf(err), op, err)
	}

	if checksum != "" && !checksumMatches(part, checksum) {
		os.Remove(part)
		return "", domain.Errorf(domain.KindChecksum, op, "downloaded file does not match checksum %s", checksum)
	}
	if err := os.Rename(part, dst); err != nil {
		os.Remove(part)
		return "", fmt.Errorf("%s: failed to move download into place: %w", op, err)
	}

	d.log("download complete", zap.String("url", rawURL), zap.String("path", dst))
	return dst, nil
}

// fetch streams rawURL into path. The idle timer is re-armed on every chunk
// and cancels the request when it fires.
func (d *HTTPDownloader) fetch(ctx context.Context, rawURL, path, fileName string, sink domain.EventSink) error {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var timedOut atomic.Bool
	idle := time.AfterFunc(d.idleTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	defer idle.Stop()

	resp, err := d.client.R().
		SetContext(reqCtx).
		SetDoNotParseResponse(true).
		Get(rawURL)
	if err != nil {
		return d.transportError(ctx, err, timedOut.Load())
	}
	body := resp.RawBody()
	defer body.Close()

	if err := statusError(resp.StatusCode(), rawURL); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	total := resp.RawResponse.ContentLength
	throttle := rate.Sometimes{First: 1, Interval: progressEmitInterval}
	buf := make([]byte, downloadChunkSize)
	var done int64
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			idle.Reset(d.idleTimeout)
			if _, err := f.Write(buf[:n]); err != nil {
				return fmt.Errorf("failed to write file: %w", err)
			}
			done += int64(n)
			throttle.Do(func() {
				sink.Emit(progressEvent(fileName, done, total))
			})
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return d.transportError(ctx, readErr, timedOut.Load())
		}
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}

	final := progressEvent(fileName, done, total)
	final.Percent = 100
	sink.Emit(final)
	return nil
}

// transportError reports caller cancellation as-is and classifies
// everything else.
func (d *HTTPDownloader) transportError(ctx context.Context, err error, idleExpired bool) error {
	if !idleExpired && ctx.Err() != nil {
		return ctx.Err()
	}
	return classifyTransportError(err, idleExpired, d.idleTimeout)
}

// CleanupOlderThan removes downloads untouched for maxAge.
func (d *HTTPDownloader) CleanupOlderThan(maxAge time.Duration) ([]string, error) {
	removed, err := d.fs.RemoveOlderThan(d.dir, maxAge)
	for _, p := range removed {
		d.log("removed stale download", zap.String("path", p))
	}
	return removed, err
}

func (d *HTTPDownloader) log(msg string, fields ...zap.Field) {
	if d.logger != nil {
		d.logger.Info(msg, fields...)
	}
}

func progressEvent(fileName string, done, total int64) domain.Event {
	e := domain.Event{
		Stage:    domain.StageDownloadProgress,
		FileName: fileName,
		Done:     done,
		Total:    total,
	}
	if total > 0 {
		e.Percent = int(done * 100 / total)
	}
	return e
}

// FileNameFromURL returns the unescaped last path segment of rawURL.
func FileNameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" {
		return ""
	}
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	return name
}

// checkFileName rejects names that would resolve outside the downloads
// directory.
func checkFileName(name string) error {
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) || filepath.Base(name) != name ||
		filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return fmt.Errorf("invalid file name %q", name)
	}
	return nil
}

// statusError maps an HTTP status to a tagged error, nil for 2xx.
func statusError(code int, rawURL string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized:
		return domain.Errorf(domain.KindUnauthorized, "", "GET %s returned status %d", rawURL, code)
	case code == http.StatusForbidden:
		return domain.Errorf(domain.KindForbidden, "", "GET %s returned status %d", rawURL, code)
	case code == http.StatusNotFound:
		return domain.Errorf(domain.KindNotFound, "", "GET %s returned status %d", rawURL, code)
	default:
		return domain.Errorf(domain.KindNetwork, "", "GET %s returned status %d", rawURL, code)
	}
}

// classifyTransportError tags a failed request as a timeout or a network error.
func classifyTransportError(err error, idleExpired bool, idle time.Duration) error {
	if idleExpired {
		return domain.Errorf(domain.KindTimeout, "", "no data received for %s", idle)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return domain.E(domain.KindTimeout, "", err)
	}
	return domain.E(domain.KindNetwork, "", err)
}

var _ domain.Downloader = (*HTTPDownloader)(nil)
