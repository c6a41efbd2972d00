package deeplink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/darkhz/bluedfu/api/errorkinds"
)

// DefaultFileName is the name of a downloaded file, if the name
// cannot be determined from its URL.
const DefaultFileName = "downloaded_dfu_file.zip"

// DefaultMaxRetries is the default number of times a download is retried
// after the first attempt.
const DefaultMaxRetries = 3

// ContentRegistry registers downloaded files as content references.
type ContentRegistry interface {
	Register(path, name string) (string, error)
}

// Downloader downloads firmware files. Only one download can run at a time.
type Downloader struct {
	dir      string
	client   *http.Client
	registry ContentRegistry
	log      logrus.FieldLogger

	maxRetries      uint64
	initialInterval time.Duration

	running atomic.Bool
}

// DownloaderOption is a functional option for configuring the Downloader.
type DownloaderOption func(*Downloader)

// WithHTTPClient sets the HTTP client of the downloader.
func WithHTTPClient(client *http.Client) DownloaderOption {
	return func(d *Downloader) {
		if client != nil {
			d.client = client
		}
	}
}

// WithRetries sets the number of retries after the first attempt, and the
// initial interval between them.
func WithRetries(maxRetries uint64, initialInterval time.Duration) DownloaderOption {
	return func(d *Downloader) {
		d.maxRetries = maxRetries
		if initialInterval > 0 {
			d.initialInterval = initialInterval
		}
	}
}

// WithDownloaderLogger sets the logger of the downloader.
func WithDownloaderLogger(log logrus.FieldLogger) DownloaderOption {
	return func(d *Downloader) {
		if log != nil {
			d.log = log
		}
	}
}

// NewDownloader returns a new downloader, which stores files in dir
// and registers them with the registry.
func NewDownloader(dir string, registry ContentRegistry, opts ...DownloaderOption) *Downloader {
	d := &Downloader{
		dir:             dir,
		client:          &http.Client{Timeout: 5 * time.Minute},
		registry:        registry,
		log:             logrus.StandardLogger(),
		maxRetries:      DefaultMaxRetries,
		initialInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(d)
	}

	return d
}

// IsRunning returns whether a download is in progress.
func (d *Downloader) IsRunning() bool {
	return d.running.Load()
}

// Download downloads the file at the URL, and returns its content reference.
// It fails if another download is in progress.
func (d *Downloader) Download(ctx context.Context, url string) (string, error) {
	if !d.running.CompareAndSwap(false, true) {
		return "", fault.Wrap(errorkinds.ErrDownloadInProgress,
			fctx.With(ctx, "error_at", "download", "url", url),
			ftag.With(ftag.InvalidArgument),
			fmsg.With("A firmware file is already being downloaded"),
		)
	}
	defer d.running.Store(false)

	name := ParseName(url)
	path := filepath.Join(d.dir, name)

	log := d.log.WithFields(logrus.Fields{"url": url, "file": name})
	log.Debug("downloading firmware file")

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.initialInterval

	var permanent error
	err := backoff.RetryNotify(
		func() error {
			err := d.fetch(ctx, url, path)

			var status *statusError
			if errors.As(err, &status) && !status.retryable() {
				permanent = err
				return nil
			}

			return err
		},
		backoff.WithContext(backoff.WithMaxRetries(b, d.maxRetries), ctx),
		func(err error, wait time.Duration) {
			log.WithError(err).WithField("retry_in", wait).Debug("download failed, retrying")
		},
	)
	if err == nil {
		err = permanent
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return "", downloadError(ctx, url, err)
	}

	reference, err := d.registry.Register(path, name)
	if err != nil {
		return "", downloadError(ctx, url, err)
	}

	log.WithField("reference", reference).Debug("firmware file downloaded")

	return reference, nil
}

// fetch downloads the URL into path.
func (d *Downloader) fetch(ctx context.Context, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &statusError{code: http.StatusBadRequest, err: err}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &statusError{code: resp.StatusCode}
	}

	if err := os.MkdirAll(d.dir, os.ModePerm); err != nil {
		return &statusError{code: http.StatusInsufficientStorage, err: err}
	}

	tmp, err := os.CreateTemp(d.dir, ".download-*")
	if err != nil {
		return &statusError{code: http.StatusInsufficientStorage, err: err}
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}

// ParseName returns the file name from the last segment of the URL,
// if it refers to a zip file. Otherwise, [DefaultFileName] is returned.
func ParseName(url string) string {
	segments := strings.Split(url, "/")
	name := segments[len(segments)-1]

	if !strings.Contains(strings.ToLower(name), "zip") || !isValidFileName(name) {
		return DefaultFileName
	}

	return name
}

// isValidFileName reports whether the name can be used as a file name
// within the download directory.
func isValidFileName(name string) bool {
	return name != "" && name == filepath.Base(name) &&
		!strings.ContainsAny(name, `\:*?"<>|`) && name != "." && name != ".."
}

// statusError describes an unsuccessful response.
type statusError struct {
	code int
	err  error
}

func (s *statusError) Error() string {
	if s.err != nil {
		return s.err.Error()
	}

	return fmt.Sprintf("unexpected response status %d %s", s.code, http.StatusText(s.code))
}

func (s *statusError) Unwrap() error {
	return s.err
}

// retryable reports whether the request can succeed if it is retried.
func (s *statusError) retryable() bool {
	return s.code == http.StatusTooManyRequests || s.code >= http.StatusInternalServerError &&
		s.code != http.StatusInsufficientStorage
}

func downloadError(ctx context.Context, url string, err error) error {
	return fault.Wrap(fmt.Errorf("%w: %w", errorkinds.ErrDownloadFailed, err),
		fctx.With(ctx, "error_at", "download", "url", url),
		ftag.With(ftag.Internal),
		fmsg.With("The firmware file could not be downloaded"),
	)
}
