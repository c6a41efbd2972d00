// Package resolver resolves firmware file references into firmware packages.
package resolver

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/sirupsen/logrus"

	"github.com/darkhz/bluedfu/api/dfu"
	"github.com/darkhz/bluedfu/api/errorkinds"
)

// ContentInfo holds the metadata of a content reference.
type ContentInfo struct {
	Name string
	Size uint64

	// Path is the local path of the content, if it is known.
	Path string
}

// ContentQuerier queries the metadata of a content reference which
// is not a plain file.
type ContentQuerier interface {
	QueryContent(reference string) (ContentInfo, error)
}

// Resolver resolves firmware file references. A reference can be a file path,
// a "file://" URL, or a reference which is known to the content querier.
type Resolver struct {
	querier ContentQuerier
	log     logrus.FieldLogger
}

// Option is a functional option for configuring the Resolver.
type Option func(*Resolver)

// WithContentQuerier sets the content querier which is used when the
// reference cannot be resolved from the filesystem.
func WithContentQuerier(querier ContentQuerier) Option {
	return func(r *Resolver) {
		r.querier = querier
	}
}

// WithLogger sets the logger of the resolver.
func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Resolver) {
		if log != nil {
			r.log = log
		}
	}
}

// New returns a new resolver.
func New(opts ...Option) *Resolver {
	r := &Resolver{log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Resolve resolves the reference into a firmware package. The filesystem
// is looked up first, and the content querier next.
func (r *Resolver) Resolve(reference string) (dfu.FirmwarePackage, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return dfu.FirmwarePackage{}, unreadable(reference, nil)
	}

	firmware, fileErr := fromFile(reference)
	if fileErr == nil {
		return firmware, nil
	}

	if r.querier == nil {
		return dfu.FirmwarePackage{}, unreadable(reference, fileErr)
	}

	info, err := r.querier.QueryContent(reference)
	if err != nil {
		r.log.WithError(err).WithField("reference", reference).Debug("content query failed")

		return dfu.FirmwarePackage{}, unreadable(reference, err)
	}

	handle := reference
	if info.Path != "" {
		handle = info.Path
	}

	return dfu.FirmwarePackage{
		Handle:      handle,
		DisplayName: info.Name,
		SizeBytes:   info.Size,
	}, nil
}

// fromFile resolves the reference from the filesystem.
func fromFile(reference string) (dfu.FirmwarePackage, error) {
	path, err := FilePath(reference)
	if err != nil {
		return dfu.FirmwarePackage{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return dfu.FirmwarePackage{}, err
	}
	if !info.Mode().IsRegular() {
		return dfu.FirmwarePackage{}, fmt.Errorf("%s is not a regular file", path)
	}

	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	return dfu.FirmwarePackage{
		Handle:      path,
		DisplayName: info.Name(),
		SizeBytes:   uint64(info.Size()),
	}, nil
}

// FilePath returns the file path of the reference, which is either a
// path or a "file://" URL.
func FilePath(reference string) (string, error) {
	if !strings.Contains(reference, "://") {
		return reference, nil
	}

	u, err := url.Parse(reference)
	if err != nil {
		return "", err
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	return u.Path, nil
}

func unreadable(reference string, err error) error {
	if err != nil {
		err = fmt.Errorf("%w: %w", errorkinds.ErrFileUnreadable, err)
	} else {
		err = errorkinds.ErrFileUnreadable
	}

	return fault.Wrap(err,
		fctx.With(context.Background(), "error_at", "resolve", "reference", reference),
		ftag.With(ftag.NotFound),
		fmsg.With("The firmware file could not be read"),
	)
}
