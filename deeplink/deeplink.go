// Package deeplink handles links which open the application with a
// firmware file, either local or to be downloaded.
package deeplink

import (
	"context"
	"net/url"
	"strings"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/sirupsen/logrus"

	"github.com/darkhz/bluedfu/api/errorkinds"
)

// FileParam is the query parameter of a link which holds the URL of the
// firmware file to download.
const FileParam = "file"

// FileSelector selects a firmware file reference.
type FileSelector interface {
	SelectFile(reference string) error
}

// Recorder records the handled deep links.
type Recorder interface {
	DeepLinkHandled(link string)
}

// Handler handles deep links.
type Handler struct {
	downloader *Downloader
	selector   FileSelector
	recorder   Recorder
	log        logrus.FieldLogger
}

// HandlerOption is a functional option for configuring the Handler.
type HandlerOption func(*Handler)

// WithRecorder sets the recorder of the handled links.
func WithRecorder(recorder Recorder) HandlerOption {
	return func(h *Handler) {
		h.recorder = recorder
	}
}

// WithLogger sets the logger of the handler.
func WithLogger(log logrus.FieldLogger) HandlerOption {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

// NewHandler returns a new deep link handler.
func NewHandler(downloader *Downloader, selector FileSelector, opts ...HandlerOption) *Handler {
	h := &Handler{
		downloader: downloader,
		selector:   selector,
		log:        logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Handle handles the link, and returns whether it was handled.
//
// If the link has a "file" query parameter, the file at that URL is
// downloaded and selected. Otherwise, the link itself is selected as
// a firmware file reference.
func (h *Handler) Handle(ctx context.Context, link string) (bool, error) {
	link = strings.TrimSpace(link)
	if link == "" {
		return false, nil
	}

	if h.recorder != nil {
		h.recorder.DeepLinkHandled(link)
	}

	reference := link

	if fileURL := FileURL(link); fileURL != "" {
		if h.downloader == nil {
			return true, fault.Wrap(errorkinds.ErrDownloadFailed,
				fctx.With(ctx, "error_at", "deeplink", "link", link),
				ftag.With(ftag.Internal),
				fmsg.With("Downloads are not supported"),
			)
		}

		h.log.WithField("url", fileURL).Debug("downloading file from deep link")

		ref, err := h.downloader.Download(ctx, fileURL)
		if err != nil {
			return true, err
		}

		reference = ref
	}

	return true, h.selector.SelectFile(reference)
}

// FileURL returns the value of the file query parameter of the link,
// if it is present.
func FileURL(link string) string {
	u, err := url.Parse(link)
	if err != nil || u.Scheme == "file" {
		return ""
	}

	return u.Query().Get(FileParam)
}
