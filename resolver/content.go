package resolver

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/darkhz/bluedfu/api/errorkinds"
)

// ContentScheme is the scheme of content references.
const ContentScheme = "content://"

// DefaultAuthority is the authority of content references which are
// created by a content store.
const DefaultAuthority = "downloads"

// ContentStore holds a registry of content references, which point to
// local files that are not referred to by their path, for example
// downloaded firmware files.
type ContentStore struct {
	authority string
	entries   *xsync.MapOf[string, contentEntry]
}

// contentEntry describes a registered content reference.
type contentEntry struct {
	path string
	name string
}

// NewContentStore returns a new content store. An empty authority
// is replaced with [DefaultAuthority].
func NewContentStore(authority string) *ContentStore {
	if authority == "" {
		authority = DefaultAuthority
	}

	return &ContentStore{
		authority: authority,
		entries:   xsync.NewMapOf[string, contentEntry](),
	}
}

// Register registers the file with the provided display name, and returns
// its content reference. The file name is used if name is empty.
func (c *ContentStore) Register(path, name string) (string, error) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		if err == nil {
			err = errorkinds.ErrFileUnreadable
		}

		return "", fault.Wrap(err,
			fctx.With(context.Background(), "error_at", "content-register", "path", path),
			ftag.With(ftag.NotFound),
			fmsg.With("Cannot register content"),
		)
	}

	if name == "" {
		name = filepath.Base(path)
	}

	reference := ContentScheme + c.authority + "/" + uuid.NewString()
	c.entries.Store(reference, contentEntry{path: path, name: name})

	return reference, nil
}

// QueryContent returns the metadata of the content reference.
func (c *ContentStore) QueryContent(reference string) (ContentInfo, error) {
	entry, ok := c.entries.Load(reference)
	if !ok {
		return ContentInfo{}, fault.Wrap(errorkinds.ErrFileUnreadable,
			fctx.With(context.Background(), "error_at", "content-query", "reference", reference),
			ftag.With(ftag.NotFound),
			fmsg.With("No such content"),
		)
	}

	info, err := os.Stat(entry.path)
	if err != nil {
		return ContentInfo{}, fault.Wrap(err,
			fctx.With(context.Background(), "error_at", "content-query", "reference", reference),
			ftag.With(ftag.NotFound),
			fmsg.With("Content is not accessible"),
		)
	}

	return ContentInfo{
		Name: entry.name,
		Size: uint64(info.Size()),
		Path: entry.path,
	}, nil
}

// Remove removes the content reference.
func (c *ContentStore) Remove(reference string) {
	c.entries.Delete(reference)
}

// References returns all registered content references.
func (c *ContentStore) References() []string {
	references := make([]string, 0, c.entries.Size())
	c.entries.Range(func(reference string, _ contentEntry) bool {
		references = append(references, reference)
		return true
	})

	return references
}

// IsContentReference returns whether the reference is a content reference.
func IsContentReference(reference string) bool {
	return strings.HasPrefix(reference, ContentScheme)
}
