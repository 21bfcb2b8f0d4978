package sources

import (
	"context"
	"io"
	"time"

	"github.com/stacklok/frame-sync/internal/catalog"
)

//go:generate mockgen -destination=mocks/mock_sources.go -package=mocks -source=types.go Opener,Session,ContentFetcher

// Opener establishes sessions against a share
type Opener interface {
	// Open resolves shareRef and authenticates with passphrase (empty for unprotected shares)
	Open(ctx context.Context, shareRef, passphrase string) (Session, error)
}

// ContentFetcher streams the content of a catalog entry
type ContentFetcher interface {
	Fetch(ctx context.Context, entry catalog.RemoteEntry) (*Content, error)
}

// Session is a single-use, time-bounded handle on an opened share
type Session interface {
	catalog.PageLister
	ContentFetcher

	// ExpiresAt is the instant after which every call returns an AuthError
	ExpiresAt() time.Time

	// Close releases pooled connections
	Close() error
}

// Content is an open stream of item bytes
type Content struct {
	Body io.ReadCloser
	// Length is the declared content length, -1 when unknown
	Length int64
	// ContentType is the declared media type, possibly empty
	ContentType string
}
