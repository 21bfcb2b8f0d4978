package sources

import (
	"fmt"

	"github.com/stacklok/frame-sync/internal/config"
)

// OpenerConstructor builds an Opener for one provider
type OpenerConstructor func(cfg *config.Config) (Opener, error)

// OpenerFactory creates the Opener matching the configured source
type OpenerFactory struct {
	synology OpenerConstructor
}

// NewOpenerFactory creates a factory with a constructor per provider
func NewOpenerFactory(synology OpenerConstructor) *OpenerFactory {
	return &OpenerFactory{synology: synology}
}

// CreateOpener returns the Opener for the configured source
func (f *OpenerFactory) CreateOpener(cfg *config.Config) (Opener, error) {
	switch {
	case cfg.Source.Synology != nil && f.synology != nil:
		return f.synology(cfg)
	default:
		return nil, fmt.Errorf("unsupported source: no provider configured")
	}
}
