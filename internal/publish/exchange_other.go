//go:build !linux

package publish

import (
	"context"
	"fmt"
	"runtime"
)

// ExchangePublisher is only available on Linux
type ExchangePublisher struct{}

// NewExchangePublisher reports that the exchange strategy is unsupported
func NewExchangePublisher(_ *Workspace, _ string) (*ExchangePublisher, error) {
	return nil, fmt.Errorf("publish strategy exchange requires linux, running on %s", runtime.GOOS)
}

// Publish always fails
func (*ExchangePublisher) Publish(context.Context, string) error {
	return &PublishError{Op: "exchange", Err: fmt.Errorf("unsupported on %s", runtime.GOOS)}
}
