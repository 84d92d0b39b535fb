package browser

import (
	"context"
	"errors"

	"github.com/browsermill/browsermill/internal/automation"
)

// NoopFactory implements SessionFactory but always returns an error, for
// builds and environments where no browser binary is available.
type NoopFactory struct{}

// NewNoopFactory creates a NoopFactory.
func NewNoopFactory() *NoopFactory {
	return &NoopFactory{}
}

// NewSession returns an error since this is a stub implementation.
func (NoopFactory) NewSession(context.Context) (automation.BrowserSession, error) {
	return nil, errors.New("browser sessions not configured")
}
