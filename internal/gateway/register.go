package gateway

import (
	"context"
	"log/slog"

	"github.com/postalsys/diglett/internal/logging"
)

// Handle is the owned result of publishing a domain registration. Closing
// it unpublishes the domain; the session holds the handle until it ends.
type Handle interface {
	Close() error
}

// Registrar publishes a registered domain name to the outside world, for
// example by pointing a load balancer at the session's public port.
type Registrar interface {
	Register(ctx context.Context, name string, port uint16) (Handle, error)
}

// LogRegistrar publishes nothing; it only logs registrations and their
// removal. It is the default hook for development setups where the public
// port is reached directly.
type LogRegistrar struct {
	Logger *slog.Logger
}

// Register implements Registrar.
func (r *LogRegistrar) Register(ctx context.Context, name string, port uint16) (Handle, error) {
	logger := r.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger.Info("register domain",
		logging.KeyDomain, name,
		logging.KeyPort, port)

	return &logHandle{name: name, logger: logger}, nil
}

type logHandle struct {
	name   string
	logger *slog.Logger
}

func (h *logHandle) Close() error {
	h.logger.Info("unregister domain", logging.KeyDomain, h.name)
	return nil
}

var _ Registrar = (*LogRegistrar)(nil)
