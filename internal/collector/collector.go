// Package collector reports the health of the running service and the
// machine it runs on.
package collector

import (
	"context"

	"go.uber.org/zap"

	"github.com/breeze-rmm/voicetask/internal/logging"
)

// Collector is implemented by every status source.
type Collector interface {
	// Collect gathers a snapshot. Partial failures are logged and the
	// affected fields left zero; an error means nothing could be read.
	Collect(ctx context.Context) (any, error)

	Name() string
}

// BaseCollector provides common logging for collectors.
type BaseCollector struct {
	logger *zap.Logger
}

// NewBaseCollector creates a BaseCollector. A nil logger discards output.
func NewBaseCollector(logger *zap.Logger) BaseCollector {
	return BaseCollector{logger: logging.OrNop(logger).Named("collector")}
}

// LogWarning logs a partial collection failure.
func (b *BaseCollector) LogWarning(msg string, fields ...zap.Field) {
	b.logger.Warn(msg, fields...)
}

// LogDebug logs a debug message
func (b *BaseCollector) LogDebug(msg string, fields ...zap.Field) {
	b.logger.Debug(msg, fields...)
}
