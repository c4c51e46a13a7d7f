package sink

import (
	"log/slog"

	"dbgate/internal/domain"
)

// New constructs a live sink from its configuration. The switch is
// exhaustive over the closed Config set; anything else is a fatal
// configuration error intended to fail server startup.
func New(cfg Config, logger *slog.Logger) (domain.Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch c := cfg.(type) {
	case FileConfig:
		return NewFile(c)
	case SyslogConfig:
		return NewSyslog(c, logger)
	case HTTPConfig:
		return NewHTTP(c, logger)
	case AzureMonitorConfig:
		return NewAzureMonitor(c, logger)
	case CloudWatchConfig:
		if c.LogGroup == "" {
			return nil, domain.ErrConfiguration("cloudwatch sink requires a logGroup")
		}
		return NewCloudWatch(c, logger), nil
	case SQLiteConfig:
		return NewSQLite(c, logger)
	default:
		return nil, domain.ErrConfiguration("unknown sink config type %T", cfg)
	}
}
