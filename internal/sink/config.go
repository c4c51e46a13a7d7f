// Package sink implements the audit delivery backends: local JSON-Lines
// files, RFC 5424 syslog, generic batched HTTP, Azure Monitor (Log Analytics
// data collector), CloudWatch Logs, and a local SQLite metastore.
package sink

// Sink kind tags. The tag appears as the `type` discriminator in topology
// files and in diagnostics.
const (
	KindFile         = "file"
	KindSyslog       = "syslog"
	KindHTTP         = "http"
	KindAzureMonitor = "azuremonitor"
	KindCloudWatch   = "cloudwatch"
	KindSQLite       = "sqlite"
)

// Config is the closed set of sink configurations. Exactly one concrete
// config type exists per sink kind; the factory switch in New is exhaustive
// over this set, so adding a kind is a compile-time-checked change.
type Config interface {
	Kind() string
}

// FileConfig configures an append-only JSON-Lines file sink.
type FileConfig struct {
	// Path to the JSONL file. Defaults to logs/audit.jsonl under the
	// working directory. The parent directory is created if absent.
	Path string `yaml:"path"`
}

func (FileConfig) Kind() string { return KindFile }

// SyslogConfig configures an RFC 5424 syslog sink.
type SyslogConfig struct {
	Address  string `yaml:"address"`
	Protocol string `yaml:"protocol"` // "udp" (default) or "tcp"
	Facility int    `yaml:"facility"` // syslog facility, default 16 (local0)
	AppName  string `yaml:"appName"`
}

func (SyslogConfig) Kind() string { return KindSyslog }

// HTTPConfig configures a generic batching HTTP sink.
type HTTPConfig struct {
	URL             string            `yaml:"url"`
	Method          string            `yaml:"method"` // default POST
	Headers         map[string]string `yaml:"headers"`
	BatchSize       int               `yaml:"batchSize"`       // default 10
	FlushIntervalMs int               `yaml:"flushIntervalMs"` // default 5000
}

func (HTTPConfig) Kind() string { return KindHTTP }

// AzureMonitorConfig configures delivery to an Azure Log Analytics workspace
// via the HTTP data collector API.
type AzureMonitorConfig struct {
	WorkspaceID string `yaml:"workspaceId"`
	SharedKey   string `yaml:"sharedKey"` // base64-encoded workspace key
	LogType     string `yaml:"logType"`   // default DBGateAudit
	// Endpoint overrides the default ingestion URL. Needed for sovereign
	// clouds (e.g. .ods.opinsights.azure.us) and used by tests.
	Endpoint        string `yaml:"endpoint"`
	BatchSize       int    `yaml:"batchSize"`
	FlushIntervalMs int    `yaml:"flushIntervalMs"`
}

func (AzureMonitorConfig) Kind() string { return KindAzureMonitor }

// CloudWatchConfig configures delivery to a CloudWatch Logs stream.
type CloudWatchConfig struct {
	LogGroup string `yaml:"logGroup"`
	// LogStream defaults to a per-process name carrying a timestamp and a
	// random suffix so concurrent deployments never contend for one stream.
	LogStream string `yaml:"logStream"`
	Region    string `yaml:"region"`
	// Static credentials are optional; when absent the standard AWS
	// environment variables are used.
	AccessKeyID     string `yaml:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey"`
	BatchSize       int    `yaml:"batchSize"`
	FlushIntervalMs int    `yaml:"flushIntervalMs"`
}

func (CloudWatchConfig) Kind() string { return KindCloudWatch }

// SQLiteConfig configures the local SQLite metastore sink.
type SQLiteConfig struct {
	Path            string `yaml:"path"`
	BatchSize       int    `yaml:"batchSize"`
	FlushIntervalMs int    `yaml:"flushIntervalMs"`
}

func (SQLiteConfig) Kind() string { return KindSQLite }
