package config

import (
	"time"

	"github.com/wskit-go/wskit/heartbeat"
	"github.com/wskit-go/wskit/pubsub/inproc"
	"github.com/wskit-go/wskit/wsrouter"
)

// CLI is the kong-parsed flag/env surface for the demo binary, shaped like
// the teacher's main.go cli struct: one field per recognized option, with
// kong tags supplying the flag name, environment variable, default, and
// help text.
type CLI struct {
	ConfigFile string `help:"Path to the YAML configuration file." default:"${default_config_path}" env:"WSKIT_CONFIG_FILE"`
	Addr       string `help:"HTTP listen address for the demo server." default:":8080" env:"WSKIT_ADDR"`
	Watch      bool   `help:"Watch the config file and republish ConfigChangedEvent on change." env:"WSKIT_WATCH_CONFIG"`

	MaxPayloadBytes        int    `help:"Maximum accepted inbound frame size in bytes." env:"WSKIT_MAX_PAYLOAD_BYTES"`
	SocketBufferLimitBytes int    `help:"Outbound buffered-bytes threshold before backpressure applies." env:"WSKIT_SOCKET_BUFFER_LIMIT_BYTES"`
	OnExceeded             string `help:"Behavior when a frame exceeds MaxPayloadBytes: send, close, or custom." enum:"send,close,custom" env:"WSKIT_ON_EXCEEDED"`
	CloseCode              int    `help:"WebSocket close code used when OnExceeded=close." env:"WSKIT_CLOSE_CODE"`

	RPCTimeoutMs        int `help:"Per-RPC deadline in milliseconds." env:"WSKIT_RPC_TIMEOUT_MS"`
	RPCIdleTimeoutMs    int `help:"Idle sweep timeout in milliseconds." env:"WSKIT_RPC_IDLE_TIMEOUT_MS"`
	RPCCleanupCadenceMs int `help:"Background sweep cadence in milliseconds." env:"WSKIT_RPC_CLEANUP_CADENCE_MS"`
	RPCDedupWindowMs    int `help:"How long a terminal record is retained for duplicate suppression." env:"WSKIT_RPC_DEDUP_WINDOW_MS"`
	RPCMaxInflight      int `help:"Maximum PENDING RPCs per socket." env:"WSKIT_RPC_MAX_INFLIGHT"`

	HeartbeatIntervalMs int `help:"Ping interval in milliseconds; 0 disables heartbeat." env:"WSKIT_HEARTBEAT_INTERVAL_MS"`
	HeartbeatTimeoutMs  int `help:"Pong deadline in milliseconds." env:"WSKIT_HEARTBEAT_TIMEOUT_MS"`

	LogLevel string `help:"debug, info, warning, error." default:"info" env:"WSKIT_LOG_LEVEL"`
	LogsDir  string `help:"Directory for rotated log files; empty disables file output." env:"WSKIT_LOGS_DIR"`

	Debug bool `help:"Shortcut for --log-level=debug." env:"WSKIT_DEBUG"`
}

// Resolved is the fully merged configuration, ready to build a
// wsrouter.Config and heartbeat.Config from.
type Resolved struct {
	Router    wsrouter.Config
	LogLevel  string
	LogsDir   string
}

// Resolve merges the three layers in precedence order: cli (as parsed by
// kong, which already folds in env vars) highest, file next, spec.md §6
// hard defaults lowest. This mirrors main.go's applyFileConfig: CLI fields
// left at their kong-default zero value are overridden by the file, then
// zero-value router fields are filled from DefaultConfig().
func Resolve(cli CLI, file *FileConfig) Resolved {
	base := wsrouter.DefaultConfig()
	base.Heartbeat = heartbeat.Config{}

	applyFile(&base, file)
	applyCLI(&base, cli)

	logLevel := cli.LogLevel
	logsDir := cli.LogsDir
	if file != nil {
		if logLevel == "" && file.LogLevel != nil {
			logLevel = *file.LogLevel
		}
		if logsDir == "" && file.LogsDir != nil {
			logsDir = *file.LogsDir
		}
	}
	if cli.Debug {
		logLevel = "debug"
	}

	return Resolved{Router: base, LogLevel: logLevel, LogsDir: logsDir}
}

func applyFile(cfg *wsrouter.Config, file *FileConfig) {
	if file == nil {
		return
	}
	setInt(&cfg.MaxPayloadBytes, file.MaxPayloadBytes)
	setInt(&cfg.SocketBufferLimitBytes, file.SocketBufferLimitBytes)
	setInt(&cfg.CloseCode, file.CloseCode)
	setInt(&cfg.RPCTimeoutMs, file.RPCTimeoutMs)
	setInt(&cfg.RPCIdleTimeoutMs, file.RPCIdleTimeoutMs)
	setInt(&cfg.RPCCleanupCadenceMs, file.RPCCleanupCadenceMs)
	setInt(&cfg.RPCDedupWindowMs, file.RPCDedupWindowMs)
	setInt(&cfg.RPCMaxInflight, file.RPCMaxInflight)
	setInt(&cfg.Heartbeat.IntervalMs, file.HeartbeatIntervalMs)
	setInt(&cfg.Heartbeat.TimeoutMs, file.HeartbeatTimeoutMs)
	if file.OnExceeded != nil {
		cfg.OnExceeded = parseOnExceeded(*file.OnExceeded)
	}
}

func applyCLI(cfg *wsrouter.Config, cli CLI) {
	setIfNonZero(&cfg.MaxPayloadBytes, cli.MaxPayloadBytes)
	setIfNonZero(&cfg.SocketBufferLimitBytes, cli.SocketBufferLimitBytes)
	setIfNonZero(&cfg.CloseCode, cli.CloseCode)
	setIfNonZero(&cfg.RPCTimeoutMs, cli.RPCTimeoutMs)
	setIfNonZero(&cfg.RPCIdleTimeoutMs, cli.RPCIdleTimeoutMs)
	setIfNonZero(&cfg.RPCCleanupCadenceMs, cli.RPCCleanupCadenceMs)
	setIfNonZero(&cfg.RPCDedupWindowMs, cli.RPCDedupWindowMs)
	setIfNonZero(&cfg.RPCMaxInflight, cli.RPCMaxInflight)
	setIfNonZero(&cfg.Heartbeat.IntervalMs, cli.HeartbeatIntervalMs)
	setIfNonZero(&cfg.Heartbeat.TimeoutMs, cli.HeartbeatTimeoutMs)
	if cli.OnExceeded != "" {
		cfg.OnExceeded = parseOnExceeded(cli.OnExceeded)
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setIfNonZero(dst *int, src int) {
	if src != 0 {
		*dst = src
	}
}

func parseOnExceeded(s string) wsrouter.OnExceededMode {
	switch s {
	case "close":
		return wsrouter.OnExceededClose
	case "custom":
		return wsrouter.OnExceededCustom
	default:
		return wsrouter.OnExceededSend
	}
}

// ConfigChangedEvent is published on the internal bus whenever the watched
// YAML file is rewritten, supplementing spec.md (which leaves reload
// unspecified) the way SPEC_FULL.md §3 describes.
type ConfigChangedEvent struct {
	Resolved Resolved
	At       time.Time
}

// ConfigChangedTopic is the typed topic name hot-reload publishes to.
var ConfigChangedTopic = inproc.NewTopic[ConfigChangedEvent]("wskit.config.changed")
