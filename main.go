// Package main is the entry point for the wskit demo server: a small
// HTTP+WebSocket binary that exercises every layer of the message router
// (wire normalization, validation, RPC, heartbeat, pub/sub) through a toy
// ping/echo/subscribe protocol.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kong"

	"github.com/wskit-go/wskit/cmd"
	"github.com/wskit-go/wskit/config"
	"github.com/wskit-go/wskit/logger"
)

var cli struct {
	config.CLI

	Serve   cmd.Serve   `cmd:"" default:"1" help:"start the demo server"`
	Version cmd.Version `cmd:"" help:"print the build version"`
}

func main() {
	kctx := kong.Parse(&cli, kong.Vars{"default_config_path": config.DefaultPath})

	fileCfg, err := config.LoadFile(cli.ConfigFile)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "WARNING: failed to load config file %s: %v\n", cli.ConfigFile, err)
	}
	resolved := config.Resolve(cli.CLI, fileCfg)

	switch strings.ToLower(resolved.LogLevel) {
	case "debug":
		logger.SetLevel(logger.LevelDebug)
	case "warning", "warn":
		logger.SetLevel(logger.LevelWarning)
	case "error":
		logger.SetLevel(logger.LevelError)
	default:
		logger.SetLevel(logger.LevelInfo)
	}

	if resolved.LogsDir != "" {
		logger.EnableFileOutput(filepath.Join(resolved.LogsDir, "wskit-demo.log"), 5, 1, 1)
		defer func() { _ = logger.CloseFileOutput() }()
	}

	logger.Info("wskit demo server %s starting (log level: %s)", cmd.BuildVersion, resolved.LogLevel)

	rc := &cmd.RunContext{
		Resolved:   resolved,
		Addr:       cli.Addr,
		ConfigPath: cli.ConfigFile,
		Watch:      cli.Watch,
		CLI:        cli.CLI,
	}

	err = kctx.Run(rc)
	kctx.FatalIfErrorf(err)
}
