// Package cmd provides command implementations for the wskit demo binary.
package cmd

import (
	"github.com/wskit-go/wskit/config"
	"github.com/wskit-go/wskit/demo"
	"github.com/wskit-go/wskit/logger"
	"github.com/wskit-go/wskit/pubsub/inproc"
)

// RunContext is the application context built by main and handed to
// whichever subcommand kong selects, mirroring the teacher's
// domain.Context/cmd.Boot pairing.
type RunContext struct {
	Resolved   config.Resolved
	Addr       string
	ConfigPath string
	Watch      bool
	CLI        config.CLI
}

// Serve represents the default command that starts the demo server.
type Serve struct{}

// Run executes the serve command by building a demo.Server and running it
// until the process is signaled to stop.
func (s *Serve) Run(rc *RunContext) error {
	server, err := demo.New(rc.Addr, rc.Resolved)
	if err != nil {
		return err
	}

	if rc.Watch {
		bus := inproc.NewBus()
		watcher, err := config.NewWatcher(rc.ConfigPath, rc.CLI, bus)
		if err != nil {
			logger.Warning("cmd: config watcher disabled: %v", err)
		} else if err := watcher.Start(); err != nil {
			logger.Warning("cmd: config watcher failed to start: %v", err)
		} else {
			defer func() { _ = watcher.Close() }()
			changes, stop := inproc.Subscribe(bus, config.ConfigChangedTopic)
			defer stop()
			go logConfigChanges(changes)
		}
	}

	return server.Start()
}

// logConfigChanges reports every reload the watcher picks up. wsrouter.Config
// is fixed at construction time (spec.md names no live-reconfiguration
// operation), so a reload cannot be pushed into the running Router — this
// only gives an operator visibility that the file was re-read and accepted.
func logConfigChanges(changes <-chan config.ConfigChangedEvent) {
	for ev := range changes {
		logger.Info("cmd: config file reloaded at %s (restart the server to apply it)", ev.At.Format("15:04:05"))
	}
}
