// NAVI smart cane telemetry relay.
// Usage: navi [-config navi.hcl] [-env .env] serve|broker|console|status
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/juju/errors"
	"github.com/navicane/navi/cmd/navi/broker"
	"github.com/navicane/navi/cmd/navi/console"
	"github.com/navicane/navi/cmd/navi/serve"
	"github.com/navicane/navi/cmd/navi/status"
	"github.com/navicane/navi/cmd/navi/subcmd"
	"github.com/navicane/navi/internal/state"
	"github.com/navicane/navi/internal/web"
	"github.com/navicane/navi/log2"
)

var log = log2.NewStderr(log2.LDebug)

// set with -ldflags "-X main.BuildVersion=..."
var BuildVersion = "unknown"

var modules = []subcmd.Mod{
	serve.Mod,
	broker.Mod,
	console.Mod,
	status.Mod,
}

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	flagConfig := cmdline.String("config", "", "config file, HCL or YAML by extension; empty uses defaults")
	flagEnv := cmdline.String("env", ".env", "optional dotenv file")
	cmdline.Usage = func() {
		fmt.Fprintf(cmdline.Output(), "Usage: %s [flags] command\n\nCommands:\n", os.Args[0])
		for _, m := range modules {
			fmt.Fprintf(cmdline.Output(), "  %-10s %s\n", m.Name, m.Usage)
		}
		fmt.Fprintf(cmdline.Output(), "\nFlags:\n")
		cmdline.PrintDefaults()
	}
	_ = cmdline.Parse(os.Args[1:])

	mod, err := subcmd.Parse(cmdline.Arg(0), modules)
	if err != nil {
		cmdline.Usage()
		log.Fatal(err)
	}

	logFlags := log2.LInteractiveFlags
	if subcmd.SdNotify("start") {
		// under systemd, journal adds timestamp
		logFlags = log2.LServiceFlags
	}
	log.SetFlags(logFlags)

	if err := loadDotenv(*flagEnv); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	config := state.DefaultConfig()
	if *flagConfig != "" {
		config = state.MustReadConfig(log, state.NewOsFullReader(), *flagConfig)
	}
	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}

	logs := web.NewLogBuffer(config.UI.LogBufferLines)
	runLog := log2.NewWriter(io.MultiWriter(os.Stderr, logs), log2.LDebug)
	runLog.SetFlags(logFlags)

	ctx, g := state.NewContext(runLog, nil)
	g.BuildVersion = BuildVersion
	ctx = context.WithValue(ctx, web.LogsContextKey, logs)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = mod.Main(ctx, config)
	if err != nil && errors.Cause(err) != context.Canceled {
		g.Fatal(err, "command=%s", mod.Name)
	}
	g.StopWait(5 * time.Second)
}

// Variables already present in environment are not overwritten.
func loadDotenv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return errors.Annotatef(godotenv.Load(path), "dotenv=%s", path)
}
