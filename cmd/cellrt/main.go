// cellrt is the development host for the guest support runtime.
//
// It packs and inspects filesystem blobs, keeps a store of cells, and runs
// scripts against the simulated host the way a metered VM would.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/fortiblox/cellrt/pkg/config"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

type command struct {
	name    string
	summary string
	run     func(env *env, args []string) error
}

var commands = []command{
	{"pack", "pack files into a filesystem blob", runPack},
	{"ls", "list the files of a filesystem blob", runLs},
	{"cells", "manage the cell store (add, import, export, list)", runCells},
	{"run", "run a script against the simulated host", runScript},
	{"version", "print the version", func(e *env, _ []string) error {
		fmt.Fprintf(e.stdout, "cellrt %s (%s)\n", Version, GitCommit)
		return nil
	}},
}

// env is what every subcommand runs with.
type env struct {
	cfg    config.Config
	logger log.Logger
	stdout io.Writer
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: cellrt [options] <command> [arguments]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-8s %s\n", c.name, c.summary)
	}
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "", "Path to "+config.FileName+" (defaults apply when unset)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (overrides the config file)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger, err := newLogger(os.Stderr, cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	e := &env{cfg: cfg, logger: logger, stdout: os.Stdout}
	name, args := flag.Arg(0), flag.Args()[1:]
	for _, c := range commands {
		if c.name != name {
			continue
		}
		if err := c.run(e, args); err != nil {
			level.Error(logger).Log("msg", name+" failed", "err", err)
			var exit exitCode
			if errors.As(err, &exit) {
				os.Exit(int(uint8(exit)))
			}
			os.Exit(1)
		}
		return
	}
	fmt.Fprintf(os.Stderr, "cellrt: unknown command %q\n\n", name)
	usage()
	os.Exit(2)
}

// exitCode reports a script that ended with a non-zero code.
type exitCode int8

func (c exitCode) Error() string {
	return fmt.Sprintf("script exited with code %d", int8(c))
}

func newLogger(w io.Writer, cfg config.Log) (log.Logger, error) {
	filter, err := cfg.Filter()
	if err != nil {
		return nil, err
	}
	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	logger = level.NewFilter(logger, filter)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller), nil
}
