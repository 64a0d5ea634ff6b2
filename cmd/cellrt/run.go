package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/fortiblox/cellrt/internal/types"
	"github.com/fortiblox/cellrt/pkg/host/sim"
	"github.com/fortiblox/cellrt/pkg/runtime"
	"github.com/fortiblox/cellrt/pkg/script"
)

func runScript(e *env, args []string) error {
	fset := flag.NewFlagSet("run", flag.ContinueOnError)
	entry := fset.Int("entry", -1, "Cell dep to run, selected by data hash (-1: run cell dep 0 with no script args)")
	fsMode := fset.Bool("fs", false, "Mount the entry cell as a filesystem and run "+runtime.EntryPoint)
	cells := fset.String("cells", "", "Comma-separated out points from the cell store, appended as cell deps")
	exitEnabled := fset.Bool("exit", e.cfg.Loader.ExitEnabled, "Allow scripts to end the guest with exit()")
	showMetrics := fset.Bool("metrics", false, "Print host metrics after the run")
	if err := fset.Parse(args); err != nil {
		return err
	}

	deps, err := loadDeps(e, fset.Args(), *cells)
	if err != nil {
		return err
	}
	if len(deps) == 0 {
		return fmt.Errorf("run: no cell deps given")
	}

	hostCfg, err := e.cfg.Host.SimConfig()
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	hostCfg.Logger = log.With(e.logger, "component", "host")
	hostCfg.Metrics = sim.NewMetrics(reg)

	tx := &sim.Tx{CellDeps: deps}
	if *entry >= 0 {
		if *entry >= len(deps) {
			return fmt.Errorf("run: entry %d out of range (%d cell deps)", *entry, len(deps))
		}
		var flags uint16
		if *fsMode {
			flags |= script.FlagFilesystem
		}
		tx.Script.Args = script.LoaderArgs{
			Flags:    flags,
			CodeHash: hostCfg.Hasher.Sum(deps[*entry].Data),
			HashType: types.HashTypeData1,
		}.Bytes()
	}

	h := sim.New(tx, hostCfg)
	mem, err := e.cfg.Memory.NewMemory()
	if err != nil {
		return err
	}
	start, end := e.cfg.Heap.Range()
	rt, err := runtime.New(h, mem, runtime.Options{
		Heap:            e.cfg.Heap.Config(),
		HeapStart:       start,
		HeapEnd:         end,
		StagingCapacity: uint64(e.cfg.Loader.StagingCapacity),
		PageSize:        uint64(e.cfg.Loader.PageSize),
		Logger:          log.With(e.logger, "component", "runtime"),
		ExitEnabled:     *exitEnabled,
	})
	if err != nil {
		return err
	}

	var bootErr error
	code, err := h.Run(func() int8 {
		code, err := rt.Boot(&lineInterpreter{})
		bootErr = err
		return code
	})
	for _, msg := range h.DebugOutput() {
		fmt.Fprintln(e.stdout, msg)
	}
	if bootErr != nil {
		level.Warn(e.logger).Log("msg", "script failed", "kind", runtime.KindOf(bootErr), "err", bootErr)
	}
	level.Info(e.logger).Log("msg", "script finished", "code", code, "cycles", h.Meter().Consumed(), "heap_in_use", rt.Heap().Stats().InUse)
	if *showMetrics {
		if err := writeMetrics(e.stdout, reg); err != nil {
			return err
		}
	}
	if err != nil {
		return err
	}
	if code != 0 {
		return exitCode(code)
	}
	return nil
}

// loadDeps builds the cell deps: one data cell per file, then the named
// cells from the store.
func loadDeps(e *env, files []string, outPoints string) ([]sim.Cell, error) {
	var deps []sim.Cell
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		deps = append(deps, sim.DataCell(data, nil))
	}
	if outPoints == "" {
		return deps, nil
	}

	s, err := openStore(e)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	for _, text := range strings.Split(outPoints, ",") {
		op, err := types.ParseOutPoint(strings.TrimSpace(text))
		if err != nil {
			return nil, err
		}
		rec, err := s.Get(op)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		deps = append(deps, rec.Cell())
	}
	return deps, nil
}

func writeMetrics(w io.Writer, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
