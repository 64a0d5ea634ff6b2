package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"

	"github.com/fortiblox/cellrt/internal/types"
	"github.com/fortiblox/cellrt/pkg/cellstore"
	"github.com/fortiblox/cellrt/pkg/host/sim"
	"github.com/fortiblox/cellrt/pkg/script"
)

func openStore(e *env) (cellstore.Store, error) {
	return cellstore.Open(cellstore.Config{
		Backend:           e.cfg.Store.Backend,
		Path:              e.cfg.Store.Path,
		CompressThreshold: int(e.cfg.Store.CompressThreshold),
	})
}

func runCells(e *env, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("cells: expected add, import, export or list")
	}
	s, err := openStore(e)
	if err != nil {
		return err
	}
	defer s.Close()

	switch sub, args := args[0], args[1:]; sub {
	case "add":
		return cellsAdd(e, s, args)
	case "import":
		if len(args) != 1 {
			return fmt.Errorf("cells import: expected one fixture file")
		}
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		n, err := cellstore.Import(s, f)
		if err != nil {
			return err
		}
		level.Info(e.logger).Log("msg", "imported cells", "count", n, "from", args[0])
		return nil
	case "export":
		if len(args) != 1 {
			return fmt.Errorf("cells export: expected one output file")
		}
		f, err := os.Create(args[0])
		if err != nil {
			return err
		}
		n, err := cellstore.Export(s, f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		level.Info(e.logger).Log("msg", "exported cells", "count", n, "to", args[0])
		return nil
	case "list":
		return cellsList(e, s)
	default:
		return fmt.Errorf("cells: unknown subcommand %q", sub)
	}
}

// cellsAdd stores a file as a cell. The out point defaults to the hash of
// the content at index 0.
func cellsAdd(e *env, s cellstore.Store, args []string) error {
	fset := flag.NewFlagSet("cells add", flag.ContinueOnError)
	outPoint := fset.String("out-point", "", "Out point as txhash:index (default: content hash, index 0)")
	typeArgs := fset.String("type-args", "", "Hex args of a type script to attach; the cell is then addressable by type hash")
	if err := fset.Parse(args); err != nil {
		return err
	}
	if fset.NArg() != 1 {
		return fmt.Errorf("cells add: expected one data file")
	}
	data, err := os.ReadFile(fset.Arg(0))
	if err != nil {
		return err
	}

	hasher, err := sim.NewHasher(e.cfg.Host.Hasher)
	if err != nil {
		return err
	}
	op := types.OutPoint{TxHash: hasher.Sum(data)}
	if *outPoint != "" {
		if op, err = types.ParseOutPoint(*outPoint); err != nil {
			return err
		}
	}

	var typ *script.Script
	if *typeArgs != "" {
		a, err := hex.DecodeString(*typeArgs)
		if err != nil {
			return fmt.Errorf("type-args: %w", err)
		}
		typ = &script.Script{HashType: types.HashTypeType, Args: a}
	}

	rec := cellstore.NewRecord(op, sim.DataCell(data, typ))
	if err := s.Put(rec); err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "%s data_hash=%s\n", op, hasher.Sum(data).Hex())
	if typ != nil {
		fmt.Fprintf(e.stdout, "%s type_hash=%s\n", op, hasher.Sum(typ.Encode()).Hex())
	}
	return nil
}

func cellsList(e *env, s cellstore.Store) error {
	tw := tabwriter.NewWriter(e.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "OUT POINT\tSIZE\tTYPE")
	err := s.ForEach(func(rec *cellstore.Record) error {
		typ := "-"
		if rec.Type != nil {
			typ = hex.EncodeToString(rec.Type.Args)
		}
		_, err := fmt.Fprintf(tw, "%s\t%s\t%s\n", rec.OutPoint, humanize.IBytes(uint64(len(rec.Data))), typ)
		return err
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(tw, "\n%d cells\n", s.Count())
	return tw.Flush()
}
