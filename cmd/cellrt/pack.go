package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"

	"github.com/fortiblox/cellrt/pkg/cellfs"
	"github.com/fortiblox/cellrt/pkg/heap"
	"github.com/fortiblox/cellrt/pkg/runtime"
	"github.com/fortiblox/cellrt/pkg/vm"
)

func runPack(e *env, args []string) error {
	fset := flag.NewFlagSet("pack", flag.ContinueOnError)
	out := fset.String("o", "fs.bin", "Output file")
	dir := fset.String("C", ".", "Directory file names are relative to")
	if err := fset.Parse(args); err != nil {
		return err
	}
	if fset.NArg() == 0 {
		return fmt.Errorf("pack: no input files")
	}

	fs := afero.NewBasePathFs(afero.NewOsFs(), *dir)
	files, err := collectFiles(fs, fset.Args())
	if err != nil {
		return err
	}
	blob, err := cellfs.Pack(files)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, blob, 0644); err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "%s: %d files, %s\n", *out, len(files), humanize.IBytes(uint64(len(blob))))
	return nil
}

// collectFiles reads the named files from fs. Directories contribute every
// regular file beneath them. Names use forward slashes and are relative to
// the root of fs.
func collectFiles(fs afero.Fs, paths []string) ([]cellfs.File, error) {
	var files []cellfs.File
	seen := make(map[string]bool)
	add := func(path string) error {
		name := filepath.ToSlash(filepath.Clean(path))
		if seen[name] {
			return nil
		}
		seen[name] = true
		content, err := afero.ReadFile(fs, path)
		if err != nil {
			return err
		}
		files = append(files, cellfs.File{Name: name, Content: content})
		return nil
	}

	for _, p := range paths {
		info, err := fs.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			if err := add(p); err != nil {
				return nil, err
			}
			continue
		}
		var found []string
		err = afero.Walk(fs, p, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.Mode().IsRegular() {
				found = append(found, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		sort.Strings(found)
		for _, path := range found {
			if err := add(path); err != nil {
				return nil, err
			}
		}
	}
	return files, nil
}

func runLs(e *env, args []string) error {
	fset := flag.NewFlagSet("ls", flag.ContinueOnError)
	dump := fset.Bool("dump", false, "Hexdump each file")
	if err := fset.Parse(args); err != nil {
		return err
	}
	if fset.NArg() != 1 {
		return fmt.Errorf("ls: expected one blob file")
	}
	blob, err := afero.ReadFile(afero.NewOsFs(), fset.Arg(0))
	if err != nil {
		return err
	}
	return listBlob(e.stdout, fset.Arg(0), blob, *dump)
}

// listBlob mounts blob on a scratch guest heap and lists it.
func listBlob(w io.Writer, name string, blob []byte, dump bool) error {
	h, err := heap.New(vm.NewDefault(), heap.DefaultConfig())
	if err != nil {
		return err
	}
	fs, err := cellfs.Load(h, blob)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	defer fs.Close()
	fmt.Fprintf(w, "%s: %d files, %s\n", name, fs.Len(), humanize.IBytes(uint64(len(blob))))
	return runtime.DumpFS(w, fs, dump)
}
