package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/cellrt/internal/types"
	"github.com/fortiblox/cellrt/pkg/cellfs"
	"github.com/fortiblox/cellrt/pkg/config"
	"github.com/fortiblox/cellrt/pkg/host/sim"
	"github.com/fortiblox/cellrt/pkg/runtime"
	"github.com/fortiblox/cellrt/pkg/script"
	"github.com/fortiblox/cellrt/pkg/vm"
)

func TestCollectFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("lib", 0755))
	require.NoError(t, afero.WriteFile(fs, "main.lua", []byte("dofile(\"lib/a.lua\")"), 0644))
	require.NoError(t, afero.WriteFile(fs, "lib/b.lua", []byte("print(2)"), 0644))
	require.NoError(t, afero.WriteFile(fs, "lib/a.lua", []byte("print(1)"), 0644))

	files, err := collectFiles(fs, []string{"main.lua", "lib", "lib/a.lua"})
	require.NoError(t, err)

	var names []string
	for _, f := range files {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"main.lua", "lib/a.lua", "lib/b.lua"}, names)
	assert.Equal(t, "print(1)", string(files[1].Content))

	_, err = collectFiles(fs, []string{"missing.lua"})
	assert.Error(t, err)
}

func TestListBlob(t *testing.T) {
	blob, err := cellfs.Pack([]cellfs.File{{Name: "main", Content: []byte("print(1)")}})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, listBlob(&buf, "fs.bin", blob, false))
	assert.Equal(t, "fs.bin: 1 files, 33 B\nmain\t8\n", buf.String())

	assert.Error(t, listBlob(&buf, "bad.bin", []byte{1, 0}, false))
}

func fsTx(t *testing.T, files ...cellfs.File) *sim.Tx {
	t.Helper()
	blob, err := cellfs.Pack(files)
	require.NoError(t, err)
	tx := &sim.Tx{CellDeps: []sim.Cell{sim.DataCell(blob, nil)}}
	tx.Script.Args = script.LoaderArgs{
		Flags:    script.FlagFilesystem,
		CodeHash: sim.New(tx, sim.Config{}).Hasher().Sum(blob),
		HashType: types.HashTypeData1,
	}.Bytes()
	return tx
}

func TestLineInterpreter(t *testing.T) {
	tx := fsTx(t,
		cellfs.File{Name: runtime.EntryPoint, Content: []byte("-- entry\nprint(\"hi\")\n\ndofile(\"lib.lua\")\nreturn 3\nprint(\"unreachable\")\n")},
		cellfs.File{Name: "lib.lua", Content: []byte("print(42)\n")},
	)
	h := sim.New(tx, sim.Config{})
	rt, err := runtime.New(h, vm.NewDefault(), runtime.Options{})
	require.NoError(t, err)

	code, err := rt.Boot(&lineInterpreter{})
	require.NoError(t, err)
	assert.Equal(t, int8(3), code)
	assert.Equal(t, []string{"hi", "42"}, h.DebugOutput())
	assert.Zero(t, rt.Filesystem().Outstanding())
}

func TestLineInterpreterErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want error
	}{
		{"unsupported", "x = 1\n", errUnsupported},
		{"unknown call", "os.exit(1)\n", errUnsupported},
		{"exit disabled", "exit(2)\n", runtime.ErrExitDisabled},
		{"missing file", "dofile(\"nope.lua\")\n", cellfs.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := fsTx(t, cellfs.File{Name: runtime.EntryPoint, Content: []byte(tt.src)})
			rt, err := runtime.New(sim.New(tx, sim.Config{}), vm.NewDefault(), runtime.Options{})
			require.NoError(t, err)

			_, err = rt.Boot(&lineInterpreter{})
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), runtime.EntryPoint+":1")
		})
	}
}

func TestLineInterpreterRecursion(t *testing.T) {
	tx := fsTx(t, cellfs.File{Name: runtime.EntryPoint, Content: []byte("dofile(\"main.lua\")\n")})
	rt, err := runtime.New(sim.New(tx, sim.Config{}), vm.NewDefault(), runtime.Options{})
	require.NoError(t, err)

	_, err = rt.Boot(&lineInterpreter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nested too deeply")
	assert.Zero(t, rt.Filesystem().Outstanding(), "every handle is released on the way out")
}

func testEnv(t *testing.T) (*env, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "cells.db")
	var out bytes.Buffer
	return &env{cfg: cfg, logger: log.NewNopLogger(), stdout: &out}, &out
}

func TestRunScript(t *testing.T) {
	dir := t.TempDir()
	blob, err := cellfs.Pack([]cellfs.File{{Name: runtime.EntryPoint, Content: []byte("print(\"from fs\")\nexit(5)\n")}})
	require.NoError(t, err)
	blobPath := filepath.Join(dir, "fs.bin")
	require.NoError(t, os.WriteFile(blobPath, blob, 0644))
	plainPath := filepath.Join(dir, "plain.lua")
	require.NoError(t, os.WriteFile(plainPath, []byte("print(\"plain\")\n"), 0644))

	e, out := testEnv(t)
	require.NoError(t, runScript(e, []string{plainPath}))
	assert.Equal(t, "plain\n", out.String())

	out.Reset()
	err = runScript(e, []string{"-entry", "1", "-fs", "-exit", "-metrics", plainPath, blobPath})
	assert.Equal(t, exitCode(5), err)
	assert.True(t, strings.HasPrefix(out.String(), "from fs\n"))
	assert.Contains(t, out.String(), `cellrt_host_exits_total{code="5"} 1`)

	assert.Error(t, runScript(e, nil))
	assert.Error(t, runScript(e, []string{"-entry", "4", plainPath}))
}

func TestCellsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "lib.lua")
	require.NoError(t, os.WriteFile(dataPath, []byte("print(\"stored\")\n"), 0644))

	e, out := testEnv(t)
	require.NoError(t, runCells(e, []string{"add", "-type-args", "0102", dataPath}))
	line := strings.SplitN(out.String(), " ", 2)[0]
	op, err := types.ParseOutPoint(line)
	require.NoError(t, err)

	fixture := filepath.Join(dir, "cells.cbor")
	require.NoError(t, runCells(e, []string{"export", fixture}))

	out.Reset()
	require.NoError(t, runScript(e, []string{"-cells", op.String()}))
	assert.Equal(t, "stored\n", out.String())

	e2, out2 := testEnv(t)
	require.NoError(t, runCells(e2, []string{"import", fixture}))
	require.NoError(t, runCells(e2, []string{"list"}))
	assert.Contains(t, out2.String(), op.String())
	assert.Contains(t, out2.String(), "1 cells")

	assert.Error(t, runCells(e, []string{"bogus"}))
	assert.Error(t, runCells(e, nil))
}
