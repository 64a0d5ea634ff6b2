package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/cellrt/pkg/cellstore"
	"github.com/fortiblox/cellrt/pkg/host/sim"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	mem, err := cfg.Memory.NewMemory()
	require.NoError(t, err)
	assert.Equal(t, uint64(4<<20), mem.Size())
	assert.Equal(t, uint64(3<<20), mem.Ceiling())

	start, end := cfg.Heap.Range()
	assert.Zero(t, start)
	assert.Zero(t, end)
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
[memory]
size = "8 MiB"
ceiling = 6291456

[heap]
mode = "explicit"
start = "1 MiB"
end = "2 MiB"
classes = 16

[host]
hasher = "sha3-256"
max_cycles = 1000

[store]
backend = "badger"
path = "/tmp/cells"
compress_threshold = "1 KiB"

[log]
level = "debug"
`))
	require.NoError(t, err)

	assert.Equal(t, ByteSize(8<<20), cfg.Memory.Size)
	assert.Equal(t, ByteSize(6<<20), cfg.Memory.Ceiling)
	assert.Equal(t, ByteSize(64<<10), cfg.Memory.StaticEnd, "unset keys keep their defaults")

	start, end := cfg.Heap.Range()
	assert.Equal(t, uint64(1<<20), start)
	assert.Equal(t, uint64(2<<20), end)
	assert.Equal(t, 16, cfg.Heap.Config().Classes)

	hc, err := cfg.Host.SimConfig()
	require.NoError(t, err)
	assert.Equal(t, sim.HasherSHA3, hc.Hasher.Name())
	assert.Equal(t, uint64(1000), hc.MaxCycles)

	assert.Equal(t, cellstore.BackendBadger, cfg.Store.Backend)
	assert.Equal(t, ByteSize(1024), cfg.Store.CompressThreshold)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown key", "[memory]\nbogus = 1\n"},
		{"ceiling past size", "[memory]\nsize = 4096\nceiling = 8192\nstatic_end = 1024\n"},
		{"zero static end", "[memory]\nstatic_end = 0\n"},
		{"bad heap mode", "[heap]\nmode = \"stack\"\n"},
		{"explicit without range", "[heap]\nmode = \"explicit\"\n"},
		{"too many classes", "[heap]\nclasses = 65\n"},
		{"one class", "[heap]\nclasses = 1\n"},
		{"page size", "[loader]\npage_size = 3000\n"},
		{"staging not page multiple", "[loader]\nstaging_capacity = 5000\n"},
		{"hasher", "[host]\nhasher = \"md5\"\n"},
		{"backend", "[store]\nbackend = \"sqlite\"\n"},
		{"log level", "[log]\nlevel = \"loud\"\n"},
		{"bad size", "[memory]\nsize = \"lots\"\n"},
		{"syntax", "[memory\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte("[log]\nlevel = \"warn\"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)

	_, err = Load(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)
}

func TestByteSizeText(t *testing.T) {
	var b ByteSize
	require.NoError(t, b.UnmarshalText([]byte("4 MiB")))
	assert.Equal(t, ByteSize(4<<20), b)

	text, err := b.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "4.0 MiB", string(text))
}
