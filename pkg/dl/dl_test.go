package dl

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testBase     = 0x100000
	textOff      = 176
	dynsymOff    = 192
	dynstrOff    = 264
	relaOff      = 280
	shstrOff     = 328
	dataOff      = 0x200
	dataAddr     = 0x1200
	shOff        = 0x210
	testFileSize = shOff + 7*shdrSize
)

var (
	testText   = []byte{0x13, 0x05, 0xa5, 0x00, 0x67, 0x80, 0x00, 0x00, 1, 2, 3, 4, 5, 6, 7, 8}
	testDynstr = "\x00add\x00table\x00"
	testShstr  = "\x00.text\x00.data\x00.dynsym\x00.dynstr\x00.rela.dyn\x00.shstrtab\x00"
)

type elfOpts struct {
	machine  uint16
	relaType uint32
	noLoad   bool
}

// buildELF writes a small RISC-V shared object: a text segment at 0 holding
// the headers and dynamic tables, and a data segment with bss at dataAddr.
func buildELF(o elfOpts) []byte {
	if o.machine == 0 {
		o.machine = elfMachineRISCV
	}
	if o.relaType == 0 {
		o.relaType = rRISCV64
	}
	le := binary.LittleEndian
	b := make([]byte, testFileSize)

	copy(b, elfMagic)
	b[4], b[5], b[6] = elfClass64, elfDataLSB, 1
	le.PutUint16(b[16:], elfTypeDyn)
	le.PutUint16(b[18:], o.machine)
	le.PutUint64(b[32:], ehdrSize)
	le.PutUint64(b[40:], shOff)
	le.PutUint16(b[54:], phdrSize)
	le.PutUint16(b[56:], 2)
	le.PutUint16(b[58:], shdrSize)
	le.PutUint16(b[60:], 7)
	le.PutUint16(b[62:], 6)

	phdr := func(i int, offset, vaddr, filesz, memsz uint64) {
		p := b[ehdrSize+i*phdrSize:]
		if !o.noLoad {
			le.PutUint32(p, ptLoad)
		}
		le.PutUint64(p[8:], offset)
		le.PutUint64(p[16:], vaddr)
		le.PutUint64(p[24:], vaddr)
		le.PutUint64(p[32:], filesz)
		le.PutUint64(p[40:], memsz)
		le.PutUint64(p[48:], 0x1000)
	}
	phdr(0, 0, 0, dataOff, dataOff)
	phdr(1, dataOff, dataAddr, 16, 0x100)

	copy(b[textOff:], testText)

	sym := func(i int, name uint32, info uint8, shndx uint16, value uint64) {
		s := b[dynsymOff+i*symSize:]
		le.PutUint32(s, name)
		s[4] = info
		le.PutUint16(s[6:], shndx)
		le.PutUint64(s[8:], value)
	}
	sym(1, 1, stbGlobal<<4|2, 1, textOff)
	sym(2, 5, stbGlobal<<4|1, 2, dataAddr)
	copy(b[dynstrOff:], testDynstr)

	rela := func(i int, offset, info uint64, addend int64) {
		r := b[relaOff+i*relaSize:]
		le.PutUint64(r, offset)
		le.PutUint64(r[8:], info)
		le.PutUint64(r[16:], uint64(addend))
	}
	rela(0, dataAddr, rRISCVRelative, textOff)
	rela(1, dataAddr+8, 2<<32|uint64(o.relaType), 8)
	copy(b[shstrOff:], testShstr)

	copy(b[dataOff:], []byte("DATADATADATADATA"))

	shdr := func(i int, name, typ uint32, offset, size, entsize uint64) {
		s := b[shOff+i*shdrSize:]
		le.PutUint32(s, name)
		le.PutUint32(s[4:], typ)
		le.PutUint64(s[24:], offset)
		le.PutUint64(s[32:], size)
		le.PutUint64(s[56:], entsize)
	}
	shdr(1, 1, 1, textOff, uint64(len(testText)), 0)
	shdr(2, 7, 1, dataOff, 16, 0)
	shdr(3, 13, 11, dynsymOff, 3*symSize, symSize)
	shdr(4, 21, 3, dynstrOff, uint64(len(testDynstr)), 0)
	shdr(5, 29, 4, relaOff, 2*relaSize, relaSize)
	shdr(6, 39, 3, shstrOff, uint64(len(testShstr)), 0)
	return b
}

func stage(file []byte, capacity int) []byte {
	image := make([]byte, capacity)
	for i := range image {
		image[i] = 0xff
	}
	copy(image, file)
	return image
}

func TestLink(t *testing.T) {
	file := buildELF(elfOpts{})
	image := stage(file, 16*1024)

	lib, err := NewLoader(0).Link(image, testBase, uint64(len(file)))
	require.NoError(t, err)

	assert.Equal(t, uint64(0x2000), lib.Consumed)
	assert.Equal(t, []string{"add", "table"}, lib.Symbols())

	add, ok := lib.Symbol("add")
	require.True(t, ok)
	assert.Equal(t, uint64(testBase+textOff), add)
	table, ok := lib.Symbol("table")
	require.True(t, ok)
	assert.Equal(t, uint64(testBase+dataAddr), table)
	_, ok = lib.Symbol("missing")
	assert.False(t, ok)

	assert.Equal(t, testText, image[textOff:textOff+len(testText)])
	assert.Equal(t, uint64(testBase+textOff), binary.LittleEndian.Uint64(image[dataAddr:]))
	assert.Equal(t, uint64(testBase+dataAddr+8), binary.LittleEndian.Uint64(image[dataAddr+8:]))

	for i := dataOff; i < dataAddr; i++ {
		require.Zero(t, image[i], "gap byte 0x%x", i)
	}
	for i := dataAddr + 16; i < 0x2000; i++ {
		require.Zero(t, image[i], "bss byte 0x%x", i)
	}
	assert.Equal(t, byte(0xff), image[0x2000], "bytes past the image are untouched")
}

func TestLinkConsumedIsPageMultiple(t *testing.T) {
	file := buildELF(elfOpts{})
	for _, page := range []uint64{0x1000, 0x800, 0x4000} {
		lib, err := NewLoader(page).Link(stage(file, 32*1024), testBase, uint64(len(file)))
		require.NoError(t, err)
		assert.Zero(t, lib.Consumed%page)
	}
}

func TestLinkErrors(t *testing.T) {
	good := buildELF(elfOpts{})

	tests := []struct {
		name     string
		file     []byte
		capacity int
		want     error
	}{
		{"wrong machine", buildELF(elfOpts{machine: 62}), 16 * 1024, ErrUnsupportedMachine},
		{"unsupported relocation", buildELF(elfOpts{relaType: 19}), 16 * 1024, ErrRelocationFailed},
		{"no loadable segment", buildELF(elfOpts{noLoad: true}), 16 * 1024, ErrNoSegments},
		{"does not fit", good, 0x1280, ErrTooLarge},
		{"not an ELF", make([]byte, 128), 16 * 1024, ErrInvalidELF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader(0).Link(stage(tt.file, tt.capacity), testBase, uint64(len(tt.file)))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := NewLoader(0).Link(make([]byte, 10), testBase, 20)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestParseHeader(t *testing.T) {
	parsed, err := parseHeader(buildELF(elfOpts{}))
	require.NoError(t, err)
	assert.Equal(t, uint8(elfClass64), parsed.Class)
	assert.Equal(t, uint8(elfDataLSB), parsed.Data)
	assert.Equal(t, uint16(elfMachineRISCV), parsed.Machine)
	assert.Equal(t, uint16(2), parsed.PHNum)
}

func TestValidateHeader(t *testing.T) {
	tests := []struct {
		name    string
		header  *ELFHeader
		wantErr bool
	}{
		{"valid shared object", &ELFHeader{Class: elfClass64, Data: elfDataLSB, Machine: elfMachineRISCV, Type: elfTypeDyn}, false},
		{"valid executable", &ELFHeader{Class: elfClass64, Data: elfDataLSB, Machine: elfMachineRISCV, Type: elfTypeExec}, false},
		{"invalid class", &ELFHeader{Class: 1, Data: elfDataLSB, Machine: elfMachineRISCV, Type: elfTypeDyn}, true},
		{"invalid endianness", &ELFHeader{Class: elfClass64, Data: 2, Machine: elfMachineRISCV, Type: elfTypeDyn}, true},
		{"invalid type", &ELFHeader{Class: elfClass64, Data: elfDataLSB, Machine: elfMachineRISCV, Type: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateHeader(tt.header)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateHeader() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetSymbolName(t *testing.T) {
	strtab := []byte("\x00hello\x00world\x00")

	tests := []struct {
		offset   uint32
		expected string
	}{
		{0, ""},
		{1, "hello"},
		{7, "world"},
		{100, ""},
	}

	for _, tt := range tests {
		result := getSymbolName(strtab, tt.offset)
		if result != tt.expected {
			t.Errorf("getSymbolName(strtab, %d) = %q, want %q", tt.offset, result, tt.expected)
		}
	}
}
