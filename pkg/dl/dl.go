// Package dl links RISC-V ELF shared objects in place inside a staging
// buffer of guest memory.
//
// The staging buffer holds the library's file bytes on entry. Link lays the
// loadable segments out at their virtual addresses relative to the buffer's
// base, zeroes bss, applies relocations and returns the exported symbols.
// The number of bytes the image occupies is rounded up to the page size.
package dl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/fortiblox/cellrt/pkg/vm"
)

// ELF errors.
var (
	ErrInvalidELF         = errors.New("invalid ELF file")
	ErrUnsupportedClass   = errors.New("unsupported ELF class (expected 64-bit)")
	ErrUnsupportedEndian  = errors.New("unsupported endianness (expected little-endian)")
	ErrUnsupportedMachine = errors.New("unsupported machine type (expected RISC-V)")
	ErrInvalidSection     = errors.New("invalid section")
	ErrInvalidSymbol      = errors.New("invalid symbol")
	ErrRelocationFailed   = errors.New("relocation failed")
	ErrNoSegments         = errors.New("no loadable segments")
	ErrTooLarge           = errors.New("library does not fit the staging buffer")
)

// Library is a linked shared object.
type Library struct {
	// Base is the guest address the image was linked at.
	Base vm.Ptr

	// Consumed is the number of staging bytes the image occupies.
	Consumed uint64

	symbols map[string]uint64
}

// NewLibrary describes a library already laid out at base. Symbol values
// are relative to base.
func NewLibrary(base vm.Ptr, consumed uint64, symbols map[string]uint64) *Library {
	if symbols == nil {
		symbols = make(map[string]uint64)
	}
	return &Library{Base: base, Consumed: consumed, symbols: symbols}
}

// Symbol returns the guest address of an exported symbol.
func (l *Library) Symbol(name string) (vm.Ptr, bool) {
	v, ok := l.symbols[name]
	if !ok {
		return 0, false
	}
	return l.Base + v, true
}

// Symbols returns the exported symbol names, sorted.
func (l *Library) Symbols() []string {
	names := make([]string, 0, len(l.symbols))
	for n := range l.symbols {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Loader links libraries.
type Loader struct {
	pageSize uint64
}

// NewLoader creates a loader rounding images to pageSize.
func NewLoader(pageSize uint64) *Loader {
	if pageSize == 0 {
		pageSize = vm.PageSize
	}
	return &Loader{pageSize: pageSize}
}

// Link links the ELF file occupying the first size bytes of image, which is
// mapped in guest memory at base. The whole of image is available for the
// laid-out segments.
func (l *Loader) Link(image []byte, base vm.Ptr, size uint64) (*Library, error) {
	if size > uint64(len(image)) {
		return nil, fmt.Errorf("%w: file of %d bytes in %d byte buffer", ErrTooLarge, size, len(image))
	}
	data := image[:size]

	header, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	if err := validateHeader(header); err != nil {
		return nil, err
	}

	segs, err := parseProgramHeaders(data, header)
	if err != nil {
		return nil, err
	}
	var loads []ProgramHeader
	var end uint64
	for _, p := range segs {
		if p.Type != ptLoad {
			continue
		}
		if p.FileSz > p.MemSz || !inFile(data, p.Offset, p.FileSz) {
			return nil, fmt.Errorf("%w: segment at 0x%x", ErrInvalidELF, p.VAddr)
		}
		if p.VAddr < p.Offset && p.FileSz > 0 {
			return nil, fmt.Errorf("%w: segment at 0x%x precedes its file offset", ErrInvalidELF, p.VAddr)
		}
		if p.MemSz > uint64(len(image)) || p.VAddr > uint64(len(image))-p.MemSz {
			return nil, fmt.Errorf("%w: segment [0x%x, +0x%x)", ErrTooLarge, p.VAddr, p.MemSz)
		}
		loads = append(loads, p)
		if e := p.VAddr + p.MemSz; e > end {
			end = e
		}
	}
	if len(loads) == 0 {
		return nil, ErrNoSegments
	}
	consumed := vm.AlignUp(end, l.pageSize)
	if consumed > uint64(len(image)) {
		return nil, fmt.Errorf("%w: needs %d bytes", ErrTooLarge, consumed)
	}

	// Symbols and relocations are read from the file before the layout
	// overwrites it.
	symbols, relocs, err := l.dynamic(data, header)
	if err != nil {
		return nil, err
	}

	sort.Slice(loads, func(i, j int) bool { return loads[i].Offset < loads[j].Offset })
	for i := len(loads) - 1; i >= 0; i-- {
		p := loads[i]
		copy(image[p.VAddr:p.VAddr+p.FileSz], image[p.Offset:p.Offset+p.FileSz])
	}
	// Zero everything the segments' file bytes do not cover, bss included.
	covered := uint64(0)
	for _, p := range sortByAddr(loads) {
		if p.VAddr > covered {
			clear(image[covered:p.VAddr])
		}
		clear(image[p.VAddr+p.FileSz : p.VAddr+p.MemSz])
		covered = max(covered, p.VAddr+p.MemSz)
	}
	clear(image[covered:consumed])

	exports := make(map[string]uint64, len(symbols))
	for _, s := range symbols {
		exports[s.name] = s.value
	}
	lib := NewLibrary(base, consumed, exports)

	for _, r := range relocs {
		if r.offset > consumed-8 {
			return nil, fmt.Errorf("%w: offset 0x%x outside image", ErrRelocationFailed, r.offset)
		}
		binary.LittleEndian.PutUint64(image[r.offset:], base+r.value)
	}
	return lib, nil
}

type export struct {
	name  string
	value uint64
}

type reloc struct {
	offset uint64
	value  uint64
}

// dynamic reads the exported symbols and resolves the relocations to
// image-relative values.
func (l *Loader) dynamic(data []byte, header *ELFHeader) ([]export, []reloc, error) {
	sections, err := parseSectionHeaders(data, header)
	if err != nil {
		return nil, nil, err
	}
	if len(sections) == 0 {
		return nil, nil, nil
	}
	names, err := getSectionNames(data, sections, header.SHStrNdx)
	if err != nil {
		return nil, nil, err
	}

	var symbols []Symbol
	var strtab []byte
	dynsym := findSection(sections, names, ".dynsym")
	dynstr := findSection(sections, names, ".dynstr")
	if dynsym != nil && dynstr != nil {
		if symbols, err = parseSymbols(data, dynsym); err != nil {
			return nil, nil, err
		}
		if strtab, err = sectionData(data, dynstr); err != nil {
			return nil, nil, err
		}
	}

	var exports []export
	for _, sym := range symbols {
		bind := sym.Info >> 4
		if sym.Shndx == 0 || (bind != stbGlobal && bind != stbWeak) {
			continue
		}
		if name := getSymbolName(strtab, sym.Name); name != "" {
			exports = append(exports, export{name: name, value: sym.Value})
		}
	}

	var relocs []reloc
	if sec := findSection(sections, names, ".rela.dyn"); sec != nil {
		relas, err := parseRelas(data, sec)
		if err != nil {
			return nil, nil, err
		}
		for _, r := range relas {
			symIdx := r.Info >> 32
			switch relType := uint32(r.Info); relType {
			case rRISCVRelative:
				relocs = append(relocs, reloc{offset: r.Offset, value: uint64(r.Addend)})
			case rRISCV64:
				if symIdx >= uint64(len(symbols)) || symbols[symIdx].Shndx == 0 {
					return nil, nil, fmt.Errorf("%w: undefined symbol %d", ErrRelocationFailed, symIdx)
				}
				relocs = append(relocs, reloc{offset: r.Offset, value: symbols[symIdx].Value + uint64(r.Addend)})
			default:
				return nil, nil, fmt.Errorf("%w: unsupported type %d", ErrRelocationFailed, relType)
			}
		}
	}
	return exports, relocs, nil
}

func sortByAddr(loads []ProgramHeader) []ProgramHeader {
	out := append([]ProgramHeader(nil), loads...)
	sort.Slice(out, func(i, j int) bool { return out[i].VAddr < out[j].VAddr })
	return out
}
