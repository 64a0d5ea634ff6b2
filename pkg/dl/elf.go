package dl

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ELF magic bytes.
var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// ELF class.
const (
	elfClass64 = 2 // 64-bit
)

// ELF data encoding.
const (
	elfDataLSB = 1 // Little endian
)

// ELF machine type.
const (
	elfMachineRISCV = 243
)

// ELF type.
const (
	elfTypeExec = 2 // Executable
	elfTypeDyn  = 3 // Shared object
)

// Program header types.
const (
	ptLoad = 1
)

// Section types.
const (
	shtNobits = 8 // .bss (no data in file)
)

// Symbol binding.
const (
	stbLocal  = 0
	stbGlobal = 1
	stbWeak   = 2
)

// Relocation types for RISC-V.
const (
	rRISCV64       = 2 // S + A
	rRISCVRelative = 3 // B + A
)

// Entry sizes.
const (
	ehdrSize = 64
	phdrSize = 56
	shdrSize = 64
	symSize  = 24
	relaSize = 24
)

// Maximum sizes.
const (
	MaxSections    = 256    // Max number of sections
	MaxSegments    = 64     // Max number of program headers
	MaxSymbols     = 100000 // Max number of symbols
	MaxRelocations = 100000 // Max number of relocations
)

// ELFHeader represents the ELF64 header.
type ELFHeader struct {
	Class     uint8
	Data      uint8
	Type      uint16
	Machine   uint16
	Entry     uint64
	PHOff     uint64
	SHOff     uint64
	PHEntSize uint16
	PHNum     uint16
	SHEntSize uint16
	SHNum     uint16
	SHStrNdx  uint16
}

// ProgramHeader represents an ELF64 program header.
type ProgramHeader struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	VAddr  uint64
	FileSz uint64
	MemSz  uint64
	Align  uint64
}

// SectionHeader represents an ELF64 section header.
type SectionHeader struct {
	Name    uint32
	Type    uint32
	Flags   uint64
	Addr    uint64
	Offset  uint64
	Size    uint64
	Link    uint32
	Info    uint32
	EntSize uint64
}

// Symbol represents an ELF64 symbol.
type Symbol struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Value uint64
	Size  uint64
}

// Rela represents an ELF64 relocation with addend.
type Rela struct {
	Offset uint64
	Info   uint64
	Addend int64
}

// parseHeader parses the ELF header.
func parseHeader(data []byte) (*ELFHeader, error) {
	if len(data) < ehdrSize {
		return nil, ErrInvalidELF
	}

	// Check magic
	if !bytes.Equal(data[0:4], elfMagic) {
		return nil, ErrInvalidELF
	}

	return &ELFHeader{
		Class:     data[4],
		Data:      data[5],
		Type:      binary.LittleEndian.Uint16(data[16:18]),
		Machine:   binary.LittleEndian.Uint16(data[18:20]),
		Entry:     binary.LittleEndian.Uint64(data[24:32]),
		PHOff:     binary.LittleEndian.Uint64(data[32:40]),
		SHOff:     binary.LittleEndian.Uint64(data[40:48]),
		PHEntSize: binary.LittleEndian.Uint16(data[54:56]),
		PHNum:     binary.LittleEndian.Uint16(data[56:58]),
		SHEntSize: binary.LittleEndian.Uint16(data[58:60]),
		SHNum:     binary.LittleEndian.Uint16(data[60:62]),
		SHStrNdx:  binary.LittleEndian.Uint16(data[62:64]),
	}, nil
}

// validateHeader validates the ELF header.
func validateHeader(h *ELFHeader) error {
	if h.Class != elfClass64 {
		return ErrUnsupportedClass
	}

	if h.Data != elfDataLSB {
		return ErrUnsupportedEndian
	}

	if h.Machine != elfMachineRISCV {
		return ErrUnsupportedMachine
	}

	if h.Type != elfTypeDyn && h.Type != elfTypeExec {
		return fmt.Errorf("%w: unsupported ELF type %d", ErrInvalidELF, h.Type)
	}

	return nil
}

// inFile reports whether [off, off+size) lies within data.
func inFile(data []byte, off, size uint64) bool {
	return off <= uint64(len(data)) && size <= uint64(len(data))-off
}

// parseProgramHeaders parses the program headers.
func parseProgramHeaders(data []byte, header *ELFHeader) ([]ProgramHeader, error) {
	if header.PHNum > MaxSegments {
		return nil, fmt.Errorf("%w: too many segments", ErrInvalidELF)
	}
	if header.PHNum > 0 && header.PHEntSize < phdrSize {
		return nil, fmt.Errorf("%w: program header size %d", ErrInvalidELF, header.PHEntSize)
	}
	if !inFile(data, header.PHOff, uint64(header.PHEntSize)*uint64(header.PHNum)) {
		return nil, ErrInvalidELF
	}

	segs := make([]ProgramHeader, header.PHNum)
	for i := range segs {
		off := header.PHOff + uint64(i)*uint64(header.PHEntSize)
		p := &segs[i]
		p.Type = binary.LittleEndian.Uint32(data[off : off+4])
		p.Flags = binary.LittleEndian.Uint32(data[off+4 : off+8])
		p.Offset = binary.LittleEndian.Uint64(data[off+8 : off+16])
		p.VAddr = binary.LittleEndian.Uint64(data[off+16 : off+24])
		p.FileSz = binary.LittleEndian.Uint64(data[off+32 : off+40])
		p.MemSz = binary.LittleEndian.Uint64(data[off+40 : off+48])
		p.Align = binary.LittleEndian.Uint64(data[off+48 : off+56])
	}
	return segs, nil
}

// parseSectionHeaders parses section headers.
func parseSectionHeaders(data []byte, header *ELFHeader) ([]SectionHeader, error) {
	if header.SHNum == 0 {
		return nil, nil
	}

	if header.SHNum > MaxSections {
		return nil, fmt.Errorf("%w: too many sections", ErrInvalidELF)
	}
	if header.SHEntSize < shdrSize {
		return nil, fmt.Errorf("%w: section header size %d", ErrInvalidELF, header.SHEntSize)
	}

	if !inFile(data, header.SHOff, uint64(header.SHEntSize)*uint64(header.SHNum)) {
		return nil, ErrInvalidELF
	}

	sections := make([]SectionHeader, header.SHNum)
	for i := uint16(0); i < header.SHNum; i++ {
		off := header.SHOff + uint64(i)*uint64(header.SHEntSize)
		sec := &sections[i]
		sec.Name = binary.LittleEndian.Uint32(data[off : off+4])
		sec.Type = binary.LittleEndian.Uint32(data[off+4 : off+8])
		sec.Flags = binary.LittleEndian.Uint64(data[off+8 : off+16])
		sec.Addr = binary.LittleEndian.Uint64(data[off+16 : off+24])
		sec.Offset = binary.LittleEndian.Uint64(data[off+24 : off+32])
		sec.Size = binary.LittleEndian.Uint64(data[off+32 : off+40])
		sec.Link = binary.LittleEndian.Uint32(data[off+40 : off+44])
		sec.Info = binary.LittleEndian.Uint32(data[off+44 : off+48])
		sec.EntSize = binary.LittleEndian.Uint64(data[off+56 : off+64])
	}

	return sections, nil
}

// getSectionNames extracts section names from the string table.
func getSectionNames(data []byte, sections []SectionHeader, shstrndx uint16) ([]string, error) {
	if shstrndx >= uint16(len(sections)) {
		return nil, ErrInvalidSection
	}

	strtab := &sections[shstrndx]
	if !inFile(data, strtab.Offset, strtab.Size) {
		return nil, ErrInvalidSection
	}

	strtabData := data[strtab.Offset : strtab.Offset+strtab.Size]
	names := make([]string, len(sections))
	for i, sec := range sections {
		names[i] = getSymbolName(strtabData, sec.Name)
	}

	return names, nil
}

// findSection finds a section by name.
func findSection(sections []SectionHeader, names []string, name string) *SectionHeader {
	for i, n := range names {
		if n == name {
			return &sections[i]
		}
	}
	return nil
}

// sectionData returns the bytes of a section in the file.
func sectionData(data []byte, section *SectionHeader) ([]byte, error) {
	if section.Type == shtNobits {
		return nil, nil
	}
	if !inFile(data, section.Offset, section.Size) {
		return nil, ErrInvalidSection
	}
	return data[section.Offset : section.Offset+section.Size], nil
}

// parseSymbols parses a symbol table.
func parseSymbols(data []byte, section *SectionHeader) ([]Symbol, error) {
	entSize := section.EntSize
	if entSize == 0 {
		entSize = symSize // Standard ELF64 symbol size
	}
	if entSize < symSize {
		return nil, fmt.Errorf("%w: symbol size %d", ErrInvalidSymbol, entSize)
	}

	numSymbols := section.Size / entSize
	if numSymbols > MaxSymbols {
		return nil, fmt.Errorf("%w: too many symbols", ErrInvalidELF)
	}

	if !inFile(data, section.Offset, section.Size) {
		return nil, ErrInvalidSection
	}

	symbols := make([]Symbol, numSymbols)
	for i := uint64(0); i < numSymbols; i++ {
		off := section.Offset + i*entSize
		sym := &symbols[i]
		sym.Name = binary.LittleEndian.Uint32(data[off : off+4])
		sym.Info = data[off+4]
		sym.Other = data[off+5]
		sym.Shndx = binary.LittleEndian.Uint16(data[off+6 : off+8])
		sym.Value = binary.LittleEndian.Uint64(data[off+8 : off+16])
		sym.Size = binary.LittleEndian.Uint64(data[off+16 : off+24])
	}

	return symbols, nil
}

// parseRelas parses a relocation table with addends.
func parseRelas(data []byte, section *SectionHeader) ([]Rela, error) {
	entSize := section.EntSize
	if entSize == 0 {
		entSize = relaSize // Standard ELF64 Rela size
	}
	if entSize < relaSize {
		return nil, fmt.Errorf("%w: relocation size %d", ErrRelocationFailed, entSize)
	}

	numRelas := section.Size / entSize
	if numRelas > MaxRelocations {
		return nil, fmt.Errorf("%w: too many relocations", ErrInvalidELF)
	}

	if !inFile(data, section.Offset, section.Size) {
		return nil, ErrInvalidSection
	}

	relas := make([]Rela, numRelas)
	for i := uint64(0); i < numRelas; i++ {
		off := section.Offset + i*entSize
		relas[i] = Rela{
			Offset: binary.LittleEndian.Uint64(data[off : off+8]),
			Info:   binary.LittleEndian.Uint64(data[off+8 : off+16]),
			Addend: int64(binary.LittleEndian.Uint64(data[off+16 : off+24])),
		}
	}
	return relas, nil
}

// getSymbolName gets a name from a string table.
func getSymbolName(strtab []byte, nameOffset uint32) string {
	if nameOffset >= uint32(len(strtab)) {
		return ""
	}
	end := bytes.IndexByte(strtab[nameOffset:], 0)
	if end == -1 {
		end = len(strtab) - int(nameOffset)
	}
	return string(strtab[nameOffset : nameOffset+uint32(end)])
}
