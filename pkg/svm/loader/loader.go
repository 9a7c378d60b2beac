// Package loader inspects sBPF ELF images before they are mapped into a
// frame.
//
// It does not prepare code for execution. It validates the ELF header and
// sections, locates the text section and scans the relocation tables for
// calls to external symbols. Those symbols are the syscalls the program
// references, and the invoke context restricts the program's syscall table
// to them.
package loader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/fortiblox/x1-invoke/pkg/svm/syscall"
)

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

const (
	elfClass64 = 2
	elfDataLSB = 1

	elfMachineBPF  = 247
	elfMachineSBPF = 263

	elfTypeExec = 2
	elfTypeDyn  = 3

	headerSize  = 64
	sectionSize = 64
	symbolSize  = 24

	shtNobits = 8
	sttFunc   = 2

	// rBPF64_32 patches the immediate of a call instruction.
	rBPF64_32 = 10
)

// ELF errors.
var (
	ErrInvalidELF         = errors.New("invalid ELF file")
	ErrUnsupportedClass   = errors.New("unsupported ELF class (expected 64-bit)")
	ErrUnsupportedEndian  = errors.New("unsupported endianness (expected little-endian)")
	ErrUnsupportedMachine = errors.New("unsupported machine type (expected BPF/sBPF)")
	ErrNoTextSection      = errors.New("no .text section found")
	ErrInvalidSection     = errors.New("invalid section")
	ErrTooLarge           = errors.New("ELF file too large")
)

// Limits.
const (
	MaxELFSize     = 10 * 1024 * 1024
	MaxSections    = 256
	MaxSymbols     = 100000
	MaxRelocations = 100000
)

// Image is what the loader learned about a program.
type Image struct {
	// Entry is the entry point as an instruction index into the text.
	Entry uint64

	// TextSize is the size of the text section in bytes.
	TextSize uint64

	// Syscalls holds the murmur3 hashes of the external symbols the
	// program calls, sorted and without duplicates.
	Syscalls []uint32
}

type header struct {
	class, data uint8
	typ         uint16
	machine     uint16
	entry       uint64
	shoff       uint64
	shentsize   uint16
	shnum       uint16
	shstrndx    uint16
}

type section struct {
	name    string
	nameOff uint32
	typ     uint32
	addr    uint64
	offset  uint64
	size    uint64
	link    uint32
	entsize uint64
}

type symbol struct {
	name  uint32
	info  uint8
	shndx uint16
}

// IsELF reports whether code starts with the ELF magic.
func IsELF(code []byte) bool {
	return len(code) >= len(elfMagic) && bytes.Equal(code[:len(elfMagic)], elfMagic)
}

// Load parses an ELF image.
func Load(data []byte) (*Image, error) {
	if len(data) > MaxELFSize {
		return nil, ErrTooLarge
	}
	h, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	sections, err := parseSections(data, h)
	if err != nil {
		return nil, err
	}

	text := find(sections, ".text")
	if text == nil {
		return nil, ErrNoTextSection
	}
	if text.size%8 != 0 || text.offset+text.size > uint64(len(data)) {
		return nil, fmt.Errorf("%w: .text", ErrInvalidSection)
	}

	img := &Image{TextSize: text.size}
	if h.entry >= text.addr {
		img.Entry = (h.entry - text.addr) / 8
	}

	seen := make(map[uint32]struct{})
	for _, sec := range sections {
		if sec.name != ".rel.dyn" && sec.name != ".rel.text" {
			continue
		}
		if int(sec.link) >= len(sections) {
			return nil, fmt.Errorf("%w: %s links to section %d", ErrInvalidSection, sec.name, sec.link)
		}
		symtab := &sections[sec.link]
		if int(symtab.link) >= len(sections) {
			return nil, fmt.Errorf("%w: %s links to section %d", ErrInvalidSection, symtab.name, symtab.link)
		}
		symbols, err := parseSymbols(data, symtab)
		if err != nil {
			return nil, err
		}
		strtab, err := sectionData(data, &sections[symtab.link])
		if err != nil {
			return nil, err
		}
		if err := scanRelocations(data, &sec, text.size, symbols, strtab, seen); err != nil {
			return nil, err
		}
	}

	img.Syscalls = make([]uint32, 0, len(seen))
	for hash := range seen {
		img.Syscalls = append(img.Syscalls, hash)
	}
	sort.Slice(img.Syscalls, func(i, j int) bool { return img.Syscalls[i] < img.Syscalls[j] })
	return img, nil
}

func parseHeader(data []byte) (*header, error) {
	if len(data) < headerSize || !IsELF(data) {
		return nil, ErrInvalidELF
	}
	le := binary.LittleEndian
	h := &header{
		class:     data[4],
		data:      data[5],
		typ:       le.Uint16(data[16:]),
		machine:   le.Uint16(data[18:]),
		entry:     le.Uint64(data[24:]),
		shoff:     le.Uint64(data[40:]),
		shentsize: le.Uint16(data[58:]),
		shnum:     le.Uint16(data[60:]),
		shstrndx:  le.Uint16(data[62:]),
	}
	switch {
	case h.class != elfClass64:
		return nil, ErrUnsupportedClass
	case h.data != elfDataLSB:
		return nil, ErrUnsupportedEndian
	case h.machine != elfMachineBPF && h.machine != elfMachineSBPF:
		return nil, ErrUnsupportedMachine
	case h.typ != elfTypeExec && h.typ != elfTypeDyn:
		return nil, fmt.Errorf("%w: unsupported ELF type %d", ErrInvalidELF, h.typ)
	}
	return h, nil
}

func parseSections(data []byte, h *header) ([]section, error) {
	if h.shnum == 0 {
		return nil, nil
	}
	if h.shnum > MaxSections {
		return nil, fmt.Errorf("%w: %d sections", ErrInvalidELF, h.shnum)
	}
	if h.shentsize < sectionSize {
		return nil, fmt.Errorf("%w: section header size %d", ErrInvalidELF, h.shentsize)
	}
	end := h.shoff + uint64(h.shentsize)*uint64(h.shnum)
	if end < h.shoff || end > uint64(len(data)) {
		return nil, fmt.Errorf("%w: section headers out of bounds", ErrInvalidELF)
	}

	le := binary.LittleEndian
	sections := make([]section, h.shnum)
	for i := range sections {
		raw := data[h.shoff+uint64(i)*uint64(h.shentsize):]
		sections[i] = section{
			nameOff: le.Uint32(raw[0:]),
			typ:     le.Uint32(raw[4:]),
			addr:    le.Uint64(raw[16:]),
			offset:  le.Uint64(raw[24:]),
			size:    le.Uint64(raw[32:]),
			link:    le.Uint32(raw[40:]),
			entsize: le.Uint64(raw[56:]),
		}
	}

	if int(h.shstrndx) >= len(sections) {
		return nil, fmt.Errorf("%w: section name table %d", ErrInvalidSection, h.shstrndx)
	}
	names, err := sectionData(data, &sections[h.shstrndx])
	if err != nil {
		return nil, err
	}
	for i := range sections {
		sections[i].name = cstring(names, sections[i].nameOff)
	}
	return sections, nil
}

func find(sections []section, name string) *section {
	for i := range sections {
		if sections[i].name == name {
			return &sections[i]
		}
	}
	return nil
}

func sectionData(data []byte, sec *section) ([]byte, error) {
	if sec.typ == shtNobits {
		return nil, nil
	}
	end := sec.offset + sec.size
	if end < sec.offset || end > uint64(len(data)) {
		return nil, fmt.Errorf("%w: %q out of bounds", ErrInvalidSection, sec.name)
	}
	return data[sec.offset:end], nil
}

func parseSymbols(data []byte, sec *section) ([]symbol, error) {
	raw, err := sectionData(data, sec)
	if err != nil {
		return nil, err
	}
	entsize := sec.entsize
	if entsize == 0 {
		entsize = symbolSize
	}
	if entsize < symbolSize {
		return nil, fmt.Errorf("%w: symbol size %d", ErrInvalidSection, entsize)
	}
	n := uint64(len(raw)) / entsize
	if n > MaxSymbols {
		return nil, fmt.Errorf("%w: %d symbols", ErrInvalidELF, n)
	}
	symbols := make([]symbol, n)
	for i := range symbols {
		off := uint64(i) * entsize
		symbols[i] = symbol{
			name:  binary.LittleEndian.Uint32(raw[off:]),
			info:  raw[off+4],
			shndx: binary.LittleEndian.Uint16(raw[off+6:]),
		}
	}
	return symbols, nil
}

// scanRelocations records the hash of every undefined symbol patched into
// a call instruction.
func scanRelocations(data []byte, sec *section, textSize uint64, symbols []symbol, strtab []byte, seen map[uint32]struct{}) error {
	raw, err := sectionData(data, sec)
	if err != nil {
		return err
	}
	entsize := sec.entsize
	if entsize == 0 {
		entsize = 16
	}
	if entsize < 16 {
		return fmt.Errorf("%w: relocation size %d", ErrInvalidSection, entsize)
	}
	n := uint64(len(raw)) / entsize
	if n > MaxRelocations {
		return fmt.Errorf("%w: %d relocations", ErrInvalidELF, n)
	}
	for i := uint64(0); i < n; i++ {
		off := i * entsize
		offset := binary.LittleEndian.Uint64(raw[off:])
		info := binary.LittleEndian.Uint64(raw[off+8:])
		symIdx := info >> 32
		if uint32(info) != rBPF64_32 || symIdx >= uint64(len(symbols)) || offset >= textSize {
			continue
		}
		sym := symbols[symIdx]
		if sym.shndx != 0 || sym.info&0xf > sttFunc {
			continue
		}
		name := cstring(strtab, sym.name)
		if name == "" {
			continue
		}
		seen[syscall.Murmur3Hash(name)] = struct{}{}
	}
	return nil
}

func cstring(tab []byte, off uint32) string {
	if uint64(off) >= uint64(len(tab)) {
		return ""
	}
	s := tab[off:]
	if end := bytes.IndexByte(s, 0); end >= 0 {
		s = s[:end]
	}
	return string(s)
}
