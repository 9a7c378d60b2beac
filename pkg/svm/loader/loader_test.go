package loader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
	"sort"
	"testing"

	"github.com/fortiblox/x1-invoke/pkg/svm/syscall"
)

// buildELF assembles a minimal sBPF shared object whose text calls each of
// calls through a relocation against an undefined symbol. It also calls a
// local function, which must not count as a syscall.
func buildELF(calls ...string) []byte {
	le := binary.LittleEndian

	names := []string{"entrypoint"}
	index := map[string]uint64{"entrypoint": 1}
	for _, c := range calls {
		if _, ok := index[c]; !ok {
			names = append(names, c)
			index[c] = uint64(len(names))
		}
	}

	text := make([]byte, 8*(len(calls)+2))
	var rel []byte
	for i, c := range append(calls, "entrypoint") {
		text[i*8] = 0x85
		rel = le.AppendUint64(rel, uint64(i*8))
		rel = le.AppendUint64(rel, index[c]<<32|rBPF64_32)
	}
	text[len(text)-8] = 0x95

	dynstr := []byte{0}
	dynsym := make([]byte, symbolSize)
	for i, name := range names {
		sym := make([]byte, symbolSize)
		le.PutUint32(sym[0:], uint32(len(dynstr)))
		sym[4] = 0x10 | sttFunc
		if i == 0 {
			le.PutUint16(sym[6:], 1)
		}
		dynsym = append(dynsym, sym...)
		dynstr = append(append(dynstr, name...), 0)
	}

	shstr := []byte("\x00.text\x00.dynsym\x00.dynstr\x00.rel.dyn\x00.shstrtab\x00")
	nameOff := func(name string) uint32 {
		return uint32(bytes.Index(shstr, []byte("\x00"+name+"\x00")) + 1)
	}
	sections := []struct {
		name    string
		typ     uint32
		data    []byte
		link    uint32
		entsize uint64
	}{
		{".text", 1, text, 0, 0},
		{".dynsym", 11, dynsym, 3, symbolSize},
		{".dynstr", 3, dynstr, 0, 0},
		{".rel.dyn", 9, rel, 2, 16},
		{".shstrtab", 3, shstr, 0, 0},
	}

	out := make([]byte, headerSize)
	headers := make([]byte, sectionSize)
	for _, s := range sections {
		sh := make([]byte, sectionSize)
		le.PutUint32(sh[0:], nameOff(s.name))
		le.PutUint32(sh[4:], s.typ)
		le.PutUint64(sh[24:], uint64(len(out)))
		le.PutUint64(sh[32:], uint64(len(s.data)))
		le.PutUint32(sh[40:], s.link)
		le.PutUint64(sh[56:], s.entsize)
		headers = append(headers, sh...)
		out = append(out, s.data...)
	}
	shoff := len(out)
	out = append(out, headers...)

	copy(out, elfMagic)
	out[4] = elfClass64
	out[5] = elfDataLSB
	out[6] = 1
	le.PutUint16(out[16:], elfTypeDyn)
	le.PutUint16(out[18:], elfMachineSBPF)
	le.PutUint32(out[20:], 1)
	le.PutUint64(out[40:], uint64(shoff))
	le.PutUint16(out[52:], headerSize)
	le.PutUint16(out[58:], sectionSize)
	le.PutUint16(out[60:], uint16(len(sections)+1))
	le.PutUint16(out[62:], uint16(len(sections)))
	return out
}

func TestLoadSyscalls(t *testing.T) {
	img, err := Load(buildELF("sol_log_", "abort", "sol_log_"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := []uint32{syscall.Murmur3Hash("sol_log_"), syscall.Murmur3Hash("abort")}
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
	if !reflect.DeepEqual(img.Syscalls, want) {
		t.Errorf("Syscalls = %08x, want %08x", img.Syscalls, want)
	}
	if img.TextSize != 40 {
		t.Errorf("TextSize = %d, want 40", img.TextSize)
	}
	if img.Entry != 0 {
		t.Errorf("Entry = %d, want 0", img.Entry)
	}
}

func TestLoadWithoutSyscalls(t *testing.T) {
	img, err := Load(buildELF())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if img.Syscalls == nil || len(img.Syscalls) != 0 {
		t.Errorf("Syscalls = %v, want empty", img.Syscalls)
	}
}

func TestLoadInvalidELF(t *testing.T) {
	corrupt := func(f func(b []byte)) []byte {
		b := buildELF("sol_log_")
		f(b)
		return b
	}
	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"empty", []byte{}, ErrInvalidELF},
		{"too short", []byte{0x7f, 'E', 'L', 'F'}, ErrInvalidELF},
		{"wrong magic", make([]byte, 64), ErrInvalidELF},
		{"32-bit", corrupt(func(b []byte) { b[4] = 1 }), ErrUnsupportedClass},
		{"big endian", corrupt(func(b []byte) { b[5] = 2 }), ErrUnsupportedEndian},
		{"x86", corrupt(func(b []byte) { b[18] = 62 }), ErrUnsupportedMachine},
		{"relocatable", corrupt(func(b []byte) { b[16] = 1 }), ErrInvalidELF},
		{"headers out of bounds", corrupt(func(b []byte) { b[47] = 0x7f }), ErrInvalidELF},
		{"no text", corrupt(func(b []byte) {
			i := bytes.Index(b, []byte(".text\x00"))
			b[i+1] = 'x'
		}), ErrNoTextSection},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.data)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Load() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestIsELF(t *testing.T) {
	if !IsELF(buildELF()) {
		t.Error("IsELF(built image) = false")
	}
	if IsELF([]byte{0x95, 0, 0, 0, 0, 0, 0, 0}) {
		t.Error("IsELF(raw bytecode) = true")
	}
	if IsELF(nil) {
		t.Error("IsELF(nil) = true")
	}
}
