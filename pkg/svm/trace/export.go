package trace

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/fortiblox/x1-invoke/internal/types"
)

// Export format constants.
const (
	exportMagic   = "X1TR"
	exportVersion = byte(1)

	// maxLabelLen bounds a decoded label or outcome string.
	maxLabelLen = 4096
)

var (
	// ErrBadExport is returned when an exported trace cannot be decoded.
	ErrBadExport = errors.New("malformed trace export")
)

// encodeRaw writes the uncompressed binary form of entries:
//
//	magic (4) | version (1) | count (uvarint)
//	per entry: ordinal, depth, kind, label, consumed, outcome
//
// Integers are uvarints, strings are uvarint-length-prefixed.
func encodeRaw(entries []Entry) []byte {
	var buf bytes.Buffer
	buf.WriteString(exportMagic)
	buf.WriteByte(exportVersion)

	var scratch [binary.MaxVarintLen64]byte
	putUvarint := func(v uint64) {
		n := binary.PutUvarint(scratch[:], v)
		buf.Write(scratch[:n])
	}
	putString := func(s string) {
		putUvarint(uint64(len(s)))
		buf.WriteString(s)
	}

	putUvarint(uint64(len(entries)))
	for _, e := range entries {
		putUvarint(e.Ordinal)
		putUvarint(uint64(e.Depth))
		buf.WriteByte(byte(e.Kind))
		putString(e.Label)
		putUvarint(e.ComputeConsumed)
		putString(e.Outcome)
	}
	return buf.Bytes()
}

func decodeRaw(data []byte) ([]Entry, error) {
	r := bytes.NewReader(data)

	magic := make([]byte, len(exportMagic))
	if _, err := r.Read(magic); err != nil || string(magic) != exportMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrBadExport)
	}
	version, err := r.ReadByte()
	if err != nil || version != exportVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadExport, version)
	}

	readString := func() (string, error) {
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return "", err
		}
		if n > maxLabelLen || n > uint64(r.Len()) {
			return "", fmt.Errorf("%w: string length %d", ErrBadExport, n)
		}
		s := make([]byte, n)
		if _, err := r.Read(s); err != nil && n > 0 {
			return "", err
		}
		return string(s), nil
	}

	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadExport, err)
	}
	// Every entry takes at least six bytes.
	if count > uint64(r.Len())/6+1 {
		return nil, fmt.Errorf("%w: entry count %d", ErrBadExport, count)
	}

	entries := make([]Entry, 0, count)
	for i := uint64(0); i < count; i++ {
		var e Entry
		if e.Ordinal, err = binary.ReadUvarint(r); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrBadExport, i, err)
		}
		depth, err := binary.ReadUvarint(r)
		if err != nil || depth > uint64(^uint32(0)) {
			return nil, fmt.Errorf("%w: entry %d depth", ErrBadExport, i)
		}
		e.Depth = uint32(depth)
		kind, err := r.ReadByte()
		if err != nil || !Kind(kind).Valid() {
			return nil, fmt.Errorf("%w: entry %d kind", ErrBadExport, i)
		}
		e.Kind = Kind(kind)
		if e.Label, err = readString(); err != nil {
			return nil, fmt.Errorf("%w: entry %d label: %v", ErrBadExport, i, err)
		}
		if e.ComputeConsumed, err = binary.ReadUvarint(r); err != nil {
			return nil, fmt.Errorf("%w: entry %d consumed: %v", ErrBadExport, i, err)
		}
		if e.Outcome, err = readString(); err != nil {
			return nil, fmt.Errorf("%w: entry %d outcome: %v", ErrBadExport, i, err)
		}
		entries = append(entries, e)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadExport, r.Len())
	}
	return entries, nil
}

// Marshal encodes a drained trace and compresses it with zstd.
func Marshal(entries []Entry) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(encodeRaw(entries), nil), nil
}

// Unmarshal decodes the output of Marshal.
func Unmarshal(data []byte) ([]Entry, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadExport, err)
	}
	return decodeRaw(raw)
}

// Digest returns the blake3 digest of the uncompressed encoding of
// entries. Equal traces always have equal digests, independent of the
// compression level used by Marshal.
func Digest(entries []Entry) types.Hash {
	return types.Hash(blake3.Sum256(encodeRaw(entries)))
}
