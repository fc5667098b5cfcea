package pack

import (
	"bytes"
	"fmt"
	"io"
)

// Delta streams begin with two varints (base size, result size) followed by
// copy and insert commands. A copy command has the high bit set; its low
// seven bits say which offset and size bytes follow. An insert command is a
// literal count between 1 and 127 followed by that many bytes.

const (
	// maxCopySize is the largest span one copy command can express with
	// three size bytes.
	maxCopySize = 0xffffff
	// maxInsertSize is the largest literal run one insert command carries.
	maxInsertSize = 127
)

func encodeVarint(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	out := make([]byte, 0, 10)
	for v > 0 {
		b := byte(v & 0x7f)
		v >>= 7
		if v > 0 {
			b |= 0x80
		}
		out = append(out, b)
	}
	return out
}

func decodeVarint(r io.ByteReader) (uint64, error) {
	var (
		value uint64
		shift uint
	)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return value, nil
		}
		shift += 7
		if shift > 63 {
			return 0, fmt.Errorf("delta varint too large")
		}
	}
}

// encodeCopy emits one copy command for size bytes at offset in the base.
// Zero bytes of offset and size are elided per the command's flag bits.
func encodeCopy(offset, size uint64) []byte {
	var args []byte
	cmd := byte(0x80)
	for i := uint(0); i < 4; i++ {
		if b := byte(offset >> (8 * i)); b != 0 {
			cmd |= 1 << i
			args = append(args, b)
		}
	}
	for i := uint(0); i < 3; i++ {
		if b := byte(size >> (8 * i)); b != 0 {
			cmd |= 0x10 << i
			args = append(args, b)
		}
	}
	return append([]byte{cmd}, args...)
}

func appendCopies(out *bytes.Buffer, offset, size uint64) {
	for size > 0 {
		n := size
		if n > maxCopySize {
			n = maxCopySize
		}
		out.Write(encodeCopy(offset, n))
		offset += n
		size -= n
	}
}

func appendInserts(out *bytes.Buffer, data []byte) {
	for pos := 0; pos < len(data); {
		n := len(data) - pos
		if n > maxInsertSize {
			n = maxInsertSize
		}
		out.WriteByte(byte(n))
		out.Write(data[pos : pos+n])
		pos += n
	}
}

// BuildDelta encodes target against base: one copy run for the longest
// common prefix, literal inserts for the differing middle, and one copy run
// for the longest common suffix. File revisions mostly change in the
// middle, so this captures the bulk of the win without a full match search.
func BuildDelta(base, target []byte) []byte {
	prefix := commonPrefix(base, target)
	suffix := commonSuffix(base[prefix:], target[prefix:])

	var out bytes.Buffer
	out.Write(encodeVarint(uint64(len(base))))
	out.Write(encodeVarint(uint64(len(target))))
	appendCopies(&out, 0, uint64(prefix))
	appendInserts(&out, target[prefix:len(target)-suffix])
	appendCopies(&out, uint64(len(base)-suffix), uint64(suffix))
	return out.Bytes()
}

func commonPrefix(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

func commonSuffix(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[len(a)-1-i] != b[len(b)-1-i] {
			return i
		}
	}
	return n
}

// ApplyDelta reconstructs a revision by running a delta stream against its
// base text.
func ApplyDelta(base, delta []byte) ([]byte, error) {
	r := bytes.NewReader(delta)

	baseSize, err := decodeVarint(r)
	if err != nil {
		return nil, fmt.Errorf("read delta base size: %w", err)
	}
	if baseSize != uint64(len(base)) {
		return nil, fmt.Errorf("delta base size mismatch: got %d, want %d", len(base), baseSize)
	}
	resultSize, err := decodeVarint(r)
	if err != nil {
		return nil, fmt.Errorf("read delta result size: %w", err)
	}

	out := make([]byte, 0, resultSize)
	for r.Len() > 0 {
		cmd, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		switch {
		case cmd&0x80 != 0:
			var offset, size uint64
			for i := uint(0); i < 4; i++ {
				if cmd&(1<<i) != 0 {
					b, err := r.ReadByte()
					if err != nil {
						return nil, fmt.Errorf("delta copy offset: %w", err)
					}
					offset |= uint64(b) << (8 * i)
				}
			}
			for i := uint(0); i < 3; i++ {
				if cmd&(0x10<<i) != 0 {
					b, err := r.ReadByte()
					if err != nil {
						return nil, fmt.Errorf("delta copy size: %w", err)
					}
					size |= uint64(b) << (8 * i)
				}
			}
			if size == 0 {
				size = 0x10000
			}
			if offset+size > uint64(len(base)) {
				return nil, fmt.Errorf("delta copy out of bounds: [%d, %d) of %d", offset, offset+size, len(base))
			}
			out = append(out, base[offset:offset+size]...)
		case cmd == 0:
			return nil, fmt.Errorf("invalid delta command 0")
		default:
			insert := make([]byte, int(cmd))
			if _, err := io.ReadFull(r, insert); err != nil {
				return nil, fmt.Errorf("delta insert: %w", err)
			}
			out = append(out, insert...)
		}
	}

	if uint64(len(out)) != resultSize {
		return nil, fmt.Errorf("delta result size mismatch: got %d, want %d", len(out), resultSize)
	}
	return out, nil
}

// deltaResultSize reads the result size header of a delta stream without
// applying it.
func deltaResultSize(delta []byte) (uint64, error) {
	r := bytes.NewReader(delta)
	if _, err := decodeVarint(r); err != nil {
		return 0, fmt.Errorf("read delta base size: %w", err)
	}
	size, err := decodeVarint(r)
	if err != nil {
		return 0, fmt.Errorf("read delta result size: %w", err)
	}
	return size, nil
}
