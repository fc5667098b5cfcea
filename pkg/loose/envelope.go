package loose

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/odvcencio/revpack/pkg/object"
)

// Loose file layout: a plaintext header naming the revision's path, then a
// zstd-compressed body carrying the history metadata and the payload.
//
//	magic    "rlo1"
//	pathlen  uint16 big-endian
//	path     pathlen bytes
//	body     zstd( p1 | p2 | linknode | copylen uint16 | copyfrom | data )
//
// The path stays outside the compressed body so directory scans can recover
// it without inflating the payload.

var looseMagic = []byte("rlo1")

const looseHeaderSize = 6 // magic + pathlen

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		panic(err)
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		panic(err)
	}
}

func encodeEnvelope(path string, data []byte, info object.NodeInfo) ([]byte, error) {
	if len(path) > int(^uint16(0)) {
		return nil, fmt.Errorf("encode loose envelope: path too long (%d bytes)", len(path))
	}
	if len(info.CopyFrom) > int(^uint16(0)) {
		return nil, fmt.Errorf("encode loose envelope: copy source too long (%d bytes)", len(info.CopyFrom))
	}

	body := make([]byte, 0, 3*object.NodeSize+2+len(info.CopyFrom)+len(data))
	body = append(body, info.P1[:]...)
	body = append(body, info.P2[:]...)
	body = append(body, info.Linknode[:]...)
	body = binary.BigEndian.AppendUint16(body, uint16(len(info.CopyFrom)))
	body = append(body, info.CopyFrom...)
	body = append(body, data...)

	out := make([]byte, 0, looseHeaderSize+len(path)+len(body))
	out = append(out, looseMagic...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(path)))
	out = append(out, path...)
	return zstdEncoder.EncodeAll(body, out), nil
}

func decodeEnvelope(raw []byte) (path string, data []byte, info object.NodeInfo, err error) {
	if len(raw) < looseHeaderSize || !bytes.HasPrefix(raw, looseMagic) {
		return "", nil, info, fmt.Errorf("decode loose envelope: bad magic")
	}
	pathLen := int(binary.BigEndian.Uint16(raw[4:6]))
	if len(raw) < looseHeaderSize+pathLen {
		return "", nil, info, fmt.Errorf("decode loose envelope: truncated header")
	}
	path = string(raw[looseHeaderSize : looseHeaderSize+pathLen])

	body, err := zstdDecoder.DecodeAll(raw[looseHeaderSize+pathLen:], nil)
	if err != nil {
		return "", nil, info, fmt.Errorf("decode loose envelope: %w", err)
	}
	metaLen := 3*object.NodeSize + 2
	if len(body) < metaLen {
		return "", nil, info, fmt.Errorf("decode loose envelope: truncated body (%d bytes)", len(body))
	}
	copy(info.P1[:], body[0:object.NodeSize])
	copy(info.P2[:], body[object.NodeSize:2*object.NodeSize])
	copy(info.Linknode[:], body[2*object.NodeSize:3*object.NodeSize])
	copyLen := int(binary.BigEndian.Uint16(body[3*object.NodeSize : metaLen]))
	if len(body) < metaLen+copyLen {
		return "", nil, info, fmt.Errorf("decode loose envelope: truncated copy source")
	}
	info.CopyFrom = string(body[metaLen : metaLen+copyLen])
	data = body[metaLen+copyLen:]
	return path, data, info, nil
}

// readEnvelopePath reads just the plaintext header of a loose file and
// returns the path it records.
func readEnvelopePath(name string) (string, error) {
	f, err := os.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var hdr [looseHeaderSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return "", fmt.Errorf("read loose header: %w", err)
	}
	if !bytes.Equal(hdr[:4], looseMagic) {
		return "", fmt.Errorf("read loose header: bad magic")
	}
	pathBuf := make([]byte, binary.BigEndian.Uint16(hdr[4:6]))
	if _, err := io.ReadFull(f, pathBuf); err != nil {
		return "", fmt.Errorf("read loose header: %w", err)
	}
	return string(pathBuf), nil
}
