package pack

import "github.com/klauspost/compress/zstd"

// Entry payloads are zstd-compressed individually so a single revision can
// be inflated without touching its neighbors.

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

func compressPayload(raw []byte) []byte {
	return zstdEncoder.EncodeAll(raw, nil)
}

func decompressPayload(compressed []byte) ([]byte, error) {
	return zstdDecoder.DecodeAll(compressed, nil)
}
