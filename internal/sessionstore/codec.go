package sessionstore

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// The zstd encoder and decoder are safe for concurrent use and are shared
// by every Store.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("sessionstore: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxEntrySize))
	if err != nil {
		panic("sessionstore: zstd decoder initialization failed: " + err.Error())
	}
}

func compress(data []byte) []byte {
	return zstdEncoder.EncodeAll(data, nil)
}

// maxEntrySize bounds a single decompressed entry.
const maxEntrySize = 64 << 20

func decompress(data []byte, size int64) ([]byte, error) {
	if size < 0 || size > maxEntrySize {
		return nil, fmt.Errorf("zstd decompress: invalid entry size %d", size)
	}
	out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if int64(len(out)) != size {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
	}
	return out, nil
}

// bundleDomainKey separates bundle digests from any other BLAKE3 use.
// ASCII of the domain name, zero-padded to 32 bytes.
var bundleDomainKey = [32]byte{
	'w', 'a', '-', 's', 'e', 's', 's', 'i', 'o', 'n', 's', '.',
	'b', 'u', 'n', 'd', 'l', 'e',
}

type entry struct {
	name string
	data []byte
}

// digest hashes the entries in the given order. Names and contents are
// length-prefixed so that moving bytes between a name and its content
// changes the digest.
func digest(entries []entry) []byte {
	hasher, err := blake3.NewKeyed(bundleDomainKey[:])
	if err != nil {
		panic("sessionstore: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	var lenBuf [8]byte
	for _, e := range entries {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(e.name)))
		hasher.Write(lenBuf[:])
		hasher.Write([]byte(e.name))
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(e.data)))
		hasher.Write(lenBuf[:])
		hasher.Write(e.data)
	}
	return hasher.Sum(nil)
}
