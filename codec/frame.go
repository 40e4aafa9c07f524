package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

var frameMagic = [4]byte{'O', 'S', 'N', 'P'}

const frameVersion = 1

// ErrBadFrame is returned when a frame header is invalid.
var ErrBadFrame = errors.New("codec: bad frame")

// EncodeFrame marshals v with c, compresses it and prefixes a header:
// [magic 4][version u8][codec name len u8][codec name][crc32 u32][block].
func EncodeFrame(c Codec, comp Compression, v any) ([]byte, error) {
	raw, err := c.Marshal(v)
	if err != nil {
		return nil, err
	}
	block, err := CompressBlock(raw, comp)
	if err != nil {
		return nil, err
	}

	name := c.Name()
	var buf bytes.Buffer
	buf.Grow(4 + 2 + len(name) + 4 + len(block))
	buf.Write(frameMagic[:])
	buf.WriteByte(frameVersion)
	buf.WriteByte(byte(len(name)))
	buf.WriteString(name)
	var sum [4]byte
	binary.LittleEndian.PutUint32(sum[:], crc32.ChecksumIEEE(block))
	buf.Write(sum[:])
	buf.Write(block)
	return buf.Bytes(), nil
}

// DecodeFrame verifies and decodes a frame written by EncodeFrame into v.
func DecodeFrame(data []byte, v any) error {
	if len(data) < 6 || !bytes.Equal(data[:4], frameMagic[:]) {
		return fmt.Errorf("%w: missing magic", ErrBadFrame)
	}
	if data[4] != frameVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrBadFrame, data[4])
	}
	n := int(data[5])
	if len(data) < 6+n+4 {
		return fmt.Errorf("%w: truncated header", ErrBadFrame)
	}
	c, ok := ByName(string(data[6 : 6+n]))
	if !ok {
		return fmt.Errorf("%w: unknown codec %q", ErrBadFrame, data[6:6+n])
	}
	want := binary.LittleEndian.Uint32(data[6+n:])
	block := data[6+n+4:]
	if crc32.ChecksumIEEE(block) != want {
		return fmt.Errorf("%w: checksum mismatch", ErrBadFrame)
	}
	raw, err := DecompressBlock(block)
	if err != nil {
		return err
	}
	return c.Unmarshal(raw, v)
}
