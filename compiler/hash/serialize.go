package hash

import "encoding/binary"

// ---------------------------------------------------------------------------
// Deterministic binary encoding used by the normalizer.
//
// Encoding conventions:
//   - First byte: HashVersion
//   - Integers: big-endian fixed-width (uint64=8B, uint32=4B, uint16=2B)
//   - Strings: uint32 big-endian length + UTF-8 bytes
//   - Booleans: single byte (0/1)
//   - Child nodes: serialized inline after their tag
//   - Lists: uint32 count followed by the elements
// ---------------------------------------------------------------------------

type serializer struct {
	buf []byte
}

func newSerializer() *serializer {
	s := &serializer{buf: make([]byte, 0, 512)}
	s.writeByte(HashVersion)
	return s
}

func (s *serializer) writeByte(b byte) {
	s.buf = append(s.buf, b)
}

func (s *serializer) writeUint16(v uint16) {
	s.buf = binary.BigEndian.AppendUint16(s.buf, v)
}

func (s *serializer) writeUint32(v uint32) {
	s.buf = binary.BigEndian.AppendUint32(s.buf, v)
}

func (s *serializer) writeUint64(v uint64) {
	s.buf = binary.BigEndian.AppendUint64(s.buf, v)
}

func (s *serializer) writeString(v string) {
	s.writeUint32(uint32(len(v)))
	s.buf = append(s.buf, v...)
}

func (s *serializer) writeBool(v bool) {
	if v {
		s.writeByte(1)
	} else {
		s.writeByte(0)
	}
}
