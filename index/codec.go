package index

import (
	"encoding/binary"

	"keeldb/storage/page"
	"keeldb/transaction"
)

// Codec converts a fixed-width value to and from its on-page byte
// representation. Rather than instantiating the tree over a handful of
// fixed byte widths, the width is whatever Size() reports for the chosen
// Codec.
type Codec[T any] interface {
	Size() int
	Encode(v T, buf []byte)
	Decode(buf []byte) T
}

// Int64Codec encodes int64 keys as 8-byte big-endian two's complement, so
// byte-wise comparison order agrees with numeric order for non-negative
// keys only (negative keys sort after positive ones byte-wise); the tree
// itself orders keys with the Comparator, not by bytes.
type Int64Codec struct{}

func (Int64Codec) Size() int { return 8 }

func (Int64Codec) Encode(v int64, buf []byte) {
	binary.BigEndian.PutUint64(buf, uint64(v))
}

func (Int64Codec) Decode(buf []byte) int64 {
	return int64(binary.BigEndian.Uint64(buf))
}

// RIDCodec encodes a transaction.RID as [4-byte page id][4-byte slot num].
type RIDCodec struct{}

func (RIDCodec) Size() int { return 8 }

func (RIDCodec) Encode(v transaction.RID, buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], uint32(int32(v.PageID)))
	binary.BigEndian.PutUint32(buf[4:8], v.SlotNum)
}

func (RIDCodec) Decode(buf []byte) transaction.RID {
	return transaction.RID{
		PageID:  page.ID(int32(binary.BigEndian.Uint32(buf[0:4]))),
		SlotNum: binary.BigEndian.Uint32(buf[4:8]),
	}
}
