package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"encoding/binary"
	"hash/crc32"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 演算法：
// - 依序寫入 Type、TaskID、Seq（big endian）與完整 Record
// - 使用 CRC32-IEEE 多項式計算
// - 不包含 Timestamp
func CalculateChecksum(e Event) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(e.Type))
	h.Write([]byte(e.TaskID))
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], e.Seq)
	h.Write(seq[:])
	h.Write(e.Record)
	return h.Sum32()
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(e Event) bool {
	return e.Checksum == CalculateChecksum(e)
}
