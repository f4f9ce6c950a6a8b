package model

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeVector 以小端 float32 序列化向量。
func EncodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector 是 EncodeVector 的逆操作。
func DecodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// ChunkID 返回文档第 seq 个分块的稳定 ID，重复入库时保持不变。
func ChunkID(documentID uint, seq int) string {
	return fmt.Sprintf("%d-%d", documentID, seq)
}
