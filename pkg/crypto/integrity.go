package crypto

import (
	"crypto/hmac"
	"hash"
)

// IntegrityAlgorithm 完整性 (MAC) 能力接口。
// trailer 为不上线的附加数据 (ESN 高 32 位)，参与计算但不出现在报文中，可以为 nil。
type IntegrityAlgorithm interface {
	Compute(key, data, trailer []byte) []byte
	Verify(key, data, trailer, expectedMAC []byte) bool
	OutputSize() int
	KeySize() int
}

// 截断 HMAC
type truncatedHMAC struct {
	newHash func() hash.Hash
	keySize int
	outSize int
}

func (h *truncatedHMAC) Compute(key, data, trailer []byte) []byte {
	mac := hmac.New(h.newHash, key)
	mac.Write(data)
	if len(trailer) > 0 {
		mac.Write(trailer)
	}
	return mac.Sum(nil)[:h.outSize]
}

func (h *truncatedHMAC) Verify(key, data, trailer, expectedMAC []byte) bool {
	if len(expectedMAC) != h.outSize {
		return false
	}
	return hmac.Equal(h.Compute(key, data, trailer), expectedMAC)
}

func (h *truncatedHMAC) OutputSize() int { return h.outSize }
func (h *truncatedHMAC) KeySize() int    { return h.keySize }

// 空完整性算法 (AEAD 或仅加密的 ESP)
type nullIntegrity struct{}

func (h *nullIntegrity) Compute(key, data, trailer []byte) []byte { return nil }
func (h *nullIntegrity) Verify(key, data, trailer, mac []byte) bool {
	return len(mac) == 0
}
func (h *nullIntegrity) OutputSize() int { return 0 }
func (h *nullIntegrity) KeySize() int    { return 0 }

func newHMAC(fn func() hash.Hash, keySize, outSize int) IntegrityAlgorithm {
	return &truncatedHMAC{newHash: fn, keySize: keySize, outSize: outSize}
}

var (
	_ IntegrityAlgorithm = (*truncatedHMAC)(nil)
	_ IntegrityAlgorithm = (*nullIntegrity)(nil)
)
