package crypto

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"sync"

	"github.com/tjfoc/gmsm/sm3"

	"github.com/iniwex5/sad-go/pkg/sad"
)

// Registry 按 SAD 算法编号查找加密/完整性能力，可以替换为硬件或外部实现
type Registry struct {
	mu    sync.RWMutex
	enc   map[sad.CryptoAlgorithm]Encrypter
	integ map[sad.IntegAlgorithm]IntegrityAlgorithm
}

// NewRegistry 使用默认实现
func NewRegistry() *Registry {
	return &Registry{
		enc: map[sad.CryptoAlgorithm]Encrypter{
			sad.CryptoNone:      &nullEncrypter{},
			sad.CryptoAESCBC128: newAESCBC(),
			sad.CryptoAESCBC192: newAESCBC(),
			sad.CryptoAESCBC256: newAESCBC(),
			sad.CryptoAESCTR128: &aesCTR{},
			sad.CryptoAESCTR192: &aesCTR{},
			sad.CryptoAESCTR256: &aesCTR{},
			sad.CryptoAESGCM128: &aesGCM{},
			sad.CryptoAESGCM192: &aesGCM{},
			sad.CryptoAESGCM256: &aesGCM{},
			sad.CryptoDESCBC:    newDESCBC(),
			sad.Crypto3DESCBC:   new3DESCBC(),
			sad.CryptoSM4CBC128: newSM4CBC(),
		},
		integ: map[sad.IntegAlgorithm]IntegrityAlgorithm{
			sad.IntegNone:      &nullIntegrity{},
			sad.IntegMD596:     newHMAC(md5.New, 16, 12),
			sad.IntegSHA196:    newHMAC(sha1.New, 20, 12),
			sad.IntegSHA25696:  newHMAC(sha256.New, 32, 12),
			sad.IntegSHA256128: newHMAC(sha256.New, 32, 16),
			sad.IntegSHA384192: newHMAC(sha512.New384, 48, 24),
			sad.IntegSHA512256: newHMAC(sha512.New, 64, 32),
			sad.IntegSM3256:    newHMAC(sm3.New, 32, 32),
		},
	}
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default 进程级默认注册表
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// RegisterEncrypter 替换某个算法的实现
func (r *Registry) RegisterEncrypter(a sad.CryptoAlgorithm, e Encrypter) {
	r.mu.Lock()
	r.enc[a] = e
	r.mu.Unlock()
}

// RegisterIntegrity
func (r *Registry) RegisterIntegrity(a sad.IntegAlgorithm, i IntegrityAlgorithm) {
	r.mu.Lock()
	r.integ[a] = i
	r.mu.Unlock()
}

// Encrypter 根据算法编号获取加密能力
func (r *Registry) Encrypter(a sad.CryptoAlgorithm) (Encrypter, error) {
	r.mu.RLock()
	e, ok := r.enc[a]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("不支持的加密算法: %v", a)
	}
	return e, nil
}

// Integrity 根据算法编号获取完整性能力
func (r *Registry) Integrity(a sad.IntegAlgorithm) (IntegrityAlgorithm, error) {
	r.mu.RLock()
	i, ok := r.integ[a]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("不支持的完整性算法: %v", a)
	}
	return i, nil
}
