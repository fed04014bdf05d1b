package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"

	"github.com/tjfoc/gmsm/sm4"
)

// Encrypter 加密能力接口。数据面只通过它调用加解密，不关心具体实现。
// salt 仅 CTR/GCM 使用；填充由调用者完成。
type Encrypter interface {
	Encrypt(plaintext []byte, key []byte, salt uint32, iv []byte, aad []byte) ([]byte, error)
	Decrypt(ciphertext []byte, key []byte, salt uint32, iv []byte, aad []byte) ([]byte, error)
	IVSize() int
	BlockSize() int
	ICVSize() int // AEAD 标签长度，非 AEAD 为 0
}

var (
	errNotAligned = errors.New("数据未按块对齐")
	errBadIV      = errors.New("IV 长度错误")
)

// CBC 模式 (AES/DES/3DES/SM4)
type cbc struct {
	newBlock func(key []byte) (cipher.Block, error)
	block    int
}

func (e *cbc) IVSize() int    { return e.block }
func (e *cbc) BlockSize() int { return e.block }
func (e *cbc) ICVSize() int   { return 0 }

func (e *cbc) Encrypt(plaintext []byte, key []byte, _ uint32, iv []byte, _ []byte) ([]byte, error) {
	b, err := e.newBlock(key)
	if err != nil {
		return nil, err
	}
	if len(plaintext)%e.block != 0 {
		return nil, errNotAligned
	}
	if len(iv) != e.block {
		return nil, errBadIV
	}
	out := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(b, iv).CryptBlocks(out, plaintext)
	return out, nil
}

func (e *cbc) Decrypt(ciphertext []byte, key []byte, _ uint32, iv []byte, _ []byte) ([]byte, error) {
	b, err := e.newBlock(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext)%e.block != 0 {
		return nil, errNotAligned
	}
	if len(iv) != e.block {
		return nil, errBadIV
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(b, iv).CryptBlocks(out, ciphertext)
	return out, nil
}

// AES-CTR (RFC 3686): 计数块 = salt(4) | IV(8) | 计数器(4, 从 1 开始)
type aesCTR struct{}

func (e *aesCTR) IVSize() int    { return 8 }
func (e *aesCTR) BlockSize() int { return 4 }
func (e *aesCTR) ICVSize() int   { return 0 }

func (e *aesCTR) stream(key []byte, salt uint32, iv []byte) (cipher.Stream, error) {
	b, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != 8 {
		return nil, errBadIV
	}
	var ctr [aes.BlockSize]byte
	binary.BigEndian.PutUint32(ctr[0:4], salt)
	copy(ctr[4:12], iv)
	binary.BigEndian.PutUint32(ctr[12:16], 1)
	return cipher.NewCTR(b, ctr[:]), nil
}

func (e *aesCTR) Encrypt(plaintext []byte, key []byte, salt uint32, iv []byte, _ []byte) ([]byte, error) {
	s, err := e.stream(key, salt, iv)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(plaintext))
	s.XORKeyStream(out, plaintext)
	return out, nil
}

func (e *aesCTR) Decrypt(ciphertext []byte, key []byte, salt uint32, iv []byte, aad []byte) ([]byte, error) {
	return e.Encrypt(ciphertext, key, salt, iv, aad)
}

// AES-GCM (RFC 4106): nonce = salt(4) | IV(8)，输出附带 16 字节标签
type aesGCM struct{}

func (e *aesGCM) IVSize() int    { return 8 }
func (e *aesGCM) BlockSize() int { return 4 }
func (e *aesGCM) ICVSize() int   { return 16 }

func (e *aesGCM) aead(key []byte) (cipher.AEAD, error) {
	b, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(b)
}

func gcmNonce(salt uint32, iv []byte) ([]byte, error) {
	if len(iv) != 8 {
		return nil, errBadIV
	}
	nonce := make([]byte, 12)
	binary.BigEndian.PutUint32(nonce[0:4], salt)
	copy(nonce[4:], iv)
	return nonce, nil
}

func (e *aesGCM) Encrypt(plaintext []byte, key []byte, salt uint32, iv []byte, aad []byte) ([]byte, error) {
	g, err := e.aead(key)
	if err != nil {
		return nil, err
	}
	nonce, err := gcmNonce(salt, iv)
	if err != nil {
		return nil, err
	}
	return g.Seal(nil, nonce, plaintext, aad), nil
}

func (e *aesGCM) Decrypt(ciphertext []byte, key []byte, salt uint32, iv []byte, aad []byte) ([]byte, error) {
	g, err := e.aead(key)
	if err != nil {
		return nil, err
	}
	nonce, err := gcmNonce(salt, iv)
	if err != nil {
		return nil, err
	}
	return g.Open(nil, nonce, ciphertext, aad)
}

// 空加密 (ESP 仅完整性)
type nullEncrypter struct{}

func (e *nullEncrypter) IVSize() int    { return 0 }
func (e *nullEncrypter) BlockSize() int { return 4 }
func (e *nullEncrypter) ICVSize() int   { return 0 }

func (e *nullEncrypter) Encrypt(plaintext []byte, _ []byte, _ uint32, _ []byte, _ []byte) ([]byte, error) {
	out := make([]byte, len(plaintext))
	copy(out, plaintext)
	return out, nil
}

func (e *nullEncrypter) Decrypt(ciphertext []byte, _ []byte, _ uint32, _ []byte, _ []byte) ([]byte, error) {
	out := make([]byte, len(ciphertext))
	copy(out, ciphertext)
	return out, nil
}

func newAESCBC() Encrypter {
	return &cbc{newBlock: aes.NewCipher, block: aes.BlockSize}
}

func newDESCBC() Encrypter {
	return &cbc{newBlock: des.NewCipher, block: des.BlockSize}
}

func new3DESCBC() Encrypter {
	return &cbc{newBlock: des.NewTripleDESCipher, block: des.BlockSize}
}

func newSM4CBC() Encrypter {
	return &cbc{newBlock: sm4.NewCipher, block: sm4.BlockSize}
}

// RandomBytes 生成随机字节 (IV)
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := io.ReadFull(rand.Reader, b)
	return b, err
}
