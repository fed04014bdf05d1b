package driver

import (
	"encoding/binary"
	"fmt"

	"github.com/iniwex5/sad-go/pkg/sad"
)

// SAD 算法编号 → Linux XFRM 内核算法名称的映射

// XFRMCryptAlgo 加密算法描述
type XFRMCryptAlgo struct {
	Name    string // 内核算法名称 (如 "cbc(aes)")
	KeyBits int    // 内核需要的密钥位数 (CTR 含 4 字节 nonce)
}

// XFRMAuthAlgo 完整性算法描述
type XFRMAuthAlgo struct {
	Name         string
	KeyBits      int
	TruncateBits int // ICV 长度
}

// XFRMAeadAlgo AEAD 算法描述
type XFRMAeadAlgo struct {
	Name    string // "rfc4106(gcm(aes))"
	KeyBits int    // 含 4 字节 salt
	ICVBits int
}

// CryptToXFRM 非 AEAD 加密算法映射，CryptoNone 映射为 "ecb(cipher_null)"
func CryptToXFRM(a sad.CryptoAlgorithm) (*XFRMCryptAlgo, error) {
	keyBits := a.KeyLen() * 8
	switch a {
	case sad.CryptoNone:
		return &XFRMCryptAlgo{Name: "ecb(cipher_null)"}, nil
	case sad.CryptoAESCBC128, sad.CryptoAESCBC192, sad.CryptoAESCBC256:
		return &XFRMCryptAlgo{Name: "cbc(aes)", KeyBits: keyBits}, nil
	case sad.CryptoAESCTR128, sad.CryptoAESCTR192, sad.CryptoAESCTR256:
		return &XFRMCryptAlgo{Name: "rfc3686(ctr(aes))", KeyBits: keyBits + 32}, nil
	case sad.CryptoDESCBC:
		return &XFRMCryptAlgo{Name: "cbc(des)", KeyBits: keyBits}, nil
	case sad.Crypto3DESCBC:
		return &XFRMCryptAlgo{Name: "cbc(des3_ede)", KeyBits: keyBits}, nil
	case sad.CryptoSM4CBC128:
		return &XFRMCryptAlgo{Name: "cbc(sm4)", KeyBits: keyBits}, nil
	default:
		return nil, fmt.Errorf("不支持的 XFRM 加密算法: %v", a)
	}
}

// AeadToXFRM GCM 映射
func AeadToXFRM(a sad.CryptoAlgorithm) (*XFRMAeadAlgo, error) {
	switch a {
	case sad.CryptoAESGCM128, sad.CryptoAESGCM192, sad.CryptoAESGCM256:
		return &XFRMAeadAlgo{
			Name:    "rfc4106(gcm(aes))",
			KeyBits: a.KeyLen()*8 + 32, // 加 4 字节 salt
			ICVBits: 128,
		}, nil
	default:
		return nil, fmt.Errorf("不支持的 XFRM AEAD 算法: %v", a)
	}
}

// AuthToXFRM 完整性算法映射
func AuthToXFRM(a sad.IntegAlgorithm) (*XFRMAuthAlgo, error) {
	info, ok := a.Info()
	if !ok || a == sad.IntegNone {
		return nil, fmt.Errorf("不支持的 XFRM 完整性算法: %v", a)
	}
	names := map[sad.IntegAlgorithm]string{
		sad.IntegMD596:     "hmac(md5)",
		sad.IntegSHA196:    "hmac(sha1)",
		sad.IntegSHA25696:  "hmac(sha256)",
		sad.IntegSHA256128: "hmac(sha256)",
		sad.IntegSHA384192: "hmac(sha384)",
		sad.IntegSHA512256: "hmac(sha512)",
		sad.IntegSM3256:    "hmac(sm3)",
	}
	return &XFRMAuthAlgo{
		Name:         names[a],
		KeyBits:      info.KeyLen * 8,
		TruncateBits: info.ICVLen * 8,
	}, nil
}

// kernelCryptKey CTR/GCM 的内核密钥为 key | salt(4)
func kernelCryptKey(e *sad.Entry) []byte {
	key := append([]byte(nil), e.CryptoKey.Bytes()...)
	if e.Crypto.IsCounterMode() {
		var salt [4]byte
		binary.BigEndian.PutUint32(salt[:], e.Salt)
		key = append(key, salt[:]...)
	}
	return key
}
