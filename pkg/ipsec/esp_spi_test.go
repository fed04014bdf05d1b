package ipsec

import (
	"bytes"
	"testing"

	"github.com/iniwex5/sad-go/pkg/crypto"
	"github.com/iniwex5/sad-go/pkg/sad"
)

// testEncrypter 透明加密，用于观察报文布局
type testEncrypter struct{}

func (t testEncrypter) Encrypt(plaintext []byte, key []byte, salt uint32, iv []byte, aad []byte) ([]byte, error) {
	out := make([]byte, len(plaintext))
	copy(out, plaintext)
	return out, nil
}

func (t testEncrypter) Decrypt(ciphertext []byte, key []byte, salt uint32, iv []byte, aad []byte) ([]byte, error) {
	out := make([]byte, len(ciphertext))
	copy(out, ciphertext)
	return out, nil
}

func (t testEncrypter) IVSize() int    { return 0 }
func (t testEncrypter) BlockSize() int { return 4 }
func (t testEncrypter) ICVSize() int   { return 0 }

func transparentProcessor() *Processor {
	reg := crypto.NewRegistry()
	reg.RegisterEncrypter(sad.CryptoAESCBC128, testEncrypter{})
	return NewProcessor(reg)
}

func TestEncapsulateUsesSASPI(t *testing.T) {
	proc := transparentProcessor()
	tx, rx := newPair(t, sad.Candidate{
		SadID: 1, SPI: 0x01020304, Protocol: sad.ProtoESP,
		Crypto: sad.CryptoAESCBC128, CryptoKey: randKey(t, 16),
	})

	plaintext := []byte{0x45, 0x00, 0x00, 0x14}
	pkt, err := proc.Encapsulate(tx, plaintext, ProtoIPv4)
	if err != nil {
		t.Fatalf("Encapsulate failed: %v", err)
	}
	if !bytes.Equal(pkt[:4], []byte{0x01, 0x02, 0x03, 0x04}) {
		t.Fatalf("SPI mismatch: %x", pkt[:4])
	}
	// 4 字节载荷 + 2 字节填充 + PadLen + NextHeader
	want := []byte{0x45, 0x00, 0x00, 0x14, 0x01, 0x02, 0x02, ProtoIPv4}
	if !bytes.Equal(pkt[8:], want) {
		t.Fatalf("trailer layout: got=%x want=%x", pkt[8:], want)
	}

	out, _, err := proc.Decapsulate(rx, pkt)
	if err != nil {
		t.Fatalf("Decapsulate failed: %v", err)
	}
	if !bytes.Equal(out, plaintext) {
		t.Fatalf("plaintext mismatch: got=%x want=%x", out, plaintext)
	}
}

func TestDecapsulateRejectsMismatchedSPI(t *testing.T) {
	proc := transparentProcessor()
	tx, _ := newPair(t, sad.Candidate{
		SadID: 1, SPI: 0x0a0b0c0d, Protocol: sad.ProtoESP,
		Crypto: sad.CryptoAESCBC128, CryptoKey: randKey(t, 16),
	})
	_, other := newPair(t, sad.Candidate{
		SadID: 2, SPI: 0x01020304, Protocol: sad.ProtoESP,
		Crypto: sad.CryptoAESCBC128, CryptoKey: randKey(t, 16),
	})

	pkt, err := proc.Encapsulate(tx, []byte{0x60, 0x00, 0x00, 0x00}, ProtoIPv6)
	if err != nil {
		t.Fatalf("Encapsulate failed: %v", err)
	}
	if _, _, err := proc.Decapsulate(other, pkt); err != ErrSPIMismatch {
		t.Fatalf("expected ErrSPIMismatch, got %v", err)
	}
}
