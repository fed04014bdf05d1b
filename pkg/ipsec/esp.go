package ipsec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/iniwex5/sad-go/pkg/crypto"
	"github.com/iniwex5/sad-go/pkg/metrics"
	"github.com/iniwex5/sad-go/pkg/sad"
	"github.com/iniwex5/sad-go/pkg/seq"
)

// 数据面错误。除 ErrSequenceExhausted 外都只计数丢弃，不上报控制面。
var (
	ErrIntegrityFailure = errors.New("integrity check failed")
	ErrMalformed        = errors.New("malformed packet")
	ErrSPIMismatch      = errors.New("SPI mismatch")
)

// IP 协议号
const (
	ProtoIPv4 uint8 = 4
	ProtoIPv6 uint8 = 41
	ProtoESP  uint8 = 50
	ProtoAH   uint8 = 51
)

const espHeaderLen = 8 // SPI(4) + Seq(4)

// Processor 按 SA 调用加密/完整性能力完成封装与解封装，并驱动序列号状态
type Processor struct {
	reg *crypto.Registry
}

// NewProcessor reg 为 nil 时使用默认注册表
func NewProcessor(reg *crypto.Registry) *Processor {
	if reg == nil {
		reg = crypto.Default()
	}
	return &Processor{reg: reg}
}

// InnerProtocol 隧道模式下根据内层 IP 版本得到 Next Header
func InnerProtocol(payload []byte) uint8 {
	if len(payload) > 0 {
		switch payload[0] >> 4 {
		case 4:
			return ProtoIPv4
		case 6:
			return ProtoIPv6
		}
	}
	return 0
}

// Encapsulate 出站处理，按 SA 协议生成 ESP 或 AH 报文 (UDP 封装时带 UDP 头)
func (p *Processor) Encapsulate(h *sad.Handle, payload []byte, nextHeader uint8) ([]byte, error) {
	e := h.Entry()
	s, err := h.Seq().Send.Next()
	if err != nil {
		metrics.RecordSequenceExhausted()
		return nil, fmt.Errorf("sad_id %d: %w", e.SadID, err)
	}

	var out []byte
	if e.Protocol == sad.ProtoAH {
		out, err = p.encapAH(e, s, payload, nextHeader)
	} else {
		out, err = p.encapESP(e, s, payload, nextHeader)
	}
	if err != nil {
		return nil, err
	}
	if e.Flags.UDPEncap {
		out = wrapUDP(e.UDPSrcPort, e.UDPDstPort, out)
	}
	metrics.RecordPacket(metrics.DirOutbound)
	return out, nil
}

// ESP 数据包格式
// [ SPI (4) | Seq (4) | IV (var) | Payload ... | Padding ... | PadLen(1) | NextHeader(1) ] [ ICV (var) ]
func (p *Processor) encapESP(e *sad.Entry, s seq.Seq, payload []byte, nextHeader uint8) ([]byte, error) {
	enc, err := p.reg.Encrypter(e.Crypto)
	if err != nil {
		return nil, err
	}
	integ, err := p.reg.Integrity(e.Integ)
	if err != nil {
		return nil, err
	}

	header := make([]byte, espHeaderLen)
	binary.BigEndian.PutUint32(header[0:4], e.SPI)
	binary.BigEndian.PutUint32(header[4:8], s.Low)

	iv, err := crypto.RandomBytes(enc.IVSize())
	if err != nil {
		return nil, err
	}

	// 载荷 + 填充 + PadLen + NextHeader 需对齐到块大小 (至少 4 字节)
	blockSize := enc.BlockSize()
	if blockSize < 4 {
		blockSize = 4
	}
	neededLen := len(payload) + 2
	padLen := 0
	if neededLen%blockSize != 0 {
		padLen = blockSize - (neededLen % blockSize)
	}

	plain := make([]byte, len(payload)+padLen+2)
	copy(plain, payload)
	for i := 0; i < padLen; i++ {
		plain[len(payload)+i] = byte(i + 1)
	}
	plain[len(payload)+padLen] = byte(padLen)
	plain[len(payload)+padLen+1] = nextHeader

	ciphertext, err := enc.Encrypt(plain, e.CryptoKey.Bytes(), e.Salt, iv, espAAD(e.SPI, s))
	if err != nil {
		return nil, err
	}

	pkt := make([]byte, 0, len(header)+len(iv)+len(ciphertext)+integ.OutputSize())
	pkt = append(pkt, header...)
	pkt = append(pkt, iv...)
	pkt = append(pkt, ciphertext...)

	// AEAD 的 ICV 已包含在密文中；其余算法在整个 ESP 包 + ESN 高位上计算 ICV
	if e.Integ != sad.IntegNone {
		pkt = append(pkt, integ.Compute(e.IntegKey.Bytes(), pkt, s.Trailer())...)
	}
	return pkt, nil
}

// espAAD RFC 4106 §5: SPI | [Seq 高 32 位] | Seq 低 32 位
func espAAD(spi uint32, s seq.Seq) []byte {
	if s.ESN {
		aad := make([]byte, 12)
		binary.BigEndian.PutUint32(aad[0:4], spi)
		copy(aad[4:8], s.High[:])
		binary.BigEndian.PutUint32(aad[8:12], s.Low)
		return aad
	}
	aad := make([]byte, 8)
	binary.BigEndian.PutUint32(aad[0:4], spi)
	binary.BigEndian.PutUint32(aad[4:8], s.Low)
	return aad
}

// Decapsulate 入站处理。packet 不含 UDP 头 (见 UnwrapUDP)。
// 先做重放预检，ICV 校验通过后才提交窗口，失败的报文不会改变任何状态。
func (p *Processor) Decapsulate(h *sad.Handle, packet []byte) ([]byte, uint8, error) {
	e := h.Entry()
	var (
		payload []byte
		nh      uint8
		err     error
	)
	if e.Protocol == sad.ProtoAH {
		payload, nh, err = p.decapAH(h, packet)
	} else {
		payload, nh, err = p.decapESP(h, packet)
	}
	if err != nil {
		recordInboundError(err)
		return nil, 0, err
	}
	metrics.RecordPacket(metrics.DirInbound)
	return payload, nh, nil
}

func (p *Processor) decapESP(h *sad.Handle, packet []byte) ([]byte, uint8, error) {
	e := h.Entry()
	enc, err := p.reg.Encrypter(e.Crypto)
	if err != nil {
		return nil, 0, err
	}
	integ, err := p.reg.Integrity(e.Integ)
	if err != nil {
		return nil, 0, err
	}

	ivSize := enc.IVSize()
	icvSize := 0
	if e.Integ != sad.IntegNone {
		icvSize = integ.OutputSize()
	}
	if len(packet) < espHeaderLen+ivSize+enc.ICVSize()+icvSize+2 {
		return nil, 0, fmt.Errorf("%w: ESP packet too short (%d)", ErrMalformed, len(packet))
	}
	if spi := binary.BigEndian.Uint32(packet[0:4]); spi != e.SPI {
		return nil, 0, ErrSPIMismatch
	}
	low := binary.BigEndian.Uint32(packet[4:8])

	win := h.Seq().Recv
	candidate, err := win.Check(low)
	if err != nil {
		return nil, 0, err
	}
	s := seq.MakeSeq(candidate, e.Flags.UseESN)

	body := packet
	if icvSize > 0 {
		body = packet[:len(packet)-icvSize]
		if !integ.Verify(e.IntegKey.Bytes(), body, s.Trailer(), packet[len(packet)-icvSize:]) {
			return nil, 0, ErrIntegrityFailure
		}
	}

	iv := body[espHeaderLen : espHeaderLen+ivSize]
	plain, err := enc.Decrypt(body[espHeaderLen+ivSize:], e.CryptoKey.Bytes(), e.Salt, iv, espAAD(e.SPI, s))
	if err != nil {
		if enc.ICVSize() > 0 {
			// AEAD 标签校验失败
			return nil, 0, ErrIntegrityFailure
		}
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if err := win.Commit(candidate); err != nil {
		return nil, 0, err
	}

	if len(plain) < 2 {
		return nil, 0, fmt.Errorf("%w: decrypted payload too short", ErrMalformed)
	}
	padLen := int(plain[len(plain)-2])
	nextHeader := plain[len(plain)-1]
	if len(plain) < 2+padLen {
		return nil, 0, fmt.Errorf("%w: invalid padding length", ErrMalformed)
	}
	return plain[:len(plain)-2-padLen], nextHeader, nil
}

func recordInboundError(err error) {
	switch {
	case errors.Is(err, seq.ErrTooOld):
		metrics.RecordReplayDrop(metrics.ReasonTooOld)
	case errors.Is(err, seq.ErrDuplicate):
		metrics.RecordReplayDrop(metrics.ReasonDuplicate)
	case errors.Is(err, ErrIntegrityFailure):
		metrics.RecordIntegrityFailure()
	default:
		metrics.RecordDrop(metrics.DirInbound, metrics.ReasonMalformed)
	}
}
