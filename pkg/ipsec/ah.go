package ipsec

import (
	"encoding/binary"
	"fmt"

	"github.com/iniwex5/sad-go/pkg/sad"
	"github.com/iniwex5/sad-go/pkg/seq"
)

// AH 头格式 (RFC 4302)
// [ NextHeader(1) | PayloadLen(1) | Reserved(2) | SPI(4) | Seq(4) | ICV (var) ] [ Payload ... ]
//
// ICV 覆盖 AH 头 (ICV 置零)、载荷与 ESN 高位尾部。外层 IP 头的不可变字段由调用方处理。
const ahFixedLen = 12

func ahHeaderLen(icvLen int) int {
	n := ahFixedLen + icvLen
	// 4 字节对齐
	return (n + 3) &^ 3
}

func (p *Processor) encapAH(e *sad.Entry, s seq.Seq, payload []byte, nextHeader uint8) ([]byte, error) {
	integ, err := p.reg.Integrity(e.Integ)
	if err != nil {
		return nil, err
	}
	icvLen := integ.OutputSize()
	hlen := ahHeaderLen(icvLen)

	pkt := make([]byte, hlen+len(payload))
	pkt[0] = nextHeader
	pkt[1] = byte(hlen/4 - 2)
	binary.BigEndian.PutUint32(pkt[4:8], e.SPI)
	binary.BigEndian.PutUint32(pkt[8:12], s.Low)
	copy(pkt[hlen:], payload)

	icv := integ.Compute(e.IntegKey.Bytes(), pkt, s.Trailer())
	copy(pkt[ahFixedLen:], icv)
	return pkt, nil
}

func (p *Processor) decapAH(h *sad.Handle, packet []byte) ([]byte, uint8, error) {
	e := h.Entry()
	integ, err := p.reg.Integrity(e.Integ)
	if err != nil {
		return nil, 0, err
	}
	icvLen := integ.OutputSize()
	if len(packet) < ahFixedLen {
		return nil, 0, fmt.Errorf("%w: AH packet too short (%d)", ErrMalformed, len(packet))
	}
	hlen := (int(packet[1]) + 2) * 4
	if hlen != ahHeaderLen(icvLen) || len(packet) < hlen {
		return nil, 0, fmt.Errorf("%w: AH length %d", ErrMalformed, hlen)
	}
	if spi := binary.BigEndian.Uint32(packet[4:8]); spi != e.SPI {
		return nil, 0, ErrSPIMismatch
	}
	low := binary.BigEndian.Uint32(packet[8:12])

	win := h.Seq().Recv
	candidate, err := win.Check(low)
	if err != nil {
		return nil, 0, err
	}
	s := seq.MakeSeq(candidate, e.Flags.UseESN)

	// ICV 置零后重新计算，不修改调用方的缓冲区
	received := packet[ahFixedLen : ahFixedLen+icvLen]
	scratch := make([]byte, len(packet))
	copy(scratch, packet)
	for i := ahFixedLen; i < ahFixedLen+icvLen; i++ {
		scratch[i] = 0
	}
	if !integ.Verify(e.IntegKey.Bytes(), scratch, s.Trailer(), received) {
		return nil, 0, ErrIntegrityFailure
	}

	if err := win.Commit(candidate); err != nil {
		return nil, 0, err
	}
	return packet[hlen:], packet[0], nil
}
