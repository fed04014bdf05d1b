package ipsec

import (
	"encoding/binary"
	"fmt"
)

// NAT-T (RFC 3948) UDP 封装
const udpHeaderLen = 8

// wrapUDP 添加 UDP 头，校验和置 0 (RFC 3948 §3.1.2 允许)
func wrapUDP(srcPort, dstPort uint16, esp []byte) []byte {
	out := make([]byte, udpHeaderLen+len(esp))
	binary.BigEndian.PutUint16(out[0:2], srcPort)
	binary.BigEndian.PutUint16(out[2:4], dstPort)
	binary.BigEndian.PutUint16(out[4:6], uint16(len(out)))
	copy(out[udpHeaderLen:], esp)
	return out
}

// UnwrapUDP 剥离 UDP 头，返回 ESP 报文。
// NAT keepalive (单字节 0xFF) 与带 Non-ESP Marker 的 IKE 报文不属于数据面，返回错误。
func UnwrapUDP(datagram []byte) ([]byte, error) {
	if len(datagram) < udpHeaderLen {
		return nil, fmt.Errorf("%w: UDP datagram too short", ErrMalformed)
	}
	payload := datagram[udpHeaderLen:]
	if len(payload) == 1 && payload[0] == 0xFF {
		return nil, fmt.Errorf("%w: NAT keepalive", ErrMalformed)
	}
	if len(payload) >= 4 && binary.BigEndian.Uint32(payload[0:4]) == 0 {
		return nil, fmt.Errorf("%w: non-ESP marker", ErrMalformed)
	}
	return payload, nil
}

// PeekSPI 读取 ESP/AH 报文中的 SPI，用于入站分发
func PeekSPI(proto uint8, packet []byte) (uint32, error) {
	switch proto {
	case ProtoESP:
		if len(packet) < espHeaderLen {
			return 0, fmt.Errorf("%w: ESP packet too short", ErrMalformed)
		}
		return binary.BigEndian.Uint32(packet[0:4]), nil
	case ProtoAH:
		if len(packet) < ahFixedLen {
			return 0, fmt.Errorf("%w: AH packet too short", ErrMalformed)
		}
		return binary.BigEndian.Uint32(packet[4:8]), nil
	}
	return 0, fmt.Errorf("%w: protocol %d", ErrMalformed, proto)
}
