package sad

import (
	"fmt"
	"net"
)

// MaxKeyLen Key 缓冲区固定长度
const MaxKeyLen = 128

// Key 密钥: 显式长度 + 固定 128 字节缓冲区，Length 之后的字节忽略
type Key struct {
	Length uint8
	Data   [MaxKeyLen]byte
}

// NewKey 从字节切片构造 Key，超过 MaxKeyLen 时截断 (Length 仍记录截断后的长度)
func NewKey(b []byte) Key {
	var k Key
	n := copy(k.Data[:], b)
	k.Length = uint8(n)
	return k
}

// Bytes 返回有效密钥字节 (共享底层缓冲区)
func (k *Key) Bytes() []byte {
	n := int(k.Length)
	if n > MaxKeyLen {
		n = MaxKeyLen
	}
	return k.Data[:n]
}

// Zero 清空密钥材料
func (k *Key) Zero() {
	for i := range k.Data {
		k.Data[i] = 0
	}
	k.Length = 0
}

// Proto IPsec 协议
type Proto uint8

const (
	ProtoESP Proto = 0
	ProtoAH  Proto = 1
)

func (p Proto) String() string {
	switch p {
	case ProtoESP:
		return "ESP"
	case ProtoAH:
		return "AH"
	}
	return fmt.Sprintf("Proto(%d)", uint8(p))
}

// CryptoAlgorithm 加密算法，数值与控制消息保持一致，不可调整
type CryptoAlgorithm uint32

const (
	CryptoNone CryptoAlgorithm = iota
	CryptoAESCBC128
	CryptoAESCBC192
	CryptoAESCBC256
	CryptoAESCTR128
	CryptoAESCTR192
	CryptoAESCTR256
	CryptoAESGCM128
	CryptoAESGCM192
	CryptoAESGCM256
	CryptoDESCBC
	Crypto3DESCBC
	CryptoSM4CBC128
)

// CryptoInfo 加密算法参数表项
type CryptoInfo struct {
	Name        string
	KeyLen      int // 所需密钥字节数
	IVLen       int // ESP 报文中携带的 IV 长度
	BlockSize   int // 填充对齐
	ICVLen      int // AEAD 标签长度
	CounterMode bool
	AEAD        bool
}

var cryptoTable = map[CryptoAlgorithm]CryptoInfo{
	CryptoNone:      {Name: "none", BlockSize: 4},
	CryptoAESCBC128: {Name: "aes-cbc-128", KeyLen: 16, IVLen: 16, BlockSize: 16},
	CryptoAESCBC192: {Name: "aes-cbc-192", KeyLen: 24, IVLen: 16, BlockSize: 16},
	CryptoAESCBC256: {Name: "aes-cbc-256", KeyLen: 32, IVLen: 16, BlockSize: 16},
	CryptoAESCTR128: {Name: "aes-ctr-128", KeyLen: 16, IVLen: 8, BlockSize: 4, CounterMode: true},
	CryptoAESCTR192: {Name: "aes-ctr-192", KeyLen: 24, IVLen: 8, BlockSize: 4, CounterMode: true},
	CryptoAESCTR256: {Name: "aes-ctr-256", KeyLen: 32, IVLen: 8, BlockSize: 4, CounterMode: true},
	CryptoAESGCM128: {Name: "aes-gcm-128", KeyLen: 16, IVLen: 8, BlockSize: 4, ICVLen: 16, CounterMode: true, AEAD: true},
	CryptoAESGCM192: {Name: "aes-gcm-192", KeyLen: 24, IVLen: 8, BlockSize: 4, ICVLen: 16, CounterMode: true, AEAD: true},
	CryptoAESGCM256: {Name: "aes-gcm-256", KeyLen: 32, IVLen: 8, BlockSize: 4, ICVLen: 16, CounterMode: true, AEAD: true},
	CryptoDESCBC:    {Name: "des-cbc", KeyLen: 8, IVLen: 8, BlockSize: 8},
	Crypto3DESCBC:   {Name: "3des-cbc", KeyLen: 24, IVLen: 8, BlockSize: 8},
	CryptoSM4CBC128: {Name: "sm4-cbc-128", KeyLen: 16, IVLen: 16, BlockSize: 16},
}

// Info 返回算法参数，未知算法 ok=false
func (a CryptoAlgorithm) Info() (CryptoInfo, bool) {
	info, ok := cryptoTable[a]
	return info, ok
}

// KeyLen 算法所需密钥长度，未知算法返回 -1
func (a CryptoAlgorithm) KeyLen() int {
	if info, ok := cryptoTable[a]; ok {
		return info.KeyLen
	}
	return -1
}

// IsCounterMode CTR/GCM 使用 salt
func (a CryptoAlgorithm) IsCounterMode() bool {
	return cryptoTable[a].CounterMode
}

// IsAEAD GCM
func (a CryptoAlgorithm) IsAEAD() bool {
	return cryptoTable[a].AEAD
}

func (a CryptoAlgorithm) String() string {
	if info, ok := cryptoTable[a]; ok {
		return info.Name
	}
	return fmt.Sprintf("crypto(%d)", uint32(a))
}

// CryptoAlgorithms 返回全部已定义的加密算法 (按数值顺序)
func CryptoAlgorithms() []CryptoAlgorithm {
	out := make([]CryptoAlgorithm, 0, len(cryptoTable))
	for a := CryptoNone; a <= CryptoSM4CBC128; a++ {
		out = append(out, a)
	}
	return out
}

// IntegAlgorithm 完整性算法，数值与控制消息保持一致
type IntegAlgorithm uint32

const (
	IntegNone IntegAlgorithm = iota
	IntegMD596
	IntegSHA196
	IntegSHA25696
	IntegSHA256128
	IntegSHA384192
	IntegSHA512256
	IntegSM3256
)

// IntegInfo 完整性算法参数表项
type IntegInfo struct {
	Name   string
	KeyLen int
	ICVLen int
}

var integTable = map[IntegAlgorithm]IntegInfo{
	IntegNone:      {Name: "none"},
	IntegMD596:     {Name: "md5-96", KeyLen: 16, ICVLen: 12},
	IntegSHA196:    {Name: "sha1-96", KeyLen: 20, ICVLen: 12},
	IntegSHA25696:  {Name: "sha-256-96", KeyLen: 32, ICVLen: 12},
	IntegSHA256128: {Name: "sha-256-128", KeyLen: 32, ICVLen: 16},
	IntegSHA384192: {Name: "sha-384-192", KeyLen: 48, ICVLen: 24},
	IntegSHA512256: {Name: "sha-512-256", KeyLen: 64, ICVLen: 32},
	IntegSM3256:    {Name: "sm3-256", KeyLen: 32, ICVLen: 32},
}

func (a IntegAlgorithm) Info() (IntegInfo, bool) {
	info, ok := integTable[a]
	return info, ok
}

func (a IntegAlgorithm) KeyLen() int {
	if info, ok := integTable[a]; ok {
		return info.KeyLen
	}
	return -1
}

func (a IntegAlgorithm) ICVLen() int {
	return integTable[a].ICVLen
}

func (a IntegAlgorithm) String() string {
	if info, ok := integTable[a]; ok {
		return info.Name
	}
	return fmt.Sprintf("integ(%d)", uint32(a))
}

// IntegAlgorithms 返回全部已定义的完整性算法
func IntegAlgorithms() []IntegAlgorithm {
	out := make([]IntegAlgorithm, 0, len(integTable))
	for a := IntegNone; a <= IntegSM3256; a++ {
		out = append(out, a)
	}
	return out
}

// 控制消息中的 flags 位
const (
	FlagBitNone          uint32 = 0x00
	FlagBitUseESN        uint32 = 0x01
	FlagBitUseAntiReplay uint32 = 0x02
	FlagBitIsTunnel      uint32 = 0x04
	FlagBitIsTunnelV6    uint32 = 0x08
	FlagBitUDPEncap      uint32 = 0x10
)

// SadFlags 相互独立的 SA 标志
type SadFlags struct {
	UseESN        bool
	UseAntiReplay bool
	IsTunnel      bool
	IsTunnelV6    bool
	UDPEncap      bool
}

// FlagsFromBits 从控制消息位掩码解析，未定义的位被忽略
func FlagsFromBits(bits uint32) SadFlags {
	return SadFlags{
		UseESN:        bits&FlagBitUseESN != 0,
		UseAntiReplay: bits&FlagBitUseAntiReplay != 0,
		IsTunnel:      bits&FlagBitIsTunnel != 0,
		IsTunnelV6:    bits&FlagBitIsTunnelV6 != 0,
		UDPEncap:      bits&FlagBitUDPEncap != 0,
	}
}

// Bits 编码为控制消息位掩码
func (f SadFlags) Bits() uint32 {
	var bits uint32
	if f.UseESN {
		bits |= FlagBitUseESN
	}
	if f.UseAntiReplay {
		bits |= FlagBitUseAntiReplay
	}
	if f.IsTunnel {
		bits |= FlagBitIsTunnel
	}
	if f.IsTunnelV6 {
		bits |= FlagBitIsTunnelV6
	}
	if f.UDPEncap {
		bits |= FlagBitUDPEncap
	}
	return bits
}

// DefaultNATTPort RFC 3948
const DefaultNATTPort = 4500

// Candidate 控制面提交的待校验 SA
type Candidate struct {
	SadID      uint32
	SPI        uint32
	Protocol   Proto
	Crypto     CryptoAlgorithm
	CryptoKey  Key
	Integ      IntegAlgorithm
	IntegKey   Key
	Flags      SadFlags
	TunnelSrc  net.IP
	TunnelDst  net.IP
	TxTableID  uint32
	Salt       uint32
	UDPSrcPort uint16 // 仅 UDPEncap 有效，0 表示 4500
	UDPDstPort uint16
}

// Entry 通过校验的不可变 SA 快照。存入 DB 后任何字段都不再被修改，
// 替换时整体换新。
type Entry struct {
	SadID      uint32
	SPI        uint32
	Protocol   Proto
	Crypto     CryptoAlgorithm
	CryptoKey  Key
	Integ      IntegAlgorithm
	IntegKey   Key
	Flags      SadFlags
	TunnelSrc  net.IP
	TunnelDst  net.IP
	TxTableID  uint32
	Salt       uint32
	UDPSrcPort uint16
	UDPDstPort uint16
}

// Tuple 入站分发键
func (e *Entry) Tuple() SpiTuple {
	return NewSpiTuple(e.SPI, e.Protocol, e.TunnelDst)
}

// ICVLen 报文尾部校验值总长度: AEAD 标签加上完整性算法的 ICV
func (e *Entry) ICVLen() int {
	n := e.Integ.ICVLen()
	if e.Crypto.IsAEAD() {
		n += cryptoTable[e.Crypto].ICVLen
	}
	return n
}

func (e *Entry) String() string {
	return fmt.Sprintf("sa(id=%d spi=0x%08x proto=%s crypto=%s integ=%s flags=0x%02x dst=%v)",
		e.SadID, e.SPI, e.Protocol, e.Crypto, e.Integ, e.Flags.Bits(), e.TunnelDst)
}

// Clone 深拷贝，DB 内部持有独立副本
func (e *Entry) Clone() *Entry {
	c := *e
	c.TunnelSrc = cloneIP(e.TunnelSrc)
	c.TunnelDst = cloneIP(e.TunnelDst)
	return &c
}

// zero 回收时清空密钥材料
func (e *Entry) zero() {
	e.CryptoKey.Zero()
	e.IntegKey.Zero()
	e.Salt = 0
}

func cloneIP(ip net.IP) net.IP {
	if ip == nil {
		return nil
	}
	out := make(net.IP, len(ip))
	copy(out, ip)
	return out
}

// SpiTuple (spi, protocol, tunnel_dst) 唯一键，Dst 统一为 16 字节形式
type SpiTuple struct {
	SPI      uint32
	Protocol Proto
	Dst      [16]byte
}

// NewSpiTuple dst 为空时 (传输模式) 使用全零地址
func NewSpiTuple(spi uint32, proto Proto, dst net.IP) SpiTuple {
	t := SpiTuple{SPI: spi, Protocol: proto}
	if ip16 := dst.To16(); ip16 != nil {
		copy(t.Dst[:], ip16)
	}
	return t
}

func (t SpiTuple) String() string {
	return fmt.Sprintf("spi=0x%08x proto=%s dst=%v", t.SPI, t.Protocol, net.IP(t.Dst[:]))
}
