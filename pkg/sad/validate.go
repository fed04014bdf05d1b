package sad

// Validate 校验候选 SA，成功时返回独立的 Entry 快照。
// 纯函数，不修改 c。检查顺序:
//  1. 密钥长度与算法表一致
//  2. 协议为 ESP 或 AH
//  3. 算法组合 (AH 不能加密，ESP 至少一个非 NONE，AH 不支持 UDP 封装)
//  4. 隧道端点与地址族
func Validate(c Candidate) (*Entry, error) {
	if err := checkKeys(&c); err != nil {
		return nil, err
	}

	switch c.Protocol {
	case ProtoESP, ProtoAH:
	default:
		return nil, invalid(ErrUnsupportedCombination, "protocol", "unknown protocol %d", uint8(c.Protocol))
	}

	if err := checkCombination(&c); err != nil {
		return nil, err
	}

	e := &Entry{
		SadID:     c.SadID,
		SPI:       c.SPI,
		Protocol:  c.Protocol,
		Crypto:    c.Crypto,
		CryptoKey: c.CryptoKey,
		Integ:     c.Integ,
		IntegKey:  c.IntegKey,
		Flags:     c.Flags,
		TxTableID: c.TxTableID,
		Salt:      c.Salt,
	}

	// 非隧道模式不保存隧道地址，IsTunnelV6 按提交值保留但不生效
	if c.Flags.IsTunnel {
		if err := checkTunnel(&c); err != nil {
			return nil, err
		}
		e.TunnelSrc = normalizeIP(c.TunnelSrc, c.Flags.IsTunnelV6)
		e.TunnelDst = normalizeIP(c.TunnelDst, c.Flags.IsTunnelV6)
	}

	if c.Flags.UDPEncap {
		e.UDPSrcPort, e.UDPDstPort = c.UDPSrcPort, c.UDPDstPort
		if e.UDPSrcPort == 0 {
			e.UDPSrcPort = DefaultNATTPort
		}
		if e.UDPDstPort == 0 {
			e.UDPDstPort = DefaultNATTPort
		}
	}

	// salt 只对 CTR/GCM 有意义，其它算法清零；零值 salt 不拒绝
	if !c.Crypto.IsCounterMode() {
		e.Salt = 0
	}

	return e, nil
}

func checkKeys(c *Candidate) error {
	want := c.Crypto.KeyLen()
	if want < 0 {
		return invalid(ErrUnsupportedCombination, "crypto_algorithm", "unknown algorithm %d", uint32(c.Crypto))
	}
	if int(c.CryptoKey.Length) != want {
		return invalid(ErrBadKeyLength, "crypto_key", "%s requires %d bytes, got %d", c.Crypto, want, c.CryptoKey.Length)
	}

	want = c.Integ.KeyLen()
	if want < 0 {
		return invalid(ErrUnsupportedCombination, "integ_algorithm", "unknown algorithm %d", uint32(c.Integ))
	}
	if int(c.IntegKey.Length) != want {
		return invalid(ErrBadKeyLength, "integ_key", "%s requires %d bytes, got %d", c.Integ, want, c.IntegKey.Length)
	}
	return nil
}

func checkCombination(c *Candidate) error {
	switch c.Protocol {
	case ProtoAH:
		// AH 只提供完整性
		if c.Crypto != CryptoNone {
			return invalid(ErrUnsupportedCombination, "crypto_algorithm", "AH cannot use %s", c.Crypto)
		}
		if c.Flags.UDPEncap {
			return invalid(ErrUnsupportedCombination, "flags", "UDP encapsulation is ESP only")
		}
	case ProtoESP:
		if c.Crypto == CryptoNone && c.Integ == IntegNone {
			return invalid(ErrUnsupportedCombination, "integ_algorithm", "ESP requires encryption or integrity")
		}
	}
	return nil
}

func checkTunnel(c *Candidate) error {
	if c.TunnelSrc == nil || c.TunnelDst == nil {
		return invalid(ErrBadAddressFamily, "tunnel", "tunnel mode requires tunnel_src and tunnel_dst")
	}
	if !matchFamily(c.TunnelSrc, c.Flags.IsTunnelV6) {
		return invalid(ErrBadAddressFamily, "tunnel_src", "%v does not match %s", c.TunnelSrc, familyName(c.Flags.IsTunnelV6))
	}
	if !matchFamily(c.TunnelDst, c.Flags.IsTunnelV6) {
		return invalid(ErrBadAddressFamily, "tunnel_dst", "%v does not match %s", c.TunnelDst, familyName(c.Flags.IsTunnelV6))
	}
	return nil
}

// matchFamily IPv4-mapped IPv6 地址按 IPv4 处理
func matchFamily(ip []byte, v6 bool) bool {
	switch len(ip) {
	case 4:
		return !v6
	case 16:
		is4 := isV4Mapped(ip)
		return is4 != v6
	}
	return false
}

func isV4Mapped(ip []byte) bool {
	for i := 0; i < 10; i++ {
		if ip[i] != 0 {
			return false
		}
	}
	return ip[10] == 0xff && ip[11] == 0xff
}

func normalizeIP(ip []byte, v6 bool) []byte {
	if v6 {
		return cloneIP(ip)
	}
	if len(ip) == 16 {
		return cloneIP(ip[12:16])
	}
	return cloneIP(ip)
}

func familyName(v6 bool) string {
	if v6 {
		return "IPv6"
	}
	return "IPv4"
}
