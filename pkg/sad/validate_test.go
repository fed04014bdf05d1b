package sad

import (
	"bytes"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keyOf(n int) Key {
	return NewKey(bytes.Repeat([]byte{0x5a}, n))
}

func espCandidate(id, spi uint32) Candidate {
	return Candidate{
		SadID:     id,
		SPI:       spi,
		Protocol:  ProtoESP,
		Crypto:    CryptoAESGCM128,
		CryptoKey: keyOf(16),
		Integ:     IntegNone,
		Flags:     SadFlags{UseAntiReplay: true},
		Salt:      0x01020304,
	}
}

func requireKind(t *testing.T, err error, kind error) {
	t.Helper()
	require.Error(t, err)
	assert.ErrorIs(t, err, kind)
	var ve *ValidationError
	assert.True(t, errors.As(err, &ve), "want *ValidationError, got %T", err)
}

// TestValidateCryptoKeyLengths 每个加密算法接受且只接受表中的密钥长度
func TestValidateCryptoKeyLengths(t *testing.T) {
	for _, alg := range CryptoAlgorithms() {
		t.Run(alg.String(), func(t *testing.T) {
			c := espCandidate(1, 0x100)
			c.Crypto = alg
			c.CryptoKey = keyOf(alg.KeyLen())
			if alg == CryptoNone {
				c.Integ = IntegSHA196
				c.IntegKey = keyOf(20)
			}
			_, err := Validate(c)
			require.NoError(t, err)

			c.CryptoKey = keyOf(alg.KeyLen() + 1)
			_, err = Validate(c)
			requireKind(t, err, ErrBadKeyLength)
		})
	}
}

// TestValidateIntegKeyLengths
func TestValidateIntegKeyLengths(t *testing.T) {
	for _, alg := range IntegAlgorithms() {
		t.Run(alg.String(), func(t *testing.T) {
			c := espCandidate(1, 0x100)
			c.Crypto = CryptoAESCBC128
			c.Integ = alg
			c.IntegKey = keyOf(alg.KeyLen())
			_, err := Validate(c)
			require.NoError(t, err)

			if alg.KeyLen() > 0 {
				c.IntegKey = keyOf(alg.KeyLen() - 1)
				_, err = Validate(c)
				requireKind(t, err, ErrBadKeyLength)
			}
		})
	}
}

func TestValidateUnknownAlgorithm(t *testing.T) {
	c := espCandidate(1, 0x100)
	c.Crypto = CryptoAlgorithm(99)
	_, err := Validate(c)
	requireKind(t, err, ErrUnsupportedCombination)

	c = espCandidate(1, 0x100)
	c.Integ = IntegAlgorithm(42)
	_, err = Validate(c)
	requireKind(t, err, ErrUnsupportedCombination)
}

func TestValidateCombinations(t *testing.T) {
	t.Run("AH with encryption", func(t *testing.T) {
		c := espCandidate(1, 0x100)
		c.Protocol = ProtoAH
		c.Integ = IntegSHA256128
		c.IntegKey = keyOf(32)
		_, err := Validate(c)
		requireKind(t, err, ErrUnsupportedCombination)
	})
	t.Run("AH integrity only", func(t *testing.T) {
		c := Candidate{SadID: 1, SPI: 0x100, Protocol: ProtoAH, Integ: IntegSHA256128, IntegKey: keyOf(32)}
		_, err := Validate(c)
		require.NoError(t, err)
	})
	t.Run("AH with UDP encap", func(t *testing.T) {
		c := Candidate{SadID: 1, SPI: 0x100, Protocol: ProtoAH, Integ: IntegSHA196, IntegKey: keyOf(20),
			Flags: SadFlags{UDPEncap: true}}
		_, err := Validate(c)
		requireKind(t, err, ErrUnsupportedCombination)
	})
	t.Run("ESP none/none", func(t *testing.T) {
		c := Candidate{SadID: 1, SPI: 0x100, Protocol: ProtoESP}
		_, err := Validate(c)
		requireKind(t, err, ErrUnsupportedCombination)
	})
	t.Run("unknown protocol", func(t *testing.T) {
		c := espCandidate(1, 0x100)
		c.Protocol = Proto(7)
		_, err := Validate(c)
		requireKind(t, err, ErrUnsupportedCombination)
	})
}

func TestValidateTunnel(t *testing.T) {
	v4 := func(c *Candidate) {
		c.Flags.IsTunnel = true
		c.TunnelSrc = net.ParseIP("192.0.2.1")
		c.TunnelDst = net.ParseIP("198.51.100.1")
	}

	t.Run("v4 normalized to 4 bytes", func(t *testing.T) {
		c := espCandidate(1, 0x100)
		v4(&c)
		e, err := Validate(c)
		require.NoError(t, err)
		assert.Len(t, e.TunnelDst, 4)
		assert.True(t, e.TunnelDst.Equal(net.ParseIP("198.51.100.1")))
	})
	t.Run("v4 flagged as v6", func(t *testing.T) {
		c := espCandidate(1, 0x100)
		v4(&c)
		c.Flags.IsTunnelV6 = true
		_, err := Validate(c)
		requireKind(t, err, ErrBadAddressFamily)
	})
	t.Run("v6", func(t *testing.T) {
		c := espCandidate(1, 0x100)
		c.Flags = SadFlags{IsTunnel: true, IsTunnelV6: true}
		c.TunnelSrc = net.ParseIP("2001:db8::1")
		c.TunnelDst = net.ParseIP("2001:db8::2")
		_, err := Validate(c)
		require.NoError(t, err)
	})
	t.Run("v6 without flag", func(t *testing.T) {
		c := espCandidate(1, 0x100)
		c.Flags = SadFlags{IsTunnel: true}
		c.TunnelSrc = net.ParseIP("2001:db8::1")
		c.TunnelDst = net.ParseIP("2001:db8::2")
		_, err := Validate(c)
		requireKind(t, err, ErrBadAddressFamily)
	})
	t.Run("missing endpoint", func(t *testing.T) {
		c := espCandidate(1, 0x100)
		v4(&c)
		c.TunnelSrc = nil
		_, err := Validate(c)
		requireKind(t, err, ErrBadAddressFamily)
	})
	t.Run("transport ignores tunnel fields", func(t *testing.T) {
		c := espCandidate(1, 0x100)
		c.TunnelDst = net.ParseIP("2001:db8::2")
		c.Flags.IsTunnelV6 = true
		e, err := Validate(c)
		require.NoError(t, err)
		assert.Nil(t, e.TunnelDst)
		assert.True(t, e.Flags.IsTunnelV6, "标志位按提交值保留")
		assert.Equal(t, c.Flags.Bits(), e.Flags.Bits())
	})
}

func TestValidateDefaults(t *testing.T) {
	c := espCandidate(1, 0x100)
	c.Flags.UDPEncap = true
	e, err := Validate(c)
	require.NoError(t, err)
	assert.Equal(t, uint16(DefaultNATTPort), e.UDPSrcPort)
	assert.Equal(t, uint16(DefaultNATTPort), e.UDPDstPort)
	assert.Equal(t, uint32(0x01020304), e.Salt)

	// 非计数器模式 salt 清零
	c = espCandidate(1, 0x100)
	c.Crypto = CryptoAESCBC256
	c.CryptoKey = keyOf(32)
	e, err = Validate(c)
	require.NoError(t, err)
	assert.Zero(t, e.Salt)

	// 零 salt 不拒绝
	c = espCandidate(1, 0x100)
	c.Salt = 0
	_, err = Validate(c)
	assert.NoError(t, err)
}

// TestValidateDoesNotAlias Entry 与 Candidate 不共享地址切片
func TestValidateDoesNotAlias(t *testing.T) {
	c := espCandidate(1, 0x100)
	c.Flags = SadFlags{IsTunnel: true, IsTunnelV6: true}
	c.TunnelSrc = net.ParseIP("2001:db8::1")
	c.TunnelDst = net.ParseIP("2001:db8::2")
	e, err := Validate(c)
	require.NoError(t, err)

	c.TunnelDst[15] = 0x99
	assert.True(t, e.TunnelDst.Equal(net.ParseIP("2001:db8::2")))
}

func TestFlagsRoundTrip(t *testing.T) {
	for bits := uint32(0); bits < 0x20; bits++ {
		assert.Equal(t, bits, FlagsFromBits(bits).Bits())
	}
	// 未定义位被忽略
	assert.Equal(t, FlagBitUseESN, FlagsFromBits(0x101).Bits())
}

func TestEntryICVLen(t *testing.T) {
	cases := []struct {
		crypto CryptoAlgorithm
		integ  IntegAlgorithm
		want   int
	}{
		{CryptoAESGCM128, IntegNone, 16},
		{CryptoAESGCM256, IntegSHA256128, 32},
		{CryptoAESCBC128, IntegSHA196, 12},
		{CryptoNone, IntegSHA512256, 32},
		{CryptoAESCTR128, IntegNone, 0},
	}
	for _, tc := range cases {
		e := &Entry{Crypto: tc.crypto, Integ: tc.integ}
		assert.Equal(t, tc.want, e.ICVLen(), "%s/%s", tc.crypto, tc.integ)
	}
}

func TestParseAlgorithms(t *testing.T) {
	for _, a := range CryptoAlgorithms() {
		got, err := ParseCryptoAlgorithm(a.String())
		require.NoError(t, err)
		assert.Equal(t, a, got)
	}
	for _, a := range IntegAlgorithms() {
		got, err := ParseIntegAlgorithm(a.String())
		require.NoError(t, err)
		assert.Equal(t, a, got)
	}
	_, err := ParseCryptoAlgorithm("rot13")
	assert.Error(t, err)

	p, err := ParseProto("AH")
	require.NoError(t, err)
	assert.Equal(t, ProtoAH, p)
}
