package sad

import (
	"fmt"
	"strings"
)

// ParseProto "esp" / "ah"，不区分大小写
func ParseProto(s string) (Proto, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "esp":
		return ProtoESP, nil
	case "ah":
		return ProtoAH, nil
	}
	return 0, fmt.Errorf("unknown protocol %q", s)
}

// ParseCryptoAlgorithm 按算法表中的名称 (如 "aes-gcm-128") 解析，空串为 none
func ParseCryptoAlgorithm(s string) (CryptoAlgorithm, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return CryptoNone, nil
	}
	for a, info := range cryptoTable {
		if info.Name == name {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown crypto algorithm %q", s)
}

// ParseIntegAlgorithm 按名称 (如 "sha-256-128") 解析，空串为 none
func ParseIntegAlgorithm(s string) (IntegAlgorithm, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return IntegNone, nil
	}
	for a, info := range integTable {
		if info.Name == name {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown integrity algorithm %q", s)
}
