// Package seq 每个 SA 的序列号与抗重放状态 (RFC 4303 §3.3.3, §3.4.3)。
//
// 发送与接收计数器在逻辑上都是 64 位，线上只携带低 32 位。
// 启用 ESN 时高 32 位作为不上线的尾部参与 ICV 计算。
package seq

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
)

// ErrSequenceExhausted 计数器用尽，SA 必须下线或重新协商
var ErrSequenceExhausted = errors.New("sequence number exhausted")

// 软告警默认阈值
const (
	DefaultSoftLimit    uint64 = 0xFFFF0000
	DefaultSoftLimitESN uint64 = math.MaxUint64 - 0xFFFFFFFF
)

// Seq 一次发送分配到的序列号
type Seq struct {
	Logical uint64
	Low     uint32 // 线上序列号字段
	High    [4]byte
	ESN     bool
}

// Trailer 返回参与 ICV 计算的高 32 位 (大端)，未启用 ESN 时为 nil
func (s Seq) Trailer() []byte {
	if !s.ESN {
		return nil
	}
	return s.High[:]
}

// MakeSeq 由逻辑值构造 Seq
func MakeSeq(logical uint64, esn bool) Seq {
	s := Seq{Logical: logical, Low: uint32(logical), ESN: esn}
	if esn {
		binary.BigEndian.PutUint32(s.High[:], uint32(logical>>32))
	}
	return s
}

// SendCounter 发送方向计数器。首个发送值为 1，每次 Next 加 1。
type SendCounter struct {
	next atomic.Uint64 // 下一个要发送的值，0 表示已越过 2^64-1
	esn  bool

	softLimit uint64
	onSoft    func(uint64)
	warned    atomic.Bool
	exhausted atomic.Bool
}

// NewSendCounter onSoft 在计数器首次越过 softLimit 时被调用一次，可以为 nil。
// softLimit 为 0 时按 ESN 选择默认值。
func NewSendCounter(esn bool, softLimit uint64, onSoft func(uint64)) *SendCounter {
	if softLimit == 0 {
		softLimit = DefaultSoftLimit
		if esn {
			softLimit = DefaultSoftLimitESN
		}
	}
	c := &SendCounter{esn: esn, softLimit: softLimit, onSoft: onSoft}
	c.next.Store(1)
	return c
}

// limit 非 ESN 时线上字段无法表示超过 2^32-1 的值
func (c *SendCounter) limit() uint64 {
	if c.esn {
		return math.MaxUint64
	}
	return math.MaxUint32
}

// Next 分配下一个序列号
func (c *SendCounter) Next() (Seq, error) {
	for {
		v := c.next.Load()
		if v == 0 || v > c.limit() {
			c.exhausted.Store(true)
			return Seq{}, ErrSequenceExhausted
		}
		if c.next.CompareAndSwap(v, v+1) {
			if v >= c.softLimit && c.warned.CompareAndSwap(false, true) && c.onSoft != nil {
				c.onSoft(v)
			}
			return MakeSeq(v, c.esn), nil
		}
	}
}

// Set 显式指定下一个发送值 (测试/重放工具使用)
func (c *SendCounter) Set(next uint64) error {
	if next == 0 {
		return fmt.Errorf("sequence override: 0 is never transmitted")
	}
	if next > c.limit() {
		return fmt.Errorf("sequence override 0x%x: %w", next, ErrSequenceExhausted)
	}
	c.next.Store(next)
	c.exhausted.Store(false)
	c.warned.Store(false)
	return nil
}

// Last 最近一次发送的值，尚未发送时为 0
func (c *SendCounter) Last() uint64 {
	v := c.next.Load()
	if v == 0 {
		return math.MaxUint64
	}
	return v - 1
}

// Exhausted 是否已经用尽
func (c *SendCounter) Exhausted() bool {
	return c.exhausted.Load()
}

// ESN
func (c *SendCounter) ESN() bool { return c.esn }
