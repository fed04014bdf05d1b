package seq

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// 重放检测结果，仅用于数据面统计，不上报控制面
var (
	ErrReplay    = errors.New("replay")
	ErrTooOld    = fmt.Errorf("%w: sequence too old", ErrReplay)
	ErrDuplicate = fmt.Errorf("%w: duplicate sequence", ErrReplay)
)

// 窗口宽度 (bit)
const (
	DefaultWindowSize uint64 = 64
	MaxWindowSize     uint64 = 4096
)

// Window 接收方向的滑动窗口，锚定在已验证的最大逻辑序列号 T 上。
// bit i 表示 T-i 是否已接收。
//
// Check 不修改状态；只有 ICV 校验通过后才调用 Commit。
// 同一 SA 的窗口只应由其所属分片写入，mu 用于保证单写者。
type Window struct {
	mu      sync.Mutex
	size    uint64
	top     uint64
	bitmap  []uint64
	esn     bool
	enabled bool
}

// NewWindow size 向上取整到 64 的倍数，0 使用默认值，超过上限截断
func NewWindow(size uint64, esn, enabled bool) *Window {
	size = NormalizeWindowSize(size)
	return &Window{
		size:    size,
		bitmap:  make([]uint64, size/64),
		esn:     esn,
		enabled: enabled,
	}
}

// NormalizeWindowSize
func NormalizeWindowSize(size uint64) uint64 {
	if size == 0 {
		return DefaultWindowSize
	}
	if size > MaxWindowSize {
		return MaxWindowSize
	}
	return (size + 63) &^ 63
}

// Size 窗口宽度
func (w *Window) Size() uint64 { return w.size }

// Enabled 是否启用抗重放
func (w *Window) Enabled() bool { return w.enabled }

// Top 当前 T
func (w *Window) Top() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.top
}

// reset 清空位图并把 T 归零
func (w *Window) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.bitmap {
		w.bitmap[i] = 0
	}
	w.top = 0
}

// Bitmap 返回位图副本
func (w *Window) Bitmap() []uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]uint64, len(w.bitmap))
	copy(out, w.bitmap)
	return out
}

// Reconstruct 由线上 32 位序列号恢复逻辑序列号
func (w *Window) Reconstruct(low uint32) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reconstruct(low)
}

func (w *Window) reconstruct(low uint32) uint64 {
	if !w.esn {
		return uint64(low)
	}
	return Disambiguate(w.top, low)
}

// Disambiguate 在 {high(T)-1, high(T), high(T)+1} 三个候选中取最接近 T 的值
func Disambiguate(top uint64, low uint32) uint64 {
	high := top >> 32
	best := high<<32 | uint64(low)
	bestDist := distance(best, top)
	if high > 0 {
		c := (high-1)<<32 | uint64(low)
		if d := distance(c, top); d < bestDist {
			best, bestDist = c, d
		}
	}
	if high < math.MaxUint32 {
		c := (high+1)<<32 | uint64(low)
		if d := distance(c, top); d < bestDist {
			best = c
		}
	}
	return best
}

func distance(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

// Check 判断线上序列号 low 能否被接收，返回逻辑序列号。不修改窗口。
func (w *Window) Check(low uint32) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	candidate := w.reconstruct(low)
	if !w.enabled {
		return candidate, nil
	}
	return candidate, w.test(candidate)
}

func (w *Window) test(candidate uint64) error {
	if candidate == 0 {
		return ErrTooOld
	}
	if candidate > w.top {
		return nil
	}
	diff := w.top - candidate
	if diff >= w.size {
		return ErrTooOld
	}
	if w.bitmap[diff/64]&(1<<(diff%64)) != 0 {
		return ErrDuplicate
	}
	return nil
}

// Commit 在 ICV 校验通过后提交。Check 与 Commit 之间如果窗口已变化，
// 会重新判断并可能返回 ErrTooOld/ErrDuplicate。
func (w *Window) Commit(candidate uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.enabled {
		// 仅跟踪高位，供 ESN 重建使用
		if candidate > w.top {
			w.top = candidate
		}
		return nil
	}

	if err := w.test(candidate); err != nil {
		return err
	}
	if candidate > w.top {
		shiftBitmap(w.bitmap, candidate-w.top)
		w.bitmap[0] |= 1
		w.top = candidate
		return nil
	}
	diff := w.top - candidate
	w.bitmap[diff/64] |= 1 << (diff % 64)
	return nil
}

// shiftBitmap 整体左移 n 位，移出窗口的位丢弃
func shiftBitmap(b []uint64, n uint64) {
	words := uint64(len(b))
	if n >= words*64 {
		for i := range b {
			b[i] = 0
		}
		return
	}
	wordShift := n / 64
	bitShift := n % 64
	if wordShift > 0 {
		copy(b[wordShift:], b[:words-wordShift])
		for i := uint64(0); i < wordShift; i++ {
			b[i] = 0
		}
	}
	if bitShift > 0 {
		for i := words - 1; i > 0; i-- {
			b[i] = b[i]<<bitShift | b[i-1]>>(64-bitShift)
		}
		b[0] <<= bitShift
	}
}
