package seq

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// accept Check + Commit，模拟 ICV 校验通过
func accept(t *testing.T, w *Window, low uint32) uint64 {
	t.Helper()
	c, err := w.Check(low)
	require.NoError(t, err, "check %d", low)
	require.NoError(t, w.Commit(c), "commit %d", low)
	return c
}

func TestNormalizeWindowSize(t *testing.T) {
	cases := map[uint64]uint64{
		0:    64,
		1:    64,
		64:   64,
		65:   128,
		1024: 1024,
		4096: 4096,
		9999: 4096,
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeWindowSize(in), "size %d", in)
	}
}

// TestWindowSlidingScenario T=100, W=64
func TestWindowSlidingScenario(t *testing.T) {
	w := NewWindow(64, false, true)
	accept(t, w, 100)
	require.Equal(t, uint64(100), w.Top())

	_, err := w.Check(36)
	assert.ErrorIs(t, err, ErrTooOld)
	assert.ErrorIs(t, err, ErrReplay)

	accept(t, w, 37)
	_, err = w.Check(37)
	assert.ErrorIs(t, err, ErrDuplicate)

	accept(t, w, 200)
	assert.Equal(t, uint64(200), w.Top())

	_, err = w.Check(37)
	assert.ErrorIs(t, err, ErrTooOld)

	// 窗口内未收到的值仍可接收
	accept(t, w, 150)
	_, err = w.Check(150)
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestWindowZeroIsNeverAccepted(t *testing.T) {
	w := NewWindow(64, false, true)
	_, err := w.Check(0)
	assert.ErrorIs(t, err, ErrTooOld)
}

// TestWindowCheckHasNoSideEffects Check 多次调用不改变状态
func TestWindowCheckHasNoSideEffects(t *testing.T) {
	w := NewWindow(128, false, true)
	accept(t, w, 10)
	before := w.Bitmap()

	for i := 0; i < 3; i++ {
		c, err := w.Check(500)
		require.NoError(t, err)
		assert.Equal(t, uint64(500), c)
	}
	assert.Equal(t, uint64(10), w.Top())
	assert.Equal(t, before, w.Bitmap())
}

// TestWindowCommitRevalidates Check 之后窗口被其它报文推进
func TestWindowCommitRevalidates(t *testing.T) {
	w := NewWindow(64, false, true)
	accept(t, w, 5)

	c, err := w.Check(6)
	require.NoError(t, err)
	accept(t, w, 6)
	assert.ErrorIs(t, w.Commit(c), ErrDuplicate)

	c, err = w.Check(7)
	require.NoError(t, err)
	accept(t, w, 1000)
	assert.ErrorIs(t, w.Commit(c), ErrTooOld)
}

// TestWindowBitmapLayout bit i 对应 T-i，跨 word 移位正确
func TestWindowBitmapLayout(t *testing.T) {
	w := NewWindow(256, false, true)
	accept(t, w, 1)
	accept(t, w, 3)
	assert.Equal(t, []uint64{0b101, 0, 0, 0}, w.Bitmap())

	// 前移 70 位: 3 → bit 70, 1 → bit 72
	accept(t, w, 73)
	bm := w.Bitmap()
	assert.Equal(t, uint64(1), bm[0])
	assert.Equal(t, uint64(1<<6|1<<8), bm[1])

	// 窗口内的旧值都还记得
	for _, low := range []uint32{1, 3, 73} {
		_, err := w.Check(low)
		assert.ErrorIs(t, err, ErrDuplicate, "low %d", low)
	}
	accept(t, w, 2)

	// 移出整个窗口
	accept(t, w, 73+256)
	_, err := w.Check(73)
	assert.ErrorIs(t, err, ErrTooOld)
	assert.Equal(t, []uint64{1, 0, 0, 0}, w.Bitmap())
}

// TestWindowReset 清空后从 1 重新开始
func TestWindowReset(t *testing.T) {
	w := NewWindow(128, true, true)
	accept(t, w, 90)
	accept(t, w, 100)
	w.reset()

	assert.Equal(t, uint64(0), w.Top())
	assert.Equal(t, []uint64{0, 0}, w.Bitmap())
	assert.Equal(t, uint64(1), accept(t, w, 1))
	assert.Equal(t, uint64(90), accept(t, w, 90))
}

func TestWindowLargeWidth(t *testing.T) {
	w := NewWindow(MaxWindowSize, false, true)
	accept(t, w, 5000)
	accept(t, w, 5000-4095)
	_, err := w.Check(5000 - 4096)
	assert.ErrorIs(t, err, ErrTooOld)
}

// TestWindowDisabled 关闭抗重放时不拒绝任何值，但仍跟踪最高值
func TestWindowDisabled(t *testing.T) {
	w := NewWindow(64, false, false)
	accept(t, w, 100)
	accept(t, w, 100)
	accept(t, w, 1)
	assert.Equal(t, uint64(100), w.Top())
	assert.False(t, w.Enabled())
}

func TestDisambiguate(t *testing.T) {
	cases := []struct {
		name string
		top  uint64
		low  uint32
		want uint64
	}{
		{"same epoch", 0x1_0000_0010, 0x20, 0x1_0000_0020},
		{"previous epoch", 0x1_0000_0010, 0xFFFFFFF0, 0x0_FFFFFFF0},
		{"next epoch", 0x1_FFFF_FFF0, 0x10, 0x2_0000_0010},
		{"epoch zero has no predecessor", 0x10, 0xFFFFFFF0, 0x0_FFFFFFF0},
		{"initial", 0, 1, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Disambiguate(tc.top, tc.low))
		})
	}
}

// TestWindowESN 逻辑序列号跨越 2^32
func TestWindowESN(t *testing.T) {
	w := NewWindow(64, true, true)
	accept(t, w, 0xFFFFFFF0)
	c := accept(t, w, 0x10)
	assert.Equal(t, uint64(0x1_0000_0010), c)
	assert.Equal(t, uint64(0x1_0000_0010), w.Top())

	// 上一个 epoch 尾部、仍在窗口内
	c, err := w.Check(0xFFFFFFF5)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xFFFFFFF5), c)

	_, err = w.Check(0xFFFFFFF0)
	assert.ErrorIs(t, err, ErrDuplicate)
}

// TestWindowNoESNUsesRawValue 未启用 ESN 时候选值就是线上 32 位值
func TestWindowNoESNUsesRawValue(t *testing.T) {
	w := NewWindow(64, false, true)
	accept(t, w, 0xFFFFFFF0)
	assert.Equal(t, uint64(0x10), w.Reconstruct(0x10))
	_, err := w.Check(0x10)
	assert.ErrorIs(t, err, ErrTooOld)
}

// TestWindowConcurrentCommit 多个 goroutine 提交相同的值只有一个成功
func TestWindowConcurrentCommit(t *testing.T) {
	w := NewWindow(1024, false, true)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for low := uint32(1); low <= 500; low++ {
				c, err := w.Check(low)
				if err != nil {
					continue
				}
				if err := w.Commit(c); err == nil {
					mu.Lock()
					success++
					mu.Unlock()
				} else if !errors.Is(err, ErrReplay) {
					t.Errorf("unexpected error: %v", err)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 500, success)
}
