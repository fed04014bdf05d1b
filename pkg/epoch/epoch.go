// Package epoch 实现基于静默状态 (QSBR) 的延迟回收。
//
// 数据面每个 worker 注册一个 Reader，处理一批报文前 Enter，处理完 Exit。
// 控制面把对象从索引中摘除后调用 Retire，回收函数在所有可能仍持有该对象的
// Reader 都经过静默点之后才执行。读路径只有两次原子写，不加锁。
package epoch

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Domain 一组 Reader 与待回收对象
type Domain struct {
	epoch atomic.Uint64

	mu      sync.Mutex
	readers map[*Reader]struct{}
	retired []retiredItem
}

type retiredItem struct {
	epoch uint64
	fn    func()
}

// Reader 单个读者 (通常对应一个数据面分片)。同一 Reader 不能被多个 goroutine 并发使用。
type Reader struct {
	d *Domain
	// 0 表示静默，否则为 Enter 时观察到的 epoch
	state atomic.Uint64
}

func NewDomain() *Domain {
	d := &Domain{readers: make(map[*Reader]struct{})}
	d.epoch.Store(1)
	return d
}

// Register 注册新的 Reader，初始为静默状态
func (d *Domain) Register() *Reader {
	r := &Reader{d: d}
	d.mu.Lock()
	d.readers[r] = struct{}{}
	d.mu.Unlock()
	return r
}

// Unregister 注销，之后 Reader 不再阻挡回收
func (r *Reader) Unregister() {
	r.state.Store(0)
	r.d.mu.Lock()
	delete(r.d.readers, r)
	r.d.mu.Unlock()
	r.d.Poll()
}

// Enter 进入读临界区
func (r *Reader) Enter() {
	r.state.Store(r.d.epoch.Load())
}

// Exit 离开读临界区 (静默点)
func (r *Reader) Exit() {
	r.state.Store(0)
}

// Epoch 当前全局 epoch
func (d *Domain) Epoch() uint64 {
	return d.epoch.Load()
}

// Retire 登记回收函数。调用前对象必须已经对新的读者不可见。
func (d *Domain) Retire(fn func()) {
	e := d.epoch.Add(1)
	d.mu.Lock()
	d.retired = append(d.retired, retiredItem{epoch: e, fn: fn})
	d.mu.Unlock()
	d.Poll()
}

// Pending 尚未回收的对象数
func (d *Domain) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.retired)
}

// Poll 非阻塞地回收宽限期已过的对象，返回本次回收数量
func (d *Domain) Poll() int {
	d.mu.Lock()
	floor := d.minActiveLocked()
	var ready []func()
	kept := d.retired[:0]
	for _, it := range d.retired {
		if floor == 0 || it.epoch <= floor {
			ready = append(ready, it.fn)
		} else {
			kept = append(kept, it)
		}
	}
	for i := len(kept); i < len(d.retired); i++ {
		d.retired[i] = retiredItem{}
	}
	d.retired = kept
	d.mu.Unlock()

	for _, fn := range ready {
		fn()
	}
	return len(ready)
}

// minActiveLocked 活跃 Reader 中最小的 epoch，全部静默时返回 0
func (d *Domain) minActiveLocked() uint64 {
	var floor uint64
	for r := range d.readers {
		s := r.state.Load()
		if s != 0 && (floor == 0 || s < floor) {
			floor = s
		}
	}
	return floor
}

// Synchronize 等待当前所有读临界区结束并执行回收。
// 读临界区是有界的，等待时间受 ctx 约束。
func (d *Domain) Synchronize(ctx context.Context) error {
	target := d.epoch.Add(1)
	backoff := time.Microsecond
	for {
		if d.passed(target) {
			d.Poll()
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if backoff < time.Millisecond {
			runtime.Gosched()
			backoff *= 2
		} else {
			time.Sleep(backoff)
		}
	}
}

func (d *Domain) passed(target uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for r := range d.readers {
		s := r.state.Load()
		if s != 0 && s < target {
			return false
		}
	}
	return true
}
