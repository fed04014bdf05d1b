package sad

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/iniwex5/sad-go/pkg/epoch"
	"github.com/iniwex5/sad-go/pkg/logger"
	"github.com/iniwex5/sad-go/pkg/metrics"
	"github.com/iniwex5/sad-go/pkg/seq"
)

// Handle DB 中的一个 SA: 不可变 Entry + 该 Entry 专属的序列号状态。
// 读者在 epoch 临界区内拿到的 Handle 在退出临界区前始终有效。
type Handle struct {
	entry *Entry
	state *seq.State
	gen   uint64
}

// Entry 不可变快照，调用方不得修改
func (h *Handle) Entry() *Entry { return h.entry }

// Seq 序列号/抗重放状态
func (h *Handle) Seq() *seq.State { return h.state }

// Generation 每次 Add 单调递增，可用于区分同一 sad_id 的不同版本
func (h *Handle) Generation() uint64 { return h.gen }

// index 只读索引快照，发布后不再修改
type index struct {
	byID    map[uint32]*Handle
	byTuple map[SpiTuple]uint32
}

func (ix *index) clone() *index {
	n := &index{
		byID:    make(map[uint32]*Handle, len(ix.byID)+1),
		byTuple: make(map[SpiTuple]uint32, len(ix.byTuple)+1),
	}
	for k, v := range ix.byID {
		n.byID[k] = v
	}
	for k, v := range ix.byTuple {
		n.byTuple[k] = v
	}
	return n
}

// SoftLimitFunc 发送计数器越过软阈值时回调
type SoftLimitFunc func(sadID uint32, next uint64)

// DB 安全关联数据库。
//
// 读路径 (Lookup*) 无锁: 原子加载当前索引快照后直接查 map。
// 写路径 (Add/Remove) 由 mu 串行化，每次复制索引、修改后整体发布，
// 被替换或删除的 Handle 交给 epoch.Domain 延迟回收。
type DB struct {
	mu     sync.Mutex
	cur    atomic.Pointer[index]
	gen    uint64
	closed bool

	domain      *epoch.Domain
	windowSize  uint64
	softLimit   uint64
	onSoftLimit SoftLimitFunc
	onReclaim   []func(*Entry)
	log         *zap.Logger
}

// Option DB 配置项
type Option func(*DB)

// WithDomain 使用外部 epoch 域 (数据面分片与 DB 共享)
func WithDomain(d *epoch.Domain) Option {
	return func(db *DB) { db.domain = d }
}

// WithWindowSize 抗重放窗口宽度 (bit)
func WithWindowSize(bits uint64) Option {
	return func(db *DB) { db.windowSize = seq.NormalizeWindowSize(bits) }
}

// WithSoftLimit 发送计数器软告警阈值，0 为按 ESN 的默认值
func WithSoftLimit(v uint64) Option {
	return func(db *DB) { db.softLimit = v }
}

// WithSoftLimitHandler
func WithSoftLimitHandler(fn SoftLimitFunc) Option {
	return func(db *DB) { db.onSoftLimit = fn }
}

// WithReclaimHook 物理回收前调用，此时已没有读者持有该 Entry
func WithReclaimHook(fn func(*Entry)) Option {
	return func(db *DB) { db.onReclaim = append(db.onReclaim, fn) }
}

// WithLogger
func WithLogger(l *zap.Logger) Option {
	return func(db *DB) { db.log = l }
}

// New 创建空 DB
func New(opts ...Option) *DB {
	db := &DB{
		windowSize: seq.DefaultWindowSize,
	}
	for _, o := range opts {
		o(db)
	}
	if db.domain == nil {
		db.domain = epoch.NewDomain()
	}
	if db.log == nil {
		db.log = logger.Named("sad")
	}
	db.cur.Store(&index{
		byID:    map[uint32]*Handle{},
		byTuple: map[SpiTuple]uint32{},
	})
	return db
}

// Domain 供数据面注册 Reader
func (db *DB) Domain() *epoch.Domain { return db.domain }

// NewReader 注册一个读者
func (db *DB) NewReader() *epoch.Reader { return db.domain.Register() }

// Add 按 sad_id 插入或整体替换，返回被替换的旧 Entry 副本 (没有时为 nil)。
// 序列号状态总是重新创建。
func (db *DB) Add(e *Entry) (*Entry, error) {
	if e == nil {
		return nil, fmt.Errorf("sad add: nil entry")
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrClosed
	}

	cur := db.cur.Load()
	tuple := e.Tuple()
	if owner, ok := cur.byTuple[tuple]; ok && owner != e.SadID {
		return nil, &ConflictError{Tuple: tuple, SadID: e.SadID, Existing: owner}
	}

	db.gen++
	h := &Handle{
		entry: e.Clone(),
		gen:   db.gen,
	}
	h.state = db.newState(h.entry)

	next := cur.clone()
	prev := cur.byID[e.SadID]
	if prev != nil {
		delete(next.byTuple, prev.entry.Tuple())
	}
	next.byID[e.SadID] = h
	next.byTuple[tuple] = e.SadID
	db.cur.Store(next)

	if prev == nil {
		db.log.Debug("SA 已添加", zap.Stringer("sa", h.entry))
		return nil, nil
	}

	old := prev.entry.Clone()
	db.retire(prev)
	db.log.Debug("SA 已替换", zap.Stringer("sa", h.entry), zap.Uint64("oldGen", prev.gen))
	return old, nil
}

func (db *DB) newState(e *Entry) *seq.State {
	opts := seq.Options{
		ESN:        e.Flags.UseESN,
		AntiReplay: e.Flags.UseAntiReplay,
		WindowSize: db.windowSize,
		SoftLimit:  db.softLimit,
	}
	if fn := db.onSoftLimit; fn != nil {
		id := e.SadID
		opts.OnSoftLimit = func(next uint64) { fn(id, next) }
	}
	return seq.NewState(opts)
}

// Remove 从两个索引中摘除，物理回收推迟到宽限期结束
func (db *DB) Remove(id uint32) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}

	cur := db.cur.Load()
	h, ok := cur.byID[id]
	if !ok {
		return &NotFoundError{SadID: id}
	}
	next := cur.clone()
	delete(next.byID, id)
	delete(next.byTuple, h.entry.Tuple())
	db.cur.Store(next)
	db.retire(h)

	db.log.Debug("SA 已删除", zap.Uint32("sadID", id))
	return nil
}

func (db *DB) retire(h *Handle) {
	hooks := db.onReclaim
	db.domain.Retire(func() {
		for _, fn := range hooks {
			fn(h.entry)
		}
		h.entry.zero()
		h.state.Release()
		metrics.RecordReclaim()
	})
}

// LookupByID O(1)，不存在时返回 NotFoundError
func (db *DB) LookupByID(id uint32) (*Handle, error) {
	if h, ok := db.cur.Load().byID[id]; ok {
		return h, nil
	}
	return nil, &NotFoundError{SadID: id}
}

// LookupBySpiTuple 入站分发查找
func (db *DB) LookupBySpiTuple(spi uint32, proto Proto, dst net.IP) (*Handle, bool) {
	return db.LookupTuple(NewSpiTuple(spi, proto, dst))
}

// LookupTuple
func (db *DB) LookupTuple(t SpiTuple) (*Handle, bool) {
	ix := db.cur.Load()
	id, ok := ix.byTuple[t]
	if !ok {
		return nil, false
	}
	h, ok := ix.byID[id]
	return h, ok
}

// Len 当前 SA 数量
func (db *DB) Len() int {
	return len(db.cur.Load().byID)
}

// Range 遍历当前快照，fn 返回 false 时停止
func (db *DB) Range(fn func(*Handle) bool) {
	for _, h := range db.cur.Load().byID {
		if !fn(h) {
			return
		}
	}
}

// Reclaim 非阻塞回收
func (db *DB) Reclaim() int { return db.domain.Poll() }

// Close 清空 DB 并等待所有读者离开后回收，超过 timeout 返回错误 (剩余对象留待后续 Poll)
func (db *DB) Close(timeout time.Duration) error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	cur := db.cur.Load()
	db.cur.Store(&index{
		byID:    map[uint32]*Handle{},
		byTuple: map[SpiTuple]uint32{},
	})
	for _, h := range cur.byID {
		db.retire(h)
	}
	db.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.domain.Synchronize(ctx); err != nil {
		return fmt.Errorf("sad close: %d entries still pending: %w", db.domain.Pending(), err)
	}
	db.log.Info("SAD 已关闭", zap.Int("entries", len(cur.byID)))
	return nil
}
