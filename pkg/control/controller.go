// Package control SAD 控制面: 校验、增删 SA、可选的内核镜像以及生命周期事件。
//
// 控制操作由一个互斥锁串行化并同步返回错误，不做内部重试。
// 数据面通过 ReportExhausted 上报计数器用尽，软阈值告警由 DB 回调触发，
// 二者都以 Event 的形式投递到 Events() 通道。
package control

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/iniwex5/sad-go/pkg/logger"
	"github.com/iniwex5/sad-go/pkg/metrics"
	"github.com/iniwex5/sad-go/pkg/sad"
)

// Mirror 把 SAD 条目同步到外部 (如内核 XFRM)
type Mirror interface {
	Install(e *sad.Entry) error
	Uninstall(e *sad.Entry) error
	Cleanup() error
}

const (
	defaultEventBuffer  = 64
	defaultCloseTimeout = 5 * time.Second
)

// Controller
type Controller struct {
	mu     sync.Mutex
	db     *sad.DB
	mirror Mirror
	closed bool

	autoRetire   bool
	closeTimeout time.Duration
	dbOpts       []sad.Option

	evMu      sync.Mutex
	events    chan Event
	closing   bool
	exhausted map[uint32]uint64 // sad_id → 已上报用尽的 Handle 代数
	wg        sync.WaitGroup

	log *zap.Logger
}

// Option Controller 配置项
type Option func(*Controller)

// WithMirror 设置内核镜像
func WithMirror(m Mirror) Option {
	return func(c *Controller) { c.mirror = m }
}

// WithAutoRetire 计数器用尽时自动删除 SA
func WithAutoRetire(on bool) Option {
	return func(c *Controller) { c.autoRetire = on }
}

// WithEventBuffer 事件通道容量，通道满时事件被丢弃
func WithEventBuffer(n int) Option {
	return func(c *Controller) { c.events = make(chan Event, n) }
}

// WithCloseTimeout Close 等待读者离开的上限
func WithCloseTimeout(d time.Duration) Option {
	return func(c *Controller) { c.closeTimeout = d }
}

// WithDBOptions 透传给 sad.New
func WithDBOptions(opts ...sad.Option) Option {
	return func(c *Controller) { c.dbOpts = append(c.dbOpts, opts...) }
}

// WithLogger
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// New 创建控制器及其持有的 DB
func New(opts ...Option) *Controller {
	c := &Controller{
		closeTimeout: defaultCloseTimeout,
		exhausted:    make(map[uint32]uint64),
	}
	for _, o := range opts {
		o(c)
	}
	if c.events == nil {
		c.events = make(chan Event, defaultEventBuffer)
	}
	if c.log == nil {
		c.log = logger.Named("control")
	}
	dbOpts := append([]sad.Option{sad.WithSoftLimitHandler(c.onSoftLimit)}, c.dbOpts...)
	c.db = sad.New(dbOpts...)
	return c
}

// DB 数据面使用的 SAD
func (c *Controller) DB() *sad.DB { return c.db }

// Events 生命周期事件，Close 后关闭
func (c *Controller) Events() <-chan Event { return c.events }

// AddSA 校验并写入 SA，相同 sad_id 时整体替换 (序列号状态重置)。
// 镜像下发失败时回滚 DB，返回的错误包含回滚中的错误。
func (c *Controller) AddSA(cand sad.Candidate) (uint32, error) {
	e, err := sad.Validate(cand)
	if err != nil {
		metrics.RecordOperation(metrics.OpAdd, err)
		c.log.Warn("SA 校验失败", zap.Uint32("sadID", cand.SadID), zap.Error(err))
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, sad.ErrClosed
	}

	tx := c.begin()
	old, err := tx.add(e)
	if err != nil {
		metrics.RecordOperation(metrics.OpAdd, err)
		c.log.Warn("SA 添加失败", zap.Stringer("sa", e), zap.Error(err))
		return 0, err
	}
	if err := tx.install(e, old); err != nil {
		err = fmt.Errorf("sad_id %d: mirror install: %w", e.SadID, err)
		err = multierr.Append(err, tx.Rollback())
		metrics.RecordOperation(metrics.OpAdd, err)
		c.log.Error("SA 镜像下发失败，已回滚", zap.Stringer("sa", e), zap.Error(err))
		return 0, err
	}
	tx.Commit()

	c.clearExhausted(e.SadID)
	metrics.RecordOperation(metrics.OpAdd, nil)
	metrics.SetEntries(c.db.Len())
	if old != nil {
		c.log.Info("SA 已替换", zap.Stringer("sa", e))
	} else {
		c.log.Info("SA 已添加", zap.Stringer("sa", e))
	}
	return e.SadID, nil
}

// DeleteSA 删除 SA。不存在时返回 *sad.NotFoundError。
func (c *Controller) DeleteSA(id uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleteLocked(id, 0)
}

// deleteLocked gen 非 0 时只删除该代 Handle，已被替换则跳过
func (c *Controller) deleteLocked(id uint32, gen uint64) error {
	if c.closed {
		return sad.ErrClosed
	}
	h, err := c.db.LookupByID(id)
	if err != nil {
		metrics.RecordOperation(metrics.OpDelete, err)
		return err
	}
	if gen != 0 && h.Generation() != gen {
		c.log.Debug("SA 已被替换，跳过删除", zap.Uint32("sadID", id))
		return nil
	}
	// 回收时密钥会被清零，镜像需要的是删除前的副本
	e := h.Entry().Clone()
	if err := c.db.Remove(id); err != nil {
		metrics.RecordOperation(metrics.OpDelete, err)
		return err
	}
	c.clearExhausted(id)

	// SA 已从 DB 删除，镜像失败只记录；未删掉的 State 由 Cleanup 再次尝试
	if c.mirror != nil {
		if merr := c.mirror.Uninstall(e); merr != nil {
			c.log.Error("SA 镜像删除失败", zap.Uint32("sadID", id), zap.Error(merr))
		}
	}
	metrics.RecordOperation(metrics.OpDelete, nil)
	metrics.SetEntries(c.db.Len())
	c.log.Info("SA 已删除", zap.Uint32("sadID", id))
	return nil
}

// Retire 删除 SA 并投递 EventRetired
func (c *Controller) Retire(id uint32, reason string) error {
	c.mu.Lock()
	err := c.deleteLocked(id, 0)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	ev := newEvent(EventRetired, id)
	ev.Reason = reason
	c.emit(ev)
	return nil
}

func (c *Controller) retireGeneration(id uint32, gen uint64, reason string) {
	defer c.wg.Done()

	c.mu.Lock()
	err := c.deleteLocked(id, gen)
	c.mu.Unlock()
	if err != nil {
		if !errors.Is(err, sad.ErrNotFound) && !errors.Is(err, sad.ErrClosed) {
			c.log.Warn("自动删除 SA 失败", zap.Uint32("sadID", id), zap.Error(err))
		}
		return
	}
	ev := newEvent(EventRetired, id)
	ev.Reason = reason
	c.emit(ev)
}

// ReportExhausted 数据面在出站计数器用尽时调用，可在任意 goroutine 中调用且不阻塞。
// 同一代 SA 只上报一次。
func (c *Controller) ReportExhausted(id uint32) {
	h, err := c.db.LookupByID(id)
	if err != nil {
		return
	}
	gen := h.Generation()

	c.evMu.Lock()
	if c.closing || c.exhausted[id] == gen {
		c.evMu.Unlock()
		return
	}
	c.exhausted[id] = gen
	if c.autoRetire {
		c.wg.Add(1)
		go c.retireGeneration(id, gen, "sequence exhausted")
	}
	c.evMu.Unlock()

	c.log.Warn("SA 发送序列号已用尽", zap.Uint32("sadID", id))
	c.emit(newEvent(EventSequenceExhausted, id))
}

func (c *Controller) onSoftLimit(id uint32, next uint64) {
	c.log.Warn("SA 发送序列号越过软阈值", zap.Uint32("sadID", id), zap.Uint64("next", next))
	ev := newEvent(EventSoftLimit, id)
	ev.Next = next
	c.emit(ev)
}

func (c *Controller) clearExhausted(id uint32) {
	c.evMu.Lock()
	delete(c.exhausted, id)
	c.evMu.Unlock()
}

// emit 非阻塞投递
func (c *Controller) emit(ev Event) {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	if c.closing {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.log.Warn("事件通道已满，丢弃事件", zap.String("id", ev.ID), zap.Stringer("event", ev))
	}
}

// LoadStatic 启动时批量写入配置中的 SA，返回所有失败的聚合错误
func (c *Controller) LoadStatic(cands []sad.Candidate) error {
	var err error
	for _, cand := range cands {
		if _, e := c.AddSA(cand); e != nil {
			err = multierr.Append(err, fmt.Errorf("static sa %d: %w", cand.SadID, e))
		}
	}
	if err == nil {
		c.log.Info("静态 SA 已加载", zap.Int("count", len(cands)))
	}
	return err
}

// Close 停止事件投递，清理镜像并关闭 DB
func (c *Controller) Close() error {
	c.evMu.Lock()
	if c.closing {
		c.evMu.Unlock()
		return nil
	}
	c.closing = true
	c.evMu.Unlock()

	// 等待正在执行的自动删除
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true

	var err error
	if c.mirror != nil {
		err = multierr.Append(err, c.mirror.Cleanup())
	}
	err = multierr.Append(err, c.db.Close(c.closeTimeout))
	metrics.SetEntries(0)

	c.evMu.Lock()
	close(c.events)
	c.evMu.Unlock()
	return err
}
