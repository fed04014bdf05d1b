// Package dataplane 分片的报文处理 worker。
//
// 每个 SA 固定归属一个分片 (出站按 sad_id，入站按 SPI 取模)，
// 因此同一 SA 的接收窗口只有一个写者。每个分片是 SAD epoch 域中的一个 Reader，
// 处理一批报文期间持有的 SA 不会被回收。
package dataplane

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/iniwex5/sad-go/pkg/epoch"
	"github.com/iniwex5/sad-go/pkg/ipsec"
	"github.com/iniwex5/sad-go/pkg/logger"
	"github.com/iniwex5/sad-go/pkg/metrics"
	"github.com/iniwex5/sad-go/pkg/sad"
	"github.com/iniwex5/sad-go/pkg/seq"
)

// ErrNoSA 入站报文找不到对应 SA
var ErrNoSA = errors.New("no SA for inbound packet")

// Direction 报文方向
type Direction uint8

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return metrics.DirInbound
	}
	return metrics.DirOutbound
}

// Packet 提交给数据面的报文
type Packet struct {
	Dir Direction

	// 出站
	SadID      uint32
	NextHeader uint8

	// 入站: 外层目的地址、IP 协议号 (ESP/AH)、是否经 UDP 4500 到达
	Dst   net.IP
	Proto uint8
	UDP   bool

	Data []byte
}

// Result 处理结果
type Result struct {
	Packet     *Packet
	SadID      uint32
	Out        []byte
	NextHeader uint8
	Err        error
}

// Stats 分片统计
type Stats struct {
	Processed uint64
	Dropped   uint64
	QueueFull uint64
}

// Config
type Config struct {
	Shards     int
	QueueDepth int
	BatchSize  int
}

// DefaultConfig 4 个分片
func DefaultConfig() Config {
	return Config{Shards: 4, QueueDepth: 1024, BatchSize: 32}
}

type shard struct {
	id     int
	in     chan *Packet
	reader *epoch.Reader

	processed atomic.Uint64
	dropped   atomic.Uint64
	queueFull atomic.Uint64
}

// DataPlane
type DataPlane struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	db     *sad.DB
	proc   *ipsec.Processor
	cfg    Config
	shards []*shard

	deliver     func(Result)
	onExhausted func(sadID uint32)
	log         *zap.Logger
}

// New 创建数据面。deliver 在分片 goroutine 中被调用，不能阻塞太久；
// onExhausted 在出站计数器用尽时被调用，用于通知控制面。
func New(db *sad.DB, proc *ipsec.Processor, cfg Config, deliver func(Result), onExhausted func(uint32)) *DataPlane {
	def := DefaultConfig()
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = def.QueueDepth
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	dp := &DataPlane{
		db:          db,
		proc:        proc,
		cfg:         cfg,
		deliver:     deliver,
		onExhausted: onExhausted,
		log:         logger.Named("dataplane"),
	}
	for i := 0; i < cfg.Shards; i++ {
		dp.shards = append(dp.shards, &shard{
			id: i,
			in: make(chan *Packet, cfg.QueueDepth),
		})
	}
	return dp
}

// Start 启动所有分片
func (dp *DataPlane) Start(ctx context.Context) {
	dp.ctx, dp.cancel = context.WithCancel(ctx)
	for _, s := range dp.shards {
		s.reader = dp.db.NewReader()
		dp.wg.Add(1)
		go dp.loop(s)
	}
	dp.log.Info("数据面已启动", zap.Int("shards", len(dp.shards)))
}

// Stop 停止并等待所有分片退出，分片的 Reader 随之注销
func (dp *DataPlane) Stop() {
	if dp.cancel == nil {
		return
	}
	dp.cancel()
	dp.wg.Wait()
}

// ShardFor 报文所属分片
func (dp *DataPlane) ShardFor(p *Packet) (int, error) {
	n := uint32(len(dp.shards))
	if p.Dir == Outbound {
		return int(p.SadID % n), nil
	}
	data := p.Data
	if p.UDP {
		var err error
		if data, err = ipsec.UnwrapUDP(data); err != nil {
			return 0, err
		}
	}
	spi, err := ipsec.PeekSPI(p.Proto, data)
	if err != nil {
		return 0, err
	}
	return int(spi % n), nil
}

// Submit 非阻塞提交，队列满或报文无法分发时返回 false
func (dp *DataPlane) Submit(p *Packet) bool {
	idx, err := dp.ShardFor(p)
	if err != nil {
		metrics.RecordDrop(p.Dir.String(), metrics.ReasonMalformed)
		return false
	}
	s := dp.shards[idx]
	select {
	case s.in <- p:
		return true
	default:
		s.queueFull.Add(1)
		return false
	}
}

// SubmitOutbound 提交待封装的内层报文
func (dp *DataPlane) SubmitOutbound(sadID uint32, nextHeader uint8, data []byte) bool {
	return dp.Submit(&Packet{Dir: Outbound, SadID: sadID, NextHeader: nextHeader, Data: data})
}

// SubmitInbound 提交收到的 ESP/AH 报文，udp 表示经 NAT-T 端口到达
func (dp *DataPlane) SubmitInbound(dst net.IP, proto uint8, udp bool, data []byte) bool {
	return dp.Submit(&Packet{Dir: Inbound, Dst: dst, Proto: proto, UDP: udp, Data: data})
}

func (dp *DataPlane) loop(s *shard) {
	defer dp.wg.Done()
	defer s.reader.Unregister()

	batch := make([]*Packet, 0, dp.cfg.BatchSize)
	for {
		select {
		case <-dp.ctx.Done():
			return
		case p := <-s.in:
			batch = append(batch[:0], p)
		drain:
			for len(batch) < dp.cfg.BatchSize {
				select {
				case p := <-s.in:
					batch = append(batch, p)
				default:
					break drain
				}
			}

			s.reader.Enter()
			for _, p := range batch {
				dp.handle(s, p)
			}
			s.reader.Exit()
		}
	}
}

func (dp *DataPlane) handle(s *shard, p *Packet) {
	res := dp.Process(p)
	if res.Err != nil {
		s.dropped.Add(1)
		if errors.Is(res.Err, seq.ErrSequenceExhausted) && dp.onExhausted != nil {
			dp.onExhausted(res.SadID)
		}
		dp.log.Debug("报文丢弃",
			zap.Int("shard", s.id),
			zap.Stringer("dir", p.Dir),
			zap.Uint32("sadID", res.SadID),
			zap.Error(res.Err))
	} else {
		s.processed.Add(1)
	}
	if dp.deliver != nil {
		dp.deliver(res)
	}
}

// Process 同步处理单个报文。调用方须处于某个 epoch Reader 的临界区内
// (分片 worker 已经保证)。
func (dp *DataPlane) Process(p *Packet) Result {
	res := Result{Packet: p}
	if p.Dir == Outbound {
		h, err := dp.db.LookupByID(p.SadID)
		if err != nil {
			metrics.RecordDrop(metrics.DirOutbound, metrics.ReasonNoSA)
			res.Err = err
			return res
		}
		res.SadID = p.SadID
		res.Out, res.Err = dp.proc.Encapsulate(h, p.Data, p.NextHeader)
		return res
	}

	data := p.Data
	if p.UDP {
		var err error
		if data, err = ipsec.UnwrapUDP(data); err != nil {
			metrics.RecordDrop(metrics.DirInbound, metrics.ReasonMalformed)
			res.Err = err
			return res
		}
	}
	spi, err := ipsec.PeekSPI(p.Proto, data)
	if err != nil {
		metrics.RecordDrop(metrics.DirInbound, metrics.ReasonMalformed)
		res.Err = err
		return res
	}
	proto := sad.ProtoESP
	if p.Proto == ipsec.ProtoAH {
		proto = sad.ProtoAH
	}
	h, ok := dp.db.LookupBySpiTuple(spi, proto, p.Dst)
	if !ok {
		// 传输模式 SA 的目的地址为空
		h, ok = dp.db.LookupBySpiTuple(spi, proto, nil)
	}
	if !ok {
		metrics.RecordDrop(metrics.DirInbound, metrics.ReasonNoSA)
		res.Err = fmt.Errorf("%w: spi=0x%08x dst=%v", ErrNoSA, spi, p.Dst)
		return res
	}
	res.SadID = h.Entry().SadID
	res.Out, res.NextHeader, res.Err = dp.proc.Decapsulate(h, data)
	return res
}

// Stats 各分片统计
func (dp *DataPlane) Stats() []Stats {
	out := make([]Stats, len(dp.shards))
	for i, s := range dp.shards {
		out[i] = Stats{
			Processed: s.processed.Load(),
			Dropped:   s.dropped.Load(),
			QueueFull: s.queueFull.Load(),
		}
	}
	return out
}
