package driver

import (
	"errors"
	"fmt"
	"sync"

	"github.com/iniwex5/netlink"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/iniwex5/sad-go/pkg/logger"
	"github.com/iniwex5/sad-go/pkg/sad"
)

// XFRMMirror 将 SAD 条目同步到 Linux XFRM 子系统 (可选)。
// 仅隧道模式条目会下发，传输模式条目没有外层地址，跳过。
type XFRMMirror struct {
	mu        sync.Mutex
	cfg       XFRMConfig
	ns        *NetNS
	ops       stateOps
	installed map[uint32]*netlink.XfrmState // sad_id → 已下发的 State (仅含删除所需字段)
	log       *zap.Logger
}

// XFRMConfig 内核镜像配置
type XFRMConfig struct {
	NetNS        string // 为空表示当前命名空间
	ReqID        int
	Ifid         int
	ReplayWindow int // 0 = 32
}

// stateOps 内核操作，测试中替换
type stateOps struct {
	add    func(*netlink.XfrmState) error
	update func(*netlink.XfrmState) error
	del    func(*netlink.XfrmState) error
}

var netlinkOps = stateOps{
	add:    netlink.XfrmStateAdd,
	update: netlink.XfrmStateUpdate,
	del:    netlink.XfrmStateDel,
}

// NewXFRMMirror 创建镜像，配置了 NetNS 时打开该命名空间
func NewXFRMMirror(cfg XFRMConfig) (*XFRMMirror, error) {
	m := &XFRMMirror{
		cfg:       cfg,
		ops:       netlinkOps,
		installed: make(map[uint32]*netlink.XfrmState),
		log:       logger.Named("xfrm"),
	}
	if cfg.NetNS != "" {
		ns, err := OpenNetNS(cfg.NetNS)
		if err != nil {
			return nil, err
		}
		m.ns = ns
		m.ops = ns.ops()
		m.log.Info("XFRM 镜像使用命名空间", zap.String("netns", ns.Name()))
	}
	return m, nil
}

// BuildXfrmState 根据 SAD 条目构建 netlink.XfrmState
func BuildXfrmState(e *sad.Entry, cfg XFRMConfig) (*netlink.XfrmState, error) {
	if !e.Flags.IsTunnel {
		return nil, fmt.Errorf("sad_id %d: 传输模式 SA 无外层地址", e.SadID)
	}
	replayWindow := cfg.ReplayWindow
	if replayWindow <= 0 {
		replayWindow = 32
	}
	state := &netlink.XfrmState{
		Src:          e.TunnelSrc,
		Dst:          e.TunnelDst,
		Proto:        netlink.XFRM_PROTO_ESP,
		Mode:         netlink.XFRM_MODE_TUNNEL,
		Spi:          int(e.SPI),
		Reqid:        cfg.ReqID,
		Ifid:         cfg.Ifid,
		AFUnspec:     true,
		ESN:          e.Flags.UseESN,
		ReplayWindow: replayWindow,
	}
	if !e.Flags.UseAntiReplay {
		state.ReplayWindow = 0
	}
	if e.Protocol == sad.ProtoAH {
		state.Proto = netlink.XFRM_PROTO_AH
	}

	switch {
	case e.Crypto.IsAEAD():
		a, err := AeadToXFRM(e.Crypto)
		if err != nil {
			return nil, err
		}
		state.Aead = &netlink.XfrmStateAlgo{
			Name:   a.Name,
			Key:    kernelCryptKey(e),
			ICVLen: a.ICVBits,
		}
	case e.Protocol == sad.ProtoESP:
		c, err := CryptToXFRM(e.Crypto)
		if err != nil {
			return nil, err
		}
		state.Crypt = &netlink.XfrmStateAlgo{
			Name: c.Name,
			Key:  kernelCryptKey(e),
		}
	}

	if e.Integ != sad.IntegNone {
		a, err := AuthToXFRM(e.Integ)
		if err != nil {
			return nil, err
		}
		state.Auth = &netlink.XfrmStateAlgo{
			Name:        a.Name,
			Key:         append([]byte(nil), e.IntegKey.Bytes()...),
			TruncateLen: a.TruncateBits,
		}
	}

	if e.Flags.UDPEncap {
		state.Encap = &netlink.XfrmStateEncap{
			Type:    netlink.XFRM_ENCAP_ESPINUDP,
			SrcPort: int(e.UDPSrcPort),
			DstPort: int(e.UDPDstPort),
		}
	}
	return state, nil
}

// Install 下发条目。同一 sad_id 已下发且 SPI 元组变化时先删除旧 State。
func (m *XFRMMirror) Install(e *sad.Entry) error {
	if !e.Flags.IsTunnel {
		m.log.Debug("传输模式 SA 不下发内核", zap.Uint32("sadID", e.SadID))
		return nil
	}
	state, err := BuildXfrmState(e, m.cfg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.installed[e.SadID]
	if prev != nil && !sameStateKey(prev, state) {
		if err := m.delState(prev); err != nil {
			return err
		}
		delete(m.installed, e.SadID)
		prev = nil
	}
	apply := m.ops.add
	if prev != nil {
		apply = m.ops.update
	}
	if err := apply(state); err != nil {
		return fmt.Errorf("下发 XFRM SA (sad_id=%d spi=0x%x dst=%v) 失败: %w",
			e.SadID, e.SPI, e.TunnelDst, err)
	}
	m.installed[e.SadID] = stateKey(state)
	m.log.Info("XFRM SA 已下发",
		zap.Uint32("sadID", e.SadID),
		zap.String("spi", fmt.Sprintf("0x%08x", e.SPI)),
		zap.Stringer("dst", e.TunnelDst))
	return nil
}

// Uninstall 删除条目 (幂等：内核中不存在时返回 nil)
func (m *XFRMMirror) Uninstall(e *sad.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.installed[e.SadID]
	if !ok {
		return nil
	}
	if err := m.delState(prev); err != nil {
		return err
	}
	delete(m.installed, e.SadID)
	return nil
}

// Installed 已下发的条目数
func (m *XFRMMirror) Installed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.installed)
}

// Cleanup 删除所有已下发的 State，全部成功后释放命名空间句柄 (失败的条目保留，可再次调用)
func (m *XFRMMirror) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	for id, st := range m.installed {
		if e := m.delState(st); e != nil {
			err = multierr.Append(err, e)
			continue
		}
		delete(m.installed, id)
	}
	if m.ns != nil && len(m.installed) == 0 {
		err = multierr.Append(err, m.ns.Close())
		m.ns = nil
	}
	return err
}

func (m *XFRMMirror) delState(st *netlink.XfrmState) error {
	if err := m.ops.del(st); err != nil {
		// 已被内核删除 (过期或外部 flush) 视为成功
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return fmt.Errorf("删除 XFRM SA (spi=0x%x dst=%v) 失败: %w", st.Spi, st.Dst, err)
	}
	return nil
}

// stateKey 内核 SA 以 (dst, spi, proto) 唯一标识
func stateKey(st *netlink.XfrmState) *netlink.XfrmState {
	return &netlink.XfrmState{
		Src:   st.Src,
		Dst:   st.Dst,
		Proto: st.Proto,
		Spi:   st.Spi,
	}
}

func sameStateKey(a, b *netlink.XfrmState) bool {
	return a.Spi == b.Spi && a.Proto == b.Proto && a.Dst.Equal(b.Dst)
}
