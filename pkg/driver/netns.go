package driver

import (
	"fmt"

	"github.com/iniwex5/netlink"
	"github.com/vishvananda/netns"
)

// NetNS 已存在的命名网络空间 (/var/run/netns/<name>)。
// XFRM 操作通过绑定到该空间的 netlink.Handle 执行，调用方线程不切换命名空间。
type NetNS struct {
	name   string
	handle netns.NsHandle
	nl     *netlink.Handle
}

// OpenNetNS 打开命名空间并创建其中的 netlink 句柄，需要 CAP_SYS_ADMIN
func OpenNetNS(name string) (*NetNS, error) {
	handle, err := netns.GetFromName(name)
	if err != nil {
		return nil, fmt.Errorf("打开 netns %s 失败: %w", name, err)
	}
	nl, err := netlink.NewHandleAt(handle)
	if err != nil {
		handle.Close()
		return nil, fmt.Errorf("创建 netns %s 的 netlink 句柄失败: %w", name, err)
	}
	return &NetNS{name: name, handle: handle, nl: nl}, nil
}

// ops 命名空间内的 XFRM State 操作
func (ns *NetNS) ops() stateOps {
	return stateOps{
		add:    ns.nl.XfrmStateAdd,
		update: ns.nl.XfrmStateUpdate,
		del:    ns.nl.XfrmStateDel,
	}
}

// Close 释放句柄，不删除命名空间
func (ns *NetNS) Close() error {
	if ns.nl != nil {
		ns.nl.Close()
		ns.nl = nil
	}
	if ns.handle.IsOpen() {
		return ns.handle.Close()
	}
	return nil
}

// Name 返回命名空间名称
func (ns *NetNS) Name() string {
	return ns.name
}
