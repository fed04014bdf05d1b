package seq

// Options 构造 State 的参数
type Options struct {
	ESN         bool
	AntiReplay  bool
	WindowSize  uint64 // bit，0 为默认 64
	SoftLimit   uint64 // 0 为默认值
	OnSoftLimit func(next uint64)
}

// State 单个 SA 的收发序列号状态。SA 被替换时整体丢弃重建。
type State struct {
	Send *SendCounter
	Recv *Window
}

func NewState(opts Options) *State {
	return &State{
		Send: NewSendCounter(opts.ESN, opts.SoftLimit, opts.OnSoftLimit),
		Recv: NewWindow(opts.WindowSize, opts.ESN, opts.AntiReplay),
	}
}

// Release 回收时调用，清空窗口历史
func (s *State) Release() {
	s.Recv.reset()
}
