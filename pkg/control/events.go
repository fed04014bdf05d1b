package control

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind 控制面事件类型
type EventKind uint8

const (
	// EventSoftLimit 发送计数器越过软阈值，应尽快重新协商
	EventSoftLimit EventKind = iota
	// EventSequenceExhausted 发送计数器用尽，该 SA 不能再发送
	EventSequenceExhausted
	// EventRetired SA 已被控制面删除
	EventRetired
)

func (k EventKind) String() string {
	switch k {
	case EventSoftLimit:
		return "soft-limit"
	case EventSequenceExhausted:
		return "sequence-exhausted"
	case EventRetired:
		return "retired"
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// Event 上报给控制面使用者 (如 IKE 守护进程) 的 SA 生命周期事件
type Event struct {
	ID     string // 关联日志用
	Kind   EventKind
	SadID  uint32
	Next   uint64 // EventSoftLimit: 触发时的下一个序列号
	Reason string // EventRetired
	Time   time.Time
}

func (e Event) String() string {
	switch e.Kind {
	case EventSoftLimit:
		return fmt.Sprintf("%s sad_id=%d next=%d", e.Kind, e.SadID, e.Next)
	case EventRetired:
		return fmt.Sprintf("%s sad_id=%d reason=%s", e.Kind, e.SadID, e.Reason)
	}
	return fmt.Sprintf("%s sad_id=%d", e.Kind, e.SadID)
}

func newEvent(kind EventKind, id uint32) Event {
	return Event{
		ID:    uuid.New().String(),
		Kind:  kind,
		SadID: id,
		Time:  time.Now(),
	}
}
