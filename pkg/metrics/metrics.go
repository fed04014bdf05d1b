// Package metrics SAD 控制面与数据面的 Prometheus 指标。
// 数据面的重放/完整性丢包只体现在这里，不会作为错误上报控制面。
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	Namespace = "sad"

	LabelOperation = "operation"
	LabelStatus    = "status"
	LabelReason    = "reason"
	LabelDirection = "direction"

	StatusSuccess = "success"
	StatusError   = "error"

	OpAdd    = "add"
	OpDelete = "delete"

	DirInbound  = "inbound"
	DirOutbound = "outbound"

	ReasonTooOld    = "too_old"
	ReasonDuplicate = "duplicate"
	ReasonNoSA      = "no_sa"
	ReasonMalformed = "malformed"
)

var (
	// Entries 当前 SA 数量
	Entries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "entries",
		Help:      "Number of security associations in the database",
	})

	// OperationsTotal 控制面操作
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "operations_total",
			Help:      "Control plane operations by type and status",
		},
		[]string{LabelOperation, LabelStatus},
	)

	// ReplayDropsTotal 抗重放丢包
	ReplayDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "replay_drops_total",
			Help:      "Inbound packets dropped by the anti-replay window",
		},
		[]string{LabelReason},
	)

	// DropsTotal 其它入站丢包 (找不到 SA、报文格式错误)
	DropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "drops_total",
			Help:      "Packets dropped before replay or integrity processing",
		},
		[]string{LabelDirection, LabelReason},
	)

	IntegrityFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "integrity_failures_total",
		Help:      "Inbound packets dropped because ICV verification failed",
	})

	SequenceExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "sequence_exhausted_total",
		Help:      "Outbound sends refused because the SA sequence number was exhausted",
	})

	PacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "packets_total",
			Help:      "Packets successfully processed by direction",
		},
		[]string{LabelDirection},
	)

	ReclaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "reclaimed_total",
		Help:      "Security association snapshots physically reclaimed after their grace period",
	})
)

var enabled atomic.Bool

func init() {
	enabled.Store(true)
}

func Enable()         { enabled.Store(true) }
func Disable()        { enabled.Store(false) }
func IsEnabled() bool { return enabled.Load() }

// RecordOperation 控制面操作结果
func RecordOperation(op string, err error) {
	if !IsEnabled() {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	OperationsTotal.WithLabelValues(op, status).Inc()
}

func SetEntries(n int) {
	if IsEnabled() {
		Entries.Set(float64(n))
	}
}

func RecordReplayDrop(reason string) {
	if IsEnabled() {
		ReplayDropsTotal.WithLabelValues(reason).Inc()
	}
}

func RecordDrop(direction, reason string) {
	if IsEnabled() {
		DropsTotal.WithLabelValues(direction, reason).Inc()
	}
}

func RecordIntegrityFailure() {
	if IsEnabled() {
		IntegrityFailuresTotal.Inc()
	}
}

func RecordSequenceExhausted() {
	if IsEnabled() {
		SequenceExhaustedTotal.Inc()
	}
}

func RecordPacket(direction string) {
	if IsEnabled() {
		PacketsTotal.WithLabelValues(direction).Inc()
	}
}

func RecordReclaim() {
	if IsEnabled() {
		ReclaimedTotal.Inc()
	}
}
