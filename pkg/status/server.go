// Package status 只读的 HTTP 状态接口: 健康检查、SA 列表 (不含密钥) 与 Prometheus 指标。
package status

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/iniwex5/sad-go/pkg/epoch"
	"github.com/iniwex5/sad-go/pkg/logger"
	"github.com/iniwex5/sad-go/pkg/sad"
)

// SAInfo 单个 SA 的公开字段
type SAInfo struct {
	SadID      uint32 `json:"sad_id"`
	SPI        string `json:"spi"`
	Protocol   string `json:"protocol"`
	Crypto     string `json:"crypto"`
	Integ      string `json:"integ"`
	Flags      uint32 `json:"flags"`
	ESN        bool   `json:"esn"`
	AntiReplay bool   `json:"anti_replay"`
	Tunnel     bool   `json:"tunnel"`
	TunnelSrc  string `json:"tunnel_src,omitempty"`
	TunnelDst  string `json:"tunnel_dst,omitempty"`
	UDPEncap   bool   `json:"udp_encap"`
	ICVLen     int    `json:"icv_len"`
	Generation uint64 `json:"generation"`
	LastSent   uint64 `json:"last_sent"`
	Exhausted  bool   `json:"exhausted"`
	WindowTop  uint64 `json:"window_top"`
	WindowSize uint64 `json:"window_size"`
}

// ListResponse GET /sas
type ListResponse struct {
	Count int      `json:"count"`
	SAs   []SAInfo `json:"sas"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server 状态接口。持有一个 epoch Reader，读取期间 SA 不会被回收。
type Server struct {
	db          *sad.DB
	version     string
	metricsPath string

	mu     sync.Mutex // Reader 不能并发使用
	reader *epoch.Reader
}

// New metricsPath 为空时不挂载 /metrics
func New(db *sad.DB, version, metricsPath string) *Server {
	return &Server{
		db:          db,
		version:     version,
		metricsPath: metricsPath,
		reader:      db.NewReader(),
	}
}

// Close 注销 Reader
func (s *Server) Close() {
	s.reader.Unregister()
}

// Router
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.healthHandler)
	r.Route("/sas", func(r chi.Router) {
		r.Get("/", s.listHandler)
		r.Get("/{id}", s.getHandler)
	})
	if s.metricsPath != "" {
		mountMetrics(r, s.metricsPath)
	}
	return r
}

// MetricsRouter 只提供 Prometheus 指标，状态接口关闭时使用
func MetricsRouter(path string) http.Handler {
	r := chi.NewRouter()
	mountMetrics(r, path)
	return r
}

func mountMetrics(r chi.Router, path string) {
	r.Method(http.MethodGet, path, promhttp.Handler())
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy", "version": s.version}, http.StatusOK)
}

func (s *Server) listHandler(w http.ResponseWriter, r *http.Request) {
	var out []SAInfo
	s.read(func() {
		s.db.Range(func(h *sad.Handle) bool {
			out = append(out, describe(h))
			return true
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].SadID < out[j].SadID })
	if out == nil {
		out = []SAInfo{}
	}
	writeJSON(w, ListResponse{Count: len(out), SAs: out}, http.StatusOK)
}

func (s *Server) getHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeJSON(w, errorResponse{Error: "invalid sad_id"}, http.StatusBadRequest)
		return
	}
	var (
		info   SAInfo
		getErr error
	)
	s.read(func() {
		h, err := s.db.LookupByID(uint32(id))
		if err != nil {
			getErr = err
			return
		}
		info = describe(h)
	})
	if getErr != nil {
		writeJSON(w, errorResponse{Error: getErr.Error()}, http.StatusNotFound)
		return
	}
	writeJSON(w, info, http.StatusOK)
}

func (s *Server) read(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reader.Enter()
	defer s.reader.Exit()
	fn()
}

func describe(h *sad.Handle) SAInfo {
	e := h.Entry()
	st := h.Seq()
	info := SAInfo{
		SadID:      e.SadID,
		SPI:        fmt.Sprintf("0x%08x", e.SPI),
		Protocol:   e.Protocol.String(),
		Crypto:     e.Crypto.String(),
		Integ:      e.Integ.String(),
		Flags:      e.Flags.Bits(),
		ESN:        e.Flags.UseESN,
		AntiReplay: e.Flags.UseAntiReplay,
		Tunnel:     e.Flags.IsTunnel,
		UDPEncap:   e.Flags.UDPEncap,
		ICVLen:     e.ICVLen(),
		Generation: h.Generation(),
		LastSent:   st.Send.Last(),
		Exhausted:  st.Send.Exhausted(),
		WindowTop:  st.Recv.Top(),
		WindowSize: st.Recv.Size(),
	}
	if e.Flags.IsTunnel {
		info.TunnelSrc = e.TunnelSrc.String()
		info.TunnelDst = e.TunnelDst.String()
	}
	return info
}

func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("状态接口编码失败", zap.Error(err))
	}
}
