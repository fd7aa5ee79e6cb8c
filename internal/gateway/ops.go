package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/FreshRoute/FreshRoute/internal/dispatch"
	"github.com/FreshRoute/FreshRoute/internal/route"
)

// OpsHandler 面向平台 API 层的最小 JSON 入口：调度与路线规划。
// 配送单/司机的 CRUD、鉴权、参数校验都在平台 API 层（本服务之外）完成，
// 这里只做 JSON 编解码和错误码映射：查无此物 -> 404，前置条件不满足 -> 400。
type OpsHandler struct {
	dispatcher *dispatch.Dispatcher
	optimizer  *route.Optimizer
}

func NewOpsHandler(dispatcher *dispatch.Dispatcher, optimizer *route.Optimizer) *OpsHandler {
	return &OpsHandler{dispatcher: dispatcher, optimizer: optimizer}
}

// Mount 挂载调度相关端点。
func (h *OpsHandler) Mount(mux *http.ServeMux) {
	mux.HandleFunc("/api/dispatch/assign", h.assign)
	mux.HandleFunc("/api/dispatch/assign-nearest", h.assignNearest)
	mux.HandleFunc("/api/routes/optimize", h.optimize)
	mux.HandleFunc("/api/routes/generate", h.generate)
	mux.HandleFunc("/api/routes/eta", h.eta)
}

func (h *OpsHandler) assign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var in struct {
		DeliveryID string `json:"deliveryId"`
		DriverID   string `json:"driverId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	d, ok := h.dispatcher.Assign(in.DeliveryID, in.DriverID)
	if !ok {
		http.Error(w, "assignment rejected", http.StatusBadRequest)
		return
	}
	writeJSON(w, d)
}

func (h *OpsHandler) assignNearest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var in struct {
		DeliveryID string `json:"deliveryId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	d, ok := h.dispatcher.AssignNearest(in.DeliveryID)
	if !ok {
		http.Error(w, "no assignable driver", http.StatusBadRequest)
		return
	}
	writeJSON(w, d)
}

func (h *OpsHandler) optimize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var in struct {
		DriverID    string   `json:"driverId"`
		DeliveryIDs []string `json:"deliveryIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	rt, ok := h.optimizer.OptimizeRoute(in.DriverID, in.DeliveryIDs)
	if !ok {
		http.Error(w, "route not optimizable", http.StatusBadRequest)
		return
	}
	writeJSON(w, rt)
}

func (h *OpsHandler) generate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, h.optimizer.GenerateRoutes())
}

func (h *OpsHandler) eta(w http.ResponseWriter, r *http.Request) {
	routeID := r.URL.Query().Get("routeId")
	deliveryID := r.URL.Query().Get("deliveryId")
	eta, ok := h.optimizer.ETA(routeID, deliveryID)
	if !ok {
		http.Error(w, "route or stop not found", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]time.Time{"eta": eta})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}
