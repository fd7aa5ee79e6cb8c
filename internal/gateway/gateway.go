package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/FreshRoute/FreshRoute/internal/common/config"
	"github.com/FreshRoute/FreshRoute/internal/common/logger"
	"github.com/FreshRoute/FreshRoute/internal/delivery"
	"github.com/FreshRoute/FreshRoute/internal/driver"
	"github.com/FreshRoute/FreshRoute/internal/geo"
	"github.com/FreshRoute/FreshRoute/internal/tracking"
	"github.com/opentracing/opentracing-go"
)

// 入站事件类型。
const (
	msgDriverLocationUpdate      = "driver_location_update"
	msgDeliveryTrackingSubscribe = "delivery_tracking_subscribe"
	msgDriverStatusUpdate        = "driver_status_update"
	msgDeliveryStatusUpdate      = "delivery_status_update"
)

// 出站事件类型。
const (
	evtLocationUpdate   = "location_update"
	evtTrackingSnapshot = "tracking_snapshot"
	evtDriverStatus     = "driver_status"
	evtDeliveryStatus   = "delivery_status"
	evtSubscribed       = "subscribed"
)

// Gateway 实时位置/状态事件的双向通道：
// 入站事件驱动注册表与追踪日志，出站按配送单订阅组 + 运营组扇出。
// 任何业务失败（未知司机/配送单、非法状态）都以 error 事件回给来源连接，
// 连接保持打开。
type Gateway struct {
	hub        *Hub
	drivers    *driver.Registry
	deliveries *delivery.Registry
	tracking   *tracking.Log
	log        logger.Logger
}

func New(cfg config.GatewayConfig, drivers *driver.Registry, deliveries *delivery.Registry,
	trackingLog *tracking.Log, log logger.Logger) *Gateway {

	g := &Gateway{
		hub:        NewHub(cfg, log),
		drivers:    drivers,
		deliveries: deliveries,
		tracking:   trackingLog,
		log:        log,
	}
	g.hub.SetMessageHandler(g.handle)
	return g
}

// Hub 暴露连接管理器（供启动编排 Run / ServeWS）。
func (g *Gateway) Hub() *Hub {
	return g.hub
}

// Routes 挂载网关的 HTTP 端点。
func (g *Gateway) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", g.hub.ServeWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
}

func (g *Gateway) handle(c *Client, msgType string, data json.RawMessage) {
	span := opentracing.GlobalTracer().StartSpan("gateway." + msgType)
	defer span.Finish()
	span.SetTag("client_id", c.ID)

	switch msgType {
	case msgDriverLocationUpdate:
		g.handleDriverLocation(c, data)
	case msgDeliveryTrackingSubscribe:
		g.handleTrackingSubscribe(c, data)
	case msgDriverStatusUpdate:
		g.handleDriverStatus(c, data)
	case msgDeliveryStatusUpdate:
		g.handleDeliveryStatus(c, data)
	default:
		c.SendError("unknown message type: " + msgType)
	}
}

// handleDriverLocation 司机位置上报：更新注册表；带配送单 ID 时
// 追加追踪事件并向该单的订阅者广播。
func (g *Gateway) handleDriverLocation(c *Client, data json.RawMessage) {
	var in struct {
		DriverID   string  `json:"driverId"`
		DeliveryID string  `json:"deliveryId,omitempty"`
		Latitude   float64 `json:"latitude"`
		Longitude  float64 `json:"longitude"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		c.SendError("malformed payload")
		return
	}

	loc := geo.Coordinate{
		Latitude:  in.Latitude,
		Longitude: in.Longitude,
		Timestamp: time.Now(),
	}

	if in.DeliveryID == "" {
		if _, ok := g.drivers.UpdateLocation(in.DriverID, loc); !ok {
			c.SendError("driver not found: " + in.DriverID)
		}
		return
	}

	d, ok := g.deliveries.Get(in.DeliveryID)
	if !ok {
		c.SendError("delivery not found: " + in.DeliveryID)
		return
	}
	if _, ok := g.drivers.Get(in.DriverID); !ok {
		c.SendError("driver not found: " + in.DriverID)
		return
	}

	// Append 会把位置同步进司机注册表。
	u := g.tracking.Append(in.DeliveryID, in.DriverID, loc, d.Status, d.EstimatedArrival)
	g.hub.BroadcastToDelivery(in.DeliveryID, evtLocationUpdate, u)
}

// handleTrackingSubscribe 订阅配送单：加入订阅组并回发全量快照
// （配送单 + 当前位置 + 历史轨迹）。
func (g *Gateway) handleTrackingSubscribe(c *Client, data json.RawMessage) {
	var in struct {
		DeliveryID string `json:"deliveryId"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		c.SendError("malformed payload")
		return
	}

	d, ok := g.deliveries.Get(in.DeliveryID)
	if !ok {
		c.SendError("delivery not found: " + in.DeliveryID)
		return
	}

	g.hub.Join(in.DeliveryID, c)

	loc, _ := g.tracking.CurrentLocation(in.DeliveryID)
	c.Send(evtTrackingSnapshot, map[string]any{
		"delivery":        d,
		"currentLocation": loc,
		"history":         g.tracking.History(in.DeliveryID),
	})
	c.Send(evtSubscribed, map[string]string{"deliveryId": in.DeliveryID})
}

// handleDriverStatus 司机状态变更：校验枚举，更新注册表并广播到运营组。
func (g *Gateway) handleDriverStatus(c *Client, data json.RawMessage) {
	var in struct {
		DriverID    string `json:"driverId"`
		Status      string `json:"status"`
		IsAvailable *bool  `json:"isAvailable,omitempty"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		c.SendError("malformed payload")
		return
	}

	status := driver.Status(in.Status)
	if !driver.ValidStatus(status) {
		c.SendError("invalid driver status: " + in.Status)
		return
	}

	d, ok := g.drivers.UpdateStatus(in.DriverID, status, in.IsAvailable)
	if !ok {
		c.SendError("driver not found: " + in.DriverID)
		return
	}
	g.hub.BroadcastToRole(RoleAdmin, evtDriverStatus, d)
}

// handleDeliveryStatus 配送单状态变更：委托注册表做状态机流转与司机释放，
// 成功后向该单订阅组和运营组扇出。
func (g *Gateway) handleDeliveryStatus(c *Client, data json.RawMessage) {
	var in struct {
		DeliveryID string  `json:"deliveryId"`
		Status     string  `json:"status"`
		Notes      *string `json:"notes,omitempty"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		c.SendError("malformed payload")
		return
	}

	status := delivery.Status(in.Status)
	if !delivery.ValidStatus(status) {
		c.SendError("invalid delivery status: " + in.Status)
		return
	}

	d, ok := g.deliveries.UpdateStatus(in.DeliveryID, status, in.Notes)
	if !ok {
		c.SendError("delivery status update rejected: " + in.DeliveryID)
		return
	}
	g.hub.BroadcastToDelivery(in.DeliveryID, evtDeliveryStatus, d)
	g.hub.BroadcastToRole(RoleAdmin, evtDeliveryStatus, d)
}
