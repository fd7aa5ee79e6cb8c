package gateway

import (
	"encoding/json"
	"testing"

	"github.com/FreshRoute/FreshRoute/internal/common/config"
	"github.com/FreshRoute/FreshRoute/internal/common/logger"
	"github.com/FreshRoute/FreshRoute/internal/delivery"
	"github.com/FreshRoute/FreshRoute/internal/driver"
	"github.com/FreshRoute/FreshRoute/internal/geo"
	"github.com/FreshRoute/FreshRoute/internal/tracking"
)

func testGatewayConfig() config.GatewayConfig {
	return config.GatewayConfig{
		PingIntervalSec:   30,
		PongWaitSec:       60,
		MaxMessageSize:    4096,
		SendBuffer:        16,
		MessagesPerSecond: 10,
		MessageBurst:      20,
	}
}

func newTestGateway(t *testing.T) (*driver.Registry, *delivery.Registry, *tracking.Log, *Gateway) {
	t.Helper()
	log, err := logger.NewLogger("error", "text", "stdout", "")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	drivers := driver.NewRegistry(nil, nil)
	deliveries := delivery.NewRegistry(drivers, nil, nil)
	trackingLog := tracking.NewLog(drivers, deliveries, nil)
	g := New(testGatewayConfig(), drivers, deliveries, trackingLog, log)
	return drivers, deliveries, trackingLog, g
}

// testClient 只带出站缓冲，不挂真实连接；handler 路径不会触碰 conn。
func testClient(g *Gateway, id, role string) *Client {
	c := &Client{
		ID:   id,
		Role: role,
		send: make(chan []byte, 16),
		hub:  g.hub,
		log:  g.log,
	}
	g.hub.mu.Lock()
	g.hub.clients[c.ID] = c
	g.hub.mu.Unlock()
	return c
}

type event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func nextEvent(t *testing.T, c *Client) event {
	t.Helper()
	select {
	case payload := <-c.send:
		var e event
		if err := json.Unmarshal(payload, &e); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		return e
	default:
		t.Fatalf("no event queued for client %s", c.ID)
		return event{}
	}
}

func noEvent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case payload := <-c.send:
		t.Fatalf("unexpected event for client %s: %s", c.ID, payload)
	default:
	}
}

func errorMessage(t *testing.T, e event) string {
	t.Helper()
	if e.Type != "error" {
		t.Fatalf("expected error event, got %s", e.Type)
	}
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(e.Data, &body); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	return body.Message
}

func marshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return raw
}

func TestHandleUnknownMessageType(t *testing.T) {
	_, _, _, g := newTestGateway(t)
	c := testClient(g, "c1", "")

	g.handle(c, "bogus", nil)
	if msg := errorMessage(t, nextEvent(t, c)); msg != "unknown message type: bogus" {
		t.Fatalf("unexpected error message %q", msg)
	}
}

func TestDriverLocationUpdateWithoutDelivery(t *testing.T) {
	drivers, _, _, g := newTestGateway(t)
	drv := drivers.Create(driver.CreateInput{Name: "a"})
	c := testClient(g, "c1", "")

	g.handle(c, msgDriverLocationUpdate, marshal(t, map[string]any{
		"driverId":  drv.ID,
		"latitude":  39.9,
		"longitude": 116.4,
	}))
	noEvent(t, c)

	got, _ := drivers.Get(drv.ID)
	if got.Location == nil || got.Location.Latitude != 39.9 {
		t.Fatalf("driver location not updated: %+v", got.Location)
	}

	g.handle(c, msgDriverLocationUpdate, marshal(t, map[string]any{
		"driverId": "missing",
		"latitude": 1.0,
	}))
	if msg := errorMessage(t, nextEvent(t, c)); msg != "driver not found: missing" {
		t.Fatalf("unexpected error message %q", msg)
	}
}

func TestDriverLocationUpdateBroadcastsToSubscribers(t *testing.T) {
	drivers, deliveries, trackingLog, g := newTestGateway(t)
	drv := drivers.Create(driver.CreateInput{Name: "a"})
	del := deliveries.Create(delivery.CreateInput{OrderID: "ORD-1"})

	driverConn := testClient(g, "driver-conn", "")
	subscriber := testClient(g, "customer-conn", "")
	g.hub.Join(del.ID, subscriber)

	g.handle(driverConn, msgDriverLocationUpdate, marshal(t, map[string]any{
		"driverId":   drv.ID,
		"deliveryId": del.ID,
		"latitude":   31.2,
		"longitude":  121.5,
	}))
	noEvent(t, driverConn)

	e := nextEvent(t, subscriber)
	if e.Type != evtLocationUpdate {
		t.Fatalf("expected %s, got %s", evtLocationUpdate, e.Type)
	}
	var u tracking.Update
	if err := json.Unmarshal(e.Data, &u); err != nil {
		t.Fatalf("unmarshal update: %v", err)
	}
	if u.DeliveryID != del.ID || u.Location.Latitude != 31.2 {
		t.Fatalf("unexpected broadcast update: %+v", u)
	}

	if got := trackingLog.History(del.ID); len(got) != 1 {
		t.Fatalf("expected 1 tracking update, got %d", len(got))
	}

	// 未知配送单 / 未知司机回 error，不广播
	g.handle(driverConn, msgDriverLocationUpdate, marshal(t, map[string]any{
		"driverId":   drv.ID,
		"deliveryId": "missing",
	}))
	errorMessage(t, nextEvent(t, driverConn))

	g.handle(driverConn, msgDriverLocationUpdate, marshal(t, map[string]any{
		"driverId":   "missing",
		"deliveryId": del.ID,
	}))
	errorMessage(t, nextEvent(t, driverConn))
	noEvent(t, subscriber)
}

func TestTrackingSubscribe(t *testing.T) {
	drivers, deliveries, trackingLog, g := newTestGateway(t)
	drv := drivers.Create(driver.CreateInput{Name: "a"})
	avail := true
	drivers.UpdateStatus(drv.ID, driver.StatusAvailable, &avail)
	drivers.Reserve(drv.ID)
	del := deliveries.Create(delivery.CreateInput{OrderID: "ORD-1"})
	deliveries.MarkAssigned(del.ID, drv.ID)
	trackingLog.Append(del.ID, drv.ID, geo.Coordinate{Latitude: 1, Longitude: 1}, delivery.StatusAssigned, nil)

	c := testClient(g, "c1", "")
	g.handle(c, msgDeliveryTrackingSubscribe, marshal(t, map[string]string{"deliveryId": del.ID}))

	snap := nextEvent(t, c)
	if snap.Type != evtTrackingSnapshot {
		t.Fatalf("expected %s first, got %s", evtTrackingSnapshot, snap.Type)
	}
	var body struct {
		Delivery        *delivery.Delivery `json:"delivery"`
		CurrentLocation *geo.Coordinate    `json:"currentLocation"`
		History         []*tracking.Update `json:"history"`
	}
	if err := json.Unmarshal(snap.Data, &body); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if body.Delivery == nil || body.Delivery.ID != del.ID {
		t.Fatalf("snapshot delivery: %+v", body.Delivery)
	}
	if body.CurrentLocation == nil || body.CurrentLocation.Latitude != 1 {
		t.Fatalf("snapshot current location: %+v", body.CurrentLocation)
	}
	if len(body.History) != 1 {
		t.Fatalf("snapshot history: %+v", body.History)
	}

	if e := nextEvent(t, c); e.Type != evtSubscribed {
		t.Fatalf("expected %s, got %s", evtSubscribed, e.Type)
	}

	// 订阅后能收到该单的广播
	g.hub.BroadcastToDelivery(del.ID, evtDeliveryStatus, body.Delivery)
	if e := nextEvent(t, c); e.Type != evtDeliveryStatus {
		t.Fatalf("expected broadcast after subscribe, got %s", e.Type)
	}

	g.handle(c, msgDeliveryTrackingSubscribe, marshal(t, map[string]string{"deliveryId": "missing"}))
	if msg := errorMessage(t, nextEvent(t, c)); msg != "delivery not found: missing" {
		t.Fatalf("unexpected error message %q", msg)
	}
}

func TestDriverStatusUpdate(t *testing.T) {
	drivers, _, _, g := newTestGateway(t)
	drv := drivers.Create(driver.CreateInput{Name: "a"})

	c := testClient(g, "c1", "")
	admin := testClient(g, "admin-conn", RoleAdmin)

	g.handle(c, msgDriverStatusUpdate, marshal(t, map[string]any{
		"driverId": drv.ID,
		"status":   "NAPPING",
	}))
	if msg := errorMessage(t, nextEvent(t, c)); msg != "invalid driver status: NAPPING" {
		t.Fatalf("unexpected error message %q", msg)
	}
	noEvent(t, admin)

	g.handle(c, msgDriverStatusUpdate, marshal(t, map[string]any{
		"driverId":    drv.ID,
		"status":      string(driver.StatusAvailable),
		"isAvailable": true,
	}))
	noEvent(t, c)

	e := nextEvent(t, admin)
	if e.Type != evtDriverStatus {
		t.Fatalf("expected %s, got %s", evtDriverStatus, e.Type)
	}
	got, _ := drivers.Get(drv.ID)
	if got.Status != driver.StatusAvailable || !got.IsAvailable {
		t.Fatalf("driver not updated: %+v", got)
	}

	g.handle(c, msgDriverStatusUpdate, marshal(t, map[string]any{
		"driverId": "missing",
		"status":   string(driver.StatusBreak),
	}))
	errorMessage(t, nextEvent(t, c))
}

func TestDeliveryStatusUpdate(t *testing.T) {
	drivers, deliveries, _, g := newTestGateway(t)
	drv := drivers.Create(driver.CreateInput{Name: "a"})
	avail := true
	drivers.UpdateStatus(drv.ID, driver.StatusAvailable, &avail)
	drivers.Reserve(drv.ID)
	del := deliveries.Create(delivery.CreateInput{OrderID: "ORD-1"})
	deliveries.MarkAssigned(del.ID, drv.ID)

	c := testClient(g, "c1", "")
	admin := testClient(g, "admin-conn", RoleAdmin)
	subscriber := testClient(g, "customer-conn", "")
	g.hub.Join(del.ID, subscriber)

	g.handle(c, msgDeliveryStatusUpdate, marshal(t, map[string]any{
		"deliveryId": del.ID,
		"status":     "SHIPPED",
	}))
	if msg := errorMessage(t, nextEvent(t, c)); msg != "invalid delivery status: SHIPPED" {
		t.Fatalf("unexpected error message %q", msg)
	}

	// 状态机拒绝的流转回 error，不广播
	pending := deliveries.Create(delivery.CreateInput{OrderID: "ORD-2"})
	g.hub.Join(pending.ID, subscriber)
	g.handle(c, msgDeliveryStatusUpdate, marshal(t, map[string]any{
		"deliveryId": pending.ID,
		"status":     string(delivery.StatusPickedUp),
	}))
	errorMessage(t, nextEvent(t, c))
	noEvent(t, subscriber)
	noEvent(t, admin)

	g.handle(c, msgDeliveryStatusUpdate, marshal(t, map[string]any{
		"deliveryId": del.ID,
		"status":     string(delivery.StatusPickedUp),
	}))
	noEvent(t, c)

	for _, conn := range []*Client{subscriber, admin} {
		e := nextEvent(t, conn)
		if e.Type != evtDeliveryStatus {
			t.Fatalf("expected %s for %s, got %s", evtDeliveryStatus, conn.ID, e.Type)
		}
		var d delivery.Delivery
		if err := json.Unmarshal(e.Data, &d); err != nil {
			t.Fatalf("unmarshal delivery: %v", err)
		}
		if d.Status != delivery.StatusPickedUp {
			t.Fatalf("broadcast status %s", d.Status)
		}
	}
}

func TestBroadcastDropsWhenBufferFull(t *testing.T) {
	_, _, _, g := newTestGateway(t)
	c := &Client{
		ID:   "slow",
		Role: "",
		send: make(chan []byte, 1),
		hub:  g.hub,
		log:  g.log,
	}
	g.hub.mu.Lock()
	g.hub.clients[c.ID] = c
	g.hub.mu.Unlock()
	g.hub.Join("d1", c)

	g.hub.BroadcastToDelivery("d1", evtLocationUpdate, map[string]int{"n": 1})
	g.hub.BroadcastToDelivery("d1", evtLocationUpdate, map[string]int{"n": 2})

	// 缓冲满时丢弃而不是阻塞
	nextEvent(t, c)
	noEvent(t, c)
}

func TestLeaveStopsBroadcasts(t *testing.T) {
	_, deliveries, _, g := newTestGateway(t)
	del := deliveries.Create(delivery.CreateInput{OrderID: "ORD-1"})

	c := testClient(g, "c1", "")
	g.hub.Join(del.ID, c)
	g.hub.Leave(del.ID, c)

	g.hub.BroadcastToDelivery(del.ID, evtDeliveryStatus, map[string]string{"x": "y"})
	noEvent(t, c)
}
