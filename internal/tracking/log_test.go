package tracking

import (
	"testing"
	"time"

	"github.com/FreshRoute/FreshRoute/internal/delivery"
	"github.com/FreshRoute/FreshRoute/internal/driver"
	"github.com/FreshRoute/FreshRoute/internal/geo"
)

func newTestLog() (*driver.Registry, *delivery.Registry, *Log) {
	drivers := driver.NewRegistry(nil, nil)
	deliveries := delivery.NewRegistry(drivers, nil, nil)
	return drivers, deliveries, NewLog(drivers, deliveries, nil)
}

func assignedDelivery(t *testing.T, drivers *driver.Registry, deliveries *delivery.Registry) (*driver.Driver, *delivery.Delivery) {
	t.Helper()
	drv := drivers.Create(driver.CreateInput{Name: "司机"})
	avail := true
	drivers.UpdateStatus(drv.ID, driver.StatusAvailable, &avail)
	if !drivers.Reserve(drv.ID) {
		t.Fatalf("reserve failed")
	}
	del := deliveries.Create(delivery.CreateInput{OrderID: "ORD"})
	got, ok := deliveries.MarkAssigned(del.ID, drv.ID)
	if !ok {
		t.Fatalf("MarkAssigned failed")
	}
	return drv, got
}

func TestInitialize(t *testing.T) {
	drivers, deliveries, l := newTestLog()

	unassigned := deliveries.Create(delivery.CreateInput{OrderID: "A"})
	if l.Initialize(unassigned.ID) {
		t.Fatalf("expected unassigned delivery rejected")
	}
	if l.Initialize("missing") {
		t.Fatalf("expected unknown delivery rejected")
	}

	_, del := assignedDelivery(t, drivers, deliveries)
	if !l.Initialize(del.ID) {
		t.Fatalf("Initialize failed for assigned delivery")
	}
	if got := l.History(del.ID); len(got) != 0 {
		t.Fatalf("expected empty history after Initialize, got %d", len(got))
	}
}

func TestAppendOrderAndLatest(t *testing.T) {
	drivers, deliveries, l := newTestLog()
	drv, del := assignedDelivery(t, drivers, deliveries)

	points := []geo.Coordinate{
		{Latitude: 1, Longitude: 1},
		{Latitude: 2, Longitude: 2},
		{Latitude: 3, Longitude: 3},
	}
	for _, p := range points {
		l.Append(del.ID, drv.ID, p, delivery.StatusInTransit, nil)
	}

	hist := l.History(del.ID)
	if len(hist) != 3 {
		t.Fatalf("expected 3 updates, got %d", len(hist))
	}
	for i, p := range points {
		if hist[i].Location != p {
			t.Fatalf("update %d out of order: %+v", i, hist[i].Location)
		}
	}

	latest, ok := l.Latest(del.ID)
	if !ok || latest.Location != points[2] {
		t.Fatalf("Latest: ok=%v got=%+v", ok, latest)
	}
	if _, ok := l.Latest("missing"); ok {
		t.Fatalf("expected absent for unknown delivery")
	}

	// 位置同步进司机注册表
	gotDrv, _ := drivers.Get(drv.ID)
	if gotDrv.Location == nil || *gotDrv.Location != points[2] {
		t.Fatalf("driver location not synced: %+v", gotDrv.Location)
	}
}

func TestCurrentLocationIsLiveDriverPosition(t *testing.T) {
	drivers, deliveries, l := newTestLog()
	drv, del := assignedDelivery(t, drivers, deliveries)

	// 没有任何追踪事件时司机也没有位置
	if _, ok := l.CurrentLocation(del.ID); ok {
		t.Fatalf("expected absent before any location report")
	}

	// 司机位置直接上报（不经过追踪日志）也能被看到
	drivers.UpdateLocation(drv.ID, geo.Coordinate{Latitude: 9, Longitude: 9})
	got, ok := l.CurrentLocation(del.ID)
	if !ok || got.Latitude != 9 || got.Longitude != 9 {
		t.Fatalf("CurrentLocation: ok=%v got=%+v", ok, got)
	}

	unassigned := deliveries.Create(delivery.CreateInput{OrderID: "B"})
	if _, ok := l.CurrentLocation(unassigned.ID); ok {
		t.Fatalf("expected absent for unassigned delivery")
	}
}

func TestDistanceCovered(t *testing.T) {
	drivers, deliveries, l := newTestLog()
	drv, del := assignedDelivery(t, drivers, deliveries)

	if got := l.DistanceCovered(del.ID); got != 0 {
		t.Fatalf("expected 0 with no updates, got %v", got)
	}

	a := geo.Coordinate{Latitude: 0, Longitude: 0}
	b := geo.Coordinate{Latitude: 1, Longitude: 0}
	c := geo.Coordinate{Latitude: 2, Longitude: 0}
	l.Append(del.ID, drv.ID, a, delivery.StatusInTransit, nil)
	if got := l.DistanceCovered(del.ID); got != 0 {
		t.Fatalf("expected 0 with a single update, got %v", got)
	}
	l.Append(del.ID, drv.ID, b, delivery.StatusInTransit, nil)
	l.Append(del.ID, drv.ID, c, delivery.StatusInTransit, nil)

	want := geo.Distance(a, b) + geo.Distance(b, c)
	got := l.DistanceCovered(del.ID)
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("DistanceCovered = %v, want %v", got, want)
	}
}

func TestPurgeOlderThan(t *testing.T) {
	drivers, deliveries, l := newTestLog()

	drvDone, done := assignedDelivery(t, drivers, deliveries)
	l.Append(done.ID, drvDone.ID, geo.Coordinate{Latitude: 1, Longitude: 1}, delivery.StatusInTransit, nil)
	deliveries.UpdateStatus(done.ID, delivery.StatusDelivered, nil)

	drvActive, active := assignedDelivery(t, drivers, deliveries)
	l.Append(active.ID, drvActive.ID, geo.Coordinate{Latitude: 2, Longitude: 2}, delivery.StatusInTransit, nil)

	time.Sleep(5 * time.Millisecond)

	// 完成时间早于当前时刻，天数阈值 0 即应清理
	if removed := l.PurgeOlderThan(0); removed != 1 {
		t.Fatalf("expected 1 sequence purged, got %d", removed)
	}
	if got := l.History(done.ID); len(got) != 0 {
		t.Fatalf("purged sequence still present")
	}
	if got := l.History(active.ID); len(got) != 1 {
		t.Fatalf("active sequence must survive purge, got %d updates", len(got))
	}

	// 大阈值下最近完成的单不清理
	if removed := l.PurgeOlderThan(30); removed != 0 {
		t.Fatalf("expected nothing purged with 30-day cutoff, got %d", removed)
	}
}
