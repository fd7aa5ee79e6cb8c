package tracking

import (
	"sync"
	"time"

	"github.com/FreshRoute/FreshRoute/internal/common/logger"
	"github.com/FreshRoute/FreshRoute/internal/delivery"
	"github.com/FreshRoute/FreshRoute/internal/driver"
	"github.com/FreshRoute/FreshRoute/internal/geo"
)

// Update 一条追踪事件：某个时刻观察到的（位置, 状态）。
// 追加后不再修改；每个配送单的事件序列按追加顺序即时间顺序排列。
type Update struct {
	DeliveryID       string          `json:"deliveryId"`
	DriverID         string          `json:"driverId"`
	Location         geo.Coordinate  `json:"location"`
	Status           delivery.Status `json:"status"`
	EstimatedArrival *time.Time      `json:"estimatedArrival,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
}

// Log 追踪日志：独占持有按配送单 ID 组织的只追加事件序列。
// 对司机/配送单注册表只持引用做查询，不拥有其记录。
type Log struct {
	mu         sync.RWMutex
	updates    map[string][]*Update
	drivers    *driver.Registry
	deliveries *delivery.Registry
	log        logger.Logger
}

func NewLog(drivers *driver.Registry, deliveries *delivery.Registry, log logger.Logger) *Log {
	return &Log{
		updates:    make(map[string][]*Update),
		drivers:    drivers,
		deliveries: deliveries,
		log:        log,
	}
}

// Initialize 为配送单准备事件序列（可能为空序列）。
// 配送单不存在或尚未分配司机时返回 false。
func (l *Log) Initialize(deliveryID string) bool {
	d, ok := l.deliveries.Get(deliveryID)
	if !ok || d.DriverID == "" {
		return false
	}

	l.mu.Lock()
	if _, ok := l.updates[deliveryID]; !ok {
		l.updates[deliveryID] = []*Update{}
	}
	l.mu.Unlock()
	return true
}

// Append 追加一条追踪事件（总是成功），并把位置同步进司机注册表。
func (l *Log) Append(deliveryID, driverID string, loc geo.Coordinate, status delivery.Status, eta *time.Time) *Update {
	u := &Update{
		DeliveryID:       deliveryID,
		DriverID:         driverID,
		Location:         loc,
		Status:           status,
		EstimatedArrival: eta,
		Timestamp:        time.Now(),
	}

	l.mu.Lock()
	l.updates[deliveryID] = append(l.updates[deliveryID], u)
	l.mu.Unlock()

	l.drivers.UpdateLocation(driverID, loc)
	return u
}

// History 返回配送单的事件序列（时间顺序，可能为空）。
func (l *Log) History(deliveryID string) []*Update {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seq := l.updates[deliveryID]
	out := make([]*Update, len(seq))
	copy(out, seq)
	return out
}

// Latest 返回最近一条事件；没有事件返回 (nil, false)。
func (l *Log) Latest(deliveryID string) (*Update, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seq := l.updates[deliveryID]
	if len(seq) == 0 {
		return nil, false
	}
	return seq[len(seq)-1], true
}

// CurrentLocation 返回配送单的当前位置：取自被分配司机的实时位置，
// 与日志回放无关。配送单未分配或司机从未上报过位置时返回 (nil, false)。
func (l *Log) CurrentLocation(deliveryID string) (*geo.Coordinate, bool) {
	d, ok := l.deliveries.Get(deliveryID)
	if !ok || d.DriverID == "" {
		return nil, false
	}
	drv, ok := l.drivers.Get(d.DriverID)
	if !ok || drv.Location == nil {
		return nil, false
	}
	return drv.Location, true
}

// DistanceCovered 返回已记录轨迹的累计里程（km）：相邻事件位置的
// Haversine 距离之和；事件数不足 2 时为 0。
func (l *Log) DistanceCovered(deliveryID string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seq := l.updates[deliveryID]
	total := 0.0
	for i := 1; i < len(seq); i++ {
		total += geo.Distance(seq[i-1].Location, seq[i].Location)
	}
	return total
}

// PurgeOlderThan 清理完成时间早于 cutoffDays 天前的配送单的事件序列，
// 返回清理的序列数。
func (l *Log) PurgeOlderThan(cutoffDays int) int {
	cutoff := time.Now().AddDate(0, 0, -cutoffDays)

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for id := range l.updates {
		d, ok := l.deliveries.Get(id)
		if !ok || d.CompletedAt == nil {
			continue
		}
		if d.CompletedAt.Before(cutoff) {
			delete(l.updates, id)
			removed++
		}
	}
	if removed > 0 && l.log != nil {
		l.log.Infof("tracking log purged %d delivery sequences older than %d days", removed, cutoffDays)
	}
	return removed
}
