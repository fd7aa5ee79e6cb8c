package route

import (
	"sync"
	"time"

	"github.com/FreshRoute/FreshRoute/internal/common/logger"
	"github.com/FreshRoute/FreshRoute/internal/delivery"
	"github.com/FreshRoute/FreshRoute/internal/driver"
	"github.com/FreshRoute/FreshRoute/internal/geo"
	"github.com/google/uuid"
	"github.com/opentracing/opentracing-go"
)

// avgSpeedKmh 城市配送的平均车速假设，用于估算时长/ETA。
const avgSpeedKmh = 40.0

// Route 一次路线规划的结果，创建后不再修改；重新规划产生新 Route。
// Waypoints 长度 = 配送单数 + 1，首个点是司机当时的位置。
type Route struct {
	ID          string           `json:"id"`
	DriverID    string           `json:"driverId"`
	DeliveryIDs []string         `json:"deliveryIds"`
	Waypoints   []geo.Coordinate `json:"waypoints"`

	TotalDistanceKm      float64 `json:"totalDistance"`
	EstimatedDurationMin float64 `json:"estimatedDuration"`
	Optimized            bool    `json:"optimized"`

	CreatedAt time.Time `json:"createdAt"`
}

// Optimizer 多点路线规划器：贪心最近邻启发式，非全局最优。
// 自身只保存产出的 Route 工件，司机/配送单状态全部来自注册表。
type Optimizer struct {
	mu         sync.RWMutex
	routes     map[string]*Route
	drivers    *driver.Registry
	deliveries *delivery.Registry
	log        logger.Logger
}

func NewOptimizer(drivers *driver.Registry, deliveries *delivery.Registry, log logger.Logger) *Optimizer {
	return &Optimizer{
		routes:     make(map[string]*Route),
		drivers:    drivers,
		deliveries: deliveries,
		log:        log,
	}
}

// OptimizeRoute 为司机规划给定配送单集合的访问顺序。
// 司机不存在、司机没有位置、或剔除未知 ID 后配送单集合为空时返回 (nil, false)。
//
// 算法：从司机当前位置出发，每一步在未访问的配送单里选送达点
// Haversine 距离最近的一个；等距取剩余列表中靠前者（对给定输入确定）。
func (o *Optimizer) OptimizeRoute(driverID string, deliveryIDs []string) (*Route, bool) {
	span := opentracing.GlobalTracer().StartSpan("route.optimize")
	defer span.Finish()
	span.SetTag("driver_id", driverID)

	drv, ok := o.drivers.Get(driverID)
	if !ok || drv.Location == nil {
		return nil, false
	}

	remaining := make([]*delivery.Delivery, 0, len(deliveryIDs))
	for _, id := range deliveryIDs {
		if d, ok := o.deliveries.Get(id); ok {
			remaining = append(remaining, d)
		}
	}
	if len(remaining) == 0 {
		return nil, false
	}

	current := *drv.Location
	waypoints := make([]geo.Coordinate, 0, len(remaining)+1)
	waypoints = append(waypoints, current)
	ordered := make([]string, 0, len(remaining))
	totalKm := 0.0

	for len(remaining) > 0 {
		bestIdx := 0
		bestDist := geo.Distance(current, remaining[0].DropoffLocation)
		for i := 1; i < len(remaining); i++ {
			if dist := geo.Distance(current, remaining[i].DropoffLocation); dist < bestDist {
				bestIdx = i
				bestDist = dist
			}
		}

		next := remaining[bestIdx]
		ordered = append(ordered, next.ID)
		totalKm += bestDist
		current = next.DropoffLocation
		waypoints = append(waypoints, current)
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}

	r := &Route{
		ID:                   uuid.NewString(),
		DriverID:             driverID,
		DeliveryIDs:          ordered,
		Waypoints:            waypoints,
		TotalDistanceKm:      totalKm,
		EstimatedDurationMin: totalKm / avgSpeedKmh * 60,
		Optimized:            true,
		CreatedAt:            time.Now(),
	}

	o.mu.Lock()
	o.routes[r.ID] = r
	o.mu.Unlock()

	if o.log != nil {
		o.log.WithFields(map[string]interface{}{
			"route_id":  r.ID,
			"driver_id": driverID,
			"stops":     len(ordered),
			"km":        totalKm,
		}).Info("route optimized")
	}
	return r, true
}

// GenerateRoutes 把全部待分配配送单按 ceil(pending/available) 均分给可接单司机，
// 每块内部再做最近邻排序。分块按列表顺序切，不考虑地理邻近性——
// 这是有意保留的启发式简化，不是缺陷。
// 待分配单或可接单司机任一为空时静默返回空结果。
func (o *Optimizer) GenerateRoutes() []*Route {
	pending := o.deliveries.ListPending()
	available := o.drivers.ListAvailable()
	if len(pending) == 0 || len(available) == 0 {
		return nil
	}

	chunk := (len(pending) + len(available) - 1) / len(available)
	var out []*Route
	for i, drv := range available {
		start := i * chunk
		if start >= len(pending) {
			break
		}
		end := start + chunk
		if end > len(pending) {
			end = len(pending)
		}

		ids := make([]string, 0, end-start)
		for _, d := range pending[start:end] {
			ids = append(ids, d.ID)
		}
		// 司机没有位置等原因导致的失败跳过该司机，不中断整体生成。
		if r, ok := o.OptimizeRoute(drv.ID, ids); ok {
			out = append(out, r)
		}
	}
	return out
}

// Get 按 ID 查询路线工件。
func (o *Optimizer) Get(routeID string) (*Route, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.routes[routeID]
	return r, ok
}

// ETA 估算路线中某配送单的送达时刻：累加到该站为止的路段距离，
// 按平均车速折算分钟并加到当前时间。路线或站点不存在返回 (zero, false)。
func (o *Optimizer) ETA(routeID, deliveryID string) (time.Time, bool) {
	o.mu.RLock()
	r, ok := o.routes[routeID]
	o.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}

	stop := -1
	for i, id := range r.DeliveryIDs {
		if id == deliveryID {
			stop = i
			break
		}
	}
	if stop < 0 {
		return time.Time{}, false
	}

	km := 0.0
	for i := 0; i <= stop; i++ {
		km += geo.Distance(r.Waypoints[i], r.Waypoints[i+1])
	}
	minutes := km / avgSpeedKmh * 60
	return time.Now().Add(time.Duration(minutes * float64(time.Minute))), true
}
