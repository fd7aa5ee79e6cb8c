package dispatch

import (
	"github.com/FreshRoute/FreshRoute/internal/common/logger"
	"github.com/FreshRoute/FreshRoute/internal/delivery"
	"github.com/FreshRoute/FreshRoute/internal/driver"
	"github.com/opentracing/opentracing-go"
)

// Dispatcher 负责把司机绑定到配送单。
// 自身不持有任何状态，读写全部经由两个注册表完成。
type Dispatcher struct {
	drivers    *driver.Registry
	deliveries *delivery.Registry
	log        logger.Logger
}

func NewDispatcher(drivers *driver.Registry, deliveries *delivery.Registry, log logger.Logger) *Dispatcher {
	return &Dispatcher{
		drivers:    drivers,
		deliveries: deliveries,
		log:        log,
	}
}

// Assign 把 driverID 指派给 deliveryID。
// 配送单不存在、司机不存在或司机不可接单时返回 (nil, false)，不抛错。
// 司机占用是注册表上的 CAS（Reserve）：两个并发 Assign 抢同一司机只会有一个成功；
// 占用成功但配送单侧失败时回滚占用（Release）。
func (d *Dispatcher) Assign(deliveryID, driverID string) (*delivery.Delivery, bool) {
	span := opentracing.GlobalTracer().StartSpan("dispatch.assign")
	defer span.Finish()
	span.SetTag("delivery_id", deliveryID)
	span.SetTag("driver_id", driverID)

	if _, ok := d.deliveries.Get(deliveryID); !ok {
		return nil, false
	}
	if !d.drivers.Reserve(driverID) {
		return nil, false
	}

	del, ok := d.deliveries.MarkAssigned(deliveryID, driverID)
	if !ok {
		// 配送单在占用司机的间隙被别的调用改走了，把司机放回池子。
		d.drivers.Release(driverID)
		return nil, false
	}

	if d.log != nil {
		d.log.WithFields(map[string]interface{}{
			"delivery_id": deliveryID,
			"driver_id":   driverID,
		}).Info("delivery assigned")
	}
	return del, true
}

// AssignNearest 为配送单挑选距取货点最近的可接单司机并指派。
// 最近司机在选中与占用之间可能被并发抢走，此时重试下一轮选择，
// 直到指派成功或者再也找不到候选司机。
func (d *Dispatcher) AssignNearest(deliveryID string) (*delivery.Delivery, bool) {
	del, ok := d.deliveries.Get(deliveryID)
	if !ok {
		return nil, false
	}

	for {
		candidate, ok := d.drivers.FindNearest(del.PickupLocation)
		if !ok {
			return nil, false
		}
		if out, ok := d.Assign(deliveryID, candidate.ID); ok {
			return out, true
		}
		// 指派失败且配送单已不是 PENDING：不是司机竞争问题，直接放弃。
		cur, ok := d.deliveries.Get(deliveryID)
		if !ok || cur.Status != delivery.StatusPending {
			return nil, false
		}
	}
}
