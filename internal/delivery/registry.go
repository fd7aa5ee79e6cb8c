package delivery

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/FreshRoute/FreshRoute/internal/common/logger"
	"github.com/FreshRoute/FreshRoute/internal/driver"
	"github.com/FreshRoute/FreshRoute/internal/geo"
	"github.com/google/uuid"
)

// trackBaseURL 面向客户的追踪页地址前缀；追踪 token 每单独立生成。
const trackBaseURL = "https://track.freshroute.dev/t/"

// Persister 可选的快照持久化钩子。
type Persister interface {
	SaveDelivery(ctx context.Context, d *Delivery) error
}

// Registry 配送单注册表：进程内唯一的 Delivery 记录持有者。
// 终态流转触发的司机释放/计数通过注入的司机注册表完成，
// 司机注册表永远不会反向调用本注册表，不存在锁顺序环。
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]*Delivery
	order   []string
	drivers *driver.Registry
	persist Persister
	log     logger.Logger
}

// NewRegistry 创建配送单注册表。persist 可为 nil（纯内存模式）。
func NewRegistry(drivers *driver.Registry, persist Persister, log logger.Logger) *Registry {
	return &Registry{
		byID:    make(map[string]*Delivery),
		drivers: drivers,
		persist: persist,
		log:     log,
	}
}

// CreateInput 创建配送单的入参（已通过上游校验层）。
type CreateInput struct {
	OrderID       string
	CustomerName  string
	CustomerPhone string

	PickupAddress   string
	PickupLocation  geo.Coordinate
	DropoffAddress  string
	DropoffLocation geo.Coordinate

	Notes string
}

// Create 创建配送单：初始 PENDING，生成独立追踪 token。
func (r *Registry) Create(in CreateInput) *Delivery {
	now := time.Now()
	d := &Delivery{
		ID:              uuid.NewString(),
		OrderID:         strings.TrimSpace(in.OrderID),
		CustomerName:    in.CustomerName,
		CustomerPhone:   in.CustomerPhone,
		PickupAddress:   in.PickupAddress,
		PickupLocation:  in.PickupLocation,
		DropoffAddress:  in.DropoffAddress,
		DropoffLocation: in.DropoffLocation,
		Status:          StatusPending,
		Notes:           in.Notes,
		TrackingURL:     trackBaseURL + uuid.NewString(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	r.mu.Lock()
	r.byID[d.ID] = d
	r.order = append(r.order, d.ID)
	snapshot := d.Clone()
	r.mu.Unlock()

	r.save(snapshot)
	return snapshot
}

// Get 按 ID 查询；不存在返回 (nil, false)。
func (r *Registry) Get(id string) (*Delivery, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// ListAll 返回全部配送单（插入顺序）。
func (r *Registry) ListAll() []*Delivery {
	return r.list(func(*Delivery) bool { return true })
}

// ListByDriver 返回指定司机名下的配送单。
func (r *Registry) ListByDriver(driverID string) []*Delivery {
	return r.list(func(d *Delivery) bool { return d.DriverID == driverID })
}

// ListByStatus 返回指定状态的配送单。
func (r *Registry) ListByStatus(status Status) []*Delivery {
	return r.list(func(d *Delivery) bool { return d.Status == status })
}

// ListPending 返回待分配的配送单。
func (r *Registry) ListPending() []*Delivery {
	return r.ListByStatus(StatusPending)
}

// ListActive 返回进行中的配送单（ASSIGNED / PICKED_UP / IN_TRANSIT）。
func (r *Registry) ListActive() []*Delivery {
	return r.list(func(d *Delivery) bool {
		return d.Status == StatusAssigned || d.Status == StatusPickedUp || d.Status == StatusInTransit
	})
}

func (r *Registry) list(keep func(*Delivery) bool) []*Delivery {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Delivery
	for _, id := range r.order {
		if d := r.byID[id]; keep(d) {
			out = append(out, d.Clone())
		}
	}
	return out
}

// MarkAssigned 把 PENDING 单绑定到司机：设置 DriverID / ASSIGNED / AssignedAt。
// 当前状态不是 PENDING 时拒绝（调度器据此回滚司机占用）。
func (r *Registry) MarkAssigned(id, driverID string) (*Delivery, bool) {
	r.mu.Lock()
	d, ok := r.byID[id]
	if !ok || d.Status != StatusPending {
		r.mu.Unlock()
		return nil, false
	}
	now := time.Now()
	d.DriverID = driverID
	d.Status = StatusAssigned
	d.AssignedAt = &now
	d.UpdatedAt = now
	snapshot := d.Clone()
	r.mu.Unlock()

	r.save(snapshot)
	return snapshot, true
}

// UpdateStatus 按状态机规则流转配送单状态。
// 进入 DELIVERED：写 CompletedAt / ActualArrival，司机完成数 +1 并释放；
// 进入 FAILED / CANCELLED：写 CompletedAt，仅释放司机不计数；
// 其余状态只更新字段。notes 传 nil 时保持原值（空串表示清空备注）。
// ID 不存在或流转不被状态机允许时返回 (nil, false)。
func (r *Registry) UpdateStatus(id string, status Status, notes *string) (*Delivery, bool) {
	r.mu.Lock()
	d, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	if !CanTransition(d.Status, status) {
		r.mu.Unlock()
		if r.log != nil {
			r.log.WithFields(map[string]interface{}{
				"delivery_id": id,
				"from":        string(d.Status),
				"to":          string(status),
			}).Warn("delivery status transition rejected")
		}
		return nil, false
	}

	changed := d.Status != status
	now := time.Now()
	d.Status = status
	if notes != nil {
		d.Notes = *notes
	}
	d.UpdatedAt = now

	releaseDriver := ""
	completed := false
	if changed {
		switch status {
		case StatusDelivered:
			d.CompletedAt = &now
			d.ActualArrival = &now
			releaseDriver = d.DriverID
			completed = true
		case StatusFailed, StatusCancelled:
			d.CompletedAt = &now
			releaseDriver = d.DriverID
		}
	}
	snapshot := d.Clone()
	r.mu.Unlock()

	if releaseDriver != "" && r.drivers != nil {
		if completed {
			r.drivers.IncrementCompletedDeliveries(releaseDriver)
		}
		r.drivers.Release(releaseDriver)
	}

	r.save(snapshot)
	return snapshot, true
}

// Restore 把持久化快照回灌进注册表（启动恢复路径）。
// 已存在的 ID 跳过；不回写快照存储。
func (r *Registry) Restore(d *Delivery) bool {
	if d == nil || d.ID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[d.ID]; ok {
		return false
	}
	clone := d.Clone()
	r.byID[clone.ID] = clone
	r.order = append(r.order, clone.ID)
	return true
}

// UpdateEstimatedArrival 更新预计送达时间。
func (r *Registry) UpdateEstimatedArrival(id string, eta time.Time) (*Delivery, bool) {
	r.mu.Lock()
	d, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	d.EstimatedArrival = &eta
	d.UpdatedAt = time.Now()
	snapshot := d.Clone()
	r.mu.Unlock()

	r.save(snapshot)
	return snapshot, true
}

func (r *Registry) save(d *Delivery) {
	if r.persist == nil || d == nil {
		return
	}
	if err := r.persist.SaveDelivery(context.Background(), d); err != nil && r.log != nil {
		r.log.WithFields(map[string]interface{}{
			"delivery_id": d.ID,
			"error":       err.Error(),
		}).Warn("delivery snapshot persist failed")
	}
}
