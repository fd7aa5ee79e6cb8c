package delivery

import (
	"time"

	"github.com/FreshRoute/FreshRoute/internal/geo"
)

// Status 配送单状态枚举（持久化为字符串）。
type Status string

const (
	StatusPending   Status = "PENDING"    // 待分配
	StatusAssigned  Status = "ASSIGNED"   // 已分配司机
	StatusPickedUp  Status = "PICKED_UP"  // 已取货
	StatusInTransit Status = "IN_TRANSIT" // 配送中
	StatusDelivered Status = "DELIVERED"  // 已送达（终态）
	StatusFailed    Status = "FAILED"     // 配送失败（终态）
	StatusCancelled Status = "CANCELLED"  // 已取消（终态）
)

// ValidStatus 判断是否为已知的配送单状态。
func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusAssigned, StatusPickedUp, StatusInTransit,
		StatusDelivered, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal 判断是否为终态：终态之后不再接受任何状态流转。
func Terminal(s Status) bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusCancelled
}

// Delivery 是 deliveries 表的 GORM 模型，同时也是注册表的内存记录。
// 不变式：Status == ASSIGNED 蕴含 DriverID 非空。
type Delivery struct {
	ID            string `gorm:"primaryKey;size:36" json:"id"`
	OrderID       string `gorm:"index;size:36;not null" json:"orderId"`
	CustomerName  string `gorm:"size:64" json:"customerName"`
	CustomerPhone string `gorm:"size:32" json:"customerPhone"`

	PickupAddress   string         `gorm:"size:255" json:"pickupAddress"`
	PickupLocation  geo.Coordinate `gorm:"embedded;embeddedPrefix:pickup_" json:"pickupLocation"`
	DropoffAddress  string         `gorm:"size:255" json:"deliveryAddress"`
	DropoffLocation geo.Coordinate `gorm:"embedded;embeddedPrefix:dropoff_" json:"deliveryLocation"`

	DriverID string `gorm:"index;size:36" json:"driverId,omitempty"`
	Status   Status `gorm:"type:varchar(16);index;not null" json:"status"`

	EstimatedArrival *time.Time `json:"estimatedArrival,omitempty"`
	AssignedAt       *time.Time `json:"assignedAt,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	ActualArrival    *time.Time `json:"actualArrival,omitempty"`

	Notes       string `gorm:"size:512" json:"notes,omitempty"`
	TrackingURL string `gorm:"size:128" json:"trackingUrl"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// Clone 返回记录的深拷贝，注册表对外只交出拷贝。
func (d *Delivery) Clone() *Delivery {
	if d == nil {
		return nil
	}
	out := *d
	out.EstimatedArrival = cloneTime(d.EstimatedArrival)
	out.AssignedAt = cloneTime(d.AssignedAt)
	out.CompletedAt = cloneTime(d.CompletedAt)
	out.ActualArrival = cloneTime(d.ActualArrival)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
