package delivery

// AllowTransition 定义配送单状态机的允许流转关系。
// 采用“有向图”方式进行配置，让状态约束成为显式的设计决策。
// 任何非终态都可以直接收尾（DELIVERED / FAILED / CANCELLED）：
// 司机可能跳过中间状态直接上报送达，收尾不要求走完整条链路。
var AllowTransition = map[Status][]Status{
	StatusPending:   {StatusAssigned, StatusDelivered, StatusFailed, StatusCancelled},
	StatusAssigned:  {StatusPickedUp, StatusDelivered, StatusFailed, StatusCancelled},
	StatusPickedUp:  {StatusInTransit, StatusDelivered, StatusFailed, StatusCancelled},
	StatusInTransit: {StatusDelivered, StatusFailed, StatusCancelled},
	// 终态：不允许从 DELIVERED / FAILED / CANCELLED 再流转
	StatusDelivered: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// CanTransition 判断 from -> to 是否是一个允许的状态流转。
// from == to 视为幂等重入，允许（但不重复触发副作用）。
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	allowed, ok := AllowTransition[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}
