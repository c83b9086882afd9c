package model

// RouteEntry 路径前缀到逻辑服务的映射
type RouteEntry struct {
	Prefix      string `json:"prefix"`       // 路径前缀
	ServiceName string `json:"service_name"` // 目标服务名
	Seq         uint64 `json:"seq"`          // 注册顺序，前缀长度相同时小者优先
}
