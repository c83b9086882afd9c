package handler

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/kong-mesh/pkg/mesherr"
	"github.com/hewenyu/kong-mesh/pkg/model"
	"github.com/hewenyu/kong-mesh/pkg/registry"
)

// RegisterRequest 实例注册请求
type RegisterRequest struct {
	Name       string `json:"name" validate:"required"`
	Host       string `json:"host" validate:"required"`
	Port       int    `json:"port" validate:"required,min=1,max=65535"`
	HealthPath string `json:"healthPath"`
	Version    string `json:"version"`
}

// RegisterResult 实例注册结果
type RegisterResult struct {
	Key          string            `json:"key"`
	ID           string            `json:"id"`
	Instance     model.InstanceKey `json:"instance"`
	RegisteredAt time.Time         `json:"registered_at"`
	TTL          string            `json:"ttl"` // 心跳超时，客户端据此决定心跳间隔
}

// RegistryHandler 处理实例注册相关API
type RegistryHandler struct {
	registry *registry.Registry
}

// NewRegistryHandler 创建注册处理器
func NewRegistryHandler(reg *registry.Registry) *RegistryHandler {
	return &RegistryHandler{registry: reg}
}

// Register 注册实例
func (h *RegistryHandler) Register(c echo.Context) error {
	var req RegisterRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, mesherr.InvalidInstance, "请求参数无效: "+err.Error())
	}

	// 参数验证
	if c.Echo().Validator != nil {
		if err := c.Validate(&req); err != nil {
			return badRequest(c, mesherr.InvalidInstance, "参数验证失败: "+err.Error())
		}
	}

	key, err := h.registry.Register(model.ServiceInstance{
		Name:       req.Name,
		Host:       req.Host,
		Port:       req.Port,
		HealthPath: req.HealthPath,
		Version:    req.Version,
	})
	if err != nil {
		return RespondError(c, err)
	}

	inst, err := h.registry.Get(key)
	if err != nil {
		// 注册后立即被注销
		return RespondError(c, err)
	}

	return ok(c, "实例注册成功", RegisterResult{
		Key:          key.String(),
		ID:           inst.ID,
		Instance:     key,
		RegisteredAt: inst.RegisteredAt,
		TTL:          h.registry.TTL().String(),
	})
}

// Heartbeat 刷新实例心跳
func (h *RegistryHandler) Heartbeat(c echo.Context) error {
	key, err := h.lookup(c)
	if err != nil {
		return RespondError(c, err)
	}

	if err := h.registry.Heartbeat(key); err != nil {
		return RespondError(c, err)
	}

	return ok(c, "心跳更新成功", map[string]any{
		"key":       key.String(),
		"timestamp": time.Now(),
	})
}

// Unregister 注销实例，实例不存在时同样返回成功
func (h *RegistryHandler) Unregister(c echo.Context) error {
	key, err := h.lookup(c)
	if err != nil {
		if mesherr.Is(err, mesherr.NotRegistered) {
			return ok(c, "实例不存在，无需注销", nil)
		}
		return RespondError(c, err)
	}

	if err := h.registry.Unregister(key); err != nil {
		return RespondError(c, err)
	}
	return ok(c, "实例注销成功", map[string]string{"key": key.String()})
}

// List 查询实例列表，name为空时返回全部实例
func (h *RegistryHandler) List(c echo.Context) error {
	name := c.QueryParam("name")
	instances := h.registry.ListInstances(name)

	return ok(c, "success", map[string]any{
		"instances": instances,
		"total":     len(instances),
	})
}

// lookup 根据路径参数和可选的host查询参数定位实例
func (h *RegistryHandler) lookup(c echo.Context) (model.InstanceKey, error) {
	name := c.Param("name")
	port, err := strconv.Atoi(c.Param("port"))
	if err != nil || name == "" {
		return model.InstanceKey{}, mesherr.NewInvalidInstanceError("服务名和端口无效")
	}
	return h.registry.FindKey(name, c.QueryParam("host"), port)
}
