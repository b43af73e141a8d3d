// Package admin is the operator surface of the service manager: a read-mostly HTTP API
// over the registry and a gRPC health service.
package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"svcmgr/manager"
	"svcmgr/message"
)

// Manager is what the HTTP API needs from the service manager.
type Manager interface {
	ListServices(ctx context.Context) ([]manager.ServiceReport, error)
	ListInstances(ctx context.Context) ([]manager.InstanceReport, error)
	ScaleServer(ctx context.Context, alias string, instances int) (manager.ScaleResult, error)
	ConfigureService(ctx context.Context, name string, u manager.ServiceUpdate) (manager.ServiceReport, error)
}

// HTTPServer serves the admin endpoints.
type HTTPServer struct {
	mgr    Manager
	logger *zap.Logger
}

func NewHTTPServer(mgr Manager, logger *zap.Logger) *HTTPServer {
	return &HTTPServer{mgr: mgr, logger: logger.With(zap.String("component", "admin"))}
}

// RegisterHandlers mounts the endpoints on e.
func RegisterHandlers(e *echo.Echo, h *HTTPServer) {
	e.GET("/v1/services", h.GetServices)
	e.PUT("/v1/services/:name", h.ConfigureService)
	e.GET("/v1/instances", h.GetInstances)
	e.POST("/v1/servers/:alias/instances", h.ScaleServer)
}

// NewEcho builds the admin HTTP server with rate limiting and error mapping.
func NewEcho(h *HTTPServer, rate float64, burst int) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = NewHTTPErrorHandler(h.logger).Handler
	e.Use(RateLimitMiddleware(rate, burst))
	RegisterHandlers(e, h)
	return e
}

// GetServices (GET /v1/services) lists every service with its counters.
func (h *HTTPServer) GetServices(c echo.Context) error {
	services, err := h.mgr.ListServices(c.Request().Context())
	if err != nil {
		return err
	}
	return render(c, http.StatusOK, services)
}

// GetInstances (GET /v1/instances) lists every local instance.
func (h *HTTPServer) GetInstances(c echo.Context) error {
	instances, err := h.mgr.ListInstances(c.Request().Context())
	if err != nil {
		return err
	}
	return render(c, http.StatusOK, instances)
}

// ScaleRequest is the body of POST /v1/servers/:alias/instances.
type ScaleRequest struct {
	Instances *int `json:"instances"`
}

// ScaleServer (POST /v1/servers/:alias/instances) forwards a new instance count. Returns
// 202: instances appear when they advertise.
func (h *HTTPServer) ScaleServer(c echo.Context) error {
	var req ScaleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body").SetInternal(err)
	}
	if req.Instances == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "instances is required")
	}
	result, err := h.mgr.ScaleServer(c.Request().Context(), c.Param("alias"), *req.Instances)
	if err != nil {
		return err
	}
	return render(c, http.StatusAccepted, result)
}

// ConfigureRequest is the body of PUT /v1/services/:name. Omitted fields are unchanged.
type ConfigureRequest struct {
	Category    *string `json:"category"`
	Transaction *string `json:"transaction"`
	Timeout     *string `json:"timeout"` // Go duration, e.g. "1500ms"
}

// ConfigureService (PUT /v1/services/:name) changes the metadata of a known service.
func (h *HTTPServer) ConfigureService(c echo.Context) error {
	var req ConfigureRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body").SetInternal(err)
	}
	u := manager.ServiceUpdate{Category: req.Category}
	if req.Transaction != nil {
		t, ok := message.ParseTransaction(*req.Transaction)
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown transaction policy "+*req.Transaction)
		}
		u.Transaction = &t
	}
	if req.Timeout != nil {
		d, err := time.ParseDuration(*req.Timeout)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid timeout").SetInternal(err)
		}
		u.Timeout = &d
	}
	report, err := h.mgr.ConfigureService(c.Request().Context(), c.Param("name"), u)
	if err != nil {
		return err
	}
	return render(c, http.StatusOK, report)
}

// render writes v as JSON, or as YAML with ?format=yaml.
func render(c echo.Context, status int, v any) error {
	if c.QueryParam("format") != "yaml" {
		return c.JSON(status, v)
	}
	b, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	return c.Blob(status, "application/yaml", b)
}
