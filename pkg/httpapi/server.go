// Package httpapi exposes the Engine's Control API (spec.md §6) as a small
// JSON HTTP surface, following the teacher's createXHandler() closure
// pattern: each handler is built by a constructor that captures its
// dependencies and returns a gin.HandlerFunc.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	v1 "github.com/fieldgate/acqengine/api/v1"
)

// ControlAPI is the subset of engine.Engine the HTTP surface drives.
type ControlAPI interface {
	IsRunning() bool
	GetDeviceHealth(deviceID string) (v1.DeviceHealth, bool)
	GetAllDeviceHealth() []v1.DeviceHealth
	ReadNow(ctx context.Context, deviceID string) ([]v1.Observation, error)
	AddDevice(ctx context.Context, cfg v1.DeviceConfig) error
	RemoveDevice(deviceID string) error
	UpdateDevice(ctx context.Context, cfg v1.DeviceConfig) error
	TestConnectivity(ctx context.Context, cfg v1.DeviceConfig) v1.ConnectivityTestResult
	DiscoverProtocol(ctx context.Context, host string, port int) (*v1.ProtocolTemplate, error)
}

// Healthz is the /healthz response body.
type Healthz struct {
	Status string `json:"status"`
}

// NewRouter builds the engine's HTTP surface. Callers run it behind
// http.Server themselves, matching the teacher's separation between route
// wiring and listener lifecycle.
func NewRouter(api ControlAPI) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", createHealthzHandler(api))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/v1/devices", createListHealthHandler(api))
	router.GET("/v1/devices/:id", createGetHealthHandler(api))
	router.POST("/v1/devices/:id/read-now", createReadNowHandler(api))
	router.POST("/v1/devices", createAddDeviceHandler(api))
	router.DELETE("/v1/devices/:id", createRemoveDeviceHandler(api))
	router.PUT("/v1/devices/:id", createUpdateDeviceHandler(api))
	router.POST("/v1/test-connectivity", createTestConnectivityHandler(api))
	router.GET("/v1/discover-protocol", createDiscoverProtocolHandler(api))

	return router
}

func createHealthzHandler(api ControlAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := "ok"
		if !api.IsRunning() {
			status = "stopped"
		}
		c.JSON(http.StatusOK, Healthz{Status: status})
	}
}

func createListHealthHandler(api ControlAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, api.GetAllDeviceHealth())
	}
}

func createGetHealthHandler(api ControlAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		h, ok := api.GetDeviceHealth(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "device not tracked"})
			return
		}
		c.JSON(http.StatusOK, h)
	}
}

func createReadNowHandler(api ControlAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		defer cancel()
		obs, err := api.ReadNow(ctx, c.Param("id"))
		if err != nil {
			writeControlError(c, err)
			return
		}
		c.JSON(http.StatusOK, obs)
	}
}

func createAddDeviceHandler(api ControlAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		var cfg v1.DeviceConfig
		if err := c.ShouldBindJSON(&cfg); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := api.AddDevice(c.Request.Context(), cfg); err != nil {
			writeControlError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"device_id": cfg.DeviceID})
	}
}

func createRemoveDeviceHandler(api ControlAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := api.RemoveDevice(c.Param("id")); err != nil {
			writeControlError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func createUpdateDeviceHandler(api ControlAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		var cfg v1.DeviceConfig
		if err := c.ShouldBindJSON(&cfg); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		cfg.DeviceID = c.Param("id")
		if err := api.UpdateDevice(c.Request.Context(), cfg); err != nil {
			writeControlError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func createTestConnectivityHandler(api ControlAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		var cfg v1.DeviceConfig
		if err := c.ShouldBindJSON(&cfg); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, api.TestConnectivity(c.Request.Context(), cfg))
	}
}

func createDiscoverProtocolHandler(api ControlAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		host := c.Query("host")
		port := c.DefaultQuery("port", "0")
		var portNum int
		if _, err := fmt.Sscanf(port, "%d", &portNum); err != nil || portNum <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "port must be a positive integer"})
			return
		}
		tmpl, err := api.DiscoverProtocol(c.Request.Context(), host, portNum)
		if err != nil {
			writeControlError(c, err)
			return
		}
		c.JSON(http.StatusOK, tmpl)
	}
}

func writeControlError(c *gin.Context, err error) {
	switch {
	case v1.IsDeviceNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case v1.IsDuplicateDevice(err), v1.IsConfigurationInvalid(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
