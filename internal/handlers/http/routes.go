package http

import (
	"context"
	"net/http"
	"time"

	"livecast/internal/core/ports"
	"livecast/internal/core/services"
	"livecast/internal/infrastructure/middleware"
	"livecast/pkg/errors"

	"github.com/gin-gonic/gin"
)

// DeviceTimeout bounds how long a request waits for a device operation
// queued on the session.
const DeviceTimeout = 10 * time.Second

// RouteRegistrar mounts a handler's routes. read requires a viewer token,
// write an operator token.
type RouteRegistrar interface {
	RegisterRoutes(read, write gin.IRoutes)
}

// SetupControlRoutes mounts the authenticated control API under /api/v1.
func SetupControlRoutes(router gin.IRouter, auth services.AuthService, handlers ...RouteRegistrar) {
	read := router.Group("/api/v1", middleware.AuthMiddleware(auth, services.RoleViewer))
	write := read.Group("", middleware.RequireRole(auth, services.RoleOperator))
	for _, h := range handlers {
		h.RegisterRoutes(read, write)
	}
}

type deviceResult struct {
	device ports.Device
	err    error
}

// awaitDevice issues op and blocks until its callback fires or ctx ends.
func awaitDevice(ctx context.Context, op func(cb services.DeviceCallback)) (ports.Device, error) {
	done := make(chan deviceResult, 1)
	op(func(dev ports.Device, err error) {
		done <- deviceResult{device: dev, err: err}
	})

	ctx, cancel := context.WithTimeout(ctx, DeviceTimeout)
	defer cancel()
	select {
	case r := <-done:
		return r.device, r.err
	case <-ctx.Done():
		return nil, timeoutError(ctx.Err())
	}
}

func awaitDone(ctx context.Context, op func(cb func())) error {
	done := make(chan struct{})
	op(func() { close(done) })

	ctx, cancel := context.WithTimeout(ctx, DeviceTimeout)
	defer cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return timeoutError(ctx.Err())
	}
}

func timeoutError(err error) error {
	return errors.WrapError(err, errors.ErrCodeServiceUnavailable, "device operation did not complete in time", http.StatusGatewayTimeout)
}
