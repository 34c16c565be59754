// Package api exposes the controller's read-only HTTP surface: engine
// status, the latest cycle summary, and a websocket activity stream.
// The record store remains the single source of truth for record data;
// this gateway only reports on what the engine is doing.
package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/loftmedia/autolog/internal/api/websocket"
	"github.com/loftmedia/autolog/internal/event"
	"github.com/loftmedia/autolog/pkg/logger"
)

var log = logger.Get("API")

type (
	RestConfig struct {
		HostAddr string `yaml:"host_address" env:"API_HOST_ADDR" env-default:"0.0.0.0:8737"`
	}

	// engineObserver is the slice of the polling engine the gateway
	// reports on.
	engineObserver interface {
		LatestSummary() (event.CycleSummary, bool)
	}

	// The RestGateway is a thin wrapper around the Echo HTTP router. Its sole
	// responsibility is to create the routes the controller exposes and to manage
	// ongoing websocket connections for the activity stream.
	RestGateway struct {
		*broadcaster
		config    RestConfig
		ec        *echo.Echo
		socket    *websocket.SocketHub
		engine    engineObserver
		startedAt time.Time
	}
)

// NewRestGateway constructs the Echo router, populates the routes, and
// wires the activity broadcaster in to the event bus.
func NewRestGateway(config RestConfig, engine engineObserver, events event.EventHandler) *RestGateway {
	ec := echo.New()
	ec.HidePort = true
	ec.HideBanner = true

	socket := websocket.New()
	gateway := &RestGateway{
		broadcaster: newBroadcaster(socket, events),
		config:      config,
		ec:          ec,
		socket:      socket,
		engine:      engine,
		startedAt:   time.Now(),
	}

	socket.WithConnectionCallback(gateway.connectionPayload)

	ec.Use(middleware.Logger())
	ec.Use(middleware.Recover())

	v0 := ec.Group("/api/autolog/v0")
	v0.GET("/status", gateway.status)
	v0.GET("/cycles/latest", gateway.latestCycle)
	v0.GET("/activity/ws", func(ec echo.Context) error {
		gateway.socket.UpgradeToSocket(ec.Response(), ec.Request())
		return nil
	})

	return gateway
}

// Run starts the router, websocket hub, and activity pump, and blocks
// until the parent context is cancelled or the server fails.
func (gateway *RestGateway) Run(parentCtx context.Context) error {
	ctx, ctxCancel := context.WithCancelCause(parentCtx)
	wg := &sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gateway.ec.Start(gateway.config.HostAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ctxCancel(err)
		}
	}()

	go func(ec *echo.Echo) {
		<-ctx.Done()
		ec.Close()
	}(gateway.ec)

	wg.Add(1)
	go func() {
		defer wg.Done()
		gateway.socket.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		gateway.broadcaster.pump(ctx)
	}()

	wg.Wait()

	// Parent context cancellation is orderly shutdown, not an error.
	if cause := context.Cause(ctx); cause != ctx.Err() {
		return cause
	}

	return nil
}

func (gateway *RestGateway) status(ec echo.Context) error {
	body := map[string]any{
		"status":  "running",
		"started": gateway.startedAt,
		"uptime":  time.Since(gateway.startedAt).Round(time.Second).String(),
	}

	if summary, ok := gateway.engine.LatestSummary(); ok {
		body["cycles_completed"] = summary.Index + 1
		body["last_cycle_at"] = summary.StartedAt
	} else {
		body["cycles_completed"] = 0
	}

	return ec.JSON(http.StatusOK, body)
}

func (gateway *RestGateway) latestCycle(ec echo.Context) error {
	summary, ok := gateway.engine.LatestSummary()
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no cycle has completed yet")
	}

	return ec.JSON(http.StatusOK, summaryToDto(summary))
}

func (gateway *RestGateway) connectionPayload() map[string]any {
	payload := map[string]any{"status": "running"}
	if summary, ok := gateway.engine.LatestSummary(); ok {
		payload["last_cycle"] = summaryToDto(summary)
	}

	return payload
}
