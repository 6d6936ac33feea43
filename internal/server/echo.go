package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/loykin/scripthost/internal/metrics"
)

// EchoHandler serves the same endpoints as GinHandler on echo.
func (r *Router) EchoHandler() http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("5M"))

	g := e.Group(r.basePath)
	g.POST("/jobs/:owner", r.echoSubmit)
	g.GET("/jobs/:owner", func(c echo.Context) error {
		code, body := r.api.list(echoCtx(c), c.Param("owner"))
		return c.JSON(code, body)
	})
	g.GET("/jobs/:owner/:hash", func(c echo.Context) error {
		code, body := r.api.query(echoCtx(c), c.Param("owner"), c.Param("hash"))
		return c.JSON(code, body)
	})
	g.POST("/jobs/:owner/:hash/:action", func(c echo.Context) error {
		code, body := r.api.act(echoCtx(c), c.Param("owner"), c.Param("hash"), c.Param("action"))
		return c.JSON(code, body)
	})
	g.POST("/debug/sweep", func(c echo.Context) error {
		code, body := r.api.sweep(echoCtx(c))
		return c.JSON(code, body)
	})
	g.GET("/healthz", func(c echo.Context) error { return c.JSON(http.StatusOK, okResp{OK: true}) })
	if metrics.Enabled() {
		g.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	}
	return e
}

func (r *Router) echoSubmit(c echo.Context) error {
	var (
		name    string
		payload []byte
		err     error
	)
	if fh, ferr := c.FormFile("file"); ferr == nil {
		name = fh.Filename
		payload, err = readFileHeader(fh)
	} else {
		name = c.QueryParam("name")
		payload, err = readLimited(c.Request().Body)
	}
	code, body := r.api.submit(echoCtx(c), c.Param("owner"), name, payload, err)
	return c.JSON(code, body)
}

func echoCtx(c echo.Context) context.Context {
	return context.WithoutCancel(c.Request().Context())
}
