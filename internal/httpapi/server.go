// Package httpapi is the operator control surface: status, manual
// kill-switch and reinstatement, signal submission, executor event
// ingestion, metrics and the dashboard websocket.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"autotrade_core/internal/models"
	"autotrade_core/internal/pipeline"
)

type Server struct {
	engine  *pipeline.Pipeline
	metrics http.Handler
	ws      http.HandlerFunc
}

func New(engine *pipeline.Pipeline, metrics http.Handler, ws http.HandlerFunc) *Server {
	return &Server{engine: engine, metrics: metrics, ws: ws}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	{
		api.GET("/status", s.getStatus)
		api.POST("/signals", s.postSignal)
		api.POST("/closes", s.postClose)
		api.POST("/orders/rejected", s.postOrderRejected)
		api.POST("/killswitch", s.postKillSwitch)
		api.POST("/layers/:layer/reinstate", s.postReinstate)
	}
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}
	if s.ws != nil {
		r.GET("/ws", gin.WrapF(s.ws))
	}
	return r
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Status())
}

func (s *Server) postSignal(c *gin.Context) {
	var sig models.TradeSignal
	if err := c.ShouldBindJSON(&sig); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order, rejection := s.engine.Submit(c.Request.Context(), sig)
	if order == nil {
		// A rejection is a normal business outcome, not a server error.
		c.JSON(http.StatusUnprocessableEntity, gin.H{"rejection": rejection})
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

func (s *Server) postClose(c *gin.Context) {
	var ev models.TradeCloseEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.engine.OnTradeClose(ev)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) postOrderRejected(c *gin.Context) {
	var ev models.OrderRejectedEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.engine.OnOrderRejected(ev)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) postKillSwitch(c *gin.Context) {
	var req struct {
		Active bool   `json:"active"`
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.engine.SetKillSwitch(req.Active, req.Reason)
	c.JSON(http.StatusOK, gin.H{"ok": true, "active": req.Active})
}

func (s *Server) postReinstate(c *gin.Context) {
	layer := models.Layer(c.Param("layer"))
	if !layer.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown layer"})
		return
	}
	if err := s.engine.ReinstateLayer(layer); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
