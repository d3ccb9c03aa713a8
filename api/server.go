// Package api exposes the trading engine over HTTP with gin.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kobopeer/kobopeer/internal/dispute"
	"github.com/kobopeer/kobopeer/internal/ledger"
	"github.com/kobopeer/kobopeer/internal/trade"
	"github.com/kobopeer/kobopeer/internal/withdrawal"
)

// Server hosts the HTTP API
type Server struct {
	logger      *zap.Logger
	ledger      ledger.Service
	trades      trade.Service
	disputes    dispute.Handler
	withdrawals withdrawal.Service
	jwtSecret   []byte
	httpServer  *http.Server
}

func NewServer(
	logger *zap.Logger,
	ledgerSvc ledger.Service,
	tradeSvc trade.Service,
	disputeHandler dispute.Handler,
	withdrawalSvc withdrawal.Service,
	jwtSecret string,
) *Server {
	return &Server{
		logger:      logger,
		ledger:      ledgerSvc,
		trades:      tradeSvc,
		disputes:    disputeHandler,
		withdrawals: withdrawalSvc,
		jwtSecret:   []byte(jwtSecret),
	}
}

// Router builds the gin engine with all routes registered
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	r.Use(ginzap.RecoveryWithZap(s.logger, true))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	v1.Use(s.jwtAuth())
	{
		v1.GET("/wallets", s.getWallets)
		v1.GET("/wallets/:currency", s.getWallet)
		v1.POST("/withdrawals", s.requestWithdrawal)
		v1.GET("/withdrawals", s.listWithdrawals)
		v1.GET("/withdrawals/:id", s.getWithdrawal)

		v1.POST("/trades", s.initiateTrade)
		v1.GET("/trades/:id", s.getTrade)
		v1.POST("/trades/:id/mark-paid", s.markPaid)
		v1.POST("/trades/:id/confirm-payment", s.confirmPayment)
		v1.POST("/trades/:id/cancel", s.cancelTrade)

		v1.POST("/disputes", s.openDispute)
		v1.GET("/disputes/:id", s.getDispute)
	}

	admin := r.Group("/api/v1/admin")
	admin.Use(s.jwtAuth(), s.requireAdmin())
	{
		admin.GET("/disputes", s.listOpenDisputes)
		admin.POST("/disputes/:id/resolve", s.resolveDispute)
	}
	return r
}

// Start serves HTTP on addr until Shutdown is called
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	s.logger.Info("http server listening", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
