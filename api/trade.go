package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	cerrors "github.com/kobopeer/kobopeer/common/errors"
)

type initiateTradeRequest struct {
	OrderID    uuid.UUID       `json:"order_id" binding:"required"`
	FiatAmount decimal.Decimal `json:"fiat_amount" binding:"required"`
}

func (s *Server) initiateTrade(c *gin.Context) {
	var req initiateTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	t, err := s.trades.Initiate(c.Request.Context(), currentUserID(c), req.OrderID, req.FiatAmount)
	if err != nil {
		cerrors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (s *Server) getTrade(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid trade id"})
		return
	}
	t, err := s.trades.Get(c.Request.Context(), id)
	if err != nil {
		cerrors.HandleError(c, err)
		return
	}
	userID := currentUserID(c)
	if t.BuyerID != userID && t.SellerID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "trade not found"})
		return
	}
	c.JSON(http.StatusOK, t)
}

type markPaidRequest struct {
	PaymentRef string `json:"payment_ref"`
}

func (s *Server) markPaid(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid trade id"})
		return
	}
	var req markPaidRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.trades.MarkPaid(c.Request.Context(), id, currentUserID(c), req.PaymentRef); err != nil {
		cerrors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "payment_pending"})
}

func (s *Server) confirmPayment(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid trade id"})
		return
	}
	if err := s.trades.ConfirmPayment(c.Request.Context(), id, currentUserID(c)); err != nil {
		cerrors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "confirmed"})
}

func (s *Server) cancelTrade(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid trade id"})
		return
	}
	if err := s.trades.Cancel(c.Request.Context(), id, currentUserID(c)); err != nil {
		cerrors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}
