package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	cerrors "github.com/kobopeer/kobopeer/common/errors"
)

func (s *Server) getWallets(c *gin.Context) {
	wallets, err := s.ledger.GetWallets(c.Request.Context(), currentUserID(c))
	if err != nil {
		cerrors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallets": wallets})
}

func (s *Server) getWallet(c *gin.Context) {
	wallet, err := s.ledger.GetWallet(c.Request.Context(), currentUserID(c), c.Param("currency"))
	if err != nil {
		cerrors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, wallet)
}

type withdrawalRequest struct {
	Currency  string          `json:"currency" binding:"required"`
	Amount    decimal.Decimal `json:"amount" binding:"required"`
	ToAddress string          `json:"to_address" binding:"required"`
}

func (s *Server) requestWithdrawal(c *gin.Context) {
	var req withdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	w, err := s.withdrawals.Request(c.Request.Context(), currentUserID(c), req.Currency, req.Amount, req.ToAddress)
	if err != nil {
		cerrors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, w)
}

func (s *Server) listWithdrawals(c *gin.Context) {
	list, err := s.withdrawals.List(c.Request.Context(), currentUserID(c))
	if err != nil {
		cerrors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": list})
}

func (s *Server) getWithdrawal(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid withdrawal id"})
		return
	}
	w, err := s.withdrawals.Get(c.Request.Context(), id)
	if err != nil {
		cerrors.HandleError(c, err)
		return
	}
	if w.UserID != currentUserID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "withdrawal not found"})
		return
	}
	c.JSON(http.StatusOK, w)
}
