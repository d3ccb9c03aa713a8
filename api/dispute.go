package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	cerrors "github.com/kobopeer/kobopeer/common/errors"
	"github.com/kobopeer/kobopeer/internal/escrow"
)

type openDisputeRequest struct {
	TradeID     uuid.UUID `json:"trade_id" binding:"required"`
	Reason      string    `json:"reason" binding:"required"`
	Description string    `json:"description"`
}

func (s *Server) openDispute(c *gin.Context) {
	var req openDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := s.disputes.Open(c.Request.Context(), req.TradeID, currentUserID(c), req.Reason, req.Description)
	if err != nil {
		cerrors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (s *Server) getDispute(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid dispute id"})
		return
	}
	d, err := s.disputes.Get(c.Request.Context(), id)
	if err != nil {
		cerrors.HandleError(c, err)
		return
	}
	userID := currentUserID(c)
	if d.ComplainantID != userID && d.RespondentID != userID && !c.GetBool(ctxIsAdmin) {
		c.JSON(http.StatusNotFound, gin.H{"error": "dispute not found"})
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) listOpenDisputes(c *gin.Context) {
	list, err := s.disputes.ListOpen(c.Request.Context())
	if err != nil {
		cerrors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": list})
}

type resolveDisputeRequest struct {
	Resolution string `json:"resolution" binding:"required"`
	Outcome    string `json:"outcome" binding:"required"` // to_buyer or to_seller
}

func (s *Server) resolveDispute(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid dispute id"})
		return
	}
	var req resolveDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var outcome escrow.Outcome
	switch req.Outcome {
	case string(escrow.OutcomeToBuyer):
		outcome = escrow.OutcomeToBuyer
	case string(escrow.OutcomeToSeller):
		outcome = escrow.OutcomeToSeller
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "outcome must be to_buyer or to_seller"})
		return
	}
	if err := s.disputes.Resolve(c.Request.Context(), id, req.Resolution, outcome); err != nil {
		cerrors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved"})
}
