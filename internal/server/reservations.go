package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	consumptiondomain "github.com/smallbiznis/meterledger/internal/consumption/domain"
)

type createReservationRequest struct {
	Seconds       int64  `json:"seconds"`
	OperationType string `json:"operation_type"`
	OperationID   string `json:"operation_id"`
}

type completeReservationRequest struct {
	ActualSeconds *int64 `json:"actual_seconds"`
}

func (s *Server) CreateReservation(c *gin.Context) {
	var req createReservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if opType := strings.TrimSpace(req.OperationType); opType != "" {
		c.Set("operation_type", opType)
	}

	ctx := c.Request.Context()
	accountID := c.Param("account_id")
	result, err := s.consumptionSvc.Reserve(ctx, consumptiondomain.ReserveRequest{
		AccountID:     accountID,
		Seconds:       req.Seconds,
		OperationType: req.OperationType,
		OperationID:   req.OperationID,
	})
	if err != nil {
		AbortWithError(c, s.withSuggestions(ctx, accountID, err))
		return
	}

	status := http.StatusCreated
	if result.Existing {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

func (s *Server) CompleteReservation(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("reservation_id"))
	if err != nil {
		AbortWithError(c, consumptiondomain.ErrInvalidReservation)
		return
	}

	var req completeReservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.ActualSeconds == nil {
		AbortWithError(c, newValidationError("actual_seconds", "required", "actual_seconds is required"))
		return
	}

	result, err := s.consumptionSvc.Complete(c.Request.Context(), id, *req.ActualSeconds)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) CancelReservation(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("reservation_id"))
	if err != nil {
		AbortWithError(c, consumptiondomain.ErrInvalidReservation)
		return
	}

	result, err := s.consumptionSvc.Cancel(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
