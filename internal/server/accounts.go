package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	balancedomain "github.com/smallbiznis/meterledger/internal/balance/domain"
	consumptiondomain "github.com/smallbiznis/meterledger/internal/consumption/domain"
	"github.com/smallbiznis/meterledger/internal/observability/logger"
	reportingdomain "github.com/smallbiznis/meterledger/internal/reporting/domain"
	"github.com/smallbiznis/meterledger/pkg/db/pagination"
	"go.uber.org/zap"
)

type createAccountRequest struct {
	AccountID string `json:"account_id"`
	PlanKey   string `json:"plan_key"`
}

type checkRequest struct {
	Seconds int64 `json:"seconds"`
}

type consumeRequest struct {
	Seconds       int64  `json:"seconds"`
	OperationType string `json:"operation_type"`
	Reason        string `json:"reason"`
}

func (s *Server) CreateAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := c.Request.Context()
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		AbortWithError(c, newValidationError("account_id", "required", "account_id is required"))
		return
	}

	planKey := strings.TrimSpace(req.PlanKey)
	if planKey != "" {
		plan, err := s.catalogSvc.Plan(ctx, planKey)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		planKey = plan.Key
	}

	created, err := s.store.EnsureAccount(ctx, accountID, planKey)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	balance, err := s.reportingSvc.GetBalance(ctx, accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, balance)
}

func (s *Server) GetBalance(c *gin.Context) {
	balance, err := s.reportingSvc.GetBalance(c.Request.Context(), c.Param("account_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

func (s *Server) CheckBalance(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.consumptionSvc.CheckSufficient(c.Request.Context(), c.Param("account_id"), req.Seconds)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) Consume(c *gin.Context) {
	var req consumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if opType := strings.TrimSpace(req.OperationType); opType != "" {
		c.Set("operation_type", opType)
	}

	ctx := c.Request.Context()
	accountID := c.Param("account_id")
	result, err := s.consumptionSvc.Debit(ctx, consumptiondomain.DebitRequest{
		AccountID:     accountID,
		Seconds:       req.Seconds,
		Reason:        req.Reason,
		OperationType: req.OperationType,
	})
	if err != nil {
		AbortWithError(c, s.withSuggestions(ctx, accountID, err))
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) GrantDailyBonus(c *gin.Context) {
	result, err := s.creditSvc.GrantDailyBonus(c.Request.Context(), c.Param("account_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) GetUsage(c *gin.Context) {
	period, err := reportingdomain.ParsePeriod(c.Query("period"), c.Query("days"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	usage, err := s.reportingSvc.GetUsage(c.Request.Context(), c.Param("account_id"), period)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, usage)
}

func (s *Server) ListEvents(c *gin.Context) {
	limit, err := parseOptionalInt64(c.Query("limit"))
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "limit must be a number"))
		return
	}
	types, err := parseEventTypes(c.Query("type"))
	if err != nil {
		AbortWithError(c, newValidationError("type", "invalid_event_type", "unknown event type"))
		return
	}

	req := reportingdomain.ListEventsRequest{
		AccountID: c.Param("account_id"),
		Types:     types,
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(c.Query("page_token")),
		},
	}
	if limit != nil {
		req.PageSize = int(*limit)
	}

	page, err := s.reportingSvc.ListEvents(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) GetStatement(c *gin.Context) {
	period, err := reportingdomain.ParsePeriod(c.Query("period"), c.Query("days"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	accountID := strings.TrimSpace(c.Param("account_id"))
	pdf, err := s.reportingSvc.RenderStatement(c.Request.Context(), accountID, period)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	filename := fmt.Sprintf("statement-%s-%s.pdf", accountID, period.String())
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, "application/pdf", pdf)
}

// withSuggestions attaches top-up suggestions to an insufficient balance
// error. Other errors pass through unchanged.
func (s *Server) withSuggestions(ctx context.Context, accountID string, err error) error {
	var insufficient *balancedomain.InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		return err
	}
	nextBonus, nextBonusAt := s.nextBonus(ctx, accountID)
	return &insufficientFunds{
		err:         insufficient,
		suggestions: s.catalogSvc.Suggest(ctx, insufficient.Shortfall(), nextBonus, nextBonusAt),
	}
}

// nextBonus is tomorrow's daily bonus when the monthly cap still allows it.
// Today's pending bonus already counted towards the failed debit.
func (s *Server) nextBonus(ctx context.Context, accountID string) (int64, *time.Time) {
	balance, err := s.reportingSvc.GetBalance(ctx, accountID)
	if err != nil {
		logger.FromContext(ctx).Debug("http.suggestions.balance_unavailable", zap.Error(err))
		return 0, nil
	}
	bonus := balance.Bonus
	if bonus.DailySeconds <= 0 {
		return 0, nil
	}

	tomorrow := balancedomain.NextMidnight(s.clock.Now())
	used := bonus.UsedThisPeriod + bonus.PendingToday
	if balancedomain.PeriodKey(tomorrow) != bonus.PeriodKey {
		used = 0
	}
	if used+bonus.DailySeconds > bonus.MonthlyCapSeconds {
		return 0, nil
	}
	return bonus.DailySeconds, &tomorrow
}
