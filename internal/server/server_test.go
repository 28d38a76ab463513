package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	apikeydomain "github.com/smallbiznis/meterledger/internal/apikey/domain"
	"github.com/smallbiznis/meterledger/internal/authorization"
	"github.com/smallbiznis/meterledger/internal/balance/balancetest"
	balancedomain "github.com/smallbiznis/meterledger/internal/balance/domain"
	balancerepo "github.com/smallbiznis/meterledger/internal/balance/repository"
	catalogdomain "github.com/smallbiznis/meterledger/internal/catalog/domain"
	catalogservice "github.com/smallbiznis/meterledger/internal/catalog/service"
	"github.com/smallbiznis/meterledger/internal/clock"
	"github.com/smallbiznis/meterledger/internal/config"
	consumptiondomain "github.com/smallbiznis/meterledger/internal/consumption/domain"
	consumptionrepo "github.com/smallbiznis/meterledger/internal/consumption/repository"
	consumptionservice "github.com/smallbiznis/meterledger/internal/consumption/service"
	creditdomain "github.com/smallbiznis/meterledger/internal/credit/domain"
	reportingdomain "github.com/smallbiznis/meterledger/internal/reporting/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeConsumption struct {
	consumptiondomain.Service
	debitErr    error
	debitResult consumptiondomain.DebitResult
	lastDebit   consumptiondomain.DebitRequest
	completed   *int64
}

func (f *fakeConsumption) Debit(ctx context.Context, req consumptiondomain.DebitRequest) (consumptiondomain.DebitResult, error) {
	f.lastDebit = req
	return f.debitResult, f.debitErr
}

func (f *fakeConsumption) Complete(ctx context.Context, id snowflake.ID, actual int64) (consumptiondomain.CompleteResult, error) {
	f.completed = &actual
	return consumptiondomain.CompleteResult{Reservation: consumptiondomain.Reservation{ID: id, ActualSeconds: actual}}, nil
}

type fakeCatalog struct {
	catalogdomain.Service
	lastShortfall int64
	lastNextBonus int64
}

func (f *fakeCatalog) Suggest(ctx context.Context, shortfall int64, nextBonus int64, nextBonusAt *time.Time) []catalogdomain.Suggestion {
	f.lastShortfall = shortfall
	f.lastNextBonus = nextBonus
	return []catalogdomain.Suggestion{{Kind: catalogdomain.SuggestionPackage, Key: "boost-1h", Seconds: 3600, CoversNeeded: true}}
}

type fakeReporting struct {
	reportingdomain.Service
	balance *reportingdomain.Balance
}

func (f *fakeReporting) GetBalance(ctx context.Context, accountID string) (*reportingdomain.Balance, error) {
	if f.balance == nil {
		return nil, balancedomain.ErrAccountNotFound
	}
	return f.balance, nil
}

func (f *fakeReporting) RenderStatement(ctx context.Context, accountID string, period reportingdomain.Period) ([]byte, error) {
	return []byte("%PDF-1.4 fake"), nil
}

type fakeCredit struct {
	creditdomain.Service
	seen  map[string]bool
	calls int
}

func (f *fakeCredit) ApplyExternalCredit(ctx context.Context, req creditdomain.ExternalCreditRequest) (creditdomain.CreditResult, error) {
	f.calls++
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	if f.seen[req.ExternalEventID] {
		return creditdomain.CreditResult{Duplicate: true}, nil
	}
	f.seen[req.ExternalEventID] = true
	return creditdomain.CreditResult{GrantedSeconds: req.Seconds, BalanceSeconds: req.Seconds}, nil
}

type fakeAPIKeys struct {
	apikeydomain.Service
	keys map[string]apikeydomain.Principal
}

func (f *fakeAPIKeys) Authenticate(ctx context.Context, raw string) (*apikeydomain.Principal, error) {
	p, ok := f.keys[raw]
	if !ok {
		return nil, apikeydomain.ErrUnauthorized
	}
	return &p, nil
}

func newTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	return router
}

func doJSON(router http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestConsumeInsufficientReturns402WithSuggestions(t *testing.T) {
	catalog := &fakeCatalog{}
	srv := &Server{
		clock: clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)),
		consumptionSvc: &fakeConsumption{debitErr: &balancedomain.InsufficientBalanceError{
			AccountID: "acct-1",
			Requested: 600,
			Available: 400,
			Breakdown: balancedomain.Breakdown{BonusSeconds: 100, PaidSeconds: 300},
		}},
		catalogSvc: catalog,
		reportingSvc: &fakeReporting{balance: &reportingdomain.Balance{
			Bonus: reportingdomain.BonusView{
				UsedThisPeriod:    900,
				MonthlyCapSeconds: 18000,
				PeriodKey:         "2026-03",
				DailySeconds:      900,
			},
		}},
	}

	router := newTestRouter()
	router.POST("/v1/accounts/:account_id/consume", srv.Consume)
	resp := doJSON(router, http.MethodPost, "/v1/accounts/acct-1/consume", `{"seconds":600,"operation_type":"video"}`, nil)

	if resp.Code != http.StatusPaymentRequired {
		t.Fatalf("expected status 402, got %d: %s", resp.Code, resp.Body.String())
	}
	var body insufficientFundsResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "insufficient_balance", body.ErrorKind)
	assert.Equal(t, int64(400), body.BalanceSeconds)
	assert.Equal(t, int64(200), body.ShortfallSeconds)
	assert.Equal(t, int64(100), body.Breakdown.BonusSeconds)
	assert.Len(t, body.Suggestions, 1)
	assert.Equal(t, int64(200), catalog.lastShortfall)
	assert.Equal(t, int64(900), catalog.lastNextBonus)
}

func TestConsumeWithoutOperationType(t *testing.T) {
	ctx := context.Background()
	db := balancetest.OpenDB(t, append(balancerepo.Models(), consumptionrepo.Models()...)...)
	node := balancetest.Node(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	cfg := config.Config{Ledger: config.LedgerConfig{LockTimeout: 5 * time.Second, RolloverGrace: 72 * time.Hour}}

	holder, err := config.NewStaticCatalogHolder(config.DefaultPricingCatalog())
	require.NoError(t, err)
	catalog := catalogservice.NewService(catalogservice.Params{Holder: holder, Log: zap.NewNop()})
	store := balancerepo.NewStore(balancerepo.Params{DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Config: cfg})

	_, err = store.EnsureAccount(ctx, "acct-1", "pro")
	require.NoError(t, err)
	err = store.Update(ctx, "acct-1", func(sess balancedomain.Session) error {
		state := sess.State()
		expires := clk.Now().Add(24 * time.Hour)
		state.AddBucket(node.Generate(), balancedomain.SourcePackage, 100, &expires, clk.Now())
		state.Recompute(clk.Now(), 72*time.Hour)
		return sess.Commit(ctx, state, nil)
	})
	require.NoError(t, err)

	srv := &Server{
		consumptionSvc: consumptionservice.NewService(consumptionservice.Params{
			Store:   store,
			Repo:    consumptionrepo.Provide(db),
			Catalog: catalog,
			Clock:   clk,
			GenID:   node,
			Log:     zap.NewNop(),
			Config:  cfg,
		}),
		catalogSvc: catalog,
	}

	router := newTestRouter()
	router.POST("/v1/accounts/:account_id/consume", srv.Consume)
	resp := doJSON(router, http.MethodPost, "/v1/accounts/acct-1/consume", `{"seconds":10,"reason":"build"}`, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}

	events, err := store.ListEvents(ctx, balancedomain.EventFilter{
		AccountID: "acct-1",
		Types:     []balancedomain.EventType{balancedomain.EventConsumption},
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, consumptiondomain.UnspecifiedOperationType, events[0].OperationType)

	resp = doJSON(router, http.MethodPost, "/v1/accounts/acct-1/consume", `{"seconds":10,"operation_type":"%%%"}`, nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestLockTimeoutReturns409WithRetryAfter(t *testing.T) {
	srv := &Server{
		consumptionSvc: &fakeConsumption{debitErr: balancedomain.ErrLockTimeout},
		catalogSvc:     &fakeCatalog{},
	}

	router := newTestRouter()
	router.POST("/v1/accounts/:account_id/consume", srv.Consume)
	resp := doJSON(router, http.MethodPost, "/v1/accounts/acct-1/consume", `{"seconds":10,"operation_type":"chat"}`, nil)

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", resp.Code)
	}
	if resp.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestMapErrorStatuses(t *testing.T) {
	cases := []struct {
		err    error
		status int
		kind   string
	}{
		{balancedomain.ErrAccountNotFound, http.StatusNotFound, "account_not_found"},
		{consumptiondomain.ErrReservationNotFound, http.StatusNotFound, "reservation_not_found"},
		{balancedomain.ErrInvalidSeconds, http.StatusBadRequest, "validation_error"},
		{&balancedomain.IntegrityError{AccountID: "a", Reason: "negative"}, http.StatusInternalServerError, "integrity_violation"},
		{balancedomain.ErrConcurrentModification, http.StatusConflict, "concurrent_modification"},
		{authorization.ErrForbidden, http.StatusForbidden, "forbidden"},
		{ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
		{ErrInvalidSignature, http.StatusUnauthorized, "unauthorized"},
	}
	for _, tc := range cases {
		status, payload := mapError(tc.err)
		if status != tc.status || payload.Type != tc.kind {
			t.Fatalf("%v: expected %d/%s, got %d/%s", tc.err, tc.status, tc.kind, status, payload.Type)
		}
	}
}

func TestCreditWebhookSignatureAndIdempotency(t *testing.T) {
	credit := &fakeCredit{}
	srv := &Server{
		cfg:       config.Config{Webhook: config.WebhookConfig{Secret: "whsec"}},
		creditSvc: credit,
	}
	router := newTestRouter()
	router.POST("/v1/webhooks/credits", srv.WebhookSignatureRequired(), srv.CreditWebhook)

	payload := `{"external_event_id":"evt-1","account_id":"acct-1","grant_type":"package","seconds":3600}`

	resp := doJSON(router, http.MethodPost, "/v1/webhooks/credits", payload, map[string]string{HeaderLedgerSignature: signBody("wrong", []byte(payload))})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 for bad signature, got %d", resp.Code)
	}
	if credit.calls != 0 {
		t.Fatal("expected credit service not to be called on bad signature")
	}

	headers := map[string]string{HeaderLedgerSignature: signBody("whsec", []byte(payload))}
	for i, want := range []string{"applied", "duplicate", "duplicate"} {
		resp = doJSON(router, http.MethodPost, "/v1/webhooks/credits", payload, headers)
		if resp.Code != http.StatusOK {
			t.Fatalf("delivery %d: expected status 200, got %d", i+1, resp.Code)
		}
		var body struct {
			Status string `json:"status"`
		}
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		assert.Equal(t, want, body.Status, "delivery %d", i+1)
	}
}

func TestWebhookWithoutSecretIsUnavailable(t *testing.T) {
	srv := &Server{creditSvc: &fakeCredit{}}
	router := newTestRouter()
	router.POST("/v1/webhooks/credits", srv.WebhookSignatureRequired(), srv.CreditWebhook)

	resp := doJSON(router, http.MethodPost, "/v1/webhooks/credits", `{}`, map[string]string{HeaderLedgerSignature: "00"})
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", resp.Code)
	}
}

func TestAPIRoutesEnforceRoles(t *testing.T) {
	gin.SetMode(gin.TestMode)
	enforcer, err := authorization.NewEnforcer(balancetest.OpenDB(t))
	require.NoError(t, err)

	consumption := &fakeConsumption{debitResult: consumptiondomain.DebitResult{RemainingSeconds: 90}}
	srv := &Server{
		engine: func() *gin.Engine { r := gin.New(); r.Use(ErrorHandlingMiddleware()); return r }(),
		log:    zap.NewNop(),
		clock:  clock.New(),
		apiKeySvc: &fakeAPIKeys{keys: map[string]apikeydomain.Principal{
			"mlk_SVC.s": {KeyID: "SVC", Name: "gateway", Role: apikeydomain.RoleService},
			"mlk_BIL.s": {KeyID: "BIL", Name: "billing", Role: apikeydomain.RoleBilling},
		}},
		authzSvc:       authorization.NewService(authorization.Params{Log: zap.NewNop(), Enforcer: enforcer}),
		consumptionSvc: consumption,
		catalogSvc:     &fakeCatalog{},
	}
	srv.registerAPIRoutes()

	body := `{"seconds":10,"operation_type":"Image Gen"}`

	resp := doJSON(srv.engine, http.MethodPost, "/v1/accounts/acct-1/consume", body, nil)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a key, got %d", resp.Code)
	}

	resp = doJSON(srv.engine, http.MethodPost, "/v1/accounts/acct-1/consume", body, map[string]string{"Authorization": "Bearer mlk_NOPE.x"})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d", resp.Code)
	}

	resp = doJSON(srv.engine, http.MethodPost, "/v1/accounts/acct-1/consume", body, map[string]string{"Authorization": "Bearer mlk_BIL.s"})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for billing key, got %d", resp.Code)
	}

	resp = doJSON(srv.engine, http.MethodPost, "/v1/accounts/acct-1/consume", body, map[string]string{"Authorization": "Bearer mlk_SVC.s"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for service key, got %d: %s", resp.Code, resp.Body.String())
	}
	assert.Equal(t, "acct-1", consumption.lastDebit.AccountID)
	assert.Equal(t, int64(10), consumption.lastDebit.Seconds)
}

func TestCompleteReservationRequiresActualSeconds(t *testing.T) {
	consumption := &fakeConsumption{}
	srv := &Server{consumptionSvc: consumption}
	router := newTestRouter()
	router.POST("/v1/reservations/:reservation_id/complete", srv.CompleteReservation)

	resp := doJSON(router, http.MethodPost, "/v1/reservations/1234/complete", `{}`, nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}

	resp = doJSON(router, http.MethodPost, "/v1/reservations/not-a-number/complete", `{"actual_seconds":5}`, nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", resp.Code)
	}

	resp = doJSON(router, http.MethodPost, "/v1/reservations/1234/complete", `{"actual_seconds":0}`, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if consumption.completed == nil || *consumption.completed != 0 {
		t.Fatalf("expected complete with 0 actual seconds, got %v", consumption.completed)
	}
}

func TestStatementServesPDF(t *testing.T) {
	srv := &Server{reportingSvc: &fakeReporting{}}
	router := newTestRouter()
	router.GET("/v1/accounts/:account_id/statement.pdf", srv.GetStatement)

	req := httptest.NewRequest(http.MethodGet, "/v1/accounts/acct-1/statement.pdf?period=week", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	assert.Equal(t, "application/pdf", resp.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(resp.Body.Bytes(), []byte("%PDF")))
}

func TestUsageRejectsBadPeriod(t *testing.T) {
	srv := &Server{reportingSvc: &fakeReporting{}}
	router := newTestRouter()
	router.GET("/v1/accounts/:account_id/usage", srv.GetUsage)

	req := httptest.NewRequest(http.MethodGet, "/v1/accounts/acct-1/usage?period=fortnight", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}
