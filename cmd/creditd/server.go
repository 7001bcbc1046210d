package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"crosscredit/chainclient"
	"crosscredit/datasync"
	"crosscredit/executor"
	"crosscredit/indexer"
	"crosscredit/ledger"
	"crosscredit/nonce"
	"crosscredit/observability"
	"crosscredit/registry"
	"crosscredit/signer"
	"crosscredit/snapshot"
)

type relayNotifier interface {
	UpdateBorrow(ctx context.Context, accountID string, lzID uint32) error
	UpdateDeposit(ctx context.Context, accountID string, lzID uint32) error
}

// Server is the HTTP surface of creditd.
type Server struct {
	coord    *datasync.Coordinator
	exec     *executor.Executor
	notifier relayNotifier
	reg      *registry.Registry
	ltvBps   uint32
	gasless  bool
	log      *slog.Logger
	metrics  apiRecorder
	limiter  *rate.Limiter
	router   chi.Router
}

type apiRecorder interface {
	Observe(route string, status int, duration time.Duration)
	RecordThrottle(route string)
}

// NewServer wires the router. ratePerMin of zero disables rate limiting;
// gaslessDefault applies when a borrow request leaves the path unspecified.
func NewServer(coord *datasync.Coordinator, exec *executor.Executor, notifier relayNotifier, reg *registry.Registry, ltvBps uint32, ratePerMin int, gaslessDefault bool, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		coord:    coord,
		exec:     exec,
		notifier: notifier,
		reg:      reg,
		ltvBps:   ltvBps,
		gasless:  gaslessDefault,
		log:      log.With("component", "api"),
		metrics:  observability.API(),
	}
	if ratePerMin > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(float64(ratePerMin)/60.0), ratePerMin)
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.throttle)
		r.Get("/state", s.handleState)
		r.Get("/chains", s.handleChains)
		r.Get("/credit", s.handleCredit)
		r.Get("/wallet-config", s.handleWalletConfig)
		r.Get("/accounts", s.handleOwnedAccounts)
		r.Post("/limits", s.handleRaiseLimits)
		r.Post("/wallet", s.handleSetWallet)
		r.Post("/chain", s.handleSetChain)
		r.Post("/account", s.handleSelectAccount)
		r.Post("/borrow", s.handleBorrow)
		r.Post("/mint", s.handleMint)
		r.Post("/repay", s.handleRepay)
		r.Post("/repay-batch", s.handleRepayBatch)
		r.Post("/repay-notice", s.handleRepayNotice)
		r.Post("/deposit-notice", s.handleDepositNotice)
	})
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		s.metrics.Observe(route, rec.status, time.Since(start))
	})
}

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			s.metrics.RecordThrottle(r.URL.Path)
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type chainView struct {
	LZID     uint32 `json:"lzId"`
	ChainID  uint64 `json:"chainId"`
	Name     string `json:"name"`
	Explorer string `json:"explorer,omitempty"`
}

func (s *Server) handleChains(w http.ResponseWriter, r *http.Request) {
	chains := s.reg.Chains()
	out := make([]chainView, 0, len(chains))
	for _, chain := range chains {
		out = append(out, chainView{
			LZID:     chain.LZID,
			ChainID:  chain.NativeChainID,
			Name:     chain.Name,
			Explorer: chain.Explorer,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"chains": out})
}

type stateView struct {
	Wallet     string                   `json:"wallet"`
	Selected   string                   `json:"selectedAccount,omitempty"`
	ChainID    uint32                   `json:"chainId,omitempty"`
	Accounts   []snapshot.CreditAccount `json:"accounts"`
	EthUsd     string                   `json:"ethUsd,omitempty"`
	WstEthRate string                   `json:"wstEthToEth,omitempty"`
	PriceStale bool                     `json:"priceStale"`
	Balance    string                   `json:"balance,omitempty"`
	LastSync   string                   `json:"lastSync,omitempty"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state := s.coord.Current()
	view := stateView{
		Wallet:     state.Wallet.Hex(),
		Selected:   state.Selected,
		ChainID:    state.ChainID,
		Accounts:   state.Accounts,
		PriceStale: state.PriceStale,
	}
	if view.Accounts == nil {
		view.Accounts = []snapshot.CreditAccount{}
	}
	if state.Prices.EthUsd != nil {
		view.EthUsd = state.Prices.EthUsd.String()
	}
	if state.Prices.WstEthToEth != nil {
		view.WstEthRate = state.Prices.WstEthToEth.String()
	}
	if state.Balance != nil {
		view.Balance = state.Balance.String()
	}
	if !state.LastSync.IsZero() {
		view.LastSync = state.LastSync.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, view)
}

type creditView struct {
	AccountID     string            `json:"account"`
	TotalDeposits string            `json:"totalDepositsEth"`
	TotalBorrowed string            `json:"totalBorrowed"`
	Available     string            `json:"availableCredit"`
	AvailableUsd  string            `json:"availableCreditUsd,omitempty"`
	Ceilings      map[string]string `json:"chainCeilings"`
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	state := s.coord.Current()
	accountID := r.URL.Query().Get("account")
	if accountID == "" {
		accountID = state.Selected
	}
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "account required")
		return
	}
	wallet := r.URL.Query().Get("wallet")
	if wallet == "" {
		wallet = state.Wallet.Hex()
	}
	var account *snapshot.CreditAccount
	for i := range state.Accounts {
		if state.Accounts[i].ID == accountID {
			account = &state.Accounts[i]
			break
		}
	}
	if account == nil {
		writeError(w, http.StatusNotFound, "unknown account")
		return
	}
	credit, err := ledger.ComputeAccountCredit(*account, wallet, state.Prices, s.ltvBps)
	if err != nil {
		if errors.Is(err, ledger.ErrRatioUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "oracle ratio not loaded yet")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	view := creditView{
		AccountID:     accountID,
		TotalDeposits: credit.TotalDepositsEth.String(),
		TotalBorrowed: credit.TotalBorrowed.String(),
		Available:     credit.Available.String(),
		Ceilings:      make(map[string]string, len(credit.ChainCeilings)),
	}
	for chainID, ceiling := range credit.ChainCeilings {
		view.Ceilings[strconv.FormatUint(uint64(chainID), 10)] = ceiling.String()
	}
	if usd, err := ledger.ToUsd(credit.Available, state.Prices); err == nil {
		view.AvailableUsd = usd.String()
	}
	writeJSON(w, http.StatusOK, view)
}

type walletConfigView struct {
	Address string   `json:"address"`
	Chains  []uint32 `json:"chains"`
	Limits  []string `json:"limits"`
	Autogas []bool   `json:"autogas"`
}

func (s *Server) handleWalletConfig(w http.ResponseWriter, r *http.Request) {
	state := s.coord.Current()
	accountID := r.URL.Query().Get("account")
	if accountID == "" {
		accountID = state.Selected
	}
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "account required")
		return
	}
	lzID, err := chainParam(r, state.ChainID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	configs, err := s.exec.WalletConfigs(r.Context(), accountID, lzID)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownChain) {
			writeError(w, http.StatusBadRequest, "unsupported chain")
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	out := make([]walletConfigView, 0, len(configs))
	for _, cfg := range configs {
		view := walletConfigView{
			Address: cfg.Wallet.Hex(),
			Chains:  cfg.Chains,
			Limits:  make([]string, len(cfg.Limits)),
			Autogas: cfg.Autogas,
		}
		for i, limit := range cfg.Limits {
			view.Limits[i] = limit.String()
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"account": accountID, "wallets": out})
}

func (s *Server) handleOwnedAccounts(w http.ResponseWriter, r *http.Request) {
	state := s.coord.Current()
	lzID, err := chainParam(r, state.ChainID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ids, err := s.exec.OwnedAccounts(r.Context(), lzID)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownChain) {
			writeError(w, http.StatusBadRequest, "unsupported chain")
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"accounts": ids})
}

func (s *Server) handleRaiseLimits(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Account string   `json:"account"`
		ChainID uint32   `json:"chainId"`
		Wallet  string   `json:"wallet"`
		Chains  []uint32 `json:"chains"`
		Limits  []string `json:"limits"`
		Autogas []bool   `json:"autogas"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Account == "" {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if !common.IsHexAddress(body.Wallet) {
		writeError(w, http.StatusBadRequest, "invalid wallet address")
		return
	}
	limits := make([]*big.Int, len(body.Limits))
	for i, raw := range body.Limits {
		limit, ok := new(big.Int).SetString(raw, 10)
		if !ok || limit.Sign() < 0 {
			writeError(w, http.StatusBadRequest, "limits must be non-negative integer strings")
			return
		}
		limits[i] = limit
	}
	result, err := s.exec.RaiseLimits(r.Context(), body.Account, body.ChainID,
		common.HexToAddress(body.Wallet), body.Chains, limits, body.Autogas)
	if err != nil {
		s.writeBorrowError(w, err)
		return
	}
	s.coord.Invalidate()
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "limits_updated",
		"txHash":      result.TxHash,
		"explorerUrl": result.ExplorerURL,
	})
}

// borrowerRef accepts either a plain wallet address or the contract's bytes32
// wallet reference as it appears in an account's borrow positions.
func borrowerRef(raw string) ([32]byte, error) {
	if common.IsHexAddress(raw) {
		return chainclient.AddressToBytes32(common.HexToAddress(raw)), nil
	}
	return chainclient.ParseWalletRef(raw)
}

// chainParam resolves the chainId query parameter, falling back to the
// coordinator's selected chain.
func chainParam(r *http.Request, fallback uint32) (uint32, error) {
	raw := r.URL.Query().Get("chainId")
	if raw == "" {
		if fallback == 0 {
			return 0, errors.New("chainId required")
		}
		return fallback, nil
	}
	parsed, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, errors.New("invalid chainId")
	}
	return uint32(parsed), nil
}

func (s *Server) handleSetWallet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if !common.IsHexAddress(req.Address) {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	if err := s.coord.SetWallet(r.Context(), common.HexToAddress(req.Address)); err != nil {
		s.log.Warn("initial sync for wallet failed", "error", err)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "sync_pending"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSetChain(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChainID uint32 `json:"chainId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if _, err := s.reg.ByLZ(req.ChainID); err != nil {
		writeError(w, http.StatusBadRequest, "unsupported chain")
		return
	}
	if err := s.coord.SetChain(r.Context(), req.ChainID); err != nil {
		s.log.Warn("chain switch refresh failed", "chain", req.ChainID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSelectAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "account id required")
		return
	}
	s.coord.SelectAccount(r.Context(), req.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type borrowBody struct {
	Account    string `json:"account"`
	Amount     string `json:"amount"`
	ChainID    uint32 `json:"chainId"`
	Recipient  string `json:"recipient,omitempty"`
	Gasless    *bool  `json:"gasless,omitempty"`
	UseWeth    bool   `json:"weth"`
	Integrator uint64 `json:"integrator"`
}

func (body borrowBody) params(defaultGasless bool) (executor.BorrowParams, error) {
	amount, ok := new(big.Int).SetString(body.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		return executor.BorrowParams{}, errors.New("amount must be a positive integer string")
	}
	gasless := defaultGasless
	if body.Gasless != nil {
		gasless = *body.Gasless
	}
	params := executor.BorrowParams{
		AccountID:  body.Account,
		Amount:     amount,
		LZID:       body.ChainID,
		Gasless:    gasless,
		UseWeth:    body.UseWeth,
		Integrator: body.Integrator,
	}
	if body.Recipient != "" {
		if !common.IsHexAddress(body.Recipient) {
			return executor.BorrowParams{}, errors.New("invalid recipient address")
		}
		params.Recipient = common.HexToAddress(body.Recipient)
	}
	return params, nil
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	var body borrowBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	params, err := body.params(s.gasless)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.exec.Borrow(r.Context(), params)
	if err != nil {
		s.writeBorrowError(w, err)
		return
	}
	s.coord.Invalidate()
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      indexer.StatusBorrowApproved,
		"attemptId":   result.AttemptID,
		"path":        result.Path,
		"txHash":      result.TxHash,
		"explorerUrl": result.ExplorerURL,
	})
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var body borrowBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	params, err := body.params(s.gasless)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.exec.MintAndBorrow(r.Context(), params)
	if err != nil {
		s.writeBorrowError(w, err)
		return
	}
	// Surface the fresh token right away; the scheduled refresh swaps the
	// placeholder for indexed data.
	s.coord.NoteMinted(body.Account)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      indexer.StatusBorrowApproved,
		"attemptId":   result.AttemptID,
		"txHash":      result.TxHash,
		"explorerUrl": result.ExplorerURL,
	})
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Account  string `json:"account"`
		ChainID  uint32 `json:"chainId"`
		Borrower string `json:"borrower"`
		Amount   string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	amount, ok := new(big.Int).SetString(body.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be a positive integer string")
		return
	}
	borrower, err := borrowerRef(body.Borrower)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid borrower reference")
		return
	}
	result, err := s.exec.Repay(r.Context(), body.Account, body.ChainID, borrower, amount)
	if err != nil {
		s.writeBorrowError(w, err)
		return
	}
	s.coord.Invalidate()
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "repaid",
		"txHash":      result.TxHash,
		"explorerUrl": result.ExplorerURL,
	})
}

func (s *Server) handleRepayBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ChainID uint32 `json:"chainId"`
		Items   []struct {
			Account  string `json:"account"`
			Borrower string `json:"borrower"`
			Amount   string `json:"amount"`
		} `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Items) == 0 {
		writeError(w, http.StatusBadRequest, "at least one repayment item required")
		return
	}
	accounts := make([]string, len(body.Items))
	borrowers := make([][32]byte, len(body.Items))
	amounts := make([]*big.Int, len(body.Items))
	for i, item := range body.Items {
		ref, err := borrowerRef(item.Borrower)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid borrower reference")
			return
		}
		amount, ok := new(big.Int).SetString(item.Amount, 10)
		if !ok || amount.Sign() <= 0 {
			writeError(w, http.StatusBadRequest, "amounts must be positive integer strings")
			return
		}
		accounts[i] = item.Account
		borrowers[i] = ref
		amounts[i] = amount
	}
	result, err := s.exec.RepayBatch(r.Context(), body.ChainID, accounts, borrowers, amounts)
	if err != nil {
		s.writeBorrowError(w, err)
		return
	}
	s.coord.Invalidate()
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "repaid",
		"txHash":      result.TxHash,
		"explorerUrl": result.ExplorerURL,
	})
}

// handleRepayNotice acknowledges a repayment settled outside the daemon and
// asks the indexer to resync the affected chain.
func (s *Server) handleRepayNotice(w http.ResponseWriter, r *http.Request) {
	s.handleNotice(w, r, s.notifier.UpdateBorrow)
}

// handleDepositNotice does the same for a fresh deposit.
func (s *Server) handleDepositNotice(w http.ResponseWriter, r *http.Request) {
	s.handleNotice(w, r, s.notifier.UpdateDeposit)
}

func (s *Server) handleNotice(w http.ResponseWriter, r *http.Request, notify func(context.Context, string, uint32) error) {
	var body struct {
		Account string `json:"account"`
		ChainID uint32 `json:"chainId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Account == "" {
		writeError(w, http.StatusBadRequest, "account and chainId required")
		return
	}
	if err := notify(r.Context(), body.Account, body.ChainID); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.coord.Invalidate()
	writeJSON(w, http.StatusOK, map[string]string{"status": indexer.StatusUpdateSuccessful})
}

func (s *Server) writeBorrowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, executor.ErrNotEnoughLimit):
		writeJSON(w, http.StatusConflict, map[string]string{"status": indexer.StatusNotEnoughLimit})
	case errors.Is(err, executor.ErrIssuerUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": indexer.StatusInsufficientIssuerBalance})
	case errors.Is(err, executor.ErrNonceRace):
		writeJSON(w, http.StatusConflict, map[string]interface{}{"status": indexer.StatusInvalidSignature, "retry": true})
	case errors.Is(err, executor.ErrWrongTarget), errors.Is(err, nonce.ErrNonceStale), errors.Is(err, nonce.ErrNoTarget):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, signer.ErrUserDeclined):
		writeError(w, http.StatusBadRequest, "signing request declined")
	case errors.Is(err, registry.ErrUnknownChain):
		writeError(w, http.StatusBadRequest, "unsupported chain")
	default:
		s.log.Error("borrow failed", "error", err)
		writeError(w, http.StatusInternalServerError, "borrow failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
