package server

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"pelletbridge/internal/bridge"
	"pelletbridge/internal/chain"
	"pelletbridge/internal/config"
	"pelletbridge/internal/game"
	"pelletbridge/internal/observability"
)

// API serves the request/response surface of the bridge. Deposits and
// Withdrawals are nil when the custodian key or mint is not
// configured; the session and pellet flows keep working regardless.
type API struct {
	cfg         *config.Config
	registry    *game.Registry
	hub         *Hub
	deposits    *bridge.Deposits
	withdrawals *bridge.Withdrawals
	log         zerolog.Logger
}

// NewAPI wires the HTTP layer.
func NewAPI(
	cfg *config.Config,
	registry *game.Registry,
	hub *Hub,
	deposits *bridge.Deposits,
	withdrawals *bridge.Withdrawals,
	log zerolog.Logger,
) *API {
	return &API{
		cfg:         cfg,
		registry:    registry,
		hub:         hub,
		deposits:    deposits,
		withdrawals: withdrawals,
		log:         log,
	}
}

// Handler builds the public mux: the REST endpoints plus the realtime
// channel upgrade.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /config", a.handleConfig)
	mux.HandleFunc("POST /deposit-intent", a.handleDepositIntent)
	mux.HandleFunc("POST /deposit-confirm", a.handleDepositConfirm)
	mux.HandleFunc("POST /withdraw", a.handleWithdraw)
	mux.HandleFunc("/ws", a.hub.HandleWS)
	return withCORS(mux)
}

// NewOpsHandler builds the operational mux: metrics and probes.
func NewOpsHandler(health *observability.HealthChecker) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.LivenessHandler)
	mux.HandleFunc("/readyz", health.ReadinessHandler)
	return mux
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleConfig exposes the public client configuration. Secret key
// material never leaves the process; only the custodian's public
// address is published.
func (a *API) handleConfig(w http.ResponseWriter, r *http.Request) {
	var mint *string
	var decimals *int
	var custodian *string

	if a.cfg.Mint != "" {
		s := string(a.cfg.Mint)
		mint = &s
		d := a.cfg.TokenDecimals
		decimals = &d
	}
	if a.cfg.Custodian != nil {
		s := string(a.cfg.Custodian.Address())
		custodian = &s
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rpcUrl":                 a.cfg.RPCURL,
		"tokenMint":              mint,
		"tokenDecimals":          decimals,
		"custodianPublicAddress": custodian,
	})
}

type depositIntentRequest struct {
	Wallet string  `json:"wallet"`
	Amount float64 `json:"amount"`
}

func (a *API) handleDepositIntent(w http.ResponseWriter, r *http.Request) {
	var req depositIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Wallet == "" || req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "missing-fields")
		return
	}
	if a.deposits == nil {
		writeError(w, http.StatusInternalServerError, "server-not-configured")
		return
	}

	amountUi := int64(math.Floor(req.Amount))
	tx, err := a.deposits.Intent(r.Context(), chain.Address(req.Wallet), amountUi)
	if err != nil {
		a.log.Warn().Err(err).Str("wallet", req.Wallet).Msg("deposit intent failed")
		writeError(w, http.StatusInternalServerError, "deposit-intent-failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "tx": tx})
}

type depositConfirmRequest struct {
	SessionID string  `json:"sessionId"`
	Wallet    string  `json:"wallet"`
	Amount    float64 `json:"amount"`
	Signature string  `json:"signature"`
}

func (a *API) handleDepositConfirm(w http.ResponseWriter, r *http.Request) {
	var req depositConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "missing-fields")
		return
	}

	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil || !a.registry.Exists(sessionID) {
		writeError(w, http.StatusBadRequest, "invalid-socket")
		return
	}
	if req.Wallet == "" || req.Amount <= 0 || req.Signature == "" {
		writeError(w, http.StatusBadRequest, "missing-fields")
		return
	}
	if a.deposits == nil {
		writeError(w, http.StatusInternalServerError, "server-not-configured")
		return
	}

	amountUi := int64(math.Floor(req.Amount))
	credited, err := a.deposits.Confirm(r.Context(), sessionID, chain.Address(req.Wallet), amountUi, chain.Signature(req.Signature))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "credited": credited})
	case errors.Is(err, bridge.ErrInvalidSignature), errors.Is(err, bridge.ErrDuplicateSignature):
		writeError(w, http.StatusBadRequest, "invalid-signature")
	case errors.Is(err, game.ErrUnknownSession):
		writeError(w, http.StatusBadRequest, "invalid-socket")
	default:
		a.log.Error().Err(err).Str("wallet", req.Wallet).Msg("deposit confirm failed")
		writeError(w, http.StatusInternalServerError, "deposit-failed")
	}
}

type withdrawRequest struct {
	SessionID string `json:"sessionId"`
	Wallet    string `json:"wallet"`
}

func (a *API) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-socket")
		return
	}

	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil || !a.registry.Exists(sessionID) {
		writeError(w, http.StatusBadRequest, "invalid-socket")
		return
	}
	if req.Wallet == "" {
		writeError(w, http.StatusBadRequest, "missing-wallet")
		return
	}
	if a.withdrawals == nil {
		writeError(w, http.StatusInternalServerError, "server-not-configured")
		return
	}

	sig, tokens, err := a.withdrawals.Withdraw(r.Context(), sessionID, chain.Address(req.Wallet))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "signature": sig, "tokens": tokens})
	case errors.Is(err, game.ErrNoBalance):
		writeError(w, http.StatusBadRequest, "no-balance")
	case errors.Is(err, bridge.ErrTooSmall):
		writeError(w, http.StatusBadRequest, "too-small")
	case errors.Is(err, game.ErrUnknownSession):
		writeError(w, http.StatusBadRequest, "invalid-socket")
	default:
		// Submission failures and an in-flight settlement both report
		// the generic failure; the balance is untouched either way.
		a.log.Warn().Err(err).Str("wallet", req.Wallet).Msg("withdraw failed")
		writeError(w, http.StatusInternalServerError, "withdraw-failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
