package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/opencorebank/ledgerd/internal/auth"
	"github.com/opencorebank/ledgerd/internal/domain"
)

func init() {
	// Balances and amounts go over the wire as JSON numbers, not strings.
	decimal.MarshalJSONWithoutQuotes = true
}

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerd_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledgerd_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type Handler struct {
	ledger domain.Ledger
	auth   *auth.Service
	gate   *auth.Gate
	logger *zap.Logger
}

func NewHandler(ledger domain.Ledger, authSvc *auth.Service, gate *auth.Gate, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{ledger: ledger, auth: authSvc, gate: gate, logger: logger}
}

func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"}, "GET", "/health")
}

// RegisterHandler creates a user. 201 on success, 400 for missing/rejected
// fields, 409 for duplicate username or email.
func (h *Handler) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/users/register"))
	defer timer.ObserveDuration()

	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/users/register")
		return
	}

	user, err := h.auth.Register(r.Context(), req)
	if err != nil {
		h.respondMapped(w, err, "POST", "/users/register")
		return
	}

	h.logger.Info("user registered", zap.Int64("user_id", user.ID))
	respondWithJSON(w, http.StatusCreated, map[string]string{"message": "User registered successfully."}, "POST", "/users/register")
}

// LoginHandler verifies credentials and returns a bearer token.
func (h *Handler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/users/login"))
	defer timer.ObserveDuration()

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/users/login")
		return
	}
	if req.Username == "" {
		respondWithError(w, http.StatusBadRequest, "Username field missing", "POST", "/users/login")
		return
	}
	if req.Password == "" {
		respondWithError(w, http.StatusBadRequest, "Password field missing", "POST", "/users/login")
		return
	}

	token, err := h.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		respondWithError(w, http.StatusUnauthorized, "Invalid credentials", "POST", "/users/login")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]string{"message": "Bearer " + token}, "POST", "/users/login")
}

// LogoutHandler revokes the presented token. A token that was never issued or
// is already revoked fails with 401.
func (h *Handler) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Authorization required", "POST", "/users/logout")
		return
	}
	if err := h.auth.Logout(r.Context(), token); err != nil {
		respondWithError(w, http.StatusUnauthorized, "Invalid token", "POST", "/users/logout")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"message": "Logout successful"}, "POST", "/users/logout")
}

// GetBalanceHandler returns the committed balance of an owned account.
func (h *Handler) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts/{id}/balance"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("GET", endpoint))
	defer timer.ObserveDuration()

	token, ok := bearerToken(r)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Authorization required", "GET", endpoint)
		return
	}
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)

	if _, err := h.gate.Authorize(r.Context(), token, id); err != nil {
		h.respondMapped(w, err, "GET", endpoint)
		return
	}

	balance, err := h.ledger.GetBalance(r.Context(), id)
	if err != nil {
		h.respondMapped(w, err, "GET", endpoint)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]decimal.Decimal{"balance": balance}, "GET", endpoint)
}

// GetAccountHandler returns the full account snapshot, owner only.
func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts/{id}"
	token, ok := bearerToken(r)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Authorization required", "GET", endpoint)
		return
	}
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)

	if _, err := h.gate.Authorize(r.Context(), token, id); err != nil {
		h.respondMapped(w, err, "GET", endpoint)
		return
	}
	account, err := h.ledger.GetAccount(r.Context(), id)
	if err != nil {
		h.respondMapped(w, err, "GET", endpoint)
		return
	}
	respondWithJSON(w, http.StatusOK, account, "GET", endpoint)
}

// GetEntriesHandler returns the double-entry legs for an owned account.
func (h *Handler) GetEntriesHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts/{id}/entries"
	token, ok := bearerToken(r)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Authorization required", "GET", endpoint)
		return
	}
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)

	if _, err := h.gate.Authorize(r.Context(), token, id); err != nil {
		h.respondMapped(w, err, "GET", endpoint)
		return
	}
	entries, err := h.ledger.GetEntries(r.Context(), id)
	if err != nil {
		h.respondMapped(w, err, "GET", endpoint)
		return
	}
	respondWithJSON(w, http.StatusOK, entries, "GET", endpoint)
}

// TransferHandler moves funds between accounts. The caller must own the
// source account; the destination only has to exist.
func (h *Handler) TransferHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts/transfer"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	token, ok := bearerToken(r)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Authorization required", "POST", endpoint)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Stream read error", "POST", endpoint)
		return
	}

	var req struct {
		FromAccountID int64           `json:"from_account_id"`
		ToAccountID   int64           `json:"to_account_id"`
		Amount        decimal.Decimal `json:"amount"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body", "POST", endpoint)
		return
	}

	// The key recognizes byte-identical retries of the same session even when
	// the client sends no Idempotency-Key.
	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey == "" {
		sum := sha256.Sum256(append([]byte(token+"\n"), body...))
		idemKey = hex.EncodeToString(sum[:])
	}

	requesterID, err := h.gate.Authorize(r.Context(), token, req.FromAccountID)
	if err != nil {
		h.respondMapped(w, err, "POST", endpoint)
		return
	}

	rec, err := h.ledger.Transfer(r.Context(), domain.TransferRequest{
		FromAccountID:  req.FromAccountID,
		ToAccountID:    req.ToAccountID,
		Amount:         req.Amount,
		IdempotencyKey: idemKey,
		RequesterID:    requesterID,
	})
	if err != nil {
		h.respondMapped(w, err, "POST", endpoint)
		return
	}

	h.logger.Info("transfer committed",
		zap.String("transfer_id", rec.ID.String()),
		zap.Int64("from", rec.FromAccountID),
		zap.Int64("to", rec.ToAccountID),
		zap.String("amount", rec.Amount.String()),
	)
	respondWithJSON(w, http.StatusOK, map[string]string{"message": "Transfer successful"}, "POST", endpoint)
}

// GetTransferHandler returns a committed transfer record by id.
func (h *Handler) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/transfers/{id}"
	token, ok := bearerToken(r)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Authorization required", "GET", endpoint)
		return
	}
	if _, err := h.gate.Identify(r.Context(), token); err != nil {
		respondWithError(w, http.StatusUnauthorized, "Invalid token", "GET", endpoint)
		return
	}

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, http.StatusNotFound, "Transfer not found", "GET", endpoint)
		return
	}
	rec, err := h.ledger.GetTransfer(r.Context(), id)
	if err != nil {
		respondWithError(w, http.StatusNotFound, "Transfer not found", "GET", endpoint)
		return
	}
	respondWithJSON(w, http.StatusOK, rec, "GET", endpoint)
}

// respondMapped translates the closed error set to its status code and
// message. The default arm only fires for storage faults.
func (h *Handler) respondMapped(w http.ResponseWriter, err error, method, endpoint string) {
	var code int
	var msg string
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		code, msg = http.StatusUnauthorized, "Invalid token"
	case errors.Is(err, domain.ErrForbidden):
		code, msg = http.StatusForbidden, "Access denied"
	case errors.Is(err, domain.ErrNotFound):
		code, msg = http.StatusNotFound, "Account not found"
	case errors.Is(err, domain.ErrInsufficientFunds):
		code, msg = http.StatusBadRequest, "Insufficient funds"
	case errors.Is(err, domain.ErrDuplicateUsername):
		code, msg = http.StatusConflict, "Username already exist."
	case errors.Is(err, domain.ErrDuplicateEmail):
		code, msg = http.StatusConflict, "Email already exists."
	case errors.Is(err, domain.ErrConflict):
		code, msg = http.StatusConflict, "Conflicting request"
	case errors.Is(err, auth.ErrMissingFields):
		code, msg = http.StatusBadRequest, "Missing required fields."
	case errors.Is(err, auth.ErrInvalidInput):
		code, msg = http.StatusBadRequest, "Invalid input."
	case errors.Is(err, domain.ErrInvalidRequest):
		code, msg = http.StatusBadRequest, "Invalid request"
	case errors.Is(err, domain.ErrBusy):
		code, msg = http.StatusServiceUnavailable, "Busy, retry later"
	default:
		h.logger.Error("unhandled error", zap.String("endpoint", endpoint), zap.Error(err))
		code, msg = http.StatusInternalServerError, "Internal Server Error"
	}
	respondWithError(w, code, msg, method, endpoint)
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header || token == "" {
		return "", false
	}
	return token, true
}

func respondWithError(w http.ResponseWriter, code int, message, method, endpoint string) {
	respondWithJSON(w, code, map[string]string{"error": message}, method, endpoint)
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
