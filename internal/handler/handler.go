// Package handler содержит HTTP-обработчики API сервиса стейкинга.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/staking-ledger/internal/middleware"
	"github.com/mmeshcher/staking-ledger/internal/model"
	"github.com/mmeshcher/staking-ledger/internal/service"
	"github.com/mmeshcher/staking-ledger/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Initialize(ctx context.Context, rewardAsset, admin common.Address) error
	Stake(ctx context.Context, amount int64, account common.Address, p model.Plan, asset common.Address) (model.StakeReceipt, error)
	Unstake(ctx context.Context, account, asset common.Address) (model.StakeRecord, error)
	CalculateReward(ctx context.Context, account common.Address) (model.Reward, error)
	ClaimReward(ctx context.Context, account common.Address) (model.Reward, error)
	GetStakeDetail(ctx context.Context, account common.Address) (model.StakeRecord, bool, error)
	GetRewardToken(ctx context.Context) (common.Address, error)
	Deposit(ctx context.Context, asset, holder common.Address, amount int64) error
	GetBalance(ctx context.Context, asset, holder common.Address) (int64, error)
	GetEvents(ctx context.Context, account common.Address) ([]model.Event, error)
	Plans() []model.PlanInfo
}

// Clock нужен для проверки свежести подписи при входе.
type Clock interface {
	Now() time.Time
}

// Observer принимает метрики запросов и операций.
type Observer interface {
	middleware.RequestObserver
	ObserveOperation(operation, result string)
	Handler() http.Handler
}

// Handler реализует HTTP-обработчики API сервиса стейкинга.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	rateLimiter    *middleware.RateLimiter
	clock          Clock
	metrics        Observer
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, limiter *middleware.RateLimiter, clock Clock, metrics Observer) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		rateLimiter:    limiter,
		clock:          clock,
		metrics:        metrics,
	}
}

// errorStatus сопоставляет ошибку сервиса с HTTP-статусом и меткой результата.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, service.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, service.ErrStakeDetailNotExist):
		return http.StatusNotFound, "stake_detail_not_exist"
	case errors.Is(err, service.ErrAlreadyInitialized):
		return http.StatusConflict, "already_initialized"
	case errors.Is(err, service.ErrNotInitialized):
		return http.StatusConflict, "not_initialized"
	case errors.Is(err, service.ErrPlanNotFinished):
		return http.StatusConflict, "plan_not_finished"
	case errors.Is(err, service.ErrZeroStake):
		return http.StatusConflict, "zero_stake"
	case errors.Is(err, service.ErrPlanNotExist):
		return http.StatusUnprocessableEntity, "plan_not_exist"
	case errors.Is(err, service.ErrAssetMismatch):
		return http.StatusUnprocessableEntity, "asset_mismatch"
	case errors.Is(err, service.ErrTransferFailed):
		return http.StatusPaymentRequired, "transfer_failed"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// observe учитывает результат операции в метриках.
func (h *Handler) observe(operation string, err error) {
	if h.metrics == nil {
		return
	}
	if err == nil {
		h.metrics.ObserveOperation(operation, "ok")
		return
	}
	_, result := errorStatus(err)
	h.metrics.ObserveOperation(operation, result)
}

// writeError отвечает статусом, соответствующим ошибке; непредвиденные ошибки логируются.
func (h *Handler) writeError(w http.ResponseWriter, operation string, err error, fields ...zap.Field) {
	code, _ := errorStatus(err)
	if code == http.StatusInternalServerError {
		h.logger.Error(operation+" error", append(fields, zap.Error(err))...)
	} else {
		h.logger.Debug(operation+" rejected", append(fields, zap.Error(err))...)
	}
	http.Error(w, http.StatusText(code), code)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}

func pathAddress(r *http.Request, param string) (common.Address, bool) {
	return validation.ParseAddress(chi.URLParam(r, param))
}

// caller возвращает аккаунт, аутентифицированный middleware.
func caller(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	account, ok := middleware.GetAccountFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return account, ok
}

type stakeResponse struct {
	Exists       bool       `json:"exists"`
	Owner        string     `json:"owner,omitempty"`
	Asset        string     `json:"asset,omitempty"`
	TotalStaked  int64      `json:"total_staked"`
	LastStaked   int64      `json:"last_staked"`
	RewardAmount int64      `json:"reward_amount"`
	Plan         model.Plan `json:"plan"`
	EndTime      string     `json:"end_time,omitempty"`
}

func newStakeResponse(rec model.StakeRecord) stakeResponse {
	return stakeResponse{
		Exists:       true,
		Owner:        rec.Owner.Hex(),
		Asset:        rec.Asset.Hex(),
		TotalStaked:  rec.TotalStaked,
		LastStaked:   rec.LastStaked,
		RewardAmount: rec.RewardAmount,
		Plan:         rec.Plan,
		EndTime:      rec.EndTime.UTC().Format(time.RFC3339),
	}
}

type rewardResponse struct {
	Reward int64         `json:"reward"`
	Stake  stakeResponse `json:"stake"`
}

type loginRequest struct {
	Address   string `json:"address"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

// Login проверяет подпись кошелька и устанавливает cookie авторизации.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	address, ok := validation.ParseAddress(req.Address)
	if !ok || req.Message == "" || req.Signature == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := middleware.VerifyWalletSignature(address, req.Message, req.Signature, h.clock.Now()); err != nil {
		h.logger.Debug("login rejected", zap.String("address", address.Hex()), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	h.authMiddleware.SetAuthCookie(w, address)
	w.WriteHeader(http.StatusOK)
}

// GetPlans возвращает каталог тарифов.
func (h *Handler) GetPlans(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.service.Plans())
}

// GetRewardToken возвращает актив наград.
func (h *Handler) GetRewardToken(w http.ResponseWriter, r *http.Request) {
	asset, err := h.service.GetRewardToken(r.Context())
	if err != nil {
		h.writeError(w, "get reward token", err)
		return
	}

	h.writeJSON(w, map[string]string{"asset": asset.Hex()})
}

// GetStakeDetail возвращает позицию аккаунта. Отсутствие позиции не является ошибкой.
func (h *Handler) GetStakeDetail(w http.ResponseWriter, r *http.Request) {
	account, ok := pathAddress(r, "account")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	rec, found, err := h.service.GetStakeDetail(r.Context(), account)
	if err != nil {
		h.writeError(w, "get stake detail", err, zap.String("account", account.Hex()))
		return
	}

	if !found {
		h.writeJSON(w, stakeResponse{Exists: false})
		return
	}
	h.writeJSON(w, newStakeResponse(rec))
}

// CalculateReward возвращает награду, причитающуюся по позиции аккаунта.
func (h *Handler) CalculateReward(w http.ResponseWriter, r *http.Request) {
	account, ok := pathAddress(r, "account")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	reward, err := h.service.CalculateReward(r.Context(), account)
	if err != nil {
		h.writeError(w, "calculate reward", err, zap.String("account", account.Hex()))
		return
	}

	h.writeJSON(w, rewardResponse{Reward: reward.Amount, Stake: newStakeResponse(reward.Record)})
}

// GetBalance возвращает баланс держателя по активу.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	asset, ok := pathAddress(r, "asset")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	holder, ok := pathAddress(r, "holder")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	amount, err := h.service.GetBalance(r.Context(), asset, holder)
	if err != nil {
		h.writeError(w, "get balance", err)
		return
	}

	h.writeJSON(w, struct {
		Asset  string `json:"asset"`
		Holder string `json:"holder"`
		Amount int64  `json:"amount"`
	}{asset.Hex(), holder.Hex(), amount})
}

type initializeRequest struct {
	RewardAsset string `json:"reward_asset"`
}

// Initialize регистрирует текущего пользователя администратором и задаёт актив наград.
func (h *Handler) Initialize(w http.ResponseWriter, r *http.Request) {
	admin, ok := caller(w, r)
	if !ok {
		return
	}

	var req initializeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	rewardAsset, ok := validation.ParseAddress(req.RewardAsset)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.service.Initialize(r.Context(), rewardAsset, admin)
	h.observe("initialize", err)
	if err != nil {
		h.writeError(w, "initialize", err, zap.String("admin", admin.Hex()))
		return
	}

	w.WriteHeader(http.StatusOK)
}

type depositRequest struct {
	Asset  string `json:"asset"`
	Holder string `json:"holder"`
	Amount int64  `json:"amount"`
}

// Deposit зачисляет средства держателю от имени администратора.
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	if _, ok := caller(w, r); !ok {
		return
	}

	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	asset, ok := validation.ParseAddress(req.Asset)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	holder, ok := validation.ParseAddress(req.Holder)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.service.Deposit(r.Context(), asset, holder, req.Amount)
	h.observe("deposit", err)
	if err != nil {
		h.writeError(w, "deposit", err, zap.String("holder", holder.Hex()))
		return
	}

	w.WriteHeader(http.StatusOK)
}

type stakeRequest struct {
	Amount int64      `json:"amount"`
	Plan   model.Plan `json:"plan"`
	Asset  string     `json:"asset"`
}

// Stake блокирует средства текущего пользователя на выбранный срок.
func (h *Handler) Stake(w http.ResponseWriter, r *http.Request) {
	account, ok := caller(w, r)
	if !ok {
		return
	}

	var req stakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	asset, ok := validation.ParseAddress(req.Asset)
	if !ok || !validation.IsValidAmount(req.Amount) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	receipt, err := h.service.Stake(r.Context(), req.Amount, account, req.Plan, asset)
	h.observe("stake", err)
	if err != nil {
		h.writeError(w, "stake", err, zap.String("account", account.Hex()), zap.Uint64("plan", uint64(req.Plan)))
		return
	}

	h.writeJSON(w, struct {
		Custody string        `json:"custody"`
		Stake   stakeResponse `json:"stake"`
	}{receipt.Custody.Hex(), newStakeResponse(receipt.Record)})
}

type unstakeRequest struct {
	Asset string `json:"asset"`
}

// Unstake возвращает текущему пользователю застейканную сумму после окончания срока.
func (h *Handler) Unstake(w http.ResponseWriter, r *http.Request) {
	account, ok := caller(w, r)
	if !ok {
		return
	}

	var req unstakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	asset, ok := validation.ParseAddress(req.Asset)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	rec, err := h.service.Unstake(r.Context(), account, asset)
	h.observe("unstake", err)
	if err != nil {
		h.writeError(w, "unstake", err, zap.String("account", account.Hex()))
		return
	}

	h.writeJSON(w, newStakeResponse(rec))
}

// ClaimReward выплачивает награду и закрывает позицию текущего пользователя.
func (h *Handler) ClaimReward(w http.ResponseWriter, r *http.Request) {
	account, ok := caller(w, r)
	if !ok {
		return
	}

	reward, err := h.service.ClaimReward(r.Context(), account)
	h.observe("claim", err)
	if err != nil {
		h.writeError(w, "claim reward", err, zap.String("account", account.Hex()))
		return
	}

	h.writeJSON(w, rewardResponse{Reward: reward.Amount, Stake: newStakeResponse(reward.Record)})
}

type eventResponse struct {
	Topic     model.EventTopic `json:"topic"`
	Account   string           `json:"account"`
	Asset     string           `json:"asset"`
	Amount    int64            `json:"amount"`
	Plan      model.Plan       `json:"plan,omitempty"`
	EndTime   string           `json:"end_time,omitempty"`
	CreatedAt string           `json:"created_at"`
}

// GetEvents возвращает историю событий текущего пользователя.
func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	account, ok := caller(w, r)
	if !ok {
		return
	}

	events, err := h.service.GetEvents(r.Context(), account)
	if err != nil {
		h.writeError(w, "get events", err, zap.String("account", account.Hex()))
		return
	}

	if len(events) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		item := eventResponse{
			Topic:     ev.Topic,
			Account:   ev.Account.Hex(),
			Asset:     ev.Asset.Hex(),
			Amount:    ev.Amount,
			Plan:      ev.Plan,
			CreatedAt: ev.CreatedAt.UTC().Format(time.RFC3339),
		}
		if !ev.EndTime.IsZero() {
			item.EndTime = ev.EndTime.UTC().Format(time.RFC3339)
		}
		resp = append(resp, item)
	}

	h.writeJSON(w, resp)
}
