package account

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-ebook-go/internal/account/entity"
	"github.com/ovaphlow/pitchfork/service-ebook-go/internal/auth"
	"github.com/ovaphlow/pitchfork/service-ebook-go/pkg/utilities"
)

const maxBodyBytes = 1 << 20

// Handler exposes the auth and user endpoints.
type Handler struct {
	svc    *Service
	logger *zap.SugaredLogger
	// dev adds error detail to 500 responses.
	dev bool
}

func NewHandler(svc *Service, logger *zap.SugaredLogger, dev bool) *Handler {
	return &Handler{svc: svc, logger: logger, dev: dev}
}

type validationBody struct {
	Message string       `json:"message"`
	Errors  []FieldError `json:"errors"`
}

type userBody struct {
	User entity.Profile `json:"user"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterPayload
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Register(r.Context(), req)
	if err != nil {
		h.writeError(w, r, "register", err)
		return
	}
	utilities.WriteJSON(w, http.StatusCreated, res)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginPayload
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Login(r.Context(), req)
	if err != nil {
		h.writeError(w, r, "login", err)
		return
	}
	utilities.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	me, _ := auth.AccountFrom(r.Context())
	p, err := h.svc.GetProfile(r.Context(), me.ID)
	if err != nil {
		h.writeError(w, r, "get profile", err)
		return
	}
	utilities.WriteJSON(w, http.StatusOK, userBody{User: p})
}

func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	me, _ := auth.AccountFrom(r.Context())
	h.update(w, r, me, me.ID)
}

func (h *Handler) DeleteProfile(w http.ResponseWriter, r *http.Request) {
	me, _ := auth.AccountFrom(r.Context())
	if err := h.svc.SelfDelete(r.Context(), me); err != nil {
		h.writeError(w, r, "self delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	me, _ := auth.AccountFrom(r.Context())
	q, err := parseListQuery(r)
	if err != nil {
		h.writeError(w, r, "list accounts", err)
		return
	}
	res, err := h.svc.ListAccounts(r.Context(), me, q)
	if err != nil {
		h.writeError(w, r, "list accounts", err)
		return
	}
	utilities.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	me, _ := auth.AccountFrom(r.Context())
	p, err := h.svc.GetAccount(r.Context(), me, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, "get account", err)
		return
	}
	utilities.WriteJSON(w, http.StatusOK, userBody{User: p})
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	me, _ := auth.AccountFrom(r.Context())
	h.update(w, r, me, r.PathValue("id"))
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request, me *entity.Account, targetID string) {
	var req UpdatePayload
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.svc.UpdateAccount(r.Context(), me, targetID, req)
	if err != nil {
		h.writeError(w, r, "update account", err)
		return
	}
	utilities.WriteJSON(w, http.StatusOK, userBody{User: p})
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	me, _ := auth.AccountFrom(r.Context())
	if err := h.svc.DeleteAccount(r.Context(), me, r.PathValue("id")); err != nil {
		h.writeError(w, r, "delete account", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HardDelete(w http.ResponseWriter, r *http.Request) {
	me, _ := auth.AccountFrom(r.Context())
	if err := h.svc.HardDeleteAccount(r.Context(), me, r.PathValue("id")); err != nil {
		h.writeError(w, r, "hard delete account", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.logger.Debugw("invalid payload", "path", r.URL.Path, "err", err)
		utilities.WriteMessage(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func parseListQuery(r *http.Request) (ListQuery, error) {
	v := r.URL.Query()
	q := ListQuery{Role: v.Get("role"), Status: v.Get("status"), Search: v.Get("search")}
	errs := &ValidationError{}
	if s := v.Get("page"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			errs.add("page", "page must be a positive integer")
		}
		q.Page = n
	}
	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			errs.add("limit", "limit must be a positive integer")
		}
		q.Limit = n
	}
	return q, errs.errOrNil()
}

// writeError maps service errors to HTTP responses.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var ve *ValidationError
	var se *StatusError
	switch {
	case errors.As(err, &ve):
		utilities.WriteJSON(w, http.StatusBadRequest, validationBody{Message: "Validation error", Errors: ve.Fields})
	case errors.Is(err, ErrInvalidCredentials):
		utilities.WriteMessage(w, http.StatusUnauthorized, "Invalid credentials")
	case errors.As(err, &se):
		utilities.WriteMessage(w, http.StatusForbidden, se.Error())
	case errors.Is(err, ErrConflict):
		utilities.WriteMessage(w, http.StatusConflict, "An account with this identity already exists")
	case errors.Is(err, ErrSelfDeleteViaAdmin):
		utilities.WriteMessage(w, http.StatusForbidden, "Use DELETE /users/profile to delete your own account")
	case errors.Is(err, ErrForbidden):
		utilities.WriteMessage(w, http.StatusForbidden, "Access denied")
	case errors.Is(err, ErrNotFound):
		utilities.WriteMessage(w, http.StatusNotFound, "User not found")
	case errors.Is(err, ErrNotSoftDeleted):
		utilities.WriteMessage(w, http.StatusConflict, "Account must be deleted before it can be permanently removed")
	default:
		fields := []any{"op", op, "path", r.URL.Path, "err", err}
		if me, ok := auth.AccountFrom(r.Context()); ok {
			fields = append(fields, "account_id", me.ID)
		}
		h.logger.Errorw("request failed", fields...)
		body := map[string]string{"message": "Internal server error"}
		if h.dev {
			body["detail"] = err.Error()
		}
		utilities.WriteJSON(w, http.StatusInternalServerError, body)
	}
}
