package controllers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cppla/monascore/models"
	"github.com/cppla/monascore/services"
	"github.com/cppla/monascore/utils"
)

// UserService is the reconciliation engine as seen by the HTTP layer.
type UserService interface {
	Register(ctx context.Context, address, referrer, tx string) (services.Result, error)
	Claim(ctx context.Context, address, tx string) (services.Result, error)
	Message(ctx context.Context, address, tx string) (services.Result, error)
	GetUser(ctx context.Context, address string) (models.User, error)
}

// UserController handles the /api/user endpoints.
type UserController struct {
	users  UserService
	logger *zap.Logger
}

// NewUserController creates a new controller instance.
func NewUserController(users UserService, logger *zap.Logger) *UserController {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UserController{users: users, logger: logger}
}

type userPayload struct {
	Address  string `json:"address"`
	Referrer string `json:"referrer"`
}

type updateRequest struct {
	User *userPayload `json:"user"`
	Tx   string       `json:"tx"`
}

func bindUpdate(ctx *gin.Context) (updateRequest, bool) {
	var req updateRequest
	if err := ctx.ShouldBindJSON(&req); err != nil || req.User == nil || strings.TrimSpace(req.User.Address) == "" {
		utils.Error(ctx, http.StatusBadRequest, "Invalid request")
		return req, false
	}
	return req, true
}

// Register handles POST /api/user/register.
func (u *UserController) Register(ctx *gin.Context) {
	req, ok := bindUpdate(ctx)
	if !ok {
		return
	}
	res, err := u.users.Register(ctx.Request.Context(), req.User.Address, req.User.Referrer, req.Tx)
	if err != nil {
		u.fail(ctx, "register", req.User.Address, err)
		return
	}
	utils.Success(ctx, res)
}

// Claim handles POST /api/user/claim.
func (u *UserController) Claim(ctx *gin.Context) {
	req, ok := bindUpdate(ctx)
	if !ok {
		return
	}
	res, err := u.users.Claim(ctx.Request.Context(), req.User.Address, req.Tx)
	if err != nil {
		u.fail(ctx, "claim", req.User.Address, err)
		return
	}
	utils.Success(ctx, res)
}

// Message handles POST /api/user/message.
func (u *UserController) Message(ctx *gin.Context) {
	req, ok := bindUpdate(ctx)
	if !ok {
		return
	}
	res, err := u.users.Message(ctx.Request.Context(), req.User.Address, req.Tx)
	if err != nil {
		u.fail(ctx, "message", req.User.Address, err)
		return
	}
	utils.Success(ctx, res)
}

// GetUser handles GET /api/user/:address and GET /api/user?address=.
func (u *UserController) GetUser(ctx *gin.Context) {
	address := strings.TrimSpace(ctx.Param("address"))
	if address == "" {
		address = strings.TrimSpace(ctx.Query("address"))
	}
	if address == "" {
		utils.Error(ctx, http.StatusBadRequest, "Invalid request")
		return
	}
	user, err := u.users.GetUser(ctx.Request.Context(), address)
	if err != nil {
		u.fail(ctx, "get", address, err)
		return
	}
	utils.Success(ctx, user)
}

func (u *UserController) fail(ctx *gin.Context, op, address string, err error) {
	switch {
	case errors.Is(err, services.ErrValidation):
		utils.Error(ctx, http.StatusBadRequest, "Invalid request")
	case errors.Is(err, services.ErrInvalidTransaction):
		utils.Error(ctx, http.StatusBadRequest, "Invalid transaction")
	case errors.Is(err, services.ErrNotRegisteredOnChain):
		utils.Error(ctx, http.StatusBadRequest, "User not found in evm")
	case errors.Is(err, services.ErrNotFound):
		utils.Error(ctx, http.StatusBadRequest, "User not found")
	default:
		u.logger.Error("user request failed", zap.String("op", op), zap.String("address", address), zap.Error(err))
		utils.Error(ctx, http.StatusInternalServerError, "Internal server error")
	}
}
