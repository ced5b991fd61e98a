package v1

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"cmdrelay/internal/server/api/response"
	"cmdrelay/internal/server/audit"
	"cmdrelay/internal/types"
	"cmdrelay/internal/validator"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const queryTimeout = 10 * time.Second

// AccessRequest asks an operator for an access code
type AccessRequest struct {
	Email   string `json:"email" validate:"required,email"`
	UseCase string `json:"use_case" validate:"required,max=200"`
	Message string `json:"message" validate:"max=2000"`
}

// API represents the API
type API struct {
	audit     audit.Store
	validator *validator.Validator
	logger    *zap.Logger
}

// NewAPI creates new API
func NewAPI(store audit.Store, logger *zap.Logger) *API {
	if store == nil {
		store = audit.Nop{}
	}
	return &API{
		audit:     store,
		validator: validator.New(),
		logger:    logger.Named("api"),
	}
}

// RegisterRoutes registers API routes
func (api *API) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/commands", api.listCommands)
	r.POST("/access-requests", api.requestAccess)
}

// listCommands returns audited frames, newest first.
// Query: command_id, type, pair, since (RFC3339), limit, offset.
func (api *API) listCommands(c *gin.Context) {
	resp := response.New(c, api.logger)

	filter := audit.Filter{
		Pair:      c.Query("pair"),
		CommandID: c.Query("command_id"),
		Type:      types.MessageType(c.Query("type")),
	}

	if s := c.Query("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			resp.BadRequest(fmt.Errorf("invalid since: %w", err))
			return
		}
		filter.Since = since
	}

	var err error
	if filter.Limit, err = intQuery(c, "limit"); err != nil {
		resp.BadRequest(err)
		return
	}
	if filter.Offset, err = intQuery(c, "offset"); err != nil {
		resp.BadRequest(err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	entries, err := api.audit.List(ctx, filter)
	if err != nil {
		resp.InternalError(errors.New("failed to list commands"))
		api.logger.Error("Failed to list audit entries", zap.Error(err))
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}

	resp.Success(entries)
}

// requestAccess stores a request for an access code. Codes are issued
// out of band. A second request for the same email within a day is a
// conflict.
func (api *API) requestAccess(c *gin.Context) {
	resp := response.New(c, api.logger)

	var req AccessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		resp.BadRequest(fmt.Errorf("invalid request body: %w", err))
		return
	}
	if err := api.validator.Struct(req); err != nil {
		resp.ValidationError(err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	err := api.audit.RequestAccess(ctx, &audit.AccessRequest{
		Email:   req.Email,
		UseCase: req.UseCase,
		Message: req.Message,
	})
	switch {
	case errors.Is(err, audit.ErrAccessRequested):
		resp.Conflict(err)
		return
	case err != nil:
		resp.InternalError(errors.New("failed to submit access request"))
		api.logger.Error("Failed to store access request", zap.Error(err))
		return
	}

	api.logger.Info("Access requested",
		zap.String("email", req.Email),
		zap.String("use_case", req.UseCase))

	resp.Created(gin.H{
		"status":  "success",
		"message": "Access request submitted. You'll receive your code within 24 hours.",
	})
}

func intQuery(c *gin.Context, key string) (int, error) {
	s := c.Query(key)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, s)
	}
	return n, nil
}
