package transferapi

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/transfer_engine/models"
	"github.com/mmdatafocus/transfer_engine/ordersync"
	"github.com/mmdatafocus/transfer_engine/utils"
	"github.com/mmdatafocus/transfer_engine/workflow"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var validate = validator.New()

type Runner interface {
	Run(ctx context.Context, params workflow.RunParams) (*workflow.RunResult, error)
}

type SyncService interface {
	ordersync.Dispatcher
	SyncOutbound(ctx context.Context, order ordersync.ExternalOrder) (*ordersync.SyncResult, error)
	SyncStatusInbound(ctx context.Context, transferId int) (*ordersync.SyncResult, error)
	SyncInventory(ctx context.Context, productIds []string) (*ordersync.SyncResult, error)
	Resume(ctx context.Context, syncId uint) (*ordersync.SyncResult, error)
}

type Handler struct {
	DB     *gorm.DB
	Runs   Runner
	Sync   SyncService
	Logger *logrus.Logger
}

// RunRequest is bound from the query string (GET) or from a JSON or form body (POST).
type RunRequest struct {
	Mode         string   `form:"mode" json:"mode"`
	SourceOutlet string   `form:"source_outlet" json:"source_outlet"`
	DestOutlet   string   `form:"dest_outlet" json:"dest_outlet"`
	DestOutlets  []string `form:"dest_outlets" json:"dest_outlets"`
	Simulate     *int     `form:"simulate" json:"simulate" validate:"omitempty,oneof=0 1"`
	Cover        *int     `form:"cover" json:"cover" validate:"omitempty,min=0,max=365"`
	BufferPct    *float64 `form:"buffer_pct" json:"buffer_pct" validate:"omitempty,min=0,max=1000"`
	MaxProducts  int      `form:"max_products" json:"max_products" validate:"min=0"`
	FloorQty     *int     `form:"default_floor_qty" json:"default_floor_qty" validate:"omitempty,min=0"`
	Notes        string   `form:"notes" json:"notes" validate:"max=1000"`
	CreatedBy    string   `form:"created_by" json:"created_by" validate:"max=100"`
}

// Params converts the request. Simulate defaults to on.
func (r RunRequest) Params() (workflow.RunParams, error) {
	if err := validate.Struct(r); err != nil {
		fields := utils.ProcessValidationErrors(err)
		if len(fields) > 0 {
			names := make([]string, 0, len(fields))
			for field := range fields {
				names = append(names, field)
			}
			sort.Strings(names)
			return workflow.RunParams{}, utils.NewValidationError(names[0], "failed on %s", fields[names[0]])
		}
		return workflow.RunParams{}, utils.NewValidationError("request", "%v", err)
	}
	mode, err := workflow.ParseMode(r.Mode)
	if err != nil {
		return workflow.RunParams{}, err
	}
	params := workflow.RunParams{
		Mode:         mode,
		SourceOutlet: strings.TrimSpace(r.SourceOutlet),
		DestOutlet:   strings.TrimSpace(r.DestOutlet),
		Simulate:     r.Simulate == nil || *r.Simulate == 1,
		CoverDays:    r.Cover,
		FloorQty:     r.FloorQty,
		MaxProducts:  r.MaxProducts,
		Notes:        r.Notes,
		CreatedBy:    r.CreatedBy,
	}
	for _, v := range r.DestOutlets {
		params.DestOutlets = append(params.DestOutlets, utils.SplitAndTrim(v)...)
	}
	if r.BufferPct != nil {
		pct := decimal.NewFromFloat(*r.BufferPct)
		params.BufferPct = &pct
	}
	return params, nil
}

func (h *Handler) Register(r gin.IRouter) {
	r.GET("/api/transfers/run", h.RunTransfers())
	r.POST("/api/transfers/run", h.RunTransfers())
	r.POST("/api/transfers/seed", h.SeedStore())
	r.GET("/api/transfers/:id", h.GetTransfer())

	r.POST("/api/sync/orders", h.SyncOrder())
	r.POST("/api/sync/transfers/:id/status", h.SyncTransferStatus())
	r.POST("/api/sync/inventory", h.SyncInventory())
	r.GET("/api/sync/records/:id", h.GetSyncRecord())
	r.POST("/api/sync/records/:id/resume", h.ResumeSync())

	r.POST("/pubsub/order-sync", ordersync.PubSubPushHandler(h.Sync, h.Logger))
}

func (h *Handler) RunTransfers() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RunRequest
		if err := c.ShouldBind(&req); err != nil {
			respondError(c, utils.NewValidationError("request", "invalid request: %v", err))
			return
		}
		h.run(c, req)
	}
}

// SeedStore is run with mode fixed to seed_new_store.
func (h *Handler) SeedStore() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RunRequest
		if err := c.ShouldBind(&req); err != nil {
			respondError(c, utils.NewValidationError("request", "invalid request: %v", err))
			return
		}
		req.Mode = workflow.ModeSeedNewStore.String()
		h.run(c, req)
	}
}

func (h *Handler) run(c *gin.Context, req RunRequest) {
	params, err := req.Params()
	if err != nil {
		respondError(c, err)
		return
	}
	if params.CreatedBy == "" {
		if name, ok := utils.GetUserNameFromContext(c.Request.Context()); ok {
			params.CreatedBy = name
		}
	}
	res, err := h.Runs.Run(c.Request.Context(), params)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newRunResponse(res))
}

func (h *Handler) GetTransfer() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			respondError(c, utils.NewValidationError("id", "invalid transfer id"))
			return
		}
		transfer, err := models.GetTransfer(c.Request.Context(), h.DB, id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "transfer": transfer})
	}
}

func (h *Handler) SyncOrder() gin.HandlerFunc {
	return func(c *gin.Context) {
		var order ordersync.ExternalOrder
		if err := c.ShouldBindJSON(&order); err != nil {
			respondError(c, utils.NewValidationError("order", "invalid request: %v", err))
			return
		}
		res, err := h.Sync.SyncOutbound(c.Request.Context(), order)
		respondSync(c, res, err)
	}
}

func (h *Handler) SyncTransferStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			respondError(c, utils.NewValidationError("id", "invalid transfer id"))
			return
		}
		res, err := h.Sync.SyncStatusInbound(c.Request.Context(), id)
		respondSync(c, res, err)
	}
}

func (h *Handler) SyncInventory() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			ProductIds []string `json:"product_ids"`
		}
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&body); err != nil {
				respondError(c, utils.NewValidationError("product_ids", "invalid request: %v", err))
				return
			}
		}
		res, err := h.Sync.SyncInventory(c.Request.Context(), utils.UniqueSlice(body.ProductIds))
		respondSync(c, res, err)
	}
}

func (h *Handler) GetSyncRecord() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := syncIdParam(c)
		if !ok {
			return
		}
		rec, err := models.GetSyncRecord(c.Request.Context(), h.DB, id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "record": rec})
	}
}

func (h *Handler) ResumeSync() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := syncIdParam(c)
		if !ok {
			return
		}
		res, err := h.Sync.Resume(c.Request.Context(), id)
		respondSync(c, res, err)
	}
}

func syncIdParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		respondError(c, utils.NewValidationError("id", "invalid sync record id"))
		return 0, false
	}
	return uint(id), true
}

// respondSync reports a recorded failure together with its record state.
func respondSync(c *gin.Context, res *ordersync.SyncResult, err error) {
	if err == nil {
		c.JSON(http.StatusOK, res)
		return
	}
	if res == nil {
		respondError(c, err)
		return
	}
	c.AbortWithStatusJSON(statusFor(err), gin.H{
		"success": false,
		"error":   err.Error(),
		"sync":    res,
	})
}
