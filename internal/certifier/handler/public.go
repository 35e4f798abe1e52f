// Package handler exposes the certifier over HTTP with gin.
package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/certroot/certroot/internal/ledger"
	"github.com/certroot/certroot/internal/verify"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "File Integrity Service"

// Health handles GET /health.
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": ServiceName})
}

// verifier is satisfied by *verify.Service.
type verifier interface {
	Verify(ctx context.Context, r io.Reader) verify.Result
}

// VerifyHandler answers whether an uploaded file was certified.
type VerifyHandler struct {
	svc    verifier
	logger *zap.Logger
}

// NewVerifyHandler creates a VerifyHandler.
func NewVerifyHandler(svc verifier, logger *zap.Logger) *VerifyHandler {
	return &VerifyHandler{svc: svc, logger: logger}
}

// Register mounts POST /verify. Extra middleware, such as a rate limiter,
// applies to this route only.
func (h *VerifyHandler) Register(rg gin.IRoutes, mw ...gin.HandlerFunc) {
	rg.POST("/verify", append(mw, h.Verify)...)
}

// Verify handles POST /verify with a multipart "file" field.
func (h *VerifyHandler) Verify(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": verify.StatusError, "error": "multipart field 'file' is required"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		h.logger.Error("open uploaded file", zap.String("filename", fh.Filename), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"status": verify.StatusError, "error": "could not read uploaded file"})
		return
	}
	defer f.Close()

	res := h.svc.Verify(c.Request.Context(), f)
	if res.Status == verify.StatusError {
		c.JSON(http.StatusInternalServerError, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ledgerReader is satisfied by *ledger.Client.
type ledgerReader interface {
	Count(ctx context.Context) (uint64, error)
	Read(ctx context.Context, id uint64) (*ledger.Record, error)
}

// LedgerHandler exposes read-only ledger endpoints.
type LedgerHandler struct {
	ledger ledgerReader
	logger *zap.Logger
}

// NewLedgerHandler creates a LedgerHandler.
func NewLedgerHandler(l ledgerReader, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: l, logger: logger}
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg gin.IRoutes) {
	rg.GET("/ledger", h.Overview)
	rg.GET("/ledger/records/:id", h.GetRecord)
}

// Overview handles GET /ledger.
func (h *LedgerHandler) Overview(c *gin.Context) {
	n, err := h.ledger.Count(c.Request.Context())
	if err != nil {
		h.logger.Error("ledger count", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"total_records": n})
}

// GetRecord handles GET /ledger/records/:id.
func (h *LedgerHandler) GetRecord(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a non-negative integer"})
		return
	}

	rec, err := h.ledger.Read(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
			return
		}
		h.logger.Error("ledger read", zap.Uint64("record_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read ledger"})
		return
	}
	c.JSON(http.StatusOK, rec)
}
