package handler

import (
	"context"
	"errors"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/certroot/certroot/internal/admin"
	"github.com/certroot/certroot/internal/certifier/intake"
	"github.com/certroot/certroot/internal/reconcile"
)

// adminSvc is satisfied by *admin.Service.
type adminSvc interface {
	Register(ctx context.Context, username, password, email, fullName string) (*admin.Admin, error)
	Login(ctx context.Context, username, password string) (*admin.Admin, error)
}

// uploader is satisfied by *intake.Service.
type uploader interface {
	Accept(ctx context.Context, uploads []intake.Upload) (*intake.Report, error)
}

// reconciler is satisfied by *reconcile.Engine.
type reconciler interface {
	Run(ctx context.Context) (*reconcile.Summary, error)
	Rebuild(ctx context.Context) (*reconcile.RebuildSummary, error)
	PendingCount() int
}

// Counter reports the size of one store for the stats endpoint.
type Counter func(ctx context.Context) (int, error)

// StatsSources are the stores summarised by GET /admin/stats.
type StatsSources struct {
	LedgerRecords Counter
	AuditEntries  Counter
	MirrorRecords Counter
	UploadFolder  string
}

// AdminHandler serves the operator API. Every route except login requires a
// valid admin token; the first account is created with "certroot admin create".
type AdminHandler struct {
	admins adminSvc
	tokens *admin.TokenIssuer
	intake uploader
	engine reconciler
	stats  StatsSources
	logger *zap.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(
	admins adminSvc,
	tokens *admin.TokenIssuer,
	intake uploader,
	engine reconciler,
	stats StatsSources,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{
		admins: admins,
		tokens: tokens,
		intake: intake,
		engine: engine,
		stats:  stats,
		logger: logger,
	}
}

// Register mounts the /admin routes.
func (h *AdminHandler) Register(rg gin.IRouter) {
	a := rg.Group("/admin")
	a.POST("/login", h.Login)

	auth := a.Group("", admin.RequireAdmin(h.tokens))
	{
		auth.POST("/register", h.RegisterAdmin)
		auth.GET("/verify-token", h.VerifyToken)
		auth.POST("/logout", h.Logout)
		auth.POST("/upload", h.Upload)
		auth.GET("/stats", h.Stats)
		auth.POST("/reconcile", h.Reconcile)
		auth.POST("/rebuild-mirror", h.RebuildMirror)
	}
}

type registerRequest struct {
	Username string `json:"username"  form:"username"  binding:"required"`
	Password string `json:"password"  form:"password"  binding:"required"`
	Email    string `json:"email"     form:"email"     binding:"required"`
	FullName string `json:"full_name" form:"full_name" binding:"required"`
}

type loginRequest struct {
	Username string `json:"username" form:"username" binding:"required"`
	Password string `json:"password" form:"password" binding:"required"`
}

// RegisterAdmin handles POST /admin/register.
func (h *AdminHandler) RegisterAdmin(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	a, err := h.admins.Register(c.Request.Context(), req.Username, req.Password, req.Email, req.FullName)
	if err != nil {
		var verr *admin.ValidationError
		switch {
		case errors.As(err, &verr):
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Msg})
		case errors.Is(err, admin.ErrDuplicateUsername):
			c.JSON(http.StatusConflict, gin.H{"error": "Admin already exists"})
		default:
			h.logger.Error("register admin", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"status":   "success",
		"message":  "Admin registered successfully",
		"admin_id": a.ID.String(),
	})
}

// Login handles POST /admin/login. Credentials may arrive as JSON, a form
// body or query parameters.
func (h *AdminHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	a, err := h.admins.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, admin.ErrInvalidCredentials):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid username or password"})
		case errors.Is(err, admin.ErrInactive):
			c.JSON(http.StatusForbidden, gin.H{"error": "Admin account is inactive"})
		default:
			h.logger.Error("admin login", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		}
		return
	}

	tok, err := h.tokens.Issue(a.ID.String())
	if err != nil {
		h.logger.Error("issue admin token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":       "success",
		"access_token": tok,
		"token_type":   "bearer",
		"expires_in":   int(h.tokens.TTL().Seconds()),
		"admin":        a,
	})
}

// VerifyToken handles GET /admin/verify-token.
func (h *AdminHandler) VerifyToken(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "valid", "admin_id": admin.Claims(c).AdminID})
}

// Logout handles POST /admin/logout by revoking the presented token.
func (h *AdminHandler) Logout(c *gin.Context) {
	h.tokens.Revoke(admin.Claims(c))
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "Logged out successfully"})
}

// Upload handles POST /admin/upload with one or more multipart "files" fields.
func (h *AdminHandler) Upload(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart form with field 'files' is required"})
		return
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no files uploaded"})
		return
	}

	uploads := make([]intake.Upload, 0, len(headers))
	opened := make([]multipart.File, 0, len(headers))
	defer func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}()
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			h.logger.Error("open uploaded file", zap.String("filename", fh.Filename), zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "could not read uploaded file " + fh.Filename})
			return
		}
		opened = append(opened, f)
		uploads = append(uploads, intake.Upload{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Body:        f,
		})
	}

	rep, err := h.intake.Accept(c.Request.Context(), uploads)
	if err != nil {
		h.logger.Error("accept upload", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload could not be processed"})
		return
	}
	uploadedFilesTotal.WithLabelValues(intake.StatusSuccess).Add(float64(rep.Successful))
	uploadedFilesTotal.WithLabelValues(intake.StatusError).Add(float64(rep.Failed))
	c.JSON(http.StatusOK, rep)
}

// Stats handles GET /admin/stats.
func (h *AdminHandler) Stats(c *gin.Context) {
	ctx := c.Request.Context()
	out := gin.H{
		"total_records":   0,
		"csv_entries":     0,
		"mirror_records":  0,
		"pending_records": h.engine.PendingCount(),
		"upload_folder":   h.stats.UploadFolder,
		"status":          "ok",
	}

	for key, count := range map[string]Counter{
		"total_records":  h.stats.LedgerRecords,
		"csv_entries":    h.stats.AuditEntries,
		"mirror_records": h.stats.MirrorRecords,
	} {
		if count == nil {
			continue
		}
		n, err := count(ctx)
		if err != nil {
			h.logger.Error("admin stats", zap.String("source", key), zap.Error(err))
			out["status"] = "error"
			out["error"] = "failed to read " + key
			continue
		}
		out[key] = n
	}

	if out["status"] != "ok" {
		c.JSON(http.StatusInternalServerError, out)
		return
	}
	c.JSON(http.StatusOK, out)
}

// Reconcile handles POST /admin/reconcile: a blocking manual pass.
func (h *AdminHandler) Reconcile(c *gin.Context) {
	sum, err := h.engine.Run(c.Request.Context())
	if err != nil {
		h.logger.Error("manual reconcile", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed", "summary": sum})
		return
	}
	c.JSON(http.StatusOK, sum)
}

// RebuildMirror handles POST /admin/rebuild-mirror.
func (h *AdminHandler) RebuildMirror(c *gin.Context) {
	sum, err := h.engine.Rebuild(c.Request.Context())
	if err != nil {
		h.logger.Error("rebuild mirror", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "mirror rebuild failed"})
		return
	}
	c.JSON(http.StatusOK, sum)
}
