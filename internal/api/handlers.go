package api

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"certmailer/internal/auth"
	"certmailer/internal/docstore"
	"certmailer/internal/models"
	"certmailer/internal/render"
	"certmailer/internal/roster"
	"certmailer/internal/storage"
	"certmailer/internal/worker"
)

const (
	maxUploadBytes   = 5 << 20
	oauthStateName   = "oauth_state"
	oauthStateMaxAge = 600
)

// BatchManager queues and tracks batches.
type BatchManager interface {
	Submit(worker.Request) (worker.Snapshot, error)
	Status(userID int64, id string) (worker.Snapshot, error)
	List(userID int64) []worker.Snapshot
	Cancel(userID int64, id string) (worker.Snapshot, error)
}

// Renderer produces one certificate; the preview uses it for the first row.
type Renderer interface {
	Render(ctx context.Context, src docstore.SourceID, rec models.Recipient) (models.RenderedDocument, error)
}

// SignIn runs the Google authorization code flow.
type SignIn interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (string, error)
}

type Config struct {
	// Placeholder is the token replaced in the email subject and body.
	Placeholder   string
	SecureCookies bool
	// AfterLogin is where the callback redirects once signed in.
	AfterLogin string
}

// Handler wires HTTP routes to sign-in, previews and the batch manager.
type Handler struct {
	db      *sql.DB
	auth    *auth.Service
	signIn  SignIn
	batches BatchManager
	history *storage.Batches
	preview Renderer
	cfg     Config
	logger  *zap.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(db *sql.DB, authService *auth.Service, signIn SignIn, batches BatchManager, preview Renderer, cfg Config, logger *zap.Logger) *Handler {
	if cfg.Placeholder == "" {
		cfg.Placeholder = "{Full_Name}"
	}
	if cfg.AfterLogin == "" {
		cfg.AfterLogin = "/"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		db:      db,
		auth:    authService,
		signIn:  signIn,
		batches: batches,
		history: storage.NewBatches(db),
		preview: preview,
		cfg:     cfg,
		logger:  logger,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.GET("/auth/google/login", h.googleLogin)
	api.GET("/auth/google/callback", h.googleCallback)

	private := api.Group("")
	private.Use(h.auth.Middleware(), h.auth.CSRFMiddleware())
	private.GET("/me", h.me)
	private.POST("/logout", h.logout)
	private.POST("/preview", h.previewBatch)
	private.POST("/batches", h.submitBatch)
	private.GET("/batches", h.listBatches)
	private.GET("/batches/:id", h.getBatch)
	private.DELETE("/batches/:id", h.cancelBatch)
}

func (h *Handler) authorizedUserID(c *gin.Context) (int64, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return 0, false
	}
	return userID, true
}

func (h *Handler) googleLogin(c *gin.Context) {
	state, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not start sign-in"})
		return
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(oauthStateName, state, oauthStateMaxAge, "/api/auth", "", h.cfg.SecureCookies, true)
	c.Redirect(http.StatusFound, h.signIn.AuthCodeURL(state))
}

func (h *Handler) googleCallback(c *gin.Context) {
	want, err := c.Cookie(oauthStateName)
	if err != nil || want == "" || c.Query("state") != want {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid oauth state"})
		return
	}
	c.SetCookie(oauthStateName, "", -1, "/api/auth", "", h.cfg.SecureCookies, true)
	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing authorization code"})
		return
	}

	ctx := c.Request.Context()
	email, err := h.signIn.Exchange(ctx, code)
	if err != nil {
		if errors.Is(err, auth.ErrForbidden) {
			h.logger.Info("sign-in refused", zap.Error(err))
			h.revokeRefused(ctx, email)
			h.auth.ClearSessionCookies(c, h.cfg.SecureCookies)
			c.JSON(http.StatusForbidden, gin.H{"error": "access denied: this account is not allowed to use this application"})
			return
		}
		h.logger.Warn("sign-in failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "sign-in failed, please log in again"})
		return
	}
	user, err := storage.EnsureUser(ctx, h.db, email)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load user"})
		return
	}
	token, err := h.auth.IssueToken(ctx, user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not issue session"})
		return
	}
	if err := h.auth.SetSessionCookies(c, token, h.cfg.SecureCookies); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not issue session"})
		return
	}
	h.logger.Info("signed in", zap.Int64("user_id", user.ID), zap.String("email", user.Email))
	c.Redirect(http.StatusFound, h.cfg.AfterLogin)
}

// revokeRefused signs out every session of an account the sign-in policy no
// longer admits, for instance after its domain was removed from the list.
func (h *Handler) revokeRefused(ctx context.Context, email string) {
	if email == "" {
		return
	}
	user, err := storage.UserByEmail(ctx, h.db, email)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			h.logger.Warn("look up refused user", zap.Error(err))
		}
		return
	}
	if err := h.auth.RevokeUserTokens(ctx, user.ID); err != nil {
		h.logger.Warn("revoke refused user sessions", zap.Int64("user_id", user.ID), zap.Error(err))
		return
	}
	h.logger.Info("revoked sessions of refused user", zap.Int64("user_id", user.ID))
}

func (h *Handler) me(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	user, err := storage.GetUser(c.Request.Context(), h.db, userID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *Handler) logout(c *gin.Context) {
	if _, ok := h.authorizedUserID(c); !ok {
		return
	}
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		_ = h.auth.RevokeToken(c.Request.Context(), authToken)
	}
	h.auth.ClearSessionCookies(c, h.cfg.SecureCookies)
	c.Status(http.StatusNoContent)
}

// batchForm is the multipart form shared by preview and submit.
type batchForm struct {
	roster   roster.Roster
	source   docstore.SourceID
	template models.Template
}

func (h *Handler) readBatchForm(c *gin.Context) (batchForm, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)
	if err := c.Request.ParseMultipartForm(maxUploadBytes); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return batchForm{}, false
	}
	file, err := c.FormFile("roster")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roster file is required"})
		return batchForm{}, false
	}
	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "open roster failed"})
		return batchForm{}, false
	}
	defer f.Close()
	r, err := roster.Parse(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return batchForm{}, false
	}
	src, err := docstore.ParseLink(strings.TrimSpace(c.PostForm("presentation_link")))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "please provide a valid Google Slides presentation link"})
		return batchForm{}, false
	}
	return batchForm{
		roster: r,
		source: src,
		template: models.Template{
			Subject:     c.PostForm("subject"),
			Body:        c.PostForm("body"),
			Placeholder: h.cfg.Placeholder,
		},
	}, true
}

func (h *Handler) previewBatch(c *gin.Context) {
	if _, ok := h.authorizedUserID(c); !ok {
		return
	}
	form, ok := h.readBatchForm(c)
	if !ok {
		return
	}
	first, found := form.roster.First()
	if !found {
		c.JSON(http.StatusBadRequest, gin.H{"error": "the uploaded CSV file is empty"})
		return
	}
	if !first.Eligible() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "the first row needs both a full name and an email"})
		return
	}
	text := render.Render(form.template, first)
	doc, err := h.preview.Render(c.Request.Context(), form.source, first)
	if err != nil {
		kind, _ := docstore.KindOf(err)
		h.logger.Warn("preview failed", zap.String("kind", string(kind)), zap.Error(err))
		c.JSON(statusForRemote(err), gin.H{"error": err.Error(), "kind": kind})
		return
	}
	pages, err := docstore.PageCount(doc.Content)
	if err != nil {
		pages = 0
	}
	c.JSON(http.StatusOK, gin.H{
		"recipient":        first,
		"subject":          text.Subject,
		"body":             text.Body,
		"certificate_name": doc.Name,
		"certificate_pdf":  base64.StdEncoding.EncodeToString(doc.Content),
		"pages":            pages,
		"total":            form.roster.Total(),
		"eligible":         len(form.roster.Eligible()),
	})
}

func (h *Handler) submitBatch(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	form, ok := h.readBatchForm(c)
	if !ok {
		return
	}
	snap, err := h.batches.Submit(worker.Request{
		UserID:   userID,
		SourceID: form.source,
		Roster:   form.roster,
		Template: form.template,
	})
	if err != nil {
		switch {
		case errors.Is(err, worker.ErrQueueFull):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
		case errors.Is(err, worker.ErrStopped):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusAccepted, snap)
}

func (h *Handler) getBatch(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	id := c.Param("id")
	snap, err := h.batches.Status(userID, id)
	if err == nil {
		c.JSON(http.StatusOK, snap)
		return
	}
	if !errors.Is(err, worker.ErrNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	rec, err := h.history.Get(c.Request.Context(), id)
	if err != nil || rec.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
		return
	}
	c.JSON(http.StatusOK, snapshotFromRecord(rec))
}

func (h *Handler) listBatches(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	live := h.batches.List(userID)
	seen := make(map[string]bool, len(live))
	for _, s := range live {
		seen[s.ID] = true
	}
	records, err := h.history.List(c.Request.Context(), userID, 50)
	if err != nil {
		h.logger.Warn("list batch history", zap.Error(err))
	}
	past := make([]worker.Snapshot, 0, len(records))
	for _, rec := range records {
		if !seen[rec.ID] {
			past = append(past, snapshotFromRecord(rec))
		}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": live, "history": past})
}

func (h *Handler) cancelBatch(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	snap, err := h.batches.Cancel(userID, c.Param("id"))
	if err != nil {
		if errors.Is(err, worker.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func snapshotFromRecord(rec models.BatchRecord) worker.Snapshot {
	run := &models.BatchRun{Total: rec.Total, Processed: rec.Processed, Succeeded: rec.Succeeded, Failed: []models.Failure{}}
	_ = json.Unmarshal([]byte(rec.FailedJSON), &run.Failed)
	return worker.Snapshot{
		ID:         rec.ID,
		UserID:     rec.UserID,
		SourceID:   rec.SourceID,
		Status:     worker.Status(rec.Status),
		Total:      rec.Total,
		Run:        run,
		CreatedAt:  rec.CreatedAt,
		FinishedAt: rec.FinishedAt,
	}
}

func statusForRemote(err error) int {
	switch {
	case errors.Is(err, docstore.ErrQuota):
		return http.StatusTooManyRequests
	case errors.Is(err, docstore.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}
