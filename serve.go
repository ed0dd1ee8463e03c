package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"certmailer/internal/api"
	"certmailer/internal/auth"
	"certmailer/internal/docstore"
	"certmailer/internal/mailer"
	"certmailer/internal/models"
	"certmailer/internal/pipeline"
	"certmailer/internal/reaper"
	"certmailer/internal/redis"
	"certmailer/internal/storage"
	"certmailer/internal/worker"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the web server, the batch runner and the temporary document reaper",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	rdb, err := redis.NewRedisClient(cfg)
	if err != nil {
		logger.Warn("redis unavailable, continuing without cache", zap.Error(err))
	} else {
		defer rdb.Close()
	}

	store, err := openGoogleStore(cmd)
	if err != nil {
		return err
	}
	ledger := storage.NewLedger(db)
	sender := mailer.NewSMTP(mailer.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		Timeout:  cfg.BasicConfig.RemoteTimeout(),
	}, logger.Named("mailer"))

	run := func(ctx context.Context, jobID string, req worker.Request, progress pipeline.ProgressFunc) (models.BatchRun, error) {
		jobLogger := logger.With(zap.String("job_id", jobID))
		lifecycle := docstore.NewLifecycle(store, append(lifecycleOptions(), docstore.WithLedger(ledger, jobID))...)
		o := pipeline.New(lifecycle, sender, pipeline.WithLogger(jobLogger), pipeline.WithProgress(progress))
		return o.Run(ctx, req.Roster, req.SourceID, req.Template), nil
	}
	manager := worker.NewManager(run,
		worker.WithCache(rdb),
		worker.WithHistory(storage.NewBatches(db)),
		worker.WithLogger(logger.Named("worker")),
		worker.WithQueueSize(cfg.BasicConfig.QueueSize),
	)
	preview := docstore.NewLifecycle(store, append(lifecycleOptions(), docstore.WithLedger(ledger, "preview"))...)

	signIn := auth.NewGoogleSignIn(
		auth.NewGoogleProvider(auth.OAuthConfig{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			RedirectURL:  cfg.Google.RedirectURL,
		}),
		auth.NewDomainPolicy(cfg.BasicConfig.AllowedDomains),
	)
	if len(cfg.BasicConfig.AllowedDomains) == 0 {
		logger.Warn("no allowed_domains configured, every sign-in will be refused")
	}
	authService := auth.NewService(db, rdb, cfg.BasicConfig.TokenTTL())
	handler := api.NewHandler(db, authService, signIn, manager, preview, api.Config{
		Placeholder:   cfg.BasicConfig.TemplatePlaceholder,
		SecureCookies: strings.HasPrefix(cfg.Google.RedirectURL, "https://"),
	}, logger.Named("api"))

	if !verbose {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), api.RequestLogger(logger.Named("http")))
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	sweeper := reaper.New(store, ledger, cfg.BasicConfig.ReapAge(), cfg.BasicConfig.RemoteTimeout(), logger.Named("reaper"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return manager.Run(gctx)
	})
	g.Go(func() error {
		return sweeper.Run(gctx, cfg.BasicConfig.ReapInterval())
	})
	err = g.Wait()
	logger.Info("server stopped")
	return err
}
