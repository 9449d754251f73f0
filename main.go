package main

import (
	"ModelVault/config"
	"ModelVault/internal/diskspace"
	"ModelVault/internal/handler"
	"ModelVault/internal/integrity"
	"ModelVault/internal/progress"
	"ModelVault/internal/repo"
	"ModelVault/internal/scheduler"
	"ModelVault/internal/store"
	"ModelVault/internal/transfer"
	"ModelVault/router"
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// main initializes services and starts the HTTP server.
func main() {
	config.InitConfig()
	db := repo.InitSqlite(config.AppConfig.DataDir)

	queue := store.NewQueue(db)
	history := store.NewHistory(db)
	tracker := progress.NewTracker(config.AppConfig.SpeedWindow, config.AppConfig.ProgressBuffer)
	checker := integrity.NewChecker(history, config.AppConfig.ModelsDir)
	guard := diskspace.NewGuard(config.AppConfig.DiskMargin, config.AppConfig.DiskMinFree)
	engine := transfer.NewEngine(queue, tracker, checker, config.AppConfig.ModelsDir)
	sched := scheduler.New(queue, history, checker, guard, engine, tracker,
		config.AppConfig.ModelsDir, config.AppConfig.MaxParallel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	sched.Start(ctx)

	h := handler.NewHandler(sched, tracker, history, guard, config.AppConfig.ModelsDir)
	srv := &http.Server{
		Addr:    config.AppConfig.ListenAddr,
		Handler: router.InitRouter(h),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Println("download manager listening on", config.AppConfig.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server stopped: ", err)
	}

	// Let workers checkpoint and requeue before exiting.
	sched.Wait()
	log.Println("shutdown complete")
}
