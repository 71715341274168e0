package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/Martin-Hayot/leilao-server/configs"
	"github.com/Martin-Hayot/leilao-server/internal/auth"
	"github.com/Martin-Hayot/leilao-server/internal/clock"
	"github.com/Martin-Hayot/leilao-server/internal/database"
	"github.com/Martin-Hayot/leilao-server/internal/engine"
	"github.com/Martin-Hayot/leilao-server/internal/handlers/rest"
	"github.com/Martin-Hayot/leilao-server/internal/handlers/websocket"
	"github.com/Martin-Hayot/leilao-server/internal/notify"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Load configurations
	cfg, err := configs.LoadConfig()
	if err != nil {
		log.Fatal("Error loading config", "error", err)
	}

	port := cfg.Server.Port
	if port == "" {
		port = "8080" // Default port if not specified
	}

	// Setup logger
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "debug"
	}
	logLevel, err := log.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		log.Error("Invalid log level", "error", err)
	} else {
		log.SetLevel(logLevel)
	}
	if cfg.Server.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Redirect logs to the monitor's buffer
	var logs *logBuffer
	if cfg.Features.Monitor {
		logs = &logBuffer{}
		log.SetOutput(logs)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database service
	db, err := database.New(cfg)
	if err != nil {
		log.Fatal("Error connecting to database", "error", err)
	}
	defer db.Close()
	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			log.Fatal("Error migrating database", "error", err)
		}
	}

	authenticator, err := auth.New(cfg.Auth.SecretKey)
	if err != nil {
		log.Fatal("Error setting up authentication", "error", err)
	}

	// Events go to connected sockets and, when enabled, to RabbitMQ.
	hub := websocket.NewHub()
	sinks := notify.Multi{hub}
	if cfg.RabbitMQ.Enabled {
		mq, err := notify.NewRabbitMQ(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
		if err != nil {
			log.Error("RabbitMQ unavailable, events stay local", "error", err)
		} else {
			defer mq.Close()
			sinks = append(sinks, mq)
		}
	}
	events := notify.NewAsync(sinks, 1024)

	svc := engine.New(db, events, clock.Real(), engine.OptionsFromConfig(cfg))

	sweeper := engine.NewSweeper(svc, cfg.Bidding.SweepInterval)
	sweeper.OnReport = func(r engine.SweepReport) {
		log.Info("Sweep", "lots", len(r.Lots), "auctions", len(r.Auctions), "failures", len(r.Failures))
		for _, f := range r.Failures {
			log.Warn("Sweep failure", "auction", f.AuctionID, "lot", f.LotID, "reason", f.Reason, "error", f.Err)
		}
	}
	sweepDone := sweeper.StartPeriodicCheck(ctx)

	// Setup routes
	wsHandler := websocket.NewAuctionWebSocketHandler(svc, authenticator, hub, websocket.OptionsFromConfig(cfg))
	router := rest.NewServer(svc, db, authenticator).Router()
	router.GET("/ws/auction", gin.WrapF(wsHandler.HandleAuctionWebSocket))

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in a goroutine
	log.Infof("Server started on port %s", port)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", "error", err)
		}
	}()

	if cfg.Features.Monitor {
		p := tea.NewProgram(newMonitor(db, logs, hub.Len), tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx))
		if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			log.Error("Error running monitor", "error", err)
		}
		stop()
	} else {
		<-ctx.Done()
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down server", "error", err)
	}
	hub.Close()
	<-sweepDone
	events.Close()
}
