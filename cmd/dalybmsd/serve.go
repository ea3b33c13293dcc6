package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/srg/dalybms/internal/bmsdisconnect"
	"github.com/srg/dalybms/internal/cache"
	"github.com/srg/dalybms/internal/fanout"
	"github.com/srg/dalybms/internal/protocol"
	"github.com/srg/dalybms/internal/pubsub"
	"github.com/srg/dalybms/internal/pushhub"
	"github.com/srg/dalybms/internal/query"
	"github.com/srg/dalybms/internal/scheduler"
	"github.com/srg/dalybms/internal/store"
	"github.com/srg/dalybms/internal/telemetry"
	"github.com/srg/dalybms/internal/transport"
	"github.com/srg/dalybms/pkg/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the acquisition loop, sinks and HTTP query surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		return runServe(cfgPath, cmd)
	},
}

func runServe(cfgPath string, cmd *cobra.Command) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if lvl, _ := cmd.Root().PersistentFlags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	logger := cfg.NewLogger()

	if cfg.BMSMACAddress == "" {
		return fmt.Errorf("BMS_MAC_ADDRESS is required")
	}

	st, err := store.Open(cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	mem := cache.New()
	topics := cache.NewTopicCache(mem)

	var ps *pubsub.Publisher
	if cfg.MQTTBrokerURL != "" {
		ps, err = pubsub.Connect(cfg.MQTTBrokerURL, logger)
		if err != nil {
			logger.WithError(err).Warn("pub/sub broker unavailable, continuing without it")
			ps = nil
		} else {
			defer ps.Close()
		}
	}

	hub := pushhub.New(logger)
	fo := fanout.New(logger, st, topics, ps, hub)

	helper := bmsdisconnect.NewRunner(logger)
	session := transport.NewSession(logger, cfg.BMSMACAddress, helper)

	rm := protocol.DefaultRegisterMap()
	rm.SOCRegister = cfg.SOCRegister
	rm.SOCScale = cfg.SOCScale
	rm.SOCOffset = cfg.SOCOffset

	counters := telemetry.NewCounters(time.Now())

	sched, err := scheduler.New(logger, session, rm, counters, fo, cfg.BMSReadInterval)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	var psBackend query.PubSubBackend
	if ps != nil {
		psBackend = ps
	}
	handlers := query.New(logger, st, topics, mem, psBackend, rm, counters, sched.LastBulkPayload)
	router := mux.NewRouter()
	handlers.MountRoutes(router)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.WithError(err).Warn("websocket upgrade failed")
			return
		}
		hub.Join(conn)
	})

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := &http.Server{Addr: addr, Handler: router}

	go func() {
		logger.WithField("addr", addr).Info("query interface listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("http server stopped unexpectedly")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = sched.Stop()
	_ = session.Disconnect()

	return nil
}

func init() {
	serveCmd.Flags().String("config", "", "path to config.yaml")
}
