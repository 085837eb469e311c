package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"chatsync/client/internal/api"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local bridge API for a chat UI",
	RunE:  runServe,
}

var (
	flagServeAddr string
	flagServeRoom string
)

func init() {
	flags := serveCmd.Flags()
	flags.StringVar(&flagServeAddr, "addr", "", "listen address (default from bridge.host/bridge.port)")
	flags.StringVar(&flagServeRoom, "room", "", "room to join on start (default from bridge.default_room)")
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := buildApp(flagConfigPath)
	if err != nil {
		return err
	}
	logger := a.logger

	addr := flagServeAddr
	if addr == "" {
		addr = a.cfg.BridgeAddr()
	}
	room := flagServeRoom
	if room == "" {
		room = a.cfg.Bridge.DefaultRoom
	}
	if room != "" {
		if err := a.manager.Open(cmd.Context(), room); err != nil {
			_ = a.Close()
			return fmt.Errorf("open room %q: %w", room, err)
		}
	}

	gin.SetMode(gin.ReleaseMode)
	bridge := api.NewServer(a.manager, a.cfg.Bridge, a.cfg.Upload.MaxBytes, logger)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           bridge.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Str("room", room).Msg("[Serve] bridge listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("[Serve] listen failed")
			// 触发与 Ctrl+C 相同的关闭流程
			if p, perr := os.FindProcess(os.Getpid()); perr == nil {
				_ = p.Signal(os.Interrupt)
			}
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"bridge": func(ctx context.Context) error {
				logger.Info().Msg("[Serve] shutting down bridge")
				httpServer.SetKeepAlivesEnabled(false)
				err := httpServer.Shutdown(ctx)
				if cerr := a.Close(); cerr != nil {
					err = errors.Join(err, cerr)
				}
				return err
			},
		},
	)

	exitCode := <-wait
	logger.Info().Int("exit_code", exitCode).Msg("[Serve] stopped")
	if exitCode != 0 {
		return fmt.Errorf("shutdown finished with exit code %d", exitCode)
	}
	return nil
}
