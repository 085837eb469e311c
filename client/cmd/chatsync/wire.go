package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"chatsync/client/internal/channel"
	"chatsync/client/internal/config"
	"chatsync/client/internal/history"
	"chatsync/client/internal/identity"
	"chatsync/client/internal/journal"
	"chatsync/client/internal/logging"
	"chatsync/client/internal/session"
	"chatsync/client/internal/upload"
)

// app 一次命令运行所需的全部组件
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	logCloser io.Closer
	journal   *journal.Journal
	manager   *session.Manager
}

// buildApp 按配置装配同步核心
func buildApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, logCloser: logCloser}

	author, err := identity.Resolve(cfg.Identity.AccessToken, cfg.Identity.UserID, cfg.Identity.Username, logger)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("resolve identity: %w", err)
	}
	header := identity.Header(cfg.Identity.AccessToken)

	opts := session.Options{
		Author: author,
		Channel: channel.Config{
			BaseURL:          cfg.Server.SocketBaseURL,
			ReconnectDelay:   cfg.Channel.ReconnectDelay,
			HandshakeTimeout: cfg.Channel.HandshakeTimeout,
			PingInterval:     cfg.Channel.PingInterval,
			WriteTimeout:     cfg.Channel.WriteTimeout,
			Header:           header,
		},
		History: &history.Loader{
			HTTPClient:  &http.Client{Timeout: cfg.History.Timeout},
			BaseURL:     cfg.Server.APIBaseURL,
			Header:      header,
			NewestFirst: cfg.History.NewestFirst,
			Logger:      logger,
		},
		HistoryLimit:   cfg.History.Limit,
		HistoryTimeout: cfg.History.Timeout,
		Uploader: &upload.Pipeline{
			// 超时由组合器的 context 控制
			HTTPClient: &http.Client{},
			BaseURL:    cfg.Server.APIBaseURL,
			Header:     header,
			MaxBytes:   cfg.Upload.MaxBytes,
			Logger:     logger,
		},
		UploadTimeout: cfg.Upload.Timeout,
		Policy:        cfg.RetryPolicy(),
		DedupeEcho:    cfg.Composer.DedupeEcho,
		Logger:        logger,
	}

	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			logger.Warn().Err(err).Str("path", cfg.Journal.Path).Msg("[Wire] open journal failed, running without outbox")
		} else {
			a.journal = j
			opts.Journal = j
		}
	}

	a.manager = session.NewManager(opts)
	logger.Info().
		Int("user_id", author.ID).
		Str("username", author.Name).
		Str("api", cfg.Server.APIBaseURL).
		Str("socket", cfg.Server.SocketBaseURL).
		Msg("[Wire] chat sync core ready")
	return a, nil
}

// Close 依次关闭管理器、journal 和日志输出
func (a *app) Close() error {
	var errs []error
	if a.manager != nil {
		if err := a.manager.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close manager: %w", err))
		}
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}
	if a.logCloser != nil {
		if err := a.logCloser.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
