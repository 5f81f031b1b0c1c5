// Package server は変更通知Webhookを受け付けるHTTPサーバーを構成します
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"

	"boardhook/services"
)

const defaultListenAddr = ":8080"

const defaultWebhookPath = "/api/workitemchanged"

const defaultShutdownTimeout = 5 * time.Second

// 受信ボディの上限
const defaultMaxBodyBytes int64 = 4 << 20

// Config はサーバーの設定です
type Config struct {
	ListenAddr  string
	WebhookPath string
	// MaxBodyBytes を超えるボディは 413 で拒否します。0 以下はデフォルト値です
	MaxBodyBytes int64
}

// NotificationHandler は変更通知を処理するインターフェースです
type NotificationHandler interface {
	HandleChangeNotification(ctx context.Context, req services.NotificationRequest) services.NotificationResponse
}

// WebhookHandler は HTTP リクエストを NotificationHandler へ渡します
type WebhookHandler struct {
	handler      NotificationHandler
	logger       glog.Logger
	maxBodyBytes int64
}

// NewWebhookHandler は新しい WebhookHandler を作成します
func NewWebhookHandler(handler NotificationHandler, logger glog.Logger) *WebhookHandler {
	if logger == nil {
		logger = glog.Nop()
	}
	return &WebhookHandler{handler: handler, logger: logger, maxBodyBytes: defaultMaxBodyBytes}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// 切り詰めたボディをそのまま返さないよう、上限超過は処理せずに拒否する
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.Warn("リクエストボディが上限を超えています", "limit", tooLarge.Limit)
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		h.logger.Warn("リクエストボディ読み込みエラー", "error", err.Error())
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	// 送信元の切断で子ワークアイテム作成が中断されないようにする
	ctx := context.WithoutCancel(r.Context())
	resp := h.handler.HandleChangeNotification(ctx, services.NotificationRequest{
		Authorization: r.Header.Get("Authorization"),
		Body:          body,
		DeliveryID:    r.Header.Get("X-Delivery-Id"),
	})

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if resp.DeliveryID != "" {
		w.Header().Set("X-Delivery-Id", resp.DeliveryID)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(resp.Body); err != nil {
		h.logger.Warn("レスポンス書き込みエラー", "delivery_id", resp.DeliveryID, "error", err.Error())
	}
}

// NewHandler はヘルスチェックとWebhookを含むルートハンドラーを作成します
func NewHandler(cfg Config, handler NotificationHandler, logger glog.Logger) (http.Handler, Config, error) {
	if handler == nil {
		return nil, Config{}, errors.New("notification handler は必須です")
	}
	cfg = normalizeConfig(cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", writeHealthStatus)
	webhook := NewWebhookHandler(handler, logger)
	webhook.maxBodyBytes = cfg.MaxBodyBytes
	mux.Handle(cfg.WebhookPath, webhook)
	return mux, cfg, nil
}

// Run はHTTPサーバーを起動し、終了またはエラーまでブロックします
func Run(ctx context.Context, cfg Config, handler NotificationHandler, logger glog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = glog.Nop()
	}

	root, cfg, err := NewHandler(cfg, handler, logger)
	if err != nil {
		return fmt.Errorf("ハンドラー構成エラー: %w", err)
	}
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErrCh := make(chan error, 1)
	go func() {
		logger.Info("Webhookサーバーを起動します", "addr", cfg.ListenAddr, "path", cfg.WebhookPath)
		serveErrCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErrCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("サーバー起動エラー: %w", err)
	case <-ctx.Done():
		logger.Info("Webhookサーバーを停止します")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		shutdownErr := httpServer.Shutdown(shutdownCtx)
		serveErr := <-serveErrCh
		if shutdownErr != nil && !errors.Is(shutdownErr, context.Canceled) {
			return fmt.Errorf("サーバー停止エラー: %w", shutdownErr)
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return fmt.Errorf("サーバー停止後のエラー: %w", serveErr)
		}
		return nil
	}
}

func normalizeConfig(cfg Config) Config {
	cfg.ListenAddr = strings.TrimSpace(cfg.ListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.WebhookPath = strings.TrimSpace(cfg.WebhookPath)
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = defaultWebhookPath
	}
	if !strings.HasPrefix(cfg.WebhookPath, "/") {
		cfg.WebhookPath = "/" + cfg.WebhookPath
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return cfg
}

func writeHealthStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
