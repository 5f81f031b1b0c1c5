package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"boardhook/api"
	"boardhook/config"
	"boardhook/server"
	"boardhook/services"
	"boardhook/utils"
)

func main() {
	// コマンドラインフラグの定義
	configPath := flag.String("config", "", "TOML設定ファイルのパス（任意）")
	addr := flag.String("addr", "", "待ち受けアドレス（指定しない場合は設定ファイル・環境変数から取得）")
	help := flag.Bool("help", false, "ヘルプを表示する")

	// フラグのパース
	flag.Parse()

	// ヘルプフラグが指定された場合はヘルプを表示
	if *help {
		printHelp()
		return
	}

	// 設定の読み込み
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		utils.LogError("設定の読み込みに失敗しました: %v", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.ListenAddr = *addr
	}

	logger, err := utils.NewLogger(os.Stderr, cfg.Logging.Level, "boardhook")
	if err != nil {
		utils.LogError("ロガーの初期化に失敗しました: %v", err)
		os.Exit(1)
	}
	if err := utils.SetLevel(cfg.Logging.Level); err != nil {
		utils.LogError("ログレベルの設定に失敗しました: %v", err)
		os.Exit(1)
	}

	tracker := api.NewTrackerClient(cfg.Tracker)
	evaluator := services.NewChangeEvaluator(
		tracker,
		services.EvaluatorConfigFromConfig(cfg),
		services.WithLogger(logger),
	)
	logger.Info("トラッキングサービス接続先", "base_url", tracker.BaseURL())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = server.Run(ctx, server.Config{
		ListenAddr:  cfg.Server.ListenAddr,
		WebhookPath: cfg.Webhook.Path,
	}, evaluator, logger)
	if err != nil {
		utils.LogError("Webhookサーバーエラー: %v", err)
		os.Exit(1)
	}
}

// ヘルプメッセージを表示する関数
func printHelp() {
	fmt.Printf(`
ワークアイテム変更Webhookサーバー

使用方法:
  %s [オプション]

オプション:
  -config ファイル     TOML設定ファイル
  -addr アドレス       待ち受けアドレス (例: :8080)
  -help               このヘルプを表示する

環境変数:
  TRACKER_ACCOUNT     アカウント名 (必須、TRACKER_BASE_URL 指定時は不要)
  TRACKER_COLLECTION  コレクション名 (必須、TRACKER_BASE_URL 指定時は不要)
  TRACKER_USER        APIユーザー名
  TRACKER_TOKEN       APIトークン (必須)
  TRACKER_BASE_URL    APIのベースURL (任意)
  WEBHOOK_USERNAME    Webhook受信時のユーザー名 (必須)
  WEBHOOK_PASSWORD    Webhook受信時のパスワード (必須)
  WEBHOOK_PATH        Webhookのパス (デフォルト: /api/workitemchanged)
  LISTEN_ADDR         待ち受けアドレス (デフォルト: :8080)
  LOG_LEVEL           ログレベル (デフォルト: info)
  TRIGGER_KEYWORD     ボード列のキーワード (デフォルト: Committed)
  CHILD_TITLE         作成する子ワークアイテムのタイトル (デフォルト: Make it Done)
  CHILD_TYPE          作成する子ワークアイテムの種類 (デフォルト: Task)
  CHILD_DESCRIPTION   作成する子ワークアイテムの説明 (デフォルト: Do it!)

説明:
  ボード列が Committed に移動したワークアイテムに、
  "Make it Done" タスクがまだ子として存在しなければ作成します。
`, os.Args[0])
}
