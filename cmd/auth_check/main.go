package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"boardhook/api"
	"boardhook/config"
	"boardhook/utils"
)

func main() {
	// コマンドラインフラグの定義
	configPath := flag.String("config", "", "TOML設定ファイルのパス（任意）")
	workItemID := flag.Int("id", 0, "取得を確認するワークアイテムID（任意）")
	help := flag.Bool("help", false, "ヘルプを表示する")

	// フラグのパース
	flag.Parse()

	// ヘルプフラグが指定された場合はヘルプを表示
	if *help {
		printHelp()
		return
	}

	utils.LogInfo("トラッキングサービス認証確認ツール")

	// 設定の読み込み（Webhook設定は不要なので接続設定のみ検証する）
	cfg, err := config.Load(*configPath)
	if err != nil {
		utils.LogError("設定の読み込みに失敗しました: %v", err)
		os.Exit(1)
	}
	if err := cfg.Tracker.Validate(); err != nil {
		utils.LogError("接続設定が不正です: %v", err)
		os.Exit(1)
	}

	client := api.NewTrackerClient(cfg.Tracker)
	ctx := context.Background()

	// 認証チェック
	utils.LogInfo("APIの認証を確認しています...")
	if err := client.CheckAuth(ctx); err != nil {
		utils.LogError("認証エラー: %v", err)
		utils.LogError("認証情報を確認してください。")
		os.Exit(1)
	}
	utils.LogInfo("認証成功！ 接続先: %s", client.BaseURL())

	if *workItemID > 0 {
		item, err := client.FetchExpandedItem(ctx, *workItemID)
		if err != nil {
			utils.LogError("ワークアイテム %d の取得に失敗しました: %v", *workItemID, err)
			os.Exit(1)
		}
		utils.LogInfo("ワークアイテム %d: %s (プロジェクト: %s, リレーション: %d 件)",
			item.ID, item.Title(), item.TeamProject(), len(item.Relations))
	}
}

// ヘルプメッセージを表示する関数
func printHelp() {
	fmt.Printf(`
トラッキングサービス認証確認ツール

使用方法:
  %s [オプション]

オプション:
  -config ファイル     TOML設定ファイル
  -id 番号            取得を確認するワークアイテムID
  -help               このヘルプを表示する

環境変数:
  TRACKER_ACCOUNT     アカウント名
  TRACKER_COLLECTION  コレクション名
  TRACKER_USER        APIユーザー名
  TRACKER_TOKEN       APIトークン (必須)
  TRACKER_BASE_URL    APIのベースURL (任意)

説明:
  このツールはトラッキングサービスAPIの認証情報が正しく設定されているかを確認します。
  -id を指定すると、そのワークアイテムをリレーション込みで取得できるかも確認します。
`, os.Args[0])
}
