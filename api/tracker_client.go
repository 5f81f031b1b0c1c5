package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	goerrors "github.com/goliatone/go-errors"

	"boardhook/config"
	"boardhook/models"
)

const apiVersion = "1.0"

const contentTypeJSONPatch = "application/json-patch+json"

// HTTPDoer はHTTPリクエストを送信するインターフェースです
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// TrackerClient はトラッキングサービスのREST APIとのやり取りを処理します。
// 生成後に認証情報を変更することはできません
type TrackerClient struct {
	baseURL     string
	user        string
	token       string
	linkComment string
	client      HTTPDoer
}

// TrackerOption は TrackerClient の生成オプションです
type TrackerOption func(*TrackerClient)

// WithHTTPClient は送信に使うHTTPクライアントを差し替えます
func WithHTTPClient(client HTTPDoer) TrackerOption {
	return func(c *TrackerClient) {
		if client != nil {
			c.client = client
		}
	}
}

// NewTrackerClient は新しいトラッキングサービスクライアントを作成します
func NewTrackerClient(cfg config.TrackerConfig, opts ...TrackerOption) *TrackerClient {
	c := &TrackerClient{
		baseURL:     cfg.ResolvedBaseURL(),
		user:        cfg.User,
		token:       cfg.Token,
		linkComment: cfg.LinkComment,
		client:      &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL はAPIのベースURLを返します
func (c *TrackerClient) BaseURL() string {
	return c.baseURL
}

// WorkItemURL はワークアイテムを参照するURLを返します
func (c *TrackerClient) WorkItemURL(id int) string {
	return fmt.Sprintf("%s/_apis/wit/workItems/%d", c.baseURL, id)
}

// CheckAuth はトラッキングサービスの認証をチェックします
func (c *TrackerClient) CheckAuth(ctx context.Context) error {
	uri := fmt.Sprintf("%s/_apis/projects?api-version=%s", c.baseURL, apiVersion)
	_, err := c.send(ctx, http.MethodGet, uri, nil, "")
	return err
}

// FetchExpandedItem はリレーションとフィールドをすべて展開したワークアイテムを取得します
func (c *TrackerClient) FetchExpandedItem(ctx context.Context, id int) (*models.WorkItem, error) {
	uri := fmt.Sprintf("%s/_apis/wit/workitems/%d?$expand=all&api-version=%s", c.baseURL, id, apiVersion)

	body, err := c.send(ctx, http.MethodGet, uri, nil, "")
	if err != nil {
		return nil, err
	}
	return decodeWorkItem(body, map[string]any{"operation": "fetch", "work_item_id": id})
}

// CreateLinkedChild は親ワークアイテムの子としてリンクされた新しいワークアイテムを作成します。
// iterationPath と description は空の場合パッチに含めません
func (c *TrackerClient) CreateLinkedChild(
	ctx context.Context,
	teamProject string,
	title string,
	itemType string,
	parentID int,
	iterationPath string,
	description string,
) (*models.WorkItem, error) {
	doc := models.NewChildPatchDocument(models.ChildItemSpec{
		Title:         title,
		ParentID:      parentID,
		ParentURL:     c.WorkItemURL(parentID),
		IterationPath: iterationPath,
		Description:   description,
		LinkComment:   c.linkComment,
	})

	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, trackerWrapError(
			err,
			goerrors.CategoryInternal,
			"パッチドキュメントのエンコードエラー",
			http.StatusInternalServerError,
			ErrorSerialization,
			map[string]any{"parent_id": parentID},
		)
	}

	uri := fmt.Sprintf(
		"%s/%s/_apis/wit/workitems/$%s?api-version=%s",
		c.baseURL,
		url.PathEscape(teamProject),
		url.PathEscape(itemType),
		apiVersion,
	)
	body, err := c.send(ctx, http.MethodPatch, uri, payload, contentTypeJSONPatch)
	if err != nil {
		return nil, err
	}
	return decodeWorkItem(body, map[string]any{"operation": "create", "parent_id": parentID})
}

func (c *TrackerClient) send(ctx context.Context, method, uri string, payload []byte, contentType string) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, uri, reader)
	if err != nil {
		return nil, trackerWrapError(
			err,
			goerrors.CategoryBadInput,
			"リクエスト作成エラー",
			http.StatusBadRequest,
			ErrorRemoteService,
			map[string]any{"method": method, "url": uri},
		)
	}

	req.SetBasicAuth(c.user, c.token)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, trackerWrapError(
			err,
			goerrors.CategoryExternal,
			"リクエスト送信エラー",
			http.StatusBadGateway,
			ErrorRemoteService,
			map[string]any{"method": method, "url": uri},
		)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, trackerWrapError(
			err,
			goerrors.CategoryExternal,
			"レスポンス読み込みエラー",
			http.StatusBadGateway,
			ErrorRemoteService,
			map[string]any{"method": method, "url": uri, "status_code": resp.StatusCode},
		)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, trackerError(
			fmt.Sprintf("トラッキングサービスがエラーを返しました: %d %s", resp.StatusCode, string(body)),
			goerrors.CategoryExternal,
			http.StatusBadGateway,
			ErrorRemoteService,
			map[string]any{"method": method, "url": uri, "status_code": resp.StatusCode},
		)
	}
	return body, nil
}

func decodeWorkItem(body []byte, metadata map[string]any) (*models.WorkItem, error) {
	var item models.WorkItem
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, trackerWrapError(
			err,
			goerrors.CategoryExternal,
			"レスポンス解析エラー",
			http.StatusBadGateway,
			ErrorDeserialization,
			metadata,
		)
	}
	if item.ID <= 0 {
		return nil, trackerError(
			"レスポンスにワークアイテムIDがありません",
			goerrors.CategoryExternal,
			http.StatusBadGateway,
			ErrorDeserialization,
			metadata,
		)
	}
	return &item, nil
}
