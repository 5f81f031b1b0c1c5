package services

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/google/uuid"

	"boardhook/config"
	"boardhook/models"
	"boardhook/utils"
)

// Tracker はトラッキングサービスAPIのうち評価処理が使う操作です
type Tracker interface {
	FetchExpandedItem(ctx context.Context, id int) (*models.WorkItem, error)
	CreateLinkedChild(
		ctx context.Context,
		teamProject string,
		title string,
		itemType string,
		parentID int,
		iterationPath string,
		description string,
	) (*models.WorkItem, error)
}

// 処理結果の種類
const (
	OutcomeForbidden   = "forbidden"
	OutcomeParseFailed = "parse_failed"
	OutcomePassThrough = "pass_through"
	OutcomeNotMatched  = "not_matched"
	OutcomeCreated     = "created"
	OutcomeExisting    = "existing"
	OutcomeFailed      = "failed"
)

// 監視系へ報告する処理段階
const (
	StageResolveRelation = "resolve_relation"
	StageFetchParent     = "fetch_parent"
	StageFetchRelated    = "fetch_related"
	StageCreateChild     = "create_child"
	StageValidateEvent   = "validate_event"
	StageRenderResponse  = "render_response"
)

var forbiddenBody = []byte(`{"message":"Not allowed"}`)

// EvaluatorConfig は評価処理の不変な設定です
type EvaluatorConfig struct {
	WebhookUsername string
	WebhookPassword string
	Trigger         Trigger
}

// EvaluatorConfigFromConfig はアプリケーション設定から評価処理の設定を作成します
func EvaluatorConfigFromConfig(cfg *config.Config) EvaluatorConfig {
	return EvaluatorConfig{
		WebhookUsername: cfg.Webhook.Username,
		WebhookPassword: cfg.Webhook.Password,
		Trigger:         TriggerFromConfig(cfg.Trigger),
	}
}

// NotificationRequest は受信したWebhook呼び出しです
type NotificationRequest struct {
	Authorization string
	Body          []byte
	DeliveryID    string
}

// NotificationResponse はWebhook呼び出しへの応答です
type NotificationResponse struct {
	StatusCode int
	Body       []byte
	Outcome    string
	DeliveryID string
	Err        error
}

// EvaluatorOption は ChangeEvaluator の生成オプションです
type EvaluatorOption func(*ChangeEvaluator)

// WithLogger はロガーを設定します
func WithLogger(logger glog.Logger) EvaluatorOption {
	return func(e *ChangeEvaluator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithReporter は失敗の報告先を設定します
func WithReporter(reporter Reporter) EvaluatorOption {
	return func(e *ChangeEvaluator) {
		if reporter != nil {
			e.reporter = reporter
		}
	}
}

// WithRelationIDExtractor はリレーションからIDを取り出す方法を差し替えます
func WithRelationIDExtractor(extract RelationIDExtractor) EvaluatorOption {
	return func(e *ChangeEvaluator) {
		if extract != nil {
			e.extractID = extract
		}
	}
}

// ChangeEvaluator はワークアイテム変更通知を評価し、必要に応じて子ワークアイテムを作成します
type ChangeEvaluator struct {
	tracker       Tracker
	trigger       Trigger
	expectedCreds string
	extractID     RelationIDExtractor
	reporter      Reporter
	logger        glog.Logger
}

// NewChangeEvaluator は新しい評価処理を作成します
func NewChangeEvaluator(tracker Tracker, cfg EvaluatorConfig, opts ...EvaluatorOption) *ChangeEvaluator {
	e := &ChangeEvaluator{
		tracker:       tracker,
		trigger:       cfg.Trigger,
		expectedCreds: base64.StdEncoding.EncodeToString([]byte(cfg.WebhookUsername + ":" + cfg.WebhookPassword)),
		extractID:     TrailingDigitsID,
		logger:        glog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.reporter == nil {
		e.reporter = LogReporter{Logger: e.logger}
	}
	return e
}

// HandleChangeNotification は1件の変更通知を処理します。
// 認証失敗のみ 403 を返し、それ以外の失敗は報告したうえで 202 に縮退します
func (e *ChangeEvaluator) HandleChangeNotification(ctx context.Context, req NotificationRequest) NotificationResponse {
	if ctx == nil {
		ctx = context.Background()
	}
	deliveryID := strings.TrimSpace(req.DeliveryID)
	if deliveryID == "" {
		deliveryID = uuid.NewString()
	}
	logger := e.logger.WithContext(ctx)
	defer utils.TrackTime(logger, time.Now(), "Webhook処理 "+deliveryID)

	if err := e.authenticate(req.Authorization); err != nil {
		logger.Warn("Webhook認証に失敗しました", "delivery_id", deliveryID)
		return NotificationResponse{
			StatusCode: http.StatusForbidden,
			Body:       forbiddenBody,
			Outcome:    OutcomeForbidden,
			DeliveryID: deliveryID,
			Err:        err,
		}
	}

	event, err := parseEvent(req.Body)
	if err != nil {
		logger.Warn("イベント解析に失敗したため受信内容をそのまま返します", "delivery_id", deliveryID, "error", err.Error())
		return NotificationResponse{
			StatusCode: http.StatusAccepted,
			Body:       req.Body,
			Outcome:    OutcomeParseFailed,
			DeliveryID: deliveryID,
			Err:        err,
		}
	}

	change, ok := event.FieldChange(e.trigger.Field)
	if !ok {
		logger.Debug("対象フィールドの変更がないため処理をスキップします", "delivery_id", deliveryID, "field", e.trigger.Field)
		return NotificationResponse{
			StatusCode: http.StatusAccepted,
			Body:       req.Body,
			Outcome:    OutcomePassThrough,
			DeliveryID: deliveryID,
		}
	}

	outcome := OutcomeNotMatched
	if e.trigger.Matches(change) {
		outcome, err = e.remediate(ctx, deliveryID, event.WorkItemID())
		if err != nil {
			outcome = OutcomeFailed
		}
	}
	logger.Info("変更通知を評価しました",
		"delivery_id", deliveryID,
		"work_item_id", event.WorkItemID(),
		"old_value", change.Old(),
		"new_value", change.New(),
		"outcome", outcome,
	)

	return e.render(ctx, deliveryID, event, req.Body, outcome, err)
}

func (e *ChangeEvaluator) authenticate(header string) error {
	param, ok := strings.CutPrefix(header, "Basic ")
	if !ok {
		return authenticationFailure("Basic認証ヘッダーがありません")
	}
	if subtle.ConstantTimeCompare([]byte(param), []byte(e.expectedCreds)) != 1 {
		return authenticationFailure("認証情報が一致しません")
	}
	return nil
}

func parseEvent(body []byte) (*models.ChangeEvent, error) {
	var event models.ChangeEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, payloadParseError(err, "変更イベントの解析エラー", map[string]any{"body_bytes": len(body)})
	}
	return &event, nil
}

// remediate は親ワークアイテムの子に同名のワークアイテムがなければ作成します
func (e *ChangeEvaluator) remediate(ctx context.Context, deliveryID string, parentID int) (string, error) {
	if parentID <= 0 {
		err := payloadParseError(nil, "変更イベントにワークアイテムIDがありません", nil)
		e.report(ctx, StageValidateEvent, deliveryID, parentID, err)
		return OutcomeFailed, err
	}

	parent, err := e.tracker.FetchExpandedItem(ctx, parentID)
	if err != nil {
		e.report(ctx, StageFetchParent, deliveryID, parentID, err)
		return OutcomeFailed, err
	}

	existing, err := e.findRelatedByTitle(ctx, deliveryID, parent, e.trigger.ChildTitle)
	if err != nil {
		return OutcomeFailed, err
	}
	if len(existing) > 0 {
		e.logger.Debug("同名の子ワークアイテムが存在するため作成しません",
			"delivery_id", deliveryID,
			"work_item_id", parentID,
			"existing_id", existing[0].ID,
		)
		return OutcomeExisting, nil
	}

	created, err := e.tracker.CreateLinkedChild(
		ctx,
		parent.TeamProject(),
		e.trigger.ChildTitle,
		e.trigger.ChildType,
		parentID,
		parent.IterationPath(),
		e.trigger.ChildDescription,
	)
	if err != nil {
		e.report(ctx, StageCreateChild, deliveryID, parentID, err)
		return OutcomeFailed, err
	}
	e.logger.Info("子ワークアイテムを作成しました",
		"delivery_id", deliveryID,
		"work_item_id", parentID,
		"created_id", created.ID,
	)
	return OutcomeCreated, nil
}

// findRelatedByTitle はリレーション先のうちタイトルが一致するワークアイテムを集めます。
// 参照IDを取り出せないリレーション（添付ファイルなど）は報告してスキップします
func (e *ChangeEvaluator) findRelatedByTitle(
	ctx context.Context,
	deliveryID string,
	parent *models.WorkItem,
	title string,
) ([]*models.WorkItem, error) {
	var matches []*models.WorkItem
	for _, rel := range parent.Relations {
		relatedID, err := e.extractID(rel)
		if err != nil {
			e.report(ctx, StageResolveRelation, deliveryID, parent.ID, err)
			continue
		}
		related, err := e.tracker.FetchExpandedItem(ctx, relatedID)
		if err != nil {
			e.report(ctx, StageFetchRelated, deliveryID, relatedID, err)
			return nil, err
		}
		if related.Title() == title {
			matches = append(matches, related)
		}
	}
	return matches, nil
}

func (e *ChangeEvaluator) render(
	ctx context.Context,
	deliveryID string,
	event *models.ChangeEvent,
	raw []byte,
	outcome string,
	cause error,
) NotificationResponse {
	resp := NotificationResponse{
		StatusCode: http.StatusAccepted,
		Body:       raw,
		Outcome:    outcome,
		DeliveryID: deliveryID,
		Err:        cause,
	}

	body, err := json.Marshal(event)
	if err != nil {
		wrapped := goerrors.Wrap(err, goerrors.CategoryInternal, "変更イベントのエンコードエラー").
			WithCode(http.StatusInternalServerError).
			WithTextCode(ErrorSerialization)
		e.report(ctx, StageRenderResponse, deliveryID, event.WorkItemID(), wrapped)
	} else {
		resp.Body = body
	}

	if strings.Contains(string(resp.Body), "Approved") {
		resp.StatusCode = http.StatusOK
	}
	return resp
}

func (e *ChangeEvaluator) report(ctx context.Context, stage, deliveryID string, workItemID int, err error) {
	e.reporter.Report(ctx, Failure{
		Stage:      stage,
		DeliveryID: deliveryID,
		WorkItemID: workItemID,
		Err:        err,
	})
}
