package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	goerrors "github.com/goliatone/go-errors"

	"boardhook/models"
)

type createCall struct {
	teamProject   string
	title         string
	itemType      string
	parentID      int
	iterationPath string
	description   string
}

// stubTracker はリモートサービスの代わりに固定のワークアイテムを返します
type stubTracker struct {
	items      map[int]*models.WorkItem
	fetchErr   map[int]error
	createErr  error
	fetchCalls []int
	creates    []createCall
}

func (s *stubTracker) FetchExpandedItem(_ context.Context, id int) (*models.WorkItem, error) {
	s.fetchCalls = append(s.fetchCalls, id)
	if err := s.fetchErr[id]; err != nil {
		return nil, err
	}
	item, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("work item %d not found", id)
	}
	return item, nil
}

func (s *stubTracker) CreateLinkedChild(
	_ context.Context,
	teamProject, title, itemType string,
	parentID int,
	iterationPath, description string,
) (*models.WorkItem, error) {
	s.creates = append(s.creates, createCall{
		teamProject:   teamProject,
		title:         title,
		itemType:      itemType,
		parentID:      parentID,
		iterationPath: iterationPath,
		description:   description,
	})
	if s.createErr != nil {
		return nil, s.createErr
	}
	return &models.WorkItem{ID: 1000 + len(s.creates), Fields: map[string]any{models.FieldTitle: title}}, nil
}

type recordingReporter struct {
	failures []Failure
}

func (r *recordingReporter) Report(_ context.Context, failure Failure) {
	r.failures = append(r.failures, failure)
}

func (r *recordingReporter) stages() []string {
	stages := make([]string, 0, len(r.failures))
	for _, failure := range r.failures {
		stages = append(stages, failure.Stage)
	}
	return stages
}

func parentItem(id int, relations ...models.WorkItemRelation) *models.WorkItem {
	return &models.WorkItem{
		ID: id,
		Fields: map[string]any{
			models.FieldTitle:         "Login page",
			models.FieldTeamProject:   "ProjectX",
			models.FieldIterationPath: `ProjectX\Sprint 1`,
		},
		Relations: relations,
	}
}

func childRelation(id int) models.WorkItemRelation {
	return models.WorkItemRelation{
		Rel: "System.LinkTypes.Hierarchy-Forward",
		URL: fmt.Sprintf("https://acme.visualstudio.com/DefaultCollection/_apis/wit/workItems/%d", id),
	}
}

func titled(id int, title string) *models.WorkItem {
	return &models.WorkItem{ID: id, Fields: map[string]any{models.FieldTitle: title}}
}

func authHeader(user, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+password))
}

func changeBody(t *testing.T, id int, oldValue, newValue, message string) []byte {
	t.Helper()
	payload := map[string]any{
		"eventType": "workitem.updated",
		"resource": map[string]any{
			"id":         3,
			"workItemId": id,
			"fields": map[string]any{
				"System.BoardColumn": map[string]any{"oldValue": oldValue, "newValue": newValue},
			},
		},
	}
	if message != "" {
		payload["message"] = map[string]any{"text": message}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return raw
}

func newTestEvaluator(tracker *stubTracker, reporter *recordingReporter) *ChangeEvaluator {
	return NewChangeEvaluator(tracker, EvaluatorConfig{
		WebhookUsername: "hook",
		WebhookPassword: "s3cret",
		Trigger:         DefaultTrigger(),
	}, WithReporter(reporter))
}

func TestHandleChangeNotificationRejectsBadCredentials(t *testing.T) {
	cases := map[string]string{
		"missing":      "",
		"wrong scheme": "Bearer " + base64.StdEncoding.EncodeToString([]byte("hook:s3cret")),
		"wrong secret": authHeader("hook", "nope"),
		"wrong user":   authHeader("other", "s3cret"),
		"lower scheme": "basic " + base64.StdEncoding.EncodeToString([]byte("hook:s3cret")),
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			tracker := &stubTracker{}
			evaluator := newTestEvaluator(tracker, &recordingReporter{})

			resp := evaluator.HandleChangeNotification(context.Background(), NotificationRequest{
				Authorization: header,
				Body:          changeBody(t, 42, "New", "Committed", ""),
			})

			if resp.StatusCode != http.StatusForbidden {
				t.Fatalf("expected 403, got %d", resp.StatusCode)
			}
			if resp.Outcome != OutcomeForbidden {
				t.Fatalf("expected forbidden outcome, got %q", resp.Outcome)
			}
			if len(tracker.fetchCalls) != 0 || len(tracker.creates) != 0 {
				t.Fatalf("expected no remote calls, got fetch=%v create=%v", tracker.fetchCalls, tracker.creates)
			}

			var rich *goerrors.Error
			if !goerrors.As(resp.Err, &rich) {
				t.Fatalf("expected go-errors envelope, got %T", resp.Err)
			}
			if rich.Category != goerrors.CategoryAuth || rich.TextCode != ErrorAuthentication {
				t.Fatalf("unexpected error %q/%q", rich.Category, rich.TextCode)
			}
		})
	}
}

func TestHandleChangeNotificationMalformedBodyIsEchoed(t *testing.T) {
	tracker := &stubTracker{}
	evaluator := newTestEvaluator(tracker, &recordingReporter{})
	raw := []byte(`{"resource": {"workItemId": 42, "fields": `)

	resp := evaluator.HandleChangeNotification(context.Background(), NotificationRequest{
		Authorization: authHeader("hook", "s3cret"),
		Body:          raw,
	})

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if string(resp.Body) != string(raw) {
		t.Fatalf("expected raw body echoed, got %q", resp.Body)
	}
	if len(tracker.fetchCalls) != 0 || len(tracker.creates) != 0 {
		t.Fatalf("expected no remote calls")
	}
	if textCode(resp.Err) != ErrorPayloadParse {
		t.Fatalf("expected payload parse error, got %v", resp.Err)
	}
}

func TestHandleChangeNotificationWithoutBoardColumnPassesThrough(t *testing.T) {
	tracker := &stubTracker{}
	evaluator := newTestEvaluator(tracker, &recordingReporter{})
	raw := []byte(`{"eventType":"workitem.updated","message":{"text":"Approved"},"resource":{"workItemId":42,"fields":{"System.State":{"oldValue":"New","newValue":"Approved"}}}}`)

	resp := evaluator.HandleChangeNotification(context.Background(), NotificationRequest{
		Authorization: authHeader("hook", "s3cret"),
		Body:          raw,
	})

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if string(resp.Body) != string(raw) {
		t.Fatalf("expected body unchanged, got %q", resp.Body)
	}
	if resp.Outcome != OutcomePassThrough {
		t.Fatalf("expected pass through, got %q", resp.Outcome)
	}
	if len(tracker.fetchCalls) != 0 {
		t.Fatalf("expected no remote calls, got %v", tracker.fetchCalls)
	}
}

func TestHandleChangeNotificationCreatesChildForParentWithoutRelations(t *testing.T) {
	tracker := &stubTracker{items: map[int]*models.WorkItem{42: parentItem(42)}}
	reporter := &recordingReporter{}
	evaluator := newTestEvaluator(tracker, reporter)

	resp := evaluator.HandleChangeNotification(context.Background(), NotificationRequest{
		Authorization: authHeader("hook", "s3cret"),
		Body:          changeBody(t, 42, "New", "Committed", ""),
	})

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if resp.Outcome != OutcomeCreated {
		t.Fatalf("expected created outcome, got %q", resp.Outcome)
	}
	if len(tracker.fetchCalls) != 1 || tracker.fetchCalls[0] != 42 {
		t.Fatalf("expected one fetch of 42, got %v", tracker.fetchCalls)
	}
	want := createCall{
		teamProject:   "ProjectX",
		title:         "Make it Done",
		itemType:      "Task",
		parentID:      42,
		iterationPath: `ProjectX\Sprint 1`,
		description:   "Do it!",
	}
	if len(tracker.creates) != 1 || tracker.creates[0] != want {
		t.Fatalf("unexpected create calls %#v", tracker.creates)
	}
	if len(reporter.failures) != 0 {
		t.Fatalf("expected no reported failures, got %v", reporter.stages())
	}

	var echoed models.ChangeEvent
	if err := json.Unmarshal(resp.Body, &echoed); err != nil {
		t.Fatalf("expected re-serialized event, got %q", resp.Body)
	}
	if echoed.WorkItemID() != 42 {
		t.Fatalf("unexpected echoed work item %d", echoed.WorkItemID())
	}
}

func TestHandleChangeNotificationApprovedBodyReturnsOK(t *testing.T) {
	tracker := &stubTracker{items: map[int]*models.WorkItem{42: parentItem(42)}}
	evaluator := newTestEvaluator(tracker, &recordingReporter{})

	resp := evaluator.HandleChangeNotification(context.Background(), NotificationRequest{
		Authorization: authHeader("hook", "s3cret"),
		Body:          changeBody(t, 42, "New", "Committed", "Login page Approved by Jamal"),
	})

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(tracker.creates) != 1 {
		t.Fatalf("expected one create call, got %d", len(tracker.creates))
	}
}

func TestHandleChangeNotificationApprovedInRevisionReturnsOK(t *testing.T) {
	tracker := &stubTracker{items: map[int]*models.WorkItem{42: parentItem(42)}}
	evaluator := newTestEvaluator(tracker, &recordingReporter{})
	raw := []byte(`{"eventType":"workitem.updated","resource":{"id":3,"workItemId":42,` +
		`"fields":{"System.BoardColumn":{"oldValue":"New","newValue":"Committed"}},` +
		`"revision":{"id":42,"rev":3,"fields":{"System.State":"Approved"}},` +
		`"revisedBy":{"displayName":"Jamal Hartnett"}},"resourceContainers":{"project":{"id":"be9b3917"}}}`)

	resp := evaluator.HandleChangeNotification(context.Background(), NotificationRequest{
		Authorization: authHeader("hook", "s3cret"),
		Body:          raw,
	})

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.StatusCode, resp.Body)
	}
	for _, key := range []string{`"revision"`, `"revisedBy"`, `"resourceContainers"`} {
		if !strings.Contains(string(resp.Body), key) {
			t.Fatalf("expected %s in re-serialized body, got %s", key, resp.Body)
		}
	}
	if len(tracker.creates) != 1 {
		t.Fatalf("expected one create call, got %d", len(tracker.creates))
	}
}

func TestHandleChangeNotificationWithoutOldValuePassesThrough(t *testing.T) {
	tracker := &stubTracker{items: map[int]*models.WorkItem{42: parentItem(42)}}
	evaluator := newTestEvaluator(tracker, &recordingReporter{})
	raw := []byte(`{"resource":{"workItemId":42,"fields":{"System.BoardColumn":{"newValue":"Committed"}}}}`)

	resp := evaluator.HandleChangeNotification(context.Background(), NotificationRequest{
		Authorization: authHeader("hook", "s3cret"),
		Body:          raw,
	})

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if resp.Outcome != OutcomePassThrough {
		t.Fatalf("expected pass through, got %q", resp.Outcome)
	}
	if string(resp.Body) != string(raw) {
		t.Fatalf("expected body unchanged, got %q", resp.Body)
	}
	if len(tracker.fetchCalls) != 0 || len(tracker.creates) != 0 {
		t.Fatalf("expected no remote calls, got fetch=%v create=%v", tracker.fetchCalls, tracker.creates)
	}
}

func TestHandleChangeNotificationSkipsExistingChild(t *testing.T) {
	tracker := &stubTracker{items: map[int]*models.WorkItem{
		42: parentItem(42, childRelation(7), childRelation(77)),
		7:  titled(7, "Write tests"),
		77: titled(77, "Make it Done"),
	}}
	evaluator := newTestEvaluator(tracker, &recordingReporter{})

	resp := evaluator.HandleChangeNotification(context.Background(), NotificationRequest{
		Authorization: authHeader("hook", "s3cret"),
		Body:          changeBody(t, 42, "New", "Committed", ""),
	})

	if resp.Outcome != OutcomeExisting {
		t.Fatalf("expected existing outcome, got %q", resp.Outcome)
	}
	if len(tracker.creates) != 0 {
		t.Fatalf("expected no create call, got %#v", tracker.creates)
	}
	if got := fmt.Sprint(tracker.fetchCalls); got != "[42 7 77]" {
		t.Fatalf("unexpected fetch order %s", got)
	}
}

func TestHandleChangeNotificationSecondDeliveryDoesNotDuplicate(t *testing.T) {
	tracker := &stubTracker{items: map[int]*models.WorkItem{42: parentItem(42)}}
	evaluator := newTestEvaluator(tracker, &recordingReporter{})
	req := NotificationRequest{
		Authorization: authHeader("hook", "s3cret"),
		Body:          changeBody(t, 42, "New", "Committed", ""),
	}

	evaluator.HandleChangeNotification(context.Background(), req)
	if len(tracker.creates) != 1 {
		t.Fatalf("expected first delivery to create, got %d", len(tracker.creates))
	}

	// リモート側で子が作成された状態を再現する
	tracker.items[42] = parentItem(42, childRelation(1001))
	tracker.items[1001] = titled(1001, "Make it Done")

	resp := evaluator.HandleChangeNotification(context.Background(), req)
	if resp.Outcome != OutcomeExisting {
		t.Fatalf("expected existing outcome, got %q", resp.Outcome)
	}
	if len(tracker.creates) != 1 {
		t.Fatalf("expected no second create, got %d", len(tracker.creates))
	}
}

func TestHandleChangeNotificationTitleMatchIsExact(t *testing.T) {
	tracker := &stubTracker{items: map[int]*models.WorkItem{
		42: parentItem(42, childRelation(8)),
		8:  titled(8, "make it done"),
	}}
	evaluator := newTestEvaluator(tracker, &recordingReporter{})

	evaluator.HandleChangeNotification(context.Background(), NotificationRequest{
		Authorization: authHeader("hook", "s3cret"),
		Body:          changeBody(t, 42, "New", "Committed", ""),
	})
	if len(tracker.creates) != 1 {
		t.Fatalf("expected create when only a case-different title exists, got %d", len(tracker.creates))
	}
}

func TestHandleChangeNotificationEdgeTriggered(t *testing.T) {
	tracker := &stubTracker{items: map[int]*models.WorkItem{42: parentItem(42)}}
	evaluator := newTestEvaluator(tracker, &recordingReporter{})

	resp := evaluator.HandleChangeNotification(context.Background(), NotificationRequest{
		Authorization: authHeader("hook", "s3cret"),
		Body:          changeBody(t, 42, "Committed", "Committed, Approved", ""),
	})

	if resp.Outcome != OutcomeNotMatched {
		t.Fatalf("expected not matched, got %q", resp.Outcome)
	}
	if len(tracker.fetchCalls) != 0 || len(tracker.creates) != 0 {
		t.Fatalf("expected no remote calls")
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for body containing Approved, got %d", resp.StatusCode)
	}
}

func TestHandleChangeNotificationRemoteFailureIsSuppressed(t *testing.T) {
	tracker := &stubTracker{
		items:    map[int]*models.WorkItem{},
		fetchErr: map[int]error{42: errors.New("502 bad gateway")},
	}
	reporter := &recordingReporter{}
	evaluator := newTestEvaluator(tracker, reporter)

	resp := evaluator.HandleChangeNotification(context.Background(), NotificationRequest{
		Authorization: authHeader("hook", "s3cret"),
		Body:          changeBody(t, 42, "New", "Committed", ""),
		DeliveryID:    "delivery-1",
	})

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if resp.Outcome != OutcomeFailed {
		t.Fatalf("expected failed outcome, got %q", resp.Outcome)
	}
	if len(tracker.creates) != 0 {
		t.Fatalf("expected no create call")
	}
	if len(reporter.failures) != 1 || reporter.failures[0].Stage != StageFetchParent {
		t.Fatalf("expected fetch_parent failure, got %v", reporter.stages())
	}
	if reporter.failures[0].DeliveryID != "delivery-1" || reporter.failures[0].WorkItemID != 42 {
		t.Fatalf("unexpected failure %#v", reporter.failures[0])
	}
}

func TestHandleChangeNotificationRelatedFetchFailureSkipsCreation(t *testing.T) {
	tracker := &stubTracker{
		items:    map[int]*models.WorkItem{42: parentItem(42, childRelation(9))},
		fetchErr: map[int]error{9: errors.New("timeout")},
	}
	reporter := &recordingReporter{}
	evaluator := newTestEvaluator(tracker, reporter)

	resp := evaluator.HandleChangeNotification(context.Background(), NotificationRequest{
		Authorization: authHeader("hook", "s3cret"),
		Body:          changeBody(t, 42, "New", "Committed", ""),
	})

	if resp.StatusCode != http.StatusAccepted || resp.Outcome != OutcomeFailed {
		t.Fatalf("unexpected response %d/%q", resp.StatusCode, resp.Outcome)
	}
	if len(tracker.creates) != 0 {
		t.Fatalf("expected no create when a related item cannot be checked")
	}
	if got := strings.Join(reporter.stages(), ","); got != StageFetchRelated {
		t.Fatalf("unexpected stages %q", got)
	}
}

func TestHandleChangeNotificationCreateFailureIsReported(t *testing.T) {
	tracker := &stubTracker{
		items:     map[int]*models.WorkItem{42: parentItem(42)},
		createErr: errors.New("400 bad request"),
	}
	reporter := &recordingReporter{}
	evaluator := newTestEvaluator(tracker, reporter)

	resp := evaluator.HandleChangeNotification(context.Background(), NotificationRequest{
		Authorization: authHeader("hook", "s3cret"),
		Body:          changeBody(t, 42, "New", "Committed", ""),
	})

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if got := strings.Join(reporter.stages(), ","); got != StageCreateChild {
		t.Fatalf("unexpected stages %q", got)
	}
}

func TestHandleChangeNotificationSkipsUnresolvableRelations(t *testing.T) {
	attachment := models.WorkItemRelation{
		Rel: "AttachedFile",
		URL: "https://acme.visualstudio.com/DefaultCollection/_apis/wit/attachments/1d2b-ffea",
	}
	tracker := &stubTracker{items: map[int]*models.WorkItem{42: parentItem(42, attachment)}}
	reporter := &recordingReporter{}
	evaluator := newTestEvaluator(tracker, reporter)

	resp := evaluator.HandleChangeNotification(context.Background(), NotificationRequest{
		Authorization: authHeader("hook", "s3cret"),
		Body:          changeBody(t, 42, "New", "Committed", ""),
	})

	if resp.Outcome != OutcomeCreated {
		t.Fatalf("expected created outcome, got %q", resp.Outcome)
	}
	if len(reporter.failures) != 1 || reporter.failures[0].Stage != StageResolveRelation {
		t.Fatalf("expected resolve_relation report, got %v", reporter.stages())
	}
	if textCode(reporter.failures[0].Err) != ErrorRelationUnresolved {
		t.Fatalf("unexpected error %v", reporter.failures[0].Err)
	}
}

func TestHandleChangeNotificationCustomRelationIDExtractor(t *testing.T) {
	tracker := &stubTracker{items: map[int]*models.WorkItem{
		42: parentItem(42, models.WorkItemRelation{Rel: "System.LinkTypes.Hierarchy-Forward", URL: "item:55"}),
		55: titled(55, "Make it Done"),
	}}
	evaluator := NewChangeEvaluator(tracker, EvaluatorConfig{
		WebhookUsername: "hook",
		WebhookPassword: "s3cret",
		Trigger:         DefaultTrigger(),
	}, WithReporter(&recordingReporter{}), WithRelationIDExtractor(func(rel models.WorkItemRelation) (int, error) {
		var id int
		_, err := fmt.Sscanf(rel.URL, "item:%d", &id)
		return id, err
	}))

	resp := evaluator.HandleChangeNotification(context.Background(), NotificationRequest{
		Authorization: authHeader("hook", "s3cret"),
		Body:          changeBody(t, 42, "New", "Committed", ""),
	})
	if resp.Outcome != OutcomeExisting {
		t.Fatalf("expected existing outcome, got %q", resp.Outcome)
	}
}

func TestHandleChangeNotificationMissingWorkItemID(t *testing.T) {
	tracker := &stubTracker{}
	reporter := &recordingReporter{}
	evaluator := newTestEvaluator(tracker, reporter)

	resp := evaluator.HandleChangeNotification(context.Background(), NotificationRequest{
		Authorization: authHeader("hook", "s3cret"),
		Body:          changeBody(t, 0, "New", "Committed", ""),
	})

	if resp.StatusCode != http.StatusAccepted || resp.Outcome != OutcomeFailed {
		t.Fatalf("unexpected response %d/%q", resp.StatusCode, resp.Outcome)
	}
	if len(tracker.fetchCalls) != 0 {
		t.Fatalf("expected no fetch without a work item id")
	}
	if got := strings.Join(reporter.stages(), ","); got != StageValidateEvent {
		t.Fatalf("unexpected stages %q", got)
	}
}

func TestHandleChangeNotificationAssignsDeliveryID(t *testing.T) {
	evaluator := newTestEvaluator(&stubTracker{}, &recordingReporter{})

	resp := evaluator.HandleChangeNotification(context.Background(), NotificationRequest{})
	if resp.DeliveryID == "" {
		t.Fatalf("expected generated delivery id")
	}

	resp = evaluator.HandleChangeNotification(context.Background(), NotificationRequest{DeliveryID: "abc"})
	if resp.DeliveryID != "abc" {
		t.Fatalf("expected caller delivery id, got %q", resp.DeliveryID)
	}
}
