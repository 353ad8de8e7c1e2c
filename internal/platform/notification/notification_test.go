package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

type emailCall struct {
	To      string
	Subject string
	Body    string
}

type mockEmailSender struct {
	mu       sync.Mutex
	calls    []emailCall
	failFor  map[string]bool
	failWith error
}

func (m *mockEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, emailCall{To: to, Subject: subject, Body: body})
	if m.failFor[to] {
		return m.failWith
	}
	return nil
}

type smsCall struct {
	To   string
	Body string
}

type mockSMSSender struct {
	mu    sync.Mutex
	calls []smsCall
	err   error
}

func (m *mockSMSSender) SendSMS(_ context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, smsCall{To: to, Body: body})
	return m.err
}

func sampleAlert() CriticalAlert {
	return CriticalAlert{
		PatientID:      uuid.New(),
		PatientName:    "Doe, Jane",
		MRN:            "MRN-0042",
		AssessmentID:   uuid.New(),
		EntryID:        uuid.New(),
		DepartmentID:   uuid.New(),
		DepartmentName: "Emergency",
		Score:          9,
		Position:       1,
		TriagedAt:      time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC),
	}
}

// ---------------------------------------------------------------------------
// Template engine
// ---------------------------------------------------------------------------

func TestTemplateEngine_RegisterAndRender(t *testing.T) {
	eng := NewTemplateEngine()
	eng.RegisterTemplate(Template{
		ID:      "test-tpl",
		Subject: "Hello {{name}}",
		Body:    "Dear {{name}}, your code is {{code}}.",
		Channel: ChannelEmail,
	})

	subject, body, err := eng.Render("test-tpl", map[string]string{"name": "Alice", "code": "1234"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "Hello Alice" {
		t.Errorf("subject = %q, want %q", subject, "Hello Alice")
	}
	if body != "Dear Alice, your code is 1234." {
		t.Errorf("body = %q", body)
	}
}

func TestTemplateEngine_RenderMissing(t *testing.T) {
	if _, _, err := NewTemplateEngine().Render("nonexistent", nil); err == nil {
		t.Fatal("expected error for missing template, got nil")
	}
}

func TestTemplateEngine_MissingKeyLeftAsIs(t *testing.T) {
	_, body, err := NewTemplateEngine().Render(TemplateCriticalTriageSMS, map[string]string{"patient_name": "Doe, Jane"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(body, "Doe, Jane") || !strings.Contains(body, "{{department}}") {
		t.Errorf("body = %q", body)
	}
}

func TestCriticalAlert_TemplateDataFallbacks(t *testing.T) {
	a := sampleAlert()
	a.PatientName = ""
	a.MRN = ""
	data := a.templateData()
	if data["patient_name"] != a.PatientID.String() {
		t.Errorf("patient_name = %q, want patient id", data["patient_name"])
	}
	if data["mrn"] != "unknown" {
		t.Errorf("mrn = %q", data["mrn"])
	}
	if data["triaged_at"] != "2026-03-01T14:00:00Z" {
		t.Errorf("triaged_at = %q", data["triaged_at"])
	}
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

func TestAlertDispatcher_SendsToAllRecipients(t *testing.T) {
	email := &mockEmailSender{}
	sms := &mockSMSSender{}
	d := NewAlertDispatcher(email, sms, nil, Recipients{
		Email: []string{"oncall@hospital.example", "charge@hospital.example"},
		SMS:   []string{"+15550100"},
	}, zerolog.Nop())

	if err := d.SendCriticalAlert(context.Background(), sampleAlert()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(email.calls) != 2 {
		t.Fatalf("expected 2 emails, got %d", len(email.calls))
	}
	if email.calls[0].Subject != "[RED] Doe, Jane queued in Emergency" {
		t.Errorf("subject = %q", email.calls[0].Subject)
	}
	if !strings.Contains(email.calls[0].Body, "MRN-0042") || !strings.Contains(email.calls[0].Body, "Acuity score: 9") {
		t.Errorf("body missing fields: %q", email.calls[0].Body)
	}
	if len(sms.calls) != 1 || sms.calls[0].Body != "RED triage: Doe, Jane in Emergency, score 9, position 1." {
		t.Fatalf("unexpected sms calls: %+v", sms.calls)
	}

	stats := d.Stats()
	if stats[StatusSent] != 3 || stats[StatusFailed] != 0 {
		t.Errorf("stats = %v", stats)
	}
}

func TestAlertDispatcher_PartialFailure(t *testing.T) {
	var logs bytes.Buffer
	email := &mockEmailSender{failFor: map[string]bool{"bad@hospital.example": true}, failWith: errors.New("mailbox unavailable")}
	d := NewAlertDispatcher(email, &mockSMSSender{}, nil, Recipients{
		Email: []string{"bad@hospital.example", "good@hospital.example"},
	}, zerolog.New(&logs))

	err := d.SendCriticalAlert(context.Background(), sampleAlert())
	if err == nil || !strings.Contains(err.Error(), "mailbox unavailable") {
		t.Fatalf("expected joined delivery error, got %v", err)
	}
	if len(email.calls) != 2 {
		t.Fatalf("a failing recipient must not stop the others, got %d calls", len(email.calls))
	}

	failed := d.Recent(10, StatusFailed)
	if len(failed) != 1 || failed[0].Recipient != "bad@hospital.example" || failed[0].Attempts != 1 {
		t.Fatalf("unexpected failed deliveries: %+v", failed)
	}
	if !strings.Contains(logs.String(), "critical alert delivery failed") {
		t.Errorf("expected failure to be logged, got %s", logs.String())
	}
}

func TestAlertDispatcher_NoRecipients(t *testing.T) {
	email := &mockEmailSender{}
	d := NewAlertDispatcher(email, &mockSMSSender{}, nil, Recipients{}, zerolog.Nop())

	if err := d.SendCriticalAlert(context.Background(), sampleAlert()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(email.calls) != 0 || len(d.Recent(10, "")) != 0 {
		t.Fatal("nothing should be sent or recorded")
	}
}

func TestAlertDispatcher_Retry(t *testing.T) {
	sms := &mockSMSSender{err: errors.New("gateway timeout")}
	d := NewAlertDispatcher(nil, sms, nil, Recipients{SMS: []string{"+15550100"}}, zerolog.Nop())

	_ = d.SendCriticalAlert(context.Background(), sampleAlert())
	failed := d.Recent(1, StatusFailed)
	if len(failed) != 1 {
		t.Fatalf("expected a failed delivery")
	}

	sms.err = nil
	got, err := d.Retry(context.Background(), failed[0].ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got.Status != StatusSent || got.Attempts != 2 || got.SentAt == nil || got.Error != "" {
		t.Fatalf("unexpected delivery after retry: %+v", got)
	}

	if _, err := d.Retry(context.Background(), failed[0].ID); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("expected ErrNotRetryable, got %v", err)
	}
	if _, err := d.Retry(context.Background(), "missing"); !errors.Is(err, ErrDeliveryNotFound) {
		t.Fatalf("expected ErrDeliveryNotFound, got %v", err)
	}
}

func TestAlertDispatcher_HistoryBounded(t *testing.T) {
	d := NewAlertDispatcher(&mockEmailSender{}, nil, nil, Recipients{Email: []string{"a@x", "b@x", "c@x"}}, zerolog.Nop())
	d.SetHistorySize(4)

	_ = d.SendCriticalAlert(context.Background(), sampleAlert())
	_ = d.SendCriticalAlert(context.Background(), sampleAlert())

	recent := d.Recent(100, "")
	if len(recent) != 4 {
		t.Fatalf("expected history capped at 4, got %d", len(recent))
	}
	if recent[0].Recipient != "c@x" {
		t.Errorf("expected newest first, got %s", recent[0].Recipient)
	}
	if len(d.Recent(0, "")) != 4 {
		t.Error("non-positive limit should fall back to the default")
	}
}

func TestAlertDispatcher_ConcurrentSend(t *testing.T) {
	d := NewAlertDispatcher(&mockEmailSender{}, &mockSMSSender{}, nil, Recipients{
		Email: []string{"oncall@x"},
		SMS:   []string{"+1555"},
	}, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.SendCriticalAlert(context.Background(), sampleAlert())
		}()
	}
	wg.Wait()

	if got := d.Stats()[StatusSent]; got != 50 {
		t.Fatalf("expected 50 sent deliveries, got %d", got)
	}
}

func TestLogSender(t *testing.T) {
	var logs bytes.Buffer
	s := NewLogSender(zerolog.New(&logs))
	if err := s.SendEmail(context.Background(), "a@x", "subj", "body"); err != nil {
		t.Fatal(err)
	}
	if err := s.SendSMS(context.Background(), "+1", "body"); err != nil {
		t.Fatal(err)
	}
	if strings.Count(logs.String(), "alert delivered") != 2 {
		t.Errorf("expected two log lines, got %s", logs.String())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.SendSMS(ctx, "+1", "body"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// HTTP handler
// ---------------------------------------------------------------------------

func setupHandler(t *testing.T, sms *mockSMSSender) (*AlertHandler, *AlertDispatcher, *echo.Echo) {
	t.Helper()
	d := NewAlertDispatcher(&mockEmailSender{}, sms, nil, Recipients{
		Email: []string{"oncall@x"},
		SMS:   []string{"+1555"},
	}, zerolog.Nop())
	return NewAlertHandler(d), d, echo.New()
}

func TestAlertHandler_RegisterRoutes(t *testing.T) {
	h, _, e := setupHandler(t, &mockSMSSender{})
	h.RegisterRoutes(e.Group("/api/v1"), e.Group("/api/v1"))

	want := map[string]bool{
		"GET /api/v1/alerts":            false,
		"GET /api/v1/alerts/stats":      false,
		"GET /api/v1/alerts/:id":        false,
		"POST /api/v1/alerts/:id/retry": false,
	}
	for _, r := range e.Routes() {
		key := r.Method + " " + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for k, found := range want {
		if !found {
			t.Errorf("route %s not registered", k)
		}
	}
}

func TestAlertHandler_List(t *testing.T) {
	h, d, e := setupHandler(t, &mockSMSSender{err: errors.New("down")})
	_ = d.SendCriticalAlert(context.Background(), sampleAlert())

	req := httptest.NewRequest(http.MethodGet, "/alerts?status=failed", nil)
	rec := httptest.NewRecorder()
	if err := h.HandleList(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got []Delivery
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Channel != ChannelSMS {
		t.Fatalf("unexpected list: %+v", got)
	}
}

func TestAlertHandler_ListBadParams(t *testing.T) {
	h, _, e := setupHandler(t, &mockSMSSender{})
	for _, q := range []string{"?limit=0", "?limit=abc", "?status=queued"} {
		req := httptest.NewRequest(http.MethodGet, "/alerts"+q, nil)
		err := h.HandleList(e.NewContext(req, httptest.NewRecorder()))
		var he *echo.HTTPError
		if !errors.As(err, &he) || he.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %v", q, err)
		}
	}
}

func TestAlertHandler_GetAndRetry(t *testing.T) {
	sms := &mockSMSSender{err: errors.New("down")}
	h, d, e := setupHandler(t, sms)
	_ = d.SendCriticalAlert(context.Background(), sampleAlert())
	id := d.Recent(1, StatusFailed)[0].ID

	req := httptest.NewRequest(http.MethodGet, "/alerts/"+id, nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(id)
	if err := h.HandleGet(c); err != nil || rec.Code != http.StatusOK {
		t.Fatalf("get: err=%v code=%d", err, rec.Code)
	}

	// still failing: the attempt is recorded and reported as 502
	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodPost, "/alerts/"+id+"/retry", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(id)
	if err := h.HandleRetry(c); err != nil || rec.Code != http.StatusBadGateway {
		t.Fatalf("retry while down: err=%v code=%d", err, rec.Code)
	}

	sms.err = nil
	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodPost, "/alerts/"+id+"/retry", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(id)
	if err := h.HandleRetry(c); err != nil || rec.Code != http.StatusOK {
		t.Fatalf("retry: err=%v code=%d", err, rec.Code)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodPost, "/alerts/"+id+"/retry", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(id)
	var he *echo.HTTPError
	if err := h.HandleRetry(c); !errors.As(err, &he) || he.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a sent delivery, got %v", err)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/alerts/nope", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("nope")
	if err := h.HandleGet(c); !errors.As(err, &he) || he.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestAlertHandler_Stats(t *testing.T) {
	h, d, e := setupHandler(t, &mockSMSSender{})
	_ = d.SendCriticalAlert(context.Background(), sampleAlert())

	rec := httptest.NewRecorder()
	if err := h.HandleStats(e.NewContext(httptest.NewRequest(http.MethodGet, "/alerts/stats", nil), rec)); err != nil {
		t.Fatal(err)
	}
	var stats map[string]int
	_ = json.Unmarshal(rec.Body.Bytes(), &stats)
	if stats[StatusSent] != 2 {
		t.Errorf("stats = %v", stats)
	}
}
