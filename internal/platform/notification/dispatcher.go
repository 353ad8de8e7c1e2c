package notification

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Delivery statuses.
const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// DefaultHistorySize bounds the in-memory delivery history.
const DefaultHistorySize = 500

// ErrDeliveryNotFound is returned for unknown delivery ids.
var ErrDeliveryNotFound = errors.New("delivery not found")

// ErrNotRetryable is returned when retrying a delivery that did not fail.
var ErrNotRetryable = errors.New("delivery is not in failed status")

// CriticalAlert describes a patient triaged RED.
type CriticalAlert struct {
	PatientID      uuid.UUID `json:"patient_id"`
	PatientName    string    `json:"patient_name"`
	MRN            string    `json:"mrn"`
	AssessmentID   uuid.UUID `json:"assessment_id"`
	EntryID        uuid.UUID `json:"entry_id"`
	DepartmentID   uuid.UUID `json:"department_id"`
	DepartmentName string    `json:"department_name"`
	Score          int       `json:"score"`
	Position       int       `json:"position"`
	TriagedAt      time.Time `json:"triaged_at"`
}

func (a CriticalAlert) templateData() map[string]string {
	name := a.PatientName
	if name == "" {
		name = a.PatientID.String()
	}
	mrn := a.MRN
	if mrn == "" {
		mrn = "unknown"
	}
	return map[string]string{
		"patient_name":  name,
		"mrn":           mrn,
		"department":    a.DepartmentName,
		"score":         strconv.Itoa(a.Score),
		"position":      strconv.Itoa(a.Position),
		"assessment_id": a.AssessmentID.String(),
		"triaged_at":    a.TriagedAt.UTC().Format(time.RFC3339),
	}
}

// Delivery records one attempt to deliver an alert to one recipient.
type Delivery struct {
	ID           string     `json:"id"`
	Channel      Channel    `json:"channel"`
	Recipient    string     `json:"recipient"`
	Subject      string     `json:"subject,omitempty"`
	Body         string     `json:"body"`
	TemplateID   string     `json:"template_id"`
	PatientID    uuid.UUID  `json:"patient_id"`
	DepartmentID uuid.UUID  `json:"department_id"`
	Status       string     `json:"status"`
	Attempts     int        `json:"attempts"`
	CreatedAt    time.Time  `json:"created_at"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// Recipients lists on-call addresses per channel.
type Recipients struct {
	Email []string
	SMS   []string
}

// AlertDispatcher renders critical alerts and delivers them to every configured
// recipient. Each attempt is kept in a bounded history, oldest evicted first.
type AlertDispatcher struct {
	email      EmailSender
	sms        SMSSender
	templates  *TemplateEngine
	recipients Recipients
	logger     zerolog.Logger
	now        func() time.Time

	mu         sync.RWMutex
	deliveries map[string]*Delivery
	order      []string
	maxHistory int
}

func NewAlertDispatcher(email EmailSender, sms SMSSender, tpl *TemplateEngine, recipients Recipients, logger zerolog.Logger) *AlertDispatcher {
	if tpl == nil {
		tpl = NewTemplateEngine()
	}
	return &AlertDispatcher{
		email:      email,
		sms:        sms,
		templates:  tpl,
		recipients: recipients,
		logger:     logger.With().Str("component", "notification").Logger(),
		now:        time.Now,
		deliveries: make(map[string]*Delivery),
		maxHistory: DefaultHistorySize,
	}
}

// SetHistorySize changes the history bound. Values below 1 are ignored.
func (d *AlertDispatcher) SetHistorySize(n int) {
	if n < 1 {
		return
	}
	d.mu.Lock()
	d.maxHistory = n
	d.trimLocked()
	d.mu.Unlock()
}

// SendCriticalAlert delivers a to every email and SMS recipient. One failed
// recipient does not stop the others; all failures are returned joined.
func (d *AlertDispatcher) SendCriticalAlert(ctx context.Context, a CriticalAlert) error {
	if len(d.recipients.Email) == 0 && len(d.recipients.SMS) == 0 {
		d.logger.Warn().Str("patient_id", a.PatientID.String()).Msg("critical alert has no recipients configured")
		return nil
	}

	data := a.templateData()
	var errs []error
	if len(d.recipients.Email) > 0 && d.email != nil {
		subject, body, err := d.templates.Render(TemplateCriticalTriage, data)
		if err != nil {
			return fmt.Errorf("render template: %w", err)
		}
		for _, to := range d.recipients.Email {
			errs = append(errs, d.deliver(ctx, a, ChannelEmail, TemplateCriticalTriage, to, subject, body))
		}
	}
	if len(d.recipients.SMS) > 0 && d.sms != nil {
		_, body, err := d.templates.Render(TemplateCriticalTriageSMS, data)
		if err != nil {
			return fmt.Errorf("render template: %w", err)
		}
		for _, to := range d.recipients.SMS {
			errs = append(errs, d.deliver(ctx, a, ChannelSMS, TemplateCriticalTriageSMS, to, "", body))
		}
	}
	return errors.Join(errs...)
}

func (d *AlertDispatcher) deliver(ctx context.Context, a CriticalAlert, ch Channel, tplID, to, subject, body string) error {
	del := &Delivery{
		ID:           uuid.New().String(),
		Channel:      ch,
		Recipient:    to,
		Subject:      subject,
		Body:         body,
		TemplateID:   tplID,
		PatientID:    a.PatientID,
		DepartmentID: a.DepartmentID,
		CreatedAt:    d.now().UTC(),
	}
	err := d.attempt(ctx, del)
	d.mu.Lock()
	d.deliveries[del.ID] = del
	d.order = append(d.order, del.ID)
	d.trimLocked()
	d.mu.Unlock()

	if err != nil {
		d.logger.Error().Err(err).Str("channel", string(ch)).Str("recipient", to).Str("patient_id", a.PatientID.String()).Msg("critical alert delivery failed")
		return fmt.Errorf("%s to %s: %w", ch, to, err)
	}
	return nil
}

// attempt sends del once and updates its status. Callers must not hold d.mu.
func (d *AlertDispatcher) attempt(ctx context.Context, del *Delivery) error {
	var err error
	switch del.Channel {
	case ChannelEmail:
		err = d.email.SendEmail(ctx, del.Recipient, del.Subject, del.Body)
	case ChannelSMS:
		err = d.sms.SendSMS(ctx, del.Recipient, del.Body)
	default:
		err = fmt.Errorf("unsupported channel: %s", del.Channel)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	del.Attempts++
	if err != nil {
		del.Status = StatusFailed
		del.Error = err.Error()
		return err
	}
	del.Status = StatusSent
	sentAt := d.now().UTC()
	del.SentAt = &sentAt
	del.Error = ""
	return nil
}

func (d *AlertDispatcher) trimLocked() {
	for len(d.order) > d.maxHistory {
		delete(d.deliveries, d.order[0])
		d.order = d.order[1:]
	}
}

// Get returns a copy of one delivery.
func (d *AlertDispatcher) Get(id string) (Delivery, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	del, ok := d.deliveries[id]
	if !ok {
		return Delivery{}, ErrDeliveryNotFound
	}
	return *del, nil
}

// Recent returns up to limit deliveries, newest first, optionally filtered by status.
func (d *AlertDispatcher) Recent(limit int, status string) []Delivery {
	if limit <= 0 {
		limit = 50
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Delivery, 0, min(limit, len(d.order)))
	for i := len(d.order) - 1; i >= 0 && len(out) < limit; i-- {
		del := d.deliveries[d.order[i]]
		if status != "" && del.Status != status {
			continue
		}
		out = append(out, *del)
	}
	return out
}

// Retry re-sends a failed delivery.
func (d *AlertDispatcher) Retry(ctx context.Context, id string) (Delivery, error) {
	d.mu.RLock()
	del, ok := d.deliveries[id]
	var status string
	if ok {
		status = del.Status
	}
	d.mu.RUnlock()
	if !ok {
		return Delivery{}, ErrDeliveryNotFound
	}
	if status != StatusFailed {
		return Delivery{}, fmt.Errorf("%w: %s is %s", ErrNotRetryable, id, status)
	}

	err := d.attempt(ctx, del)
	out, _ := d.Get(id)
	return out, err
}

// Stats counts deliveries by status.
func (d *AlertDispatcher) Stats() map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	stats := make(map[string]int)
	for _, del := range d.deliveries {
		stats[del.Status]++
	}
	return stats
}
