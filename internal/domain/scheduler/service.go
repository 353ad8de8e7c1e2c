// Package scheduler orchestrates triage intake and department queue
// operations. It scores and routes patients, places them through the queue
// store and tells the rest of the hospital what changed.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/deptqueue/internal/domain/department"
	"github.com/ehr/deptqueue/internal/domain/identity"
	"github.com/ehr/deptqueue/internal/domain/queue"
	"github.com/ehr/deptqueue/internal/domain/triage"
	"github.com/ehr/deptqueue/internal/platform/events"
	"github.com/ehr/deptqueue/internal/platform/notification"
)

// DefaultAlertTimeout bounds one critical alert delivery.
const DefaultAlertTimeout = 10 * time.Second

type DepartmentDirectory interface {
	GetDepartment(ctx context.Context, id uuid.UUID) (*department.Department, error)
	GetDepartmentByCode(ctx context.Context, code string) (*department.Department, error)
}

type PatientDirectory interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*identity.Patient, error)
}

type AlertNotifier interface {
	SendCriticalAlert(ctx context.Context, a notification.CriticalAlert) error
}

// ChangeSink receives an event after every committed queue change.
type ChangeSink interface {
	Publish(ctx context.Context, e events.Event) error
}

type Config struct {
	AlertTimeout               time.Duration
	DefaultAvgTreatmentMinutes int
}

type Service struct {
	store       *queue.Store
	assessments triage.AssessmentRepository
	departments DepartmentDirectory
	patients    PatientDirectory
	alerts      AlertNotifier
	sink        ChangeSink
	logger      zerolog.Logger
	cfg         Config

	alertsInFlight sync.WaitGroup
}

// NewService wires the scheduler. alerts and sink may be nil.
func NewService(
	store *queue.Store,
	assessments triage.AssessmentRepository,
	departments DepartmentDirectory,
	patients PatientDirectory,
	alerts AlertNotifier,
	sink ChangeSink,
	logger zerolog.Logger,
	cfg Config,
) *Service {
	if cfg.AlertTimeout <= 0 {
		cfg.AlertTimeout = DefaultAlertTimeout
	}
	if cfg.DefaultAvgTreatmentMinutes <= 0 {
		cfg.DefaultAvgTreatmentMinutes = triage.DefaultAvgTreatmentMinutes
	}
	return &Service{
		store:       store,
		assessments: assessments,
		departments: departments,
		patients:    patients,
		alerts:      alerts,
		sink:        sink,
		logger:      logger.With().Str("component", "scheduler").Logger(),
		cfg:         cfg,
	}
}

// Wait blocks until in-flight critical alerts have finished.
func (s *Service) Wait() {
	s.alertsInFlight.Wait()
}

// PerformTriage scores the input, picks a department, records the assessment
// and queues the patient. A RED result also pages on-call staff; that page is
// best-effort and never fails the triage.
func (s *Service) PerformTriage(ctx context.Context, in triage.AssessmentInput) (*triage.Assessment, *queue.Entry, error) {
	if in.PatientID == uuid.Nil {
		return nil, nil, &triage.ValidationError{Field: "patient_id", Reason: "is required"}
	}
	if in.PainScale == nil {
		return nil, nil, &triage.ValidationError{Field: triage.FieldPainScale, Reason: "is required"}
	}

	result, err := triage.Score(in.Vitals, *in.PainScale)
	if err != nil {
		return nil, nil, err
	}

	patient, err := s.patients.GetPatient(ctx, in.PatientID)
	if err != nil {
		return nil, nil, err
	}

	dept, err := s.resolveDepartment(ctx, in, result)
	if err != nil {
		return nil, nil, err
	}

	// Fail fast on a duplicate. Enqueue re-checks under the department lock.
	if existing, ok, err := s.store.HasActiveEntry(ctx, dept.ID, in.PatientID); err != nil {
		return nil, nil, err
	} else if ok {
		return nil, nil, &queue.DuplicateActiveEntryError{DepartmentID: dept.ID, PatientID: in.PatientID, EntryID: existing.ID}
	}

	avg := s.avgTreatment(dept)

	a := &triage.Assessment{
		ID:             uuid.New(),
		PatientID:      in.PatientID,
		Vitals:         in.Vitals,
		PainScale:      *in.PainScale,
		Symptoms:       in.Symptoms,
		AcuityScore:    result.Score,
		Urgency:        result.Urgency,
		LowConfidence:  result.LowConfidence,
		DepartmentID:   dept.ID,
		DepartmentCode: dept.Code,
	}
	if in.AssessedBy != "" {
		by := in.AssessedBy
		a.AssessedBy = &by
	}
	if in.ChiefComplaint != "" {
		cc := in.ChiefComplaint
		a.ChiefComplaint = &cc
	}

	// The assessment is written in the enqueue's transaction, so a failed
	// enqueue leaves no assessment and both carry the same wait estimate.
	entry, err := s.store.Enqueue(ctx, queue.EnqueueParams{
		DepartmentID: dept.ID,
		PatientID:    in.PatientID,
		AssessmentID: &a.ID,
		Urgency:      result.Urgency,
		EstimateWait: func(aheadOrEqual int) int {
			return triage.EstimateWait(result.Urgency, aheadOrEqual, avg)
		},
		Attach: func(ctx context.Context, e *queue.Entry) error {
			a.EstimatedWaitMinutes = e.ExpectedWaitMinutes
			return s.assessments.Create(ctx, a)
		},
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.Debug().
		Str("entry_id", entry.ID.String()).
		Str("department", dept.Code).
		Str("urgency", string(entry.Urgency)).
		Int("score", result.Score).
		Int("position", entry.Position).
		Bool("low_confidence", result.LowConfidence).
		Bool("hypoxia_override", result.HypoxiaOverride).
		Msg("patient triaged")

	snap := s.emit(ctx, queue.OpEnqueue, entry)
	if snap != nil && dept.Capacity > 0 && snap.Load() > dept.Capacity {
		s.logger.Warn().
			Str("department", dept.Code).
			Int("load", snap.Load()).
			Int("capacity", dept.Capacity).
			Msg("department over capacity")
	}

	if result.Urgency == triage.UrgencyRed {
		s.sendCriticalAlert(ctx, notification.CriticalAlert{
			PatientID:      patient.ID,
			PatientName:    patient.DisplayName(),
			MRN:            patient.MRN,
			AssessmentID:   a.ID,
			EntryID:        entry.ID,
			DepartmentID:   dept.ID,
			DepartmentName: dept.Name,
			Score:          result.Score,
			Position:       entry.Position,
			TriagedAt:      entry.EnqueuedAt,
		})
	}
	return a, entry, nil
}

func (s *Service) resolveDepartment(ctx context.Context, in triage.AssessmentInput, result triage.Result) (*department.Department, error) {
	var (
		dept *department.Department
		err  error
	)
	if in.DepartmentID != nil {
		dept, err = s.departments.GetDepartment(ctx, *in.DepartmentID)
	} else {
		dept, err = s.departments.GetDepartmentByCode(ctx, triage.RouteDepartment(result, in.Vitals, in.Symptoms))
	}
	if err != nil {
		return nil, err
	}
	if !dept.Active {
		return nil, &triage.ValidationError{Field: "department_id", Reason: "is not accepting patients"}
	}
	return dept, nil
}

// sendCriticalAlert fires the alert in the background. The request context's
// values are kept but its cancellation is not, so a client hanging up does not
// abort the page.
func (s *Service) sendCriticalAlert(ctx context.Context, alert notification.CriticalAlert) {
	if s.alerts == nil {
		return
	}
	s.logger.Warn().
		Str("patient_id", alert.PatientID.String()).
		Str("department_id", alert.DepartmentID.String()).
		Int("score", alert.Score).
		Msg("critical triage, alerting on-call staff")

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.AlertTimeout)
	s.alertsInFlight.Add(1)
	go func() {
		defer s.alertsInFlight.Done()
		defer cancel()
		if err := s.alerts.SendCriticalAlert(actx, alert); err != nil {
			s.logger.Error().Err(err).
				Str("patient_id", alert.PatientID.String()).
				Str("entry_id", alert.EntryID.String()).
				Msg("critical alert failed")
		}
	}()
}

// emit publishes the department's post-change snapshot. It returns the
// snapshot, or nil when it could not be read.
func (s *Service) emit(ctx context.Context, op string, entry *queue.Entry) *queue.Snapshot {
	snap, err := s.store.Snapshot(ctx, entry.DepartmentID)
	if err != nil {
		s.logger.Error().Err(err).Str("op", op).Str("department_id", entry.DepartmentID.String()).Msg("snapshot for event failed")
		return nil
	}
	if s.sink == nil {
		return snap
	}
	e, err := events.NewQueueChanged(op, entry.DepartmentID, snap.Version, snap)
	if err != nil {
		s.logger.Error().Err(err).Str("op", op).Msg("build queue event failed")
		return snap
	}
	entryID, patientID := entry.ID, entry.PatientID
	e.EntryID = &entryID
	e.PatientID = &patientID
	e.Urgency = string(entry.Urgency)

	if err := s.sink.Publish(ctx, e); err != nil {
		s.logger.Error().Err(err).Str("op", op).Str("entry_id", entry.ID.String()).Msg("queue event delivery failed")
	}
	return snap
}

func (s *Service) emitDepartment(ctx context.Context, op string, departmentID uuid.UUID) {
	if s.sink == nil {
		return
	}
	snap, err := s.store.Snapshot(ctx, departmentID)
	if err != nil {
		s.logger.Error().Err(err).Str("op", op).Str("department_id", departmentID.String()).Msg("snapshot for event failed")
		return
	}
	e, err := events.NewQueueChanged(op, departmentID, snap.Version, snap)
	if err != nil {
		s.logger.Error().Err(err).Str("op", op).Msg("build queue event failed")
		return
	}
	if err := s.sink.Publish(ctx, e); err != nil {
		s.logger.Error().Err(err).Str("op", op).Str("department_id", departmentID.String()).Msg("queue event delivery failed")
	}
}

func (s *Service) avgTreatment(d *department.Department) int {
	if d.AvgTreatmentMinutes > 0 {
		return d.AvgTreatmentMinutes
	}
	return s.cfg.DefaultAvgTreatmentMinutes
}

func (s *Service) requireDepartment(ctx context.Context, id uuid.UUID) (*department.Department, error) {
	return s.departments.GetDepartment(ctx, id)
}

// CallNext hands the most urgent waiting patient to staffID.
func (s *Service) CallNext(ctx context.Context, departmentID uuid.UUID, staffID string) (*queue.Entry, error) {
	if _, err := s.requireDepartment(ctx, departmentID); err != nil {
		return nil, err
	}
	e, err := s.store.DequeueNext(ctx, departmentID, staffID)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, queue.OpCallNext, e)
	return e, nil
}

func (s *Service) CompletePatient(ctx context.Context, entryID uuid.UUID) (*queue.Entry, error) {
	e, err := s.store.Complete(ctx, entryID)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, queue.OpComplete, e)
	return e, nil
}

func (s *Service) SkipPatient(ctx context.Context, entryID uuid.UUID, reason string) (*queue.Entry, error) {
	e, err := s.store.Skip(ctx, entryID, reason)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, queue.OpSkip, e)
	return e, nil
}

func (s *Service) CancelEntry(ctx context.Context, entryID uuid.UUID, reason string) (*queue.Entry, error) {
	e, err := s.store.Cancel(ctx, entryID, reason)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, queue.OpCancel, e)
	return e, nil
}

func (s *Service) ManualReposition(ctx context.Context, entryID uuid.UUID, newPosition int, actorID string) (*queue.Entry, error) {
	if actorID == "" {
		return nil, &triage.ValidationError{Field: "actor_id", Reason: "is required"}
	}
	e, err := s.store.Reposition(ctx, entryID, newPosition, actorID)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, queue.OpReposition, e)
	return e, nil
}

// ReprioritizeDepartment restores canonical urgency-then-arrival order.
func (s *Service) ReprioritizeDepartment(ctx context.Context, departmentID uuid.UUID) ([]*queue.Entry, error) {
	if _, err := s.requireDepartment(ctx, departmentID); err != nil {
		return nil, err
	}
	waiting, err := s.store.ReprioritizeAll(ctx, departmentID)
	if err != nil {
		return nil, err
	}
	s.emitDepartment(ctx, queue.OpReprioritize, departmentID)
	return waiting, nil
}

// QueueItem is an entry joined with the patient's display fields.
type QueueItem struct {
	*queue.Entry
	PatientName string `json:"patient_name"`
	MRN         string `json:"mrn,omitempty"`
}

// QueueView is what staff boards render for one department.
type QueueView struct {
	Department  *department.Department `json:"department"`
	Version     int64                  `json:"version"`
	Load        int                    `json:"load"`
	AtCapacity  bool                   `json:"at_capacity"`
	Utilization float64                `json:"utilization"` // 0 when capacity is unlimited
	Waiting     []QueueItem            `json:"waiting"`
	InProgress  []QueueItem            `json:"in_progress"`
}

// QueueStatus returns the department's active entries in queue order with
// patient names. A patient that cannot be resolved is shown without a name.
func (s *Service) QueueStatus(ctx context.Context, departmentID uuid.UUID) (*QueueView, error) {
	dept, err := s.requireDepartment(ctx, departmentID)
	if err != nil {
		return nil, err
	}
	snap, err := s.store.Snapshot(ctx, departmentID)
	if err != nil {
		return nil, err
	}

	d := *dept
	d.CurrentLoad = snap.Load()
	view := &QueueView{
		Department:  &d,
		Version:     snap.Version,
		Load:        snap.Load(),
		AtCapacity:  d.AtCapacity(),
		Utilization: d.Utilization(),
		Waiting:     make([]QueueItem, 0, len(snap.Waiting)),
		InProgress:  make([]QueueItem, 0, len(snap.InProgress)),
	}

	names := make(map[uuid.UUID]*identity.Patient)
	join := func(e *queue.Entry) QueueItem {
		item := QueueItem{Entry: e}
		p, seen := names[e.PatientID]
		if !seen {
			var err error
			p, err = s.patients.GetPatient(ctx, e.PatientID)
			if err != nil {
				if !errors.Is(err, identity.ErrPatientNotFound) {
					s.logger.Warn().Err(err).Str("patient_id", e.PatientID.String()).Msg("patient lookup failed")
				}
				p = nil
			}
			names[e.PatientID] = p
		}
		if p != nil {
			item.PatientName = p.DisplayName()
			item.MRN = p.MRN
		}
		return item
	}
	for _, e := range snap.Waiting {
		view.Waiting = append(view.Waiting, join(e))
	}
	for _, e := range snap.InProgress {
		view.InProgress = append(view.InProgress, join(e))
	}
	return view, nil
}

// WaitEstimate previews where a patient of the given urgency would land if
// triaged into the department now.
type WaitEstimate struct {
	DepartmentID        uuid.UUID      `json:"department_id"`
	Urgency             triage.Urgency `json:"urgency"`
	Ahead               int            `json:"ahead"`
	ExpectedWaitMinutes int            `json:"expected_wait_minutes"`
}

// EstimateWait uses the same count and averages as PerformTriage without
// enqueueing anything.
func (s *Service) EstimateWait(ctx context.Context, departmentID uuid.UUID, u triage.Urgency) (*WaitEstimate, error) {
	if !u.Valid() {
		return nil, &triage.ValidationError{Field: "urgency", Reason: "must be RED, YELLOW or GREEN"}
	}
	dept, err := s.requireDepartment(ctx, departmentID)
	if err != nil {
		return nil, err
	}
	ahead, err := s.store.CountWaitingAhead(ctx, departmentID, u)
	if err != nil {
		return nil, err
	}
	return &WaitEstimate{
		DepartmentID:        departmentID,
		Urgency:             u,
		Ahead:               ahead,
		ExpectedWaitMinutes: triage.EstimateWait(u, ahead, s.avgTreatment(dept)),
	}, nil
}

func (s *Service) GetEntry(ctx context.Context, entryID uuid.UUID) (*queue.Entry, error) {
	return s.store.Get(ctx, entryID)
}

func (s *Service) GetAssessment(ctx context.Context, id uuid.UUID) (*triage.Assessment, error) {
	return s.assessments.GetByID(ctx, id)
}

func (s *Service) ListAssessmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*triage.Assessment, int, error) {
	return s.assessments.ListByPatient(ctx, patientID, limit, offset)
}
