// Package linking commits study-to-exam associations and drives
// exam-initiated syncs against the archive.
package linking

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/radris/risync/internal/domain/exam"
	"github.com/radris/risync/internal/domain/matching"
	"github.com/radris/risync/internal/platform/archive"
	"github.com/radris/risync/internal/platform/notification"
)

var (
	ErrNoImages         = errors.New("no images available for exam")
	ErrMissingReference = errors.New("study reference is required")
	ErrInvalidRange     = errors.New("invalid date range")
)

type Options struct {
	Concurrency int
	// ArchiveURL is the archive root; DICOMweb lives under /dicom-web.
	ArchiveURL string
	ViewerURL  string
	Location   *time.Location
}

type Orchestrator struct {
	exams       exam.Repository
	archive     archive.Archive
	events      notification.Publisher
	concurrency int
	archiveURL  string
	viewerURL   string
	loc         *time.Location
	logger      zerolog.Logger
	now         func() time.Time
}

func NewOrchestrator(exams exam.Repository, a archive.Archive, events notification.Publisher, opts Options, logger zerolog.Logger) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if events == nil {
		events = notification.Discard
	}
	return &Orchestrator{
		exams:       exams,
		archive:     a,
		events:      events,
		concurrency: opts.Concurrency,
		archiveURL:  strings.TrimRight(opts.ArchiveURL, "/"),
		viewerURL:   opts.ViewerURL,
		loc:         opts.Location,
		logger:      logger.With().Str("component", "linking").Logger(),
		now:         time.Now,
	}
}

// Link sets the exam's study reference if it has none. Losing a race, or
// the study already belonging to another exam, is reported in the Outcome
// rather than as an error.
func (o *Orchestrator) Link(ctx context.Context, examID uuid.UUID, studyReference, method string) (*Outcome, error) {
	out := &Outcome{ExamID: examID, StudyReference: studyReference, Method: method}

	err := o.exams.LinkStudy(ctx, examID, studyReference, method)
	switch {
	case err == nil:
	case errors.Is(err, exam.ErrAlreadyLinked):
		out.PreconditionFailed = true
		out.Reason = ReasonAlreadyLinked
		return out, nil
	case errors.Is(err, exam.ErrStudyLinkedElsewhere):
		out.PreconditionFailed = true
		out.Reason = ReasonStudyLinkedElsewhere
		return out, nil
	default:
		return nil, err
	}

	out.Linked = true
	o.logger.Info().
		Str("exam_id", examID.String()).
		Str("study_reference", studyReference).
		Str("method", method).
		Msg("study linked")
	o.publishLinked(ctx, examID, studyReference, method)
	return out, nil
}

func (o *Orchestrator) publishLinked(ctx context.Context, examID uuid.UUID, ref, method string) {
	evt := notification.Event{
		Type:           notification.StudyLinked,
		ExamID:         examID.String(),
		StudyReference: ref,
		Method:         method,
	}
	if e, err := o.exams.GetByID(ctx, examID); err == nil {
		evt.PatientName = e.Patient.DisplayName()
		evt.AccessionNumber = e.Accession()
		if e.Modality != nil {
			evt.Modality = *e.Modality
		}
		evt.Message = fmt.Sprintf("study linked to exam for %s", evt.PatientName)
	}
	o.events.Publish(ctx, evt)
}

// LinkMatch commits a matching result for study.
func (o *Orchestrator) LinkMatch(ctx context.Context, study archive.Study, m matching.Result) (*Outcome, error) {
	if !m.Matched || m.ExamID == nil {
		return &Outcome{StudyReference: study.StudyReference}, nil
	}
	return o.Link(ctx, *m.ExamID, study.StudyReference, m.Method)
}

// SyncOne looks the exam up in the archive, first by accession number and
// then by patient identifier, and links it when exactly one study fits.
// An exam that is already linked is re-checked for image presence instead.
func (o *Orchestrator) SyncOne(ctx context.Context, examID uuid.UUID) (*SyncResult, error) {
	e, err := o.exams.GetByID(ctx, examID)
	if err != nil {
		return nil, err
	}
	res := &SyncResult{ExamID: examID, SyncedAt: o.now().UTC()}

	if e.IsLinked() {
		return o.confirm(ctx, e, res)
	}

	candidates, method, err := o.candidates(ctx, e)
	if err != nil {
		return nil, err
	}
	res.StudiesFound = len(candidates)
	res.Success = true

	if len(candidates) != 1 {
		res.Message = fmt.Sprintf("%d candidate studies, exam left unlinked", len(candidates))
		return res, nil
	}

	out, err := o.Link(ctx, examID, candidates[0].StudyReference, method)
	if err != nil {
		return nil, err
	}
	res.StudyReference = out.StudyReference
	res.Method = method
	res.Linked = out.Linked
	res.ImagesAvailable = out.Linked
	if out.PreconditionFailed {
		res.AlreadyLinked = out.Reason == ReasonAlreadyLinked
		res.Message = out.Reason
	}
	return res, nil
}

func (o *Orchestrator) confirm(ctx context.Context, e *exam.Exam, res *SyncResult) (*SyncResult, error) {
	ref := *e.StudyReference
	res.AlreadyLinked = true
	res.StudyReference = ref
	if e.LinkMethod != nil {
		res.Method = *e.LinkMethod
	}

	_, err := o.archive.GetStudy(ctx, ref)
	switch {
	case err == nil:
		res.StudiesFound = 1
		res.ImagesAvailable = true
	case errors.Is(err, archive.ErrNotFound):
		res.Message = "linked study no longer present in archive"
	default:
		return nil, err
	}

	if e.ImagesAvailable != res.ImagesAvailable {
		if err := o.exams.SetImagesAvailable(ctx, e.ID, res.ImagesAvailable); err != nil {
			return nil, err
		}
	}
	res.Success = true
	return res, nil
}

// candidates returns the archive studies that could belong to e, with the
// method tag to record if one of them is linked.
func (o *Orchestrator) candidates(ctx context.Context, e *exam.Exam) ([]archive.Study, string, error) {
	if acc := e.Accession(); acc != "" {
		studies, err := o.archive.FindStudiesByAccessionNumber(ctx, acc)
		if err != nil {
			return nil, "", err
		}
		studies, err = o.unlinked(ctx, studies)
		if err != nil {
			return nil, "", err
		}
		if len(studies) > 0 {
			return studies, exam.MethodAccessionLookup, nil
		}
	}

	for _, id := range e.Patient.Identifiers() {
		studies, err := o.archive.FindStudiesByPatientID(ctx, id)
		if err != nil {
			return nil, "", err
		}
		studies, err = o.unlinked(ctx, studies)
		if err != nil {
			return nil, "", err
		}
		studies = o.byDate(e, studies)
		if len(studies) > 0 {
			return studies, exam.MethodPatientLookup, nil
		}
	}
	return nil, "", nil
}

// byDate keeps studies near the scheduled date: within the matching
// tolerance for a lone study, on the same calendar day when there are several.
func (o *Orchestrator) byDate(e *exam.Exam, studies []archive.Study) []archive.Study {
	if len(studies) == 0 {
		return studies
	}
	if len(studies) > 1 {
		day := e.ScheduledDateString(o.loc)
		var out []archive.Study
		for _, s := range studies {
			if s.StudyDate == day {
				out = append(out, s)
			}
		}
		return out
	}
	d, err := studies[0].Date(o.loc)
	if err != nil {
		return nil
	}
	w := exam.AroundDay(d, matching.DateTolerance)
	if e.ScheduledDate.Before(w.From) || e.ScheduledDate.After(w.To) {
		return nil
	}
	return studies
}

func (o *Orchestrator) unlinked(ctx context.Context, studies []archive.Study) ([]archive.Study, error) {
	out := make([]archive.Study, 0, len(studies))
	for _, s := range studies {
		linked, err := o.exams.IsStudyLinked(ctx, s.StudyReference)
		if err != nil {
			return nil, err
		}
		if !linked {
			out = append(out, s)
		}
	}
	return out, nil
}

// SyncMany runs SyncOne over ids with bounded parallelism. A failing exam
// is recorded and does not stop the others. Repeated ids are synced once.
func (o *Orchestrator) SyncMany(ctx context.Context, ids []uuid.UUID) *BatchResult {
	start := o.now()
	ids = distinct(ids)
	results := make([]SyncResult, len(ids))

	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			res, err := o.SyncOne(ctx, id)
			if err != nil {
				o.logger.Warn().Err(err).Str("exam_id", id.String()).Msg("exam sync failed")
				results[i] = SyncResult{ExamID: id, Error: err.Error(), SyncedAt: o.now().UTC()}
				return nil
			}
			results[i] = *res
			return nil
		})
	}
	_ = g.Wait()

	batch := &BatchResult{TotalExams: len(ids), Results: results}
	for _, r := range results {
		if r.Success {
			batch.SuccessfulSyncs++
		} else {
			batch.FailedSyncs++
		}
		if r.Linked {
			batch.LinkedExams++
		}
		batch.TotalStudiesFound += r.StudiesFound
	}
	batch.DurationMS = o.now().Sub(start).Milliseconds()
	return batch
}

// SyncByDateRange syncs every exam scheduled within r.
func (o *Orchestrator) SyncByDateRange(ctx context.Context, r DateRange) (*BatchResult, error) {
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRange, err)
	}
	ids, err := o.exams.ListIDs(ctx, exam.Filter{From: &r.From, To: &r.To})
	if err != nil {
		return nil, err
	}
	return o.SyncMany(ctx, ids), nil
}

// SyncPending syncs every exam without a study or without confirmed images.
func (o *Orchestrator) SyncPending(ctx context.Context) (*BatchResult, error) {
	ids, err := o.exams.ListIDs(ctx, exam.Filter{NeedsImages: true})
	if err != nil {
		return nil, err
	}
	return o.SyncMany(ctx, ids), nil
}

// Override replaces the exam's study reference unconditionally. The study
// must exist in the archive.
func (o *Orchestrator) Override(ctx context.Context, examID uuid.UUID, studyReference string) (*Outcome, error) {
	if strings.TrimSpace(studyReference) == "" {
		return nil, ErrMissingReference
	}
	if _, err := o.exams.GetByID(ctx, examID); err != nil {
		return nil, err
	}
	if _, err := o.archive.GetStudy(ctx, studyReference); err != nil {
		return nil, err
	}
	if err := o.exams.OverrideStudy(ctx, examID, studyReference); err != nil {
		return nil, err
	}
	o.logger.Info().
		Str("exam_id", examID.String()).
		Str("study_reference", studyReference).
		Msg("study reference overridden")
	o.publishLinked(ctx, examID, studyReference, exam.MethodManual)
	return &Outcome{Linked: true, ExamID: examID, StudyReference: studyReference, Method: exam.MethodManual}, nil
}

func (o *Orchestrator) Statistics(ctx context.Context) (*exam.Statistics, error) {
	return o.exams.Statistics(ctx)
}

// ViewerConfig builds viewer and DICOMweb URLs for a linked exam.
func (o *Orchestrator) ViewerConfig(ctx context.Context, examID uuid.UUID) (*ViewerConfig, error) {
	e, err := o.exams.GetByID(ctx, examID)
	if err != nil {
		return nil, err
	}
	if !e.IsLinked() || !e.ImagesAvailable {
		return nil, ErrNoImages
	}
	ref := *e.StudyReference

	q := url.Values{}
	q.Set("datasources", "dicomweb")
	q.Set("StudyInstanceUIDs", ref)

	cfg := &ViewerConfig{
		ExamID:          e.ID,
		StudyReference:  ref,
		ImagesAvailable: e.ImagesAvailable,
		ViewerURL:       o.viewerURL + "?" + q.Encode(),
		WADORSRoot:      o.archiveURL + "/dicom-web",
		DICOMWebURL:     o.archiveURL + "/dicom-web/studies/" + url.PathEscape(ref),
		PatientName:     e.Patient.DisplayName(),
		AccessionNumber: e.Accession(),
	}
	if e.Modality != nil {
		cfg.Modality = *e.Modality
	}
	return cfg, nil
}

func distinct(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
