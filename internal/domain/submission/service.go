package submission

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/oralvis/oralvis/internal/platform/apperr"
	"github.com/oralvis/oralvis/internal/platform/auth"
	"github.com/oralvis/oralvis/internal/platform/blobstore"
	"github.com/oralvis/oralvis/internal/platform/render"
	"github.com/oralvis/oralvis/internal/platform/telemetry"
	"github.com/oralvis/oralvis/internal/platform/validate"
	"github.com/oralvis/oralvis/pkg/annotation"
	"github.com/oralvis/oralvis/pkg/pagination"
)

// URLResolver turns stored blob names into client URLs.
type URLResolver interface {
	Resolve(name string) string
	ResolvePtr(name *string) *string
}

// Renderer produces the PDF bytes of a report.
type Renderer interface {
	Render(ctx context.Context, data render.ReportData) ([]byte, error)
}

// Flattener rasterizes an annotation document over its source image.
type Flattener interface {
	Flatten(ctx context.Context, src []byte, doc *annotation.Document) ([]byte, error)
}

// UserInfo is what the engine needs to know about an account.
type UserInfo struct {
	ID    string
	Name  string
	Email string
}

// UserLookup resolves account ids. It returns apperr NotFound for unknown
// users.
type UserLookup interface {
	GetByID(ctx context.Context, id string) (*UserInfo, error)
}

// UserLookupFunc adapts a function to UserLookup.
type UserLookupFunc func(ctx context.Context, id string) (*UserInfo, error)

func (f UserLookupFunc) GetByID(ctx context.Context, id string) (*UserInfo, error) { return f(ctx, id) }

// ImageUpload is an uploaded image as received from the client.
type ImageUpload struct {
	Filename    string
	ContentType string
	Size        int64
	Content     io.Reader
}

// UpdateInput is a partial admin update. Nil fields are left unchanged.
type UpdateInput struct {
	AnnotationData json.RawMessage
	ReviewText     *string
	Status         *string
	Version        *int
}

// ReportInput carries the admin's review for report generation.
type ReportInput struct {
	Findings        string `json:"findings"`
	Recommendations string `json:"recommendations"`
}

// ReportResult describes a freshly generated report.
type ReportResult struct {
	ReportPath string `json:"reportPath"`
	ReportURL  string `json:"reportUrl"`
	FileName   string `json:"fileName"`
}

// Page is one page of the admin listing.
type Page struct {
	Items []*View
	Meta  pagination.Meta
}

var defaultAllowedTypes = []string{"image/jpeg", "image/png", "image/jpg"}

const defaultMaxFileSize = 10 << 20

// Service is the submission lifecycle engine. It never caches entities:
// every operation re-reads from the repository.
type Service struct {
	repo      Repository
	blobs     blobstore.Store
	urls      URLResolver
	renderer  Renderer
	users     UserLookup
	flattener Flattener
	validator *validate.Validator
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
	now       func() time.Time

	strict       bool
	allowedTypes map[string]bool
	maxFileSize  int64
}

// Option configures a Service.
type Option func(*Service)

// WithFlattener enables rasterizing annotations into annotatedImagePath.
func WithFlattener(f Flattener) Option {
	return func(s *Service) { s.flattener = f }
}

// WithStrictLifecycle couples status changes to the data that justifies
// them: "annotated" needs annotation data or review text, and "reported"
// can only be reached by generating a report.
func WithStrictLifecycle(strict bool) Option {
	return func(s *Service) { s.strict = strict }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l.With().Str("component", "submission").Logger() }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithUploadPolicy sets the accepted image MIME types and the maximum
// upload size in bytes.
func WithUploadPolicy(allowed []string, maxSize int64) Option {
	return func(s *Service) {
		if len(allowed) > 0 {
			s.allowedTypes = typeSet(allowed)
		}
		if maxSize > 0 {
			s.maxFileSize = maxSize
		}
	}
}

func typeSet(types []string) map[string]bool {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[strings.ToLower(strings.TrimSpace(t))] = true
	}
	return set
}

func NewService(repo Repository, blobs blobstore.Store, urls URLResolver, renderer Renderer, users UserLookup, opts ...Option) *Service {
	s := &Service{
		repo:         repo,
		blobs:        blobs,
		urls:         urls,
		renderer:     renderer,
		users:        users,
		validator:    validate.New(),
		logger:       zerolog.Nop(),
		now:          time.Now,
		allowedTypes: typeSet(defaultAllowedTypes),
		maxFileSize:  defaultMaxFileSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// view resolves blob URLs for s. Owner is attached by the caller.
func (s *Service) view(sub *Submission) *View {
	return &View{
		ID:                 sub.ID,
		OwnerID:            sub.OwnerID,
		PatientDetails:     sub.PatientDetails,
		OriginalImagePath:  sub.OriginalImagePath,
		AnnotatedImagePath: sub.AnnotatedImagePath,
		AnnotationData:     sub.AnnotationData,
		ReviewText:         sub.ReviewText,
		ReportPath:         sub.ReportPath,
		Status:             sub.Status,
		Version:            sub.Version,
		CreatedAt:          sub.CreatedAt,
		UpdatedAt:          sub.UpdatedAt,
		OriginalImageURL:   s.urls.Resolve(sub.OriginalImagePath),
		AnnotatedImageURL:  s.urls.ResolvePtr(sub.AnnotatedImagePath),
		ReportURL:          s.urls.ResolvePtr(sub.ReportPath),
	}
}

// -- Create --

type createInput struct {
	PatientDetails PatientDetails `json:"patientDetails"`
}

func normalizeDetails(d PatientDetails) PatientDetails {
	return PatientDetails{
		Name:      validate.CleanText(d.Name),
		PatientID: strings.TrimSpace(d.PatientID),
		Email:     strings.ToLower(strings.TrimSpace(d.Email)),
		Note:      validate.CleanText(d.Note),
	}
}

// readUpload enforces the upload policy and returns the image bytes and the
// extension for its sniffed type.
func (s *Service) readUpload(u *ImageUpload) ([]byte, string, *apperr.FieldError) {
	if u == nil || u.Content == nil {
		return nil, "", &apperr.FieldError{Field: "image", Message: "Image file is required"}
	}
	invalidType := &apperr.FieldError{Field: "image", Message: "Invalid file type. Only JPEG, PNG, and JPG files are allowed."}
	tooLarge := &apperr.FieldError{
		Field:   "image",
		Message: fmt.Sprintf("File size too large. Maximum size is %dMB.", s.maxFileSize>>20),
	}

	declared, _, err := mime.ParseMediaType(u.ContentType)
	if err != nil || !s.allowedTypes[strings.ToLower(declared)] {
		return nil, "", invalidType
	}
	if u.Size > s.maxFileSize {
		return nil, "", tooLarge
	}

	data, err := io.ReadAll(io.LimitReader(u.Content, s.maxFileSize+1))
	if err != nil {
		return nil, "", &apperr.FieldError{Field: "image", Message: "Could not read uploaded file"}
	}
	if len(data) == 0 {
		return nil, "", &apperr.FieldError{Field: "image", Message: "Image file is required"}
	}
	if int64(len(data)) > s.maxFileSize {
		return nil, "", tooLarge
	}

	// The declared type is client supplied; the stored extension follows
	// the bytes.
	sniffed := http.DetectContentType(data)
	if !s.allowedTypes[sniffed] {
		return nil, "", invalidType
	}
	ext, ok := blobstore.ExtForContentType(sniffed)
	if !ok {
		return nil, "", invalidType
	}
	return data, ext, nil
}

// Create stores the uploaded image and records a new submission in the
// uploaded state, owned by the calling patient.
func (s *Service) Create(ctx context.Context, actor auth.Actor, upload *ImageUpload, details PatientDetails) (*View, error) {
	if !CanAccess(actor, nil, OpCreate) {
		return nil, apperr.Authorization("Only patients can create submissions")
	}

	var fields []apperr.FieldError
	data, ext, ferr := s.readUpload(upload)
	if ferr != nil {
		fields = append(fields, *ferr)
	}
	in := createInput{PatientDetails: normalizeDetails(details)}
	if err := s.validator.Validate(in); err != nil {
		e, ok := apperr.As(err)
		if !ok {
			return nil, err
		}
		fields = append(fields, e.Fields...)
	}
	if len(fields) > 0 {
		return nil, apperr.Validation("Validation error", fields...)
	}

	if _, err := s.users.GetByID(ctx, actor.UserID); err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return nil, apperr.NotFound("User not found")
		}
		return nil, err
	}

	name, err := s.blobs.Put(ctx, blobstore.KindImage, ext, bytes.NewReader(data))
	if err != nil {
		return nil, apperr.Storage("Failed to store image", err)
	}

	sub := &Submission{
		OwnerID:           actor.UserID,
		PatientDetails:    in.PatientDetails,
		OriginalImagePath: name,
		Status:            StatusUploaded,
	}
	if err := s.repo.Create(ctx, sub); err != nil {
		s.discardBlob(name, "image")
		if _, ok := apperr.As(err); ok {
			return nil, err
		}
		return nil, apperr.Storage("Failed to save submission", err)
	}

	s.metrics.Upload(http.DetectContentType(data))
	s.logger.Info().
		Str("submission_id", sub.ID).
		Str("owner_id", sub.OwnerID).
		Str("blob", name).
		Msg("submission created")
	return s.view(sub), nil
}

// discardBlob removes a blob written by an operation that then failed. It
// runs on a fresh context so a cancelled request still cleans up.
func (s *Service) discardBlob(name, kind string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.blobs.Delete(ctx, name); err != nil {
		s.metrics.BlobCleanupFailed(kind)
		s.logger.Warn().Err(err).Str("blob", name).Msg("failed to discard blob")
	}
}

// -- Reads --

// ListOwn returns the calling patient's submissions, newest first.
func (s *Service) ListOwn(ctx context.Context, actor auth.Actor) ([]*View, error) {
	if !CanAccess(actor, nil, OpListOwn) {
		return nil, apperr.Authorization("Access denied")
	}
	subs, err := s.repo.ListByOwner(ctx, actor.UserID)
	if err != nil {
		return nil, storageErr("Failed to list submissions", err)
	}
	views := make([]*View, 0, len(subs))
	for _, sub := range subs {
		views = append(views, s.view(sub))
	}
	return views, nil
}

// ListAll returns one page of every submission, optionally filtered by
// status, with owner name and email attached.
func (s *Service) ListAll(ctx context.Context, actor auth.Actor, status string, params pagination.Params) (*Page, error) {
	if !CanAccess(actor, nil, OpListAll) {
		return nil, apperr.Authorization("Admin access required")
	}
	var filter ListFilter
	if status != "" {
		st, ok := ParseStatus(status)
		if !ok {
			return nil, apperr.Field("status", "must be one of: uploaded, annotated, reported")
		}
		filter.Status = st
	}
	params = pagination.New(params.Page, params.Limit)

	subs, total, err := s.repo.List(ctx, filter, params.Limit, params.Offset())
	if err != nil {
		return nil, storageErr("Failed to list submissions", err)
	}

	owners := make(map[string]*Owner)
	views := make([]*View, 0, len(subs))
	for _, sub := range subs {
		v := s.view(sub)
		owner, seen := owners[sub.OwnerID]
		if !seen {
			if u, err := s.users.GetByID(ctx, sub.OwnerID); err == nil {
				owner = &Owner{Name: u.Name, Email: u.Email}
			}
			owners[sub.OwnerID] = owner
		}
		v.Owner = owner
		views = append(views, v)
	}
	return &Page{Items: views, Meta: params.Meta(total)}, nil
}

// Get returns one submission. Patients only see their own.
func (s *Service) Get(ctx context.Context, actor auth.Actor, id string) (*View, error) {
	sub, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, storageErr("Failed to load submission", err)
	}
	if !CanAccess(actor, sub, OpRead) {
		return nil, apperr.Authorization("Access denied")
	}
	return s.view(sub), nil
}

// Stats counts submissions per status.
func (s *Service) Stats(ctx context.Context, actor auth.Actor) (*Stats, error) {
	if !CanAccess(actor, nil, OpListAll) {
		return nil, apperr.Authorization("Admin access required")
	}
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, storageErr("Failed to count submissions", err)
	}
	st := &Stats{
		Uploaded:  counts[StatusUploaded],
		Annotated: counts[StatusAnnotated],
		Reported:  counts[StatusReported],
	}
	st.Total = st.Uploaded + st.Annotated + st.Reported
	return st, nil
}

// -- Update --

// Update applies an admin's annotation, review or status change. The write
// is conditional on the version that was read.
func (s *Service) Update(ctx context.Context, actor auth.Actor, id string, in UpdateInput) (*View, error) {
	if !CanAccess(actor, nil, OpUpdate) {
		return nil, apperr.Authorization("Admin access required")
	}

	var (
		fields []apperr.FieldError
		status Status
		review *string
		doc    *annotation.Document
	)
	if in.Status != nil {
		st, ok := ParseStatus(*in.Status)
		if !ok {
			fields = append(fields, apperr.FieldError{Field: "status", Message: "must be one of: uploaded, annotated, reported"})
		}
		status = st
	}
	if in.ReviewText != nil {
		text := validate.CleanText(*in.ReviewText)
		if len([]rune(text)) > MaxReviewTextLength {
			fields = append(fields, apperr.FieldError{Field: "reviewText", Message: fmt.Sprintf("must be at most %d characters", MaxReviewTextLength)})
		}
		review = &text
	}
	hasAnnotation := len(bytes.TrimSpace(in.AnnotationData)) > 0 && !bytes.Equal(bytes.TrimSpace(in.AnnotationData), []byte("null"))
	if hasAnnotation {
		d, err := annotation.Detect(in.AnnotationData)
		if err != nil {
			fe, ok := err.(annotation.FieldError)
			if !ok {
				fe = annotation.FieldError{Field: "annotationData", Message: err.Error()}
			}
			fields = append(fields, apperr.FieldError{Field: fe.Field, Message: fe.Message})
		}
		doc = d
	}
	if len(fields) > 0 {
		return nil, apperr.Validation("Validation error", fields...)
	}

	sub, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, storageErr("Failed to load submission", err)
	}
	if in.Version != nil && *in.Version != sub.Version {
		return nil, apperr.Conflict(fmt.Sprintf("Submission is at version %d, not %d", sub.Version, *in.Version))
	}

	if s.strict && in.Status != nil {
		switch status {
		case StatusReported:
			if sub.Status != StatusReported {
				return nil, apperr.Field("status", "reported is set by generating a report")
			}
		case StatusAnnotated:
			hasReview := (review != nil && *review != "") || (review == nil && sub.ReviewText != nil && *sub.ReviewText != "")
			if !hasAnnotation && !hasReview && len(sub.AnnotationData) == 0 {
				return nil, apperr.Field("status", "annotated requires annotation data or review text")
			}
		}
	}

	before := sub.Status
	next := sub.clone()
	if hasAnnotation {
		next.AnnotationData = append(json.RawMessage(nil), bytes.TrimSpace(in.AnnotationData)...)
	}
	if review != nil {
		next.ReviewText = review
	}
	if in.Status != nil {
		next.Status = status
	}

	var raster string
	if doc != nil && s.flattener != nil {
		raster, err = s.flatten(ctx, sub.OriginalImagePath, doc)
		if err != nil {
			return nil, err
		}
		next.AnnotatedImagePath = &raster
	}

	if err := s.repo.Update(ctx, next, sub.Version); err != nil {
		if raster != "" {
			s.discardBlob(raster, "image")
		}
		return nil, storageErr("Failed to update submission", err)
	}

	if raster != "" && sub.AnnotatedImagePath != nil && *sub.AnnotatedImagePath != "" {
		s.removeBlob(ctx, *sub.AnnotatedImagePath, "image")
	}
	s.transitioned(next.ID, before, next.Status)
	return s.view(next), nil
}

// flatten renders doc over the original image and stores the PNG.
func (s *Service) flatten(ctx context.Context, original string, doc *annotation.Document) (string, error) {
	src, err := blobstore.ReadAll(ctx, s.blobs, original, 4*s.maxFileSize)
	if err != nil {
		return "", apperr.Storage("Failed to read original image", err)
	}
	png, err := s.flattener.Flatten(ctx, src, doc)
	if err != nil {
		return "", apperr.Render("Failed to render annotated image", err)
	}
	name, err := s.blobs.Put(ctx, blobstore.KindImage, ".png", bytes.NewReader(png))
	if err != nil {
		return "", apperr.Storage("Failed to store annotated image", err)
	}
	return name, nil
}

func (s *Service) transitioned(id string, from, to Status) {
	if from == to {
		return
	}
	s.metrics.Transition(string(from), string(to))
	s.logger.Info().
		Str("submission_id", id).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("submission status changed")
}

// -- Delete --

// Delete removes the submission and then its blobs. Blob cleanup failures
// are logged and counted but do not fail the request; `blobs gc` reclaims
// whatever is left.
func (s *Service) Delete(ctx context.Context, actor auth.Actor, id string) error {
	if !CanAccess(actor, nil, OpDelete) {
		return apperr.Authorization("Admin access required")
	}
	sub, err := s.repo.Delete(ctx, id)
	if err != nil {
		return storageErr("Failed to delete submission", err)
	}

	s.removeBlob(ctx, sub.OriginalImagePath, "image")
	if sub.AnnotatedImagePath != nil && *sub.AnnotatedImagePath != "" {
		s.removeBlob(ctx, *sub.AnnotatedImagePath, "image")
	}
	if sub.ReportPath != nil && *sub.ReportPath != "" {
		s.removeBlob(ctx, *sub.ReportPath, "report")
	}
	s.logger.Info().Str("submission_id", sub.ID).Msg("submission deleted")
	return nil
}

func (s *Service) removeBlob(ctx context.Context, name, kind string) {
	if _, err := s.blobs.Delete(ctx, name); err != nil {
		s.metrics.BlobCleanupFailed(kind)
		s.logger.Warn().Err(err).Str("blob", name).Msg("blob cleanup failed")
	}
}

// -- Report --

// GenerateReport renders the PDF report, stores it and moves the
// submission to reported in a single conditional write. A failed render
// leaves the submission untouched.
func (s *Service) GenerateReport(ctx context.Context, actor auth.Actor, id string, in ReportInput) (*ReportResult, error) {
	if !CanAccess(actor, nil, OpGenerateReport) {
		return nil, apperr.Authorization("Admin access required")
	}
	findings := validate.CleanText(in.Findings)
	recommendations := validate.CleanText(in.Recommendations)
	if findings == "" || recommendations == "" {
		var fields []apperr.FieldError
		if findings == "" {
			fields = append(fields, apperr.FieldError{Field: "findings", Message: "is required"})
		}
		if recommendations == "" {
			fields = append(fields, apperr.FieldError{Field: "recommendations", Message: "is required"})
		}
		return nil, apperr.Validation("Findings and recommendations are required", fields...)
	}

	sub, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, storageErr("Failed to load submission", err)
	}

	data := render.ReportData{
		SubmissionID: sub.ID,
		Patient: render.Patient{
			Name:      sub.PatientDetails.Name,
			PatientID: sub.PatientDetails.PatientID,
			Email:     sub.PatientDetails.Email,
			Note:      sub.PatientDetails.Note,
		},
		OriginalImage:   s.loadImage(ctx, sub.OriginalImagePath),
		Findings:        findings,
		Recommendations: recommendations,
		DoctorName:      s.doctorName(ctx, actor),
		ReportDate:      s.now(),
		AnnotationData:  sub.AnnotationData,
	}
	if sub.AnnotatedImagePath != nil {
		data.AnnotatedImage = s.loadImage(ctx, *sub.AnnotatedImagePath)
	}

	start := time.Now()
	pdf, err := s.renderer.Render(ctx, data)
	s.metrics.ReportRendered(time.Since(start), err)
	if err != nil {
		return nil, apperr.Render("Error generating report", err)
	}

	name, err := s.blobs.Put(ctx, blobstore.KindReport, ".pdf", bytes.NewReader(pdf))
	if err != nil {
		s.metrics.ReportStored(err)
		return nil, apperr.Storage("Failed to store report", err)
	}

	previous := sub.ReportPath
	before := sub.Status
	next := sub.clone()
	next.ReportPath = &name
	next.Status = StatusReported
	if err := s.repo.Update(ctx, next, sub.Version); err != nil {
		s.metrics.ReportStored(err)
		s.discardBlob(name, "report")
		return nil, storageErr("Failed to save report", err)
	}
	s.metrics.ReportStored(nil)

	if previous != nil && *previous != "" {
		s.removeBlob(ctx, *previous, "report")
	}
	s.transitioned(next.ID, before, next.Status)
	s.logger.Info().
		Str("submission_id", next.ID).
		Str("report", name).
		Msg("report generated")

	return &ReportResult{
		ReportPath: name,
		ReportURL:  s.urls.Resolve(name),
		FileName:   name,
	}, nil
}

// loadImage returns nil when the blob cannot be read; the report prints a
// placeholder instead.
func (s *Service) loadImage(ctx context.Context, name string) *render.Image {
	if name == "" {
		return nil
	}
	data, err := blobstore.ReadAll(ctx, s.blobs, name, 4*s.maxFileSize)
	if err != nil {
		s.logger.Warn().Err(err).Str("blob", name).Msg("report image unavailable")
		return nil
	}
	return &render.Image{Name: name, Data: data}
}

func (s *Service) doctorName(ctx context.Context, actor auth.Actor) string {
	name, email := actor.Name, actor.Email
	if u, err := s.users.GetByID(ctx, actor.UserID); err == nil {
		name, email = u.Name, u.Email
	}
	if strings.TrimSpace(name) != "" {
		return name
	}
	local, _, _ := strings.Cut(email, "@")
	return "Dr. " + local
}

// storageErr passes typed errors through and wraps anything else.
func storageErr(msg string, err error) error {
	if _, ok := apperr.As(err); ok {
		return err
	}
	return apperr.Storage(msg, err)
}
