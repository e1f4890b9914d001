package submission

import (
	"encoding/json"
	"strings"
	"time"
)

// Status is the lifecycle state of a submission.
type Status string

const (
	StatusUploaded  Status = "uploaded"
	StatusAnnotated Status = "annotated"
	StatusReported  Status = "reported"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusUploaded, StatusAnnotated, StatusReported}

func (s Status) Valid() bool {
	switch s {
	case StatusUploaded, StatusAnnotated, StatusReported:
		return true
	}
	return false
}

// ParseStatus accepts exactly one of the three lowercase status names,
// ignoring surrounding whitespace.
func ParseStatus(v string) (Status, bool) {
	s := Status(strings.TrimSpace(v))
	return s, s.Valid()
}

// Field limits.
const (
	MaxNameLength       = 100
	MaxPatientIDLength  = 64
	MaxNoteLength       = 500
	MaxReviewTextLength = 2000
)

// PatientDetails is the patient snapshot captured at upload time. It is not
// kept in sync with the owner's profile.
type PatientDetails struct {
	Name      string `json:"name" validate:"required,max=100"`
	PatientID string `json:"patientId" validate:"required,max=64"`
	Email     string `json:"email" validate:"required,email,max=255"`
	Note      string `json:"note,omitempty" validate:"max=500"`
}

// Submission is one patient upload and everything derived from it.
type Submission struct {
	ID                 string
	OwnerID            string
	PatientDetails     PatientDetails
	OriginalImagePath  string
	AnnotatedImagePath *string
	AnnotationData     json.RawMessage
	ReviewText         *string
	ReportPath         *string
	Status             Status
	Version            int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// BlobNames returns every blob the submission references.
func (s *Submission) BlobNames() []string {
	names := []string{s.OriginalImagePath}
	if s.AnnotatedImagePath != nil && *s.AnnotatedImagePath != "" {
		names = append(names, *s.AnnotatedImagePath)
	}
	if s.ReportPath != nil && *s.ReportPath != "" {
		names = append(names, *s.ReportPath)
	}
	return names
}

func (s *Submission) clone() *Submission {
	c := *s
	if s.AnnotationData != nil {
		c.AnnotationData = append(json.RawMessage(nil), s.AnnotationData...)
	}
	return &c
}

// Owner is the owner summary shown to admins.
type Owner struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// View is the client representation of a submission: stored blob names plus
// the URLs they resolve to at read time.
type View struct {
	ID                 string          `json:"id"`
	OwnerID            string          `json:"ownerId"`
	Owner              *Owner          `json:"owner,omitempty"`
	PatientDetails     PatientDetails  `json:"patientDetails"`
	OriginalImagePath  string          `json:"originalImagePath"`
	AnnotatedImagePath *string         `json:"annotatedImagePath"`
	AnnotationData     json.RawMessage `json:"annotationData,omitempty"`
	ReviewText         *string         `json:"reviewText,omitempty"`
	ReportPath         *string         `json:"reportPath"`
	Status             Status          `json:"status"`
	Version            int             `json:"version"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
	OriginalImageURL   string          `json:"originalImageUrl"`
	AnnotatedImageURL  *string         `json:"annotatedImageUrl"`
	ReportURL          *string         `json:"reportUrl"`
}

// ListFilter narrows the admin listing.
type ListFilter struct {
	Status Status
}

// Stats counts submissions per status.
type Stats struct {
	Total     int `json:"total"`
	Uploaded  int `json:"uploaded"`
	Annotated int `json:"annotated"`
	Reported  int `json:"reported"`
}
