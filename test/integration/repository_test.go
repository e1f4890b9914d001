package integration

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"

	"github.com/oralvis/oralvis/internal/domain/identity"
	"github.com/oralvis/oralvis/internal/domain/submission"
	"github.com/oralvis/oralvis/internal/platform/apperr"
	"github.com/oralvis/oralvis/internal/platform/auth"
)

const canvasExport = `{"version":"5.3.0","objects":[{"type":"rect","left":12.5,"top":40,"width":80,"height":35,"stroke":"#ff0000","strokeWidth":3}],"background":""}`

// sameJSON compares two JSON documents ignoring key order and whitespace,
// which jsonb does not preserve.
func sameJSON(t *testing.T, a, b []byte) bool {
	t.Helper()
	var va, vb interface{}
	if err := json.Unmarshal(a, &va); err != nil {
		t.Fatalf("decode %s: %v", a, err)
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		t.Fatalf("decode %s: %v", b, err)
	}
	return reflect.DeepEqual(va, vb)
}

func expectKind(t *testing.T, err error, kind apperr.Kind) {
	t.Helper()
	if !apperr.Is(err, kind) {
		t.Fatalf("expected %s error, got %v", kind, err)
	}
}

func createOwner(t *testing.T, b backend, email, patientID string) *identity.User {
	t.Helper()
	pid := patientID
	u := &identity.User{Name: "Owner " + patientID, Email: email, PasswordHash: "x", Role: auth.RolePatient, PatientID: &pid}
	if err := b.users.Create(context.Background(), u); err != nil {
		t.Fatalf("create owner: %v", err)
	}
	return u
}

func newSubmission(ownerID, image string) *submission.Submission {
	return &submission.Submission{
		OwnerID: ownerID,
		PatientDetails: submission.PatientDetails{
			Name: "Asha Patel", PatientID: "P001", Email: "asha@example.com",
		},
		OriginalImagePath: image,
	}
}

func TestRepository_VersionedUpdate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		repo := b.submissions
		owner := createOwner(t, b, "asha@example.com", "P001")

		s := newSubmission(owner.ID, "image_1_aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa.png")
		if err := repo.Create(ctx, s); err != nil {
			t.Fatalf("create: %v", err)
		}
		if s.ID == "" || s.Version != 1 || s.Status != submission.StatusUploaded {
			t.Fatalf("unexpected created submission %+v", s)
		}

		raster := "image_2_bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb.png"
		review := "early caries"
		s.AnnotationData = json.RawMessage(canvasExport)
		s.AnnotatedImagePath = &raster
		s.ReviewText = &review
		s.Status = submission.StatusAnnotated
		if err := repo.Update(ctx, s, 1); err != nil {
			t.Fatalf("update: %v", err)
		}
		if s.Version != 2 {
			t.Errorf("expected version 2, got %d", s.Version)
		}

		got, err := repo.GetByID(ctx, s.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != submission.StatusAnnotated || got.Version != 2 {
			t.Errorf("unexpected stored status %s version %d", got.Status, got.Version)
		}
		if !sameJSON(t, got.AnnotationData, []byte(canvasExport)) {
			t.Errorf("annotation data changed: %s", got.AnnotationData)
		}
		if got.AnnotatedImagePath == nil || *got.AnnotatedImagePath != raster {
			t.Errorf("expected annotated image %s, got %v", raster, got.AnnotatedImagePath)
		}

		// A writer still holding version 1 lost the race.
		stale := *got
		stale.ReviewText = nil
		expectKind(t, repo.Update(ctx, &stale, 1), apperr.KindConflict)

		// Clearing optionals removes them from storage.
		got.AnnotatedImagePath = nil
		got.ReviewText = nil
		got.AnnotationData = nil
		if err := repo.Update(ctx, got, 2); err != nil {
			t.Fatalf("clear optionals: %v", err)
		}
		cleared, err := repo.GetByID(ctx, s.ID)
		if err != nil {
			t.Fatal(err)
		}
		if cleared.AnnotatedImagePath != nil || cleared.ReviewText != nil || len(cleared.AnnotationData) != 0 {
			t.Errorf("expected optionals cleared, got %+v", cleared)
		}
		if cleared.Version != 3 {
			t.Errorf("expected version 3, got %d", cleared.Version)
		}
	})
}

func TestRepository_UnknownIDs(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		repo := b.submissions

		for _, id := range []string{b.missingID, "not-an-id"} {
			_, err := repo.GetByID(ctx, id)
			expectKind(t, err, apperr.KindNotFound)

			_, err = repo.Delete(ctx, id)
			expectKind(t, err, apperr.KindNotFound)

			s := newSubmission("owner", "image_1_aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa.png")
			s.ID = id
			expectKind(t, repo.Update(ctx, s, 1), apperr.KindNotFound)
		}
	})
}

func TestRepository_ListCountAndBlobs(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		repo := b.submissions
		asha := createOwner(t, b, "asha@example.com", "P001")
		ravi := createOwner(t, b, "ravi@example.com", "P002")

		images := []string{
			"image_1_aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa.png",
			"image_2_bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb.png",
			"image_3_cccccccccccccccccccccccccccccccc.jpg",
		}
		var subs []*submission.Submission
		for i, img := range images {
			owner := asha.ID
			if i == 2 {
				owner = ravi.ID
			}
			s := newSubmission(owner, img)
			if err := repo.Create(ctx, s); err != nil {
				t.Fatalf("create: %v", err)
			}
			subs = append(subs, s)
		}

		report := "report_4_dddddddddddddddddddddddddddddddd.pdf"
		subs[0].ReportPath = &report
		subs[0].Status = submission.StatusReported
		if err := repo.Update(ctx, subs[0], 1); err != nil {
			t.Fatal(err)
		}

		own, err := repo.ListByOwner(ctx, asha.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(own) != 2 || own[0].ID != subs[1].ID || own[1].ID != subs[0].ID {
			t.Errorf("expected asha's two submissions newest first, got %d", len(own))
		}

		page, total, err := repo.List(ctx, submission.ListFilter{}, 2, 0)
		if err != nil {
			t.Fatal(err)
		}
		if total != 3 || len(page) != 2 || page[0].ID != subs[2].ID {
			t.Errorf("unexpected first page total=%d len=%d", total, len(page))
		}
		rest, _, err := repo.List(ctx, submission.ListFilter{}, 2, 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(rest) != 1 || rest[0].ID != subs[0].ID {
			t.Errorf("expected the oldest submission on page 2, got %d items", len(rest))
		}

		reported, total, err := repo.List(ctx, submission.ListFilter{Status: submission.StatusReported}, 10, 0)
		if err != nil {
			t.Fatal(err)
		}
		if total != 1 || len(reported) != 1 || reported[0].ID != subs[0].ID {
			t.Errorf("unexpected status filter result total=%d", total)
		}

		counts, err := repo.CountByStatus(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if counts[submission.StatusUploaded] != 2 || counts[submission.StatusReported] != 1 {
			t.Errorf("unexpected counts %v", counts)
		}

		refs, err := repo.ReferencedBlobs(ctx)
		if err != nil {
			t.Fatal(err)
		}
		for _, name := range append(images, report) {
			if !refs[name] {
				t.Errorf("expected %s referenced", name)
			}
		}
		if len(refs) != 4 {
			t.Errorf("expected 4 referenced blobs, got %v", refs)
		}

		deleted, err := repo.Delete(ctx, subs[0].ID)
		if err != nil {
			t.Fatal(err)
		}
		if deleted.ReportPath == nil || *deleted.ReportPath != report {
			t.Errorf("expected the deleted row returned as it was, got %+v", deleted)
		}
		if _, err := repo.GetByID(ctx, subs[0].ID); !apperr.Is(err, apperr.KindNotFound) {
			t.Errorf("expected not found after delete, got %v", err)
		}
	})
}
