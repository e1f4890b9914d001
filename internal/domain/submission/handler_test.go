package submission

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/oralvis/oralvis/internal/platform/apperr"
	"github.com/oralvis/oralvis/internal/platform/auth"
)

func newTestHandler(opts ...Option) (*Handler, *testEnv, *echo.Echo) {
	env := newTestEnv(opts...)
	return NewHandler(env.svc), env, echo.New()
}

func asActor(req *http.Request, a auth.Actor) *http.Request {
	return req.WithContext(auth.WithActor(req.Context(), a))
}

type envelope struct {
	Success    bool            `json:"success"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data"`
	Count      *int            `json:"count"`
	Pagination *struct {
		Page, Limit, Total, Pages int
	} `json:"pagination"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return env
}

func multipartBody(t *testing.T, fields map[string]string, image []byte, contentType string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if image != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="image"; filename="scan.png"`)
		h.Set("Content-Type", contentType)
		part, err := w.CreatePart(h)
		if err != nil {
			t.Fatal(err)
		}
		part.Write(image)
	}
	w.Close()
	return &buf, w.FormDataContentType()
}

func TestHandler_Create(t *testing.T) {
	h, _, e := newTestHandler()

	body, ct := multipartBody(t, map[string]string{
		"patientDetails[name]":      "Jane Doe",
		"patientDetails[patientId]": "P001",
		"patientDetails[email]":     "jane@x.com",
		"patientDetails[note]":      "sensitive molar",
	}, testPNG(), "image/png")
	req := asActor(httptest.NewRequest(http.MethodPost, "/api/submissions", body), patientA)
	req.Header.Set(echo.HeaderContentType, ct)
	rec := httptest.NewRecorder()

	if err := h.Create(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	resp := decode(t, rec)
	if !resp.Success || resp.Message != "Submission created successfully" {
		t.Errorf("unexpected envelope %+v", resp)
	}
	var v View
	json.Unmarshal(resp.Data, &v)
	if v.PatientDetails.Name != "Jane Doe" || v.PatientDetails.Note != "sensitive molar" || v.Status != StatusUploaded {
		t.Errorf("unexpected view %+v", v)
	}
	if v.OriginalImageURL == "" {
		t.Error("expected originalImageUrl")
	}
	if !strings.Contains(rec.Body.String(), `"reportUrl":null`) {
		t.Error("expected reportUrl to serialize as null")
	}
}

func TestHandler_Create_FlatFieldsAndMissingImage(t *testing.T) {
	h, _, e := newTestHandler()

	body, ct := multipartBody(t, map[string]string{"name": "Jane", "patientId": "P1", "email": "jane@x.com"}, nil, "")
	req := asActor(httptest.NewRequest(http.MethodPost, "/api/submissions", body), patientA)
	req.Header.Set(echo.HeaderContentType, ct)
	rec := httptest.NewRecorder()

	err := h.Create(e.NewContext(req, rec))
	ae := expectKind(t, err, apperr.KindValidation)
	if len(ae.Fields) != 1 || ae.Fields[0].Field != "image" || ae.Fields[0].Message != "Image file is required" {
		t.Errorf("expected only the image error, got %v", ae.Fields)
	}
}

func TestHandler_Create_WrongType(t *testing.T) {
	h, _, e := newTestHandler()

	body, ct := multipartBody(t, map[string]string{
		"patientDetails[name]": "Jane", "patientDetails[patientId]": "P1", "patientDetails[email]": "jane@x.com",
	}, []byte("%PDF-1.4"), "application/pdf")
	req := asActor(httptest.NewRequest(http.MethodPost, "/api/submissions", body), patientA)
	req.Header.Set(echo.HeaderContentType, ct)

	err := h.Create(e.NewContext(req, httptest.NewRecorder()))
	ae := expectKind(t, err, apperr.KindValidation)
	if !strings.HasPrefix(ae.Fields[0].Message, "Invalid file type") {
		t.Errorf("unexpected message %q", ae.Fields[0].Message)
	}
}

func TestHandler_Create_Unauthenticated(t *testing.T) {
	h, _, e := newTestHandler()
	req := httptest.NewRequest(http.MethodPost, "/api/submissions", nil)
	err := h.Create(e.NewContext(req, httptest.NewRecorder()))
	expectKind(t, err, apperr.KindAuthentication)
}

func TestHandler_ListOwn(t *testing.T) {
	h, env, e := newTestHandler()
	mustCreate(t, env, patientA)
	mustCreate(t, env, patientA)
	mustCreate(t, env, patientB)

	req := asActor(httptest.NewRequest(http.MethodGet, "/api/submissions/my", nil), patientA)
	rec := httptest.NewRecorder()
	if err := h.ListOwn(e.NewContext(req, rec)); err != nil {
		t.Fatal(err)
	}
	resp := decode(t, rec)
	if resp.Count == nil || *resp.Count != 2 {
		t.Errorf("expected count 2, got %v", resp.Count)
	}
}

func TestHandler_ListAll(t *testing.T) {
	h, env, e := newTestHandler()
	for i := 0; i < 3; i++ {
		mustCreate(t, env, patientA)
	}

	req := asActor(httptest.NewRequest(http.MethodGet, "/api/submissions?page=2&limit=2", nil), adminX)
	rec := httptest.NewRecorder()
	if err := h.ListAll(e.NewContext(req, rec)); err != nil {
		t.Fatal(err)
	}
	resp := decode(t, rec)
	if resp.Pagination == nil {
		t.Fatal("expected pagination block")
	}
	p := resp.Pagination
	if p.Page != 2 || p.Limit != 2 || p.Total != 3 || p.Pages != 2 {
		t.Errorf("unexpected pagination %+v", p)
	}
	var items []View
	json.Unmarshal(resp.Data, &items)
	if len(items) != 1 || items[0].Owner == nil {
		t.Errorf("expected one item with owner, got %+v", items)
	}
}

func TestHandler_Get(t *testing.T) {
	h, env, e := newTestHandler()
	v := mustCreate(t, env, patientA)

	req := asActor(httptest.NewRequest(http.MethodGet, "/", nil), patientA)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(v.ID)

	if err := h.Get(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	req = asActor(httptest.NewRequest(http.MethodGet, "/", nil), patientB)
	c = e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(v.ID)
	expectKind(t, h.Get(c), apperr.KindAuthorization)
}

func TestHandler_Update(t *testing.T) {
	h, env, e := newTestHandler()
	v := mustCreate(t, env, patientA)

	body := `{"reviewText":"looks fine","status":"annotated","annotationData":` + validAnnotation + `}`
	req := asActor(httptest.NewRequest(http.MethodPut, "/", strings.NewReader(body)), adminX)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("If-Match", `"1"`)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(v.ID)

	if err := h.Update(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get("ETag") != `"2"` {
		t.Errorf("expected ETag \"2\", got %q", rec.Header().Get("ETag"))
	}
	var got View
	json.Unmarshal(decode(t, rec).Data, &got)
	if got.Status != StatusAnnotated || got.AnnotationData == nil {
		t.Errorf("unexpected view %+v", got)
	}
}

func TestHandler_Update_CanvasExport(t *testing.T) {
	h, env, e := newTestHandler()
	v := mustCreate(t, env, patientA)

	body := `{"status":"annotated","annotationData":` + fabricCanvas + `}`
	req := asActor(httptest.NewRequest(http.MethodPut, "/", strings.NewReader(body)), adminX)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(v.ID)

	if err := h.Update(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got View
	json.Unmarshal(decode(t, rec).Data, &got)
	var want, have bytes.Buffer
	json.Compact(&want, []byte(fabricCanvas))
	json.Compact(&have, got.AnnotationData)
	if want.String() != have.String() {
		t.Errorf("expected canvas export echoed back, got %s", have.String())
	}
}

func TestHandler_Update_StaleIfMatch(t *testing.T) {
	h, env, e := newTestHandler()
	v := mustCreate(t, env, patientA)

	req := asActor(httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"reviewText":"x"}`)), adminX)
	req.Header.Set("If-Match", `W/"5"`)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(v.ID)
	expectKind(t, h.Update(c), apperr.KindConflict)
}

func TestHandler_Update_BadBody(t *testing.T) {
	h, env, e := newTestHandler()
	v := mustCreate(t, env, patientA)

	req := asActor(httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{not json`)), adminX)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(v.ID)
	expectKind(t, h.Update(c), apperr.KindValidation)
}

func TestHandler_GenerateReportAndDelete(t *testing.T) {
	h, env, e := newTestHandler()
	v := mustCreate(t, env, patientA)

	req := asActor(httptest.NewRequest(http.MethodPost, "/",
		strings.NewReader(`{"findings":"no caries","recommendations":"6-month recall"}`)), adminX)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(v.ID)
	if err := h.GenerateReport(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp := decode(t, rec)
	var res ReportResult
	json.Unmarshal(resp.Data, &res)
	if resp.Message != "Report generated successfully" || res.ReportURL == "" || res.FileName == "" {
		t.Errorf("unexpected report response %s", rec.Body.String())
	}

	req = asActor(httptest.NewRequest(http.MethodDelete, "/", nil), adminX)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(v.ID)
	if err := h.Delete(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decode(t, rec).Message != "Submission deleted successfully" {
		t.Errorf("unexpected delete response %s", rec.Body.String())
	}
	if env.blobs.Len() != 0 {
		t.Errorf("expected blobs removed, %d left", env.blobs.Len())
	}
}

func TestHandler_Stats(t *testing.T) {
	h, env, e := newTestHandler()
	mustCreate(t, env, patientA)

	req := asActor(httptest.NewRequest(http.MethodGet, "/api/submissions/stats", nil), adminX)
	rec := httptest.NewRecorder()
	if err := h.Stats(e.NewContext(req, rec)); err != nil {
		t.Fatal(err)
	}
	var st Stats
	json.Unmarshal(decode(t, rec).Data, &st)
	if st.Total != 1 || st.Uploaded != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestHandler_RoutesEnforceRoles(t *testing.T) {
	h, env, e := newTestHandler()
	v := mustCreate(t, env, patientA)
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(zerolog.Nop(), false)

	api := e.Group("/api", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			switch c.Request().Header.Get("X-Test-Role") {
			case "admin":
				c.SetRequest(asActor(c.Request(), adminX))
			case "patient":
				c.SetRequest(asActor(c.Request(), patientB))
			}
			return next(c)
		}
	})
	h.RegisterRoutes(api)

	tests := []struct {
		method, path, role string
		want               int
	}{
		{http.MethodGet, "/api/submissions", "patient", http.StatusForbidden},
		{http.MethodGet, "/api/submissions", "admin", http.StatusOK},
		{http.MethodGet, "/api/submissions/my", "admin", http.StatusForbidden},
		{http.MethodGet, "/api/submissions/my", "patient", http.StatusOK},
		{http.MethodGet, "/api/submissions/stats", "admin", http.StatusOK},
		{http.MethodGet, "/api/submissions/" + v.ID, "patient", http.StatusForbidden},
		{http.MethodGet, "/api/submissions/" + v.ID, "admin", http.StatusOK},
		{http.MethodDelete, "/api/submissions/" + v.ID, "patient", http.StatusForbidden},
		{http.MethodPost, "/api/submissions", "admin", http.StatusForbidden},
		{http.MethodGet, "/api/submissions/unknown-id", "admin", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s %s as %s", tt.method, tt.path, tt.role), func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			req.Header.Set("X-Test-Role", tt.role)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}
