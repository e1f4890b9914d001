package openapi

import "net/http"

var (
	patientOnly = []string{"patient"}
	adminOnly   = []string{"admin"}
)

// operations documents the routes the server mounts.
var operations = map[string]Operation{
	"GET /health":     {Summary: "Liveness check"},
	"GET /api/health": {Summary: "Liveness check"},
	"GET /health/db":  {Summary: "Database connectivity and pool statistics"},
	"GET /metrics":    {Summary: "Prometheus metrics"},
	"GET /uploads/:dir/:name": {
		Summary:     "Download a stored image or report",
		Description: "Signed deployments require the exp and sig query parameters carried by the resolved URL.",
		Query: []Param{
			{Name: "exp", Type: "integer", Description: "URL expiry (unix seconds)"},
			{Name: "sig", Description: "URL signature"},
		},
	},

	"POST /api/auth/register": {
		Summary:     "Register a patient account",
		Description: "Admin accounts are created with the user create-admin command.",
		Request:     "RegisterRequest", Response: "AuthResult", Status: http.StatusCreated,
	},
	"POST /api/auth/login":   {Summary: "Log in", Request: "LoginRequest", Response: "AuthResult"},
	"POST /api/auth/refresh": {Summary: "Exchange a refresh token", Request: "RefreshRequest", Response: "AuthResult"},
	"POST /api/auth/logout":  {Summary: "Revoke the current token and clear the cookie"},
	"GET /api/auth/profile":  {Summary: "Current account", Response: "UserWrapper"},
	"PUT /api/auth/profile":  {Summary: "Update name or patient id", Request: "ProfileRequest", Response: "UserWrapper"},
	"POST /api/auth/change-password": {
		Summary: "Change password", Request: "ChangePasswordRequest",
	},
	"GET /api/auth/verify": {Summary: "Check the current token", Response: "UserWrapper"},
	"GET /api/users": {
		Summary: "List accounts", Roles: adminOnly,
		Query: append(pageParams(), Param{Name: "role", Description: "patient or admin"}),
	},
	"DELETE /api/users/:id": {Summary: "Delete an account and its submissions", Roles: adminOnly},

	"POST /api/submissions": {
		Summary: "Upload an image", Multipart: true,
		Response: "Submission", Status: http.StatusCreated, Roles: patientOnly,
	},
	"GET /api/submissions/my": {Summary: "List own submissions", Roles: patientOnly},
	"GET /api/submissions": {
		Summary: "List all submissions", Roles: adminOnly,
		Query: append(pageParams(), Param{Name: "status", Description: "uploaded, annotated or reported"}),
	},
	"GET /api/submissions/stats": {Summary: "Submission counts per status", Roles: adminOnly, Response: "Stats"},
	"GET /api/submissions/:id": {
		Summary:     "Get a submission",
		Description: "Patients may only read their own submissions.",
		Response:    "Submission",
	},
	"PUT /api/submissions/:id": {
		Summary:     "Annotate or review a submission",
		Description: "Send the version field or an If-Match header to reject stale writes with 409.",
		Request:     "SubmissionUpdate", Response: "Submission", Roles: adminOnly,
	},
	"DELETE /api/submissions/:id": {Summary: "Delete a submission and its files", Roles: adminOnly},
	"POST /api/submissions/:id/generate-report": {
		Summary: "Render the PDF report", Request: "ReportRequest", Response: "ReportResult", Roles: adminOnly,
	},
}

func pageParams() []Param {
	return []Param{
		{Name: "page", Type: "integer", Description: "1-based page number"},
		{Name: "limit", Type: "integer", Description: "Page size"},
	}
}

func str() map[string]interface{}  { return map[string]interface{}{"type": "string"} }
func num() map[string]interface{}  { return map[string]interface{}{"type": "number"} }
func intg() map[string]interface{} { return map[string]interface{}{"type": "integer"} }

func dateTime() map[string]interface{} {
	return map[string]interface{}{"type": "string", "format": "date-time"}
}

func nullableStr() map[string]interface{} {
	return map[string]interface{}{"type": "string", "nullable": true}
}

func enum(values ...string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "enum": values}
}

func object(required []string, props map[string]interface{}) map[string]interface{} {
	o := map[string]interface{}{"type": "object", "properties": props}
	if len(required) > 0 {
		o["required"] = required
	}
	return o
}

// annotationData accepts any object. Objects carrying "annotations" are
// typed documents; others, such as a canvas export, are stored as sent.
func annotationData() map[string]interface{} {
	o := object(nil, map[string]interface{}{
		"annotations":  map[string]interface{}{"type": "array", "items": ref("Annotation")},
		"canvasWidth":  num(),
		"canvasHeight": num(),
	})
	o["additionalProperties"] = true
	o["description"] = "Typed annotation document, or any other JSON object stored verbatim"
	return o
}

// componentSchemas creates the request and response schemas.
func componentSchemas() map[string]interface{} {
	return map[string]interface{}{
		"Envelope": object([]string{"success"}, map[string]interface{}{
			"success": map[string]interface{}{"type": "boolean"},
			"message": str(),
			"data":    map[string]interface{}{},
			"count":   intg(),
			"pagination": object(nil, map[string]interface{}{
				"page": intg(), "limit": intg(), "total": intg(), "pages": intg(),
			}),
		}),
		"ErrorEnvelope": object([]string{"success"}, map[string]interface{}{
			"success": map[string]interface{}{"type": "boolean", "enum": []bool{false}},
			"message": str(),
			"error":   str(),
			"errors": map[string]interface{}{
				"type": "array",
				"items": object([]string{"field", "message"}, map[string]interface{}{
					"field": str(), "message": str(),
				}),
			},
		}),

		"User": object([]string{"id", "name", "email", "role"}, map[string]interface{}{
			"id":        str(),
			"name":      str(),
			"email":     str(),
			"role":      enum("patient", "admin"),
			"patientId": str(),
			"createdAt": dateTime(),
			"updatedAt": dateTime(),
		}),
		"UserWrapper": object([]string{"user"}, map[string]interface{}{"user": ref("User")}),
		"AuthResult": object([]string{"user", "token"}, map[string]interface{}{
			"user":         ref("User"),
			"token":        str(),
			"expiresAt":    dateTime(),
			"refreshToken": str(),
		}),
		"RegisterRequest": object([]string{"name", "email", "password", "patientId"}, map[string]interface{}{
			"name":      str(),
			"email":     str(),
			"password":  map[string]interface{}{"type": "string", "minLength": 8},
			"patientId": str(),
		}),
		"LoginRequest": object([]string{"email", "password"}, map[string]interface{}{
			"email": str(), "password": str(),
		}),
		"RefreshRequest": object([]string{"refreshToken"}, map[string]interface{}{
			"refreshToken": str(),
		}),
		"ProfileRequest": object(nil, map[string]interface{}{
			"name": str(), "patientId": str(),
		}),
		"ChangePasswordRequest": object([]string{"currentPassword", "newPassword"}, map[string]interface{}{
			"currentPassword": str(), "newPassword": str(),
		}),

		"PatientDetails": object([]string{"name", "patientId", "email"}, map[string]interface{}{
			"name": str(), "patientId": str(), "email": str(), "note": str(),
		}),
		"Annotation": object([]string{"type", "data"}, map[string]interface{}{
			"id":   str(),
			"type": enum("rectangle", "circle", "arrow", "freehand"),
			"data": object(nil, map[string]interface{}{
				"x": num(), "y": num(), "width": num(), "height": num(), "radius": num(),
				"startX": num(), "startY": num(), "endX": num(), "endY": num(),
				"points": map[string]interface{}{
					"type":  "array",
					"items": object([]string{"x", "y"}, map[string]interface{}{"x": num(), "y": num()}),
				},
			}),
			"timestamp":   dateTime(),
			"style":       object(nil, map[string]interface{}{"strokeColor": str(), "strokeWidth": num()}),
			"color":       str(),
			"strokeWidth": num(),
		}),
		"AnnotationData": annotationData(),
		"Submission": object([]string{"id", "ownerId", "patientDetails", "originalImagePath", "status"}, map[string]interface{}{
			"id":                 str(),
			"ownerId":            str(),
			"owner":              object(nil, map[string]interface{}{"name": str(), "email": str()}),
			"patientDetails":     ref("PatientDetails"),
			"originalImagePath":  str(),
			"annotatedImagePath": nullableStr(),
			"annotationData":     ref("AnnotationData"),
			"reviewText":         str(),
			"reportPath":         nullableStr(),
			"status":             enum("uploaded", "annotated", "reported"),
			"version":            intg(),
			"createdAt":          dateTime(),
			"updatedAt":          dateTime(),
			"originalImageUrl":   str(),
			"annotatedImageUrl":  nullableStr(),
			"reportUrl":          nullableStr(),
		}),
		"SubmissionUpload": object([]string{"image", "name", "patientId", "email"}, map[string]interface{}{
			"image":     map[string]interface{}{"type": "string", "format": "binary"},
			"name":      str(),
			"patientId": str(),
			"email":     str(),
			"note":      str(),
		}),
		"SubmissionUpdate": object(nil, map[string]interface{}{
			"annotationData": ref("AnnotationData"),
			"reviewText":     str(),
			"status":         enum("uploaded", "annotated", "reported"),
			"version":        intg(),
		}),
		"ReportRequest": object([]string{"findings", "recommendations"}, map[string]interface{}{
			"findings": str(), "recommendations": str(),
		}),
		"ReportResult": object([]string{"reportPath", "reportUrl"}, map[string]interface{}{
			"reportPath": str(), "reportUrl": str(), "fileName": str(),
		}),
		"Stats": object(nil, map[string]interface{}{
			"total": intg(), "uploaded": intg(), "annotated": intg(), "reported": intg(),
		}),
	}
}
