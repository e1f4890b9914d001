package openapi

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// Operation documents one route. Routes without an entry in the operation
// table still appear in the document with a generic description.
type Operation struct {
	Summary     string
	Description string
	// Request names a component schema for a JSON body.
	Request string
	// Multipart marks an upload endpoint.
	Multipart bool
	// Response names the component schema carried in the envelope's data.
	Response string
	Status   int
	Roles    []string
	Query    []Param
}

// Param is a query parameter.
type Param struct {
	Name        string
	Type        string
	Description string
}

// Generator builds an OpenAPI 3.0 document from the routes mounted on an
// echo instance.
type Generator struct {
	version  string
	baseURL  string
	isPublic func(path string) bool
	ops      map[string]Operation
}

// NewGenerator creates a generator. isPublic reports which echo route paths
// skip authentication.
func NewGenerator(version, baseURL string, isPublic func(path string) bool) *Generator {
	ops := make(map[string]Operation, len(operations))
	for k, v := range operations {
		ops[k] = v
	}
	return &Generator{version: version, baseURL: baseURL, isPublic: isPublic, ops: ops}
}

// Describe overrides the documentation of one route, keyed by method and
// echo path such as "GET /api/submissions/:id".
func (g *Generator) Describe(method, path string, op Operation) {
	g.ops[method+" "+path] = op
}

var documentedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
	http.MethodPatch:  true,
}

// GenerateSpec produces the OpenAPI 3.0 document as a map.
func (g *Generator) GenerateSpec(routes []*echo.Route) map[string]interface{} {
	// Group middleware registers Any catch-alls on the group prefix; those
	// paths also carry methods no handler here uses.
	catchAll := make(map[string]bool)
	for _, r := range routes {
		if r.Method == http.MethodConnect || r.Method == http.MethodTrace || r.Method == echo.PROPFIND {
			catchAll[r.Path] = true
		}
	}

	sorted := make([]*echo.Route, 0, len(routes))
	for _, r := range routes {
		if !documentedMethods[r.Method] || strings.Contains(r.Path, "*") || catchAll[r.Path] {
			continue
		}
		sorted = append(sorted, r)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Path != sorted[j].Path {
			return sorted[i].Path < sorted[j].Path
		}
		return sorted[i].Method < sorted[j].Method
	})

	paths := make(map[string]interface{})
	tagSet := make(map[string]bool)
	for _, r := range sorted {
		oaPath, pathParams := convertPath(r.Path)
		item, _ := paths[oaPath].(map[string]interface{})
		if item == nil {
			item = make(map[string]interface{})
			paths[oaPath] = item
		}
		tag := tagFor(r.Path)
		tagSet[tag] = true
		item[strings.ToLower(r.Method)] = g.buildOperation(r, tag, pathParams)
	}

	tags := make([]map[string]string, 0, len(tagSet))
	for t := range tagSet {
		tags = append(tags, map[string]string{"name": t})
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i]["name"] < tags[j]["name"] })

	return map[string]interface{}{
		"openapi": "3.0.3",
		"info": map[string]interface{}{
			"title":       "OralVis Healthcare API",
			"version":     g.version,
			"description": "Dental image submission, annotation and reporting",
		},
		"servers": []map[string]string{
			{"url": g.baseURL},
		},
		"tags":  tags,
		"paths": paths,
		"components": map[string]interface{}{
			"schemas": componentSchemas(),
			"securitySchemes": map[string]interface{}{
				"bearerAuth": map[string]interface{}{
					"type":         "http",
					"scheme":       "bearer",
					"bearerFormat": "JWT",
				},
				"cookieAuth": map[string]interface{}{
					"type": "apiKey",
					"in":   "cookie",
					"name": "token",
				},
			},
		},
	}
}

func (g *Generator) buildOperation(r *echo.Route, tag string, pathParams []string) map[string]interface{} {
	op, known := g.ops[r.Method+" "+r.Path]
	if !known || op.Summary == "" {
		op.Summary = r.Method + " " + r.Path
	}

	out := map[string]interface{}{
		"summary":     op.Summary,
		"operationId": operationID(r.Method, r.Path),
		"tags":        []string{tag},
	}
	if op.Description != "" {
		out["description"] = op.Description
	}
	if len(op.Roles) > 0 {
		out["x-roles"] = op.Roles
	}

	var params []map[string]interface{}
	for _, p := range pathParams {
		params = append(params, map[string]interface{}{
			"name": p, "in": "path", "required": true,
			"schema": map[string]string{"type": "string"},
		})
	}
	for _, q := range op.Query {
		typ := q.Type
		if typ == "" {
			typ = "string"
		}
		params = append(params, map[string]interface{}{
			"name": q.Name, "in": "query", "description": q.Description,
			"schema": map[string]string{"type": typ},
		})
	}
	if len(params) > 0 {
		out["parameters"] = params
	}

	switch {
	case op.Multipart:
		out["requestBody"] = map[string]interface{}{
			"required": true,
			"content": map[string]interface{}{
				"multipart/form-data": map[string]interface{}{
					"schema": ref("SubmissionUpload"),
				},
			},
		}
	case op.Request != "":
		out["requestBody"] = map[string]interface{}{
			"required": true,
			"content": map[string]interface{}{
				echo.MIMEApplicationJSON: map[string]interface{}{
					"schema": ref(op.Request),
				},
			},
		}
	}

	status := op.Status
	if status == 0 {
		status = http.StatusOK
	}
	responses := map[string]interface{}{
		strconv.Itoa(status):                         successResponse(op.Response),
		strconv.Itoa(http.StatusTooManyRequests):     errorResponse("Rate limit exceeded"),
		strconv.Itoa(http.StatusInternalServerError): errorResponse("Internal error"),
	}
	if r.Method == http.MethodPost || r.Method == http.MethodPut {
		responses[strconv.Itoa(http.StatusBadRequest)] = errorResponse("Validation failed")
	}
	if len(pathParams) > 0 {
		responses[strconv.Itoa(http.StatusNotFound)] = errorResponse("Not found")
	}
	if g.isPublic == nil || !g.isPublic(r.Path) {
		out["security"] = []map[string][]string{{"bearerAuth": {}}, {"cookieAuth": {}}}
		responses[strconv.Itoa(http.StatusUnauthorized)] = errorResponse("Missing or invalid token")
		responses[strconv.Itoa(http.StatusForbidden)] = errorResponse("Insufficient role or not the owner")
	}
	out["responses"] = responses
	return out
}

// convertPath turns an echo path (/submissions/:id) into an OpenAPI path
// (/submissions/{id}) and returns the parameter names.
func convertPath(p string) (string, []string) {
	segs := strings.Split(p, "/")
	var params []string
	for i, s := range segs {
		if strings.HasPrefix(s, ":") {
			name := s[1:]
			params = append(params, name)
			segs[i] = "{" + name + "}"
		}
	}
	return strings.Join(segs, "/"), params
}

// tagFor groups routes by their first resource segment below /api.
func tagFor(p string) string {
	segs := strings.Split(strings.Trim(p, "/"), "/")
	if len(segs) > 1 && segs[0] == "api" {
		return segs[1]
	}
	if segs[0] == "" {
		return "root"
	}
	return segs[0]
}

func operationID(method, p string) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(method))
	for _, s := range strings.Split(p, "/") {
		s = strings.TrimPrefix(s, ":")
		if s == "" || s == "api" {
			continue
		}
		for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '-' || r == '.' || r == '_' }) {
			b.WriteString(strings.ToUpper(part[:1]) + part[1:])
		}
	}
	return b.String()
}

func ref(name string) map[string]interface{} {
	return map[string]interface{}{"$ref": "#/components/schemas/" + name}
}

func successResponse(dataSchema string) map[string]interface{} {
	schema := ref("Envelope")
	if dataSchema != "" {
		schema = map[string]interface{}{
			"allOf": []interface{}{
				ref("Envelope"),
				map[string]interface{}{
					"type":       "object",
					"properties": map[string]interface{}{"data": ref(dataSchema)},
				},
			},
		}
	}
	return map[string]interface{}{
		"description": "Success",
		"content": map[string]interface{}{
			echo.MIMEApplicationJSON: map[string]interface{}{"schema": schema},
		},
	}
}

func errorResponse(description string) map[string]interface{} {
	return map[string]interface{}{
		"description": description,
		"content": map[string]interface{}{
			echo.MIMEApplicationJSON: map[string]interface{}{"schema": ref("ErrorEnvelope")},
		},
	}
}

// RegisterRoutes serves the document and a Swagger UI page. The document is
// generated from e's routes on every request, so it always matches what is
// mounted.
func (g *Generator) RegisterRoutes(e *echo.Echo) {
	e.GET("/api/openapi.json", func(c echo.Context) error {
		return c.JSON(http.StatusOK, g.GenerateSpec(e.Routes()))
	})
	e.GET("/api/docs", func(c echo.Context) error {
		return c.HTML(http.StatusOK, swaggerUIHTML)
	})
}

const swaggerUIHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>OralVis Healthcare API - Swagger UI</title>
  <link rel="stylesheet" type="text/css" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" >
  <style>
    html { box-sizing: border-box; overflow-y: scroll; }
    *, *:before, *:after { box-sizing: inherit; }
    body { margin: 0; background: #fafafa; }
  </style>
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    SwaggerUIBundle({
      url: "/api/openapi.json",
      dom_id: '#swagger-ui',
      deepLinking: true,
      presets: [
        SwaggerUIBundle.presets.apis,
        SwaggerUIBundle.SwaggerUIStandalonePreset
      ],
      layout: "BaseLayout"
    })
  </script>
</body>
</html>`
