package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// OpenAPI document served at /openapi.json
const openapiJSON = `{
  "openapi": "3.0.3",
  "info": {"title": "ETL Task API", "version": "0.1.0"},
  "servers": [ { "url": "/" } ],
  "tags": [
    {"name": "tasks", "description": "ETL tasks"},
    {"name": "rules", "description": "Transformation rules"},
    {"name": "ops", "description": "Health"}
  ],
  "components": {
    "securitySchemes": {
      "bearerAuth": {"type": "http", "scheme": "bearer", "bearerFormat": "JWT"}
    }
  },
  "security": [{"bearerAuth": []}],
  "paths": {
    "/health": {
      "get": {"summary": "Service health", "tags": ["ops"], "security": [], "responses": {"200": {"description": "OK"}, "503": {"description": "Degraded"}}}
    },
    "/tasks": {
      "post": {"summary": "Submit an uploaded file", "tags": ["tasks"], "requestBody": {"required": true}, "responses": {"200": {"description": "task_id and status"}, "404": {"description": "Rule not found"}}},
      "get": {"summary": "List tasks", "tags": ["tasks"], "parameters": [
        {"name": "project_id", "in": "query", "schema": {"type": "string"}},
        {"name": "status", "in": "query", "schema": {"type": "string"}},
        {"name": "limit", "in": "query", "schema": {"type": "integer"}},
        {"name": "offset", "in": "query", "schema": {"type": "integer"}}
      ], "responses": {"200": {"description": "OK"}}}
    },
    "/tasks/upload": {
      "post": {"summary": "Upload a file and submit it", "tags": ["tasks"], "requestBody": {"required": true, "content": {"multipart/form-data": {}}}, "responses": {"200": {"description": "task_id and status"}}}
    },
    "/tasks/batch": {
      "get": {"summary": "Batch status", "tags": ["tasks"], "parameters": [{"name": "ids", "in": "query", "required": true, "schema": {"type": "string"}}], "responses": {"200": {"description": "OK"}}}
    },
    "/tasks/export": {
      "get": {"summary": "Export tasks as XLSX", "tags": ["tasks"], "responses": {"200": {"description": "Workbook"}}}
    },
    "/tasks/{id}": {
      "get": {"summary": "Task status", "tags": ["tasks"], "parameters": [{"name": "id", "in": "path", "required": true, "schema": {"type": "integer"}}], "responses": {"200": {"description": "OK"}, "404": {"description": "Not found"}}}
    },
    "/tasks/{id}/result": {
      "get": {"summary": "Presigned result URL", "tags": ["tasks"], "parameters": [{"name": "id", "in": "path", "required": true, "schema": {"type": "integer"}}], "responses": {"200": {"description": "OK"}, "409": {"description": "Not completed"}}}
    },
    "/tasks/{id}/cancel": {
      "post": {"summary": "Cancel a task", "tags": ["tasks"], "parameters": [
        {"name": "id", "in": "path", "required": true, "schema": {"type": "integer"}},
        {"name": "force", "in": "query", "schema": {"type": "boolean"}}
      ], "responses": {"200": {"description": "OK"}, "409": {"description": "Not cancellable"}}}
    },
    "/tasks/{id}/retry": {
      "post": {"summary": "Retry from mineru or postprocess", "tags": ["tasks"], "parameters": [{"name": "id", "in": "path", "required": true, "schema": {"type": "integer"}}], "responses": {"200": {"description": "OK"}, "400": {"description": "Bad stage"}, "409": {"description": "Still running"}}}
    },
    "/rules": {
      "post": {"summary": "Create a rule (JSON or YAML)", "tags": ["rules"], "requestBody": {"required": true}, "responses": {"200": {"description": "OK"}, "400": {"description": "Invalid rule"}}},
      "get": {"summary": "List rules", "tags": ["rules"], "responses": {"200": {"description": "OK"}}}
    },
    "/rules/{id}": {
      "get": {"summary": "Get a rule", "tags": ["rules"], "parameters": [{"name": "id", "in": "path", "required": true, "schema": {"type": "string"}}], "responses": {"200": {"description": "OK"}}},
      "delete": {"summary": "Delete a rule", "tags": ["rules"], "parameters": [{"name": "id", "in": "path", "required": true, "schema": {"type": "string"}}], "responses": {"200": {"description": "OK"}, "409": {"description": "Rule in use"}}}
    }
  }
}`

// RegisterDocs 注册文档路由
// - GET /openapi.json
// - GET /docs: Swagger UI (CDN)
func RegisterDocs(r *gin.Engine) {
	r.GET("/openapi.json", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/json; charset=utf-8", []byte(openapiJSON))
	})
	r.GET("/docs", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(swaggerHTML))
	})
}

const swaggerHTML = `<!doctype html>
<html>
<head>
  <meta charset="utf-8"/>
  <title>ETL API Docs</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  <style>body { margin: 0; padding: 0; }</style>
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
  <script>
    window.ui = SwaggerUIBundle({
      url: '/openapi.json',
      dom_id: '#swagger-ui',
      presets: [SwaggerUIBundle.presets.apis],
      layout: 'BaseLayout'
    });
  </script>
 </body>
</html>`
