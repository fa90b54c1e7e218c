// Package docs holds the Swagger document of the reporting API, registered with swag.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/download/{jobID}/{filename}": {
            "get": {
                "description": "Download one CSV export of a job",
                "produces": ["application/octet-stream"],
                "tags": ["files"],
                "summary": "Download file",
                "parameters": [
                    {"type": "string", "description": "Job ID", "name": "jobID", "in": "path", "required": true},
                    {"type": "string", "description": "File name", "name": "filename", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "File download", "schema": {"type": "file"}},
                    "400": {"description": "Invalid URL format", "schema": {"type": "object", "additionalProperties": true}},
                    "404": {"description": "File not found", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        },
        "/jobs": {
            "get": {
                "description": "Get every pull job known to the registry, newest first",
                "produces": ["application/json"],
                "tags": ["jobs"],
                "summary": "List all jobs",
                "responses": {
                    "200": {"description": "List of jobs", "schema": {"type": "array", "items": {"$ref": "#/definitions/model.JobSummary"}}},
                    "500": {"description": "Internal server error", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        },
        "/jobs/{id}": {
            "get": {
                "description": "Retrieve the settings and status of a pull job",
                "produces": ["application/json"],
                "tags": ["jobs"],
                "summary": "Get job",
                "parameters": [
                    {"type": "string", "description": "Job ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "Job details", "schema": {"$ref": "#/definitions/model.JobDetail"}},
                    "400": {"description": "Invalid job ID", "schema": {"type": "object", "additionalProperties": true}},
                    "404": {"description": "Job not found", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        },
        "/jobs/{id}/errors": {
            "get": {
                "description": "Retrieve the errors recorded while a job ran",
                "produces": ["application/json"],
                "tags": ["jobs"],
                "summary": "Get job errors",
                "parameters": [
                    {"type": "string", "description": "Job ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "Job errors", "schema": {"type": "object", "additionalProperties": true}},
                    "400": {"description": "Invalid job ID", "schema": {"type": "object", "additionalProperties": true}},
                    "500": {"description": "Internal server error", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        },
        "/jobs/{id}/files": {
            "get": {
                "description": "List the CSV exports written for a job",
                "produces": ["application/json"],
                "tags": ["files"],
                "summary": "List job files",
                "parameters": [
                    {"type": "string", "description": "Job ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "Job files", "schema": {"type": "object", "additionalProperties": true}},
                    "400": {"description": "Invalid job ID", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        },
        "/jobs/{id}/report": {
            "get": {
                "description": "Endpoint stats, fallback tier counts and data-quality counts of a job",
                "produces": ["application/json"],
                "tags": ["jobs"],
                "summary": "Get job report",
                "parameters": [
                    {"type": "string", "description": "Job ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "Job report", "schema": {"$ref": "#/definitions/model.JobReport"}},
                    "400": {"description": "Invalid job ID", "schema": {"type": "object", "additionalProperties": true}},
                    "404": {"description": "Report not found", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        }
    },
    "definitions": {
        "model.JobSummary": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "status": {"type": "string"},
                "checkpoint_path": {"type": "string"},
                "created_at": {"type": "string"},
                "updated_at": {"type": "string"}
            }
        },
        "model.JobDetail": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "status": {"type": "string"},
                "spec": {"type": "object", "additionalProperties": true}
            }
        },
        "model.JobReport": {
            "type": "object",
            "properties": {
                "job_id": {"type": "string"},
                "status": {"type": "string"},
                "started_at": {"type": "string"},
                "duration": {"type": "integer"},
                "records": {"type": "integer"},
                "phases": {"type": "array", "items": {"type": "object", "additionalProperties": true}},
                "endpoints": {"type": "object", "additionalProperties": true},
                "tiers": {"type": "object", "additionalProperties": true},
                "quality": {"type": "object", "additionalProperties": true},
                "error": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:8080",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Accurate Puller API",
	Description:      "Job registry, reports and exports of Accurate ERP pulls.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
