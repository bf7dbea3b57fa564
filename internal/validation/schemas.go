package validation

const (
	requestSchemaURL      = "https://stagecraft.dev/schemas/resolve-request.json"
	responseSchemaURL     = "https://stagecraft.dev/schemas/resolve-response.json"
	notificationSchemaURL = "https://stagecraft.dev/schemas/notification.json"
	definitionsSchemaURL  = "https://stagecraft.dev/schemas/defs.json"
)

const definitionsSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://stagecraft.dev/schemas/defs.json",
  "$defs": {
    "blob": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "kind": { "type": "string" },
        "payload": {}
      },
      "additionalProperties": false
    },
    "node": {
      "type": "object",
      "required": ["id", "type", "executionMode"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "group": { "type": "string" },
        "executionMode": {
          "type": "string",
          "enum": ["SYNC", "ASYNC", "CHILDREN", "CHILD_CHAIN"]
        },
        "parameters": {},
        "childIds": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        "initialWait": { "$ref": "#/$defs/duration" },
        "advisers": {
          "type": "array",
          "items": { "$ref": "#/$defs/adviser" }
        }
      },
      "additionalProperties": false
    },
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
    },
    "adviser": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": { "type": "string", "enum": ["RETRY", "IGNORE"] },
        "statuses": {
          "type": "array",
          "items": { "$ref": "#/$defs/status" }
        },
        "failureTypes": {
          "type": "array",
          "items": { "type": "string" }
        },
        "retry": {
          "type": "object",
          "required": ["maxAttempts"],
          "properties": {
            "maxAttempts": { "type": "integer", "minimum": 1 },
            "delay": { "$ref": "#/$defs/duration" },
            "maxDelay": { "$ref": "#/$defs/duration" },
            "backoff": { "type": "string", "enum": ["constant", "linear", "exponential"] }
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    },
    "position": {
      "type": "object",
      "properties": {
        "parentId": { "type": "string" },
        "previousId": { "type": "string" },
        "nextId": { "type": "string" },
        "order": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "status": {
      "type": "string",
      "enum": ["QUEUED", "RUNNING", "ASYNC_WAITING", "APPROVAL_WAITING", "RESOURCE_WAITING",
               "SUCCEEDED", "FAILED", "SUSPENDED", "ABORTED"]
    }
  }
}`

const requestSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://stagecraft.dev/schemas/resolve-request.json",
  "type": "object",
  "required": ["dependencies"],
  "properties": {
    "dependencies": {
      "type": "object",
      "additionalProperties": { "$ref": "defs.json#/$defs/blob" }
    },
    "context": { "type": "object" },
    "correlationId": { "type": "string" }
  },
  "additionalProperties": false
}`

const responseSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://stagecraft.dev/schemas/resolve-response.json",
  "type": "object",
  "properties": {
    "service": { "type": "string" },
    "nodes": {
      "type": "object",
      "additionalProperties": { "$ref": "defs.json#/$defs/node" }
    },
    "consumedIds": {
      "type": "array",
      "items": { "type": "string", "minLength": 1 }
    },
    "newDependencies": {
      "type": "array",
      "items": { "$ref": "defs.json#/$defs/blob" }
    },
    "newContext": { "type": "object" },
    "startingNodeId": { "type": "string" },
    "layout": {
      "type": "object",
      "additionalProperties": { "$ref": "defs.json#/$defs/position" }
    },
    "errorMessages": {
      "type": "array",
      "items": { "type": "string" }
    }
  },
  "additionalProperties": false
}`

const notificationSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://stagecraft.dev/schemas/notification.json",
  "type": "object",
  "properties": {
    "status": { "$ref": "defs.json#/$defs/status" },
    "output": {},
    "failure": {
      "type": "object",
      "required": ["errorMessage"],
      "properties": {
        "errorMessage": { "type": "string" },
        "failureTypes": { "type": "array", "items": { "type": "string" } },
        "failureData": { "type": "array", "items": { "type": "object" } }
      }
    },
    "errorCarrier": { "type": "boolean" },
    "error": {
      "type": "object",
      "required": ["message"],
      "properties": {
        "code": { "type": "string" },
        "message": { "type": "string" }
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`
