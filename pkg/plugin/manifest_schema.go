package plugin

// ManifestSchema is the JSON Schema for plugin manifest validation.
// manifestVersion is pinned to the single supported literal; there is no
// backward-compatible parsing of older revisions.
const ManifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["manifestVersion", "name", "version", "entry", "dist"],
  "properties": {
    "manifestVersion": {
      "type": "string",
      "const": "1.0",
      "description": "Manifest schema revision"
    },
    "name": {
      "type": "string",
      "pattern": "^[a-z0-9-]+$",
      "description": "Stable plugin identifier"
    },
    "version": {
      "type": "string",
      "pattern": "^\\d+\\.\\d+\\.\\d+$",
      "description": "Semver version"
    },
    "description": {
      "type": "string"
    },
    "author": {
      "type": "string"
    },
    "entry": {
      "type": "string",
      "minLength": 1,
      "description": "Entry point path relative to the bundle root"
    },
    "dist": {
      "type": "object",
      "required": ["hash"],
      "properties": {
        "hash": {
          "type": "string",
          "pattern": "^sha256:[0-9a-f]{64}$",
          "description": "Content hash over the dist directory"
        }
      }
    },
    "dependencies": {
      "type": "array",
      "items": {
        "type": "string",
        "minLength": 1
      },
      "description": "Plugin names, optionally with an @constraint suffix"
    },
    "externalDependencies": {
      "type": "array",
      "items": {
        "type": "string",
        "minLength": 1
      }
    },
    "dependenciesPolicy": {
      "type": "string",
      "enum": ["self-contained", "external-allowed"]
    },
    "permissions": {
      "type": "object",
      "properties": {
        "network": { "type": "boolean" },
        "fsRead": { "type": "boolean" },
        "fsWrite": { "type": "boolean" },
        "exec": { "type": "boolean" }
      },
      "additionalProperties": false
    }
  }
}`
