package config

// Schema is the JSON schema for validating configuration files
const Schema = `{
    "$schema": "http://json-schema.org/draft-07/schema#",
    "type": "object",
    "additionalProperties": false,
    "properties": {
        "endpoint": {
            "type": "string",
            "pattern": "^(https?://)?[^/\\s]+/?$",
            "description": "Storage service URL, e.g. http://localhost:9000"
        },
        "region": {
            "type": "string",
            "minLength": 1
        },
        "access_key_id": {
            "type": "string"
        },
        "secret_access_key": {
            "type": "string"
        },
        "session_token": {
            "type": "string"
        },
        "force_path_style": {
            "type": "boolean"
        },
        "transfer": {
            "type": "object",
            "additionalProperties": false,
            "properties": {
                "multipart_threshold_mb": {
                    "type": "integer",
                    "minimum": 1
                },
                "part_size_mb": {
                    "type": "integer",
                    "minimum": 5,
                    "maximum": 5120
                },
                "concurrency": {
                    "type": "integer",
                    "minimum": 1,
                    "maximum": 64
                },
                "bulk_concurrency": {
                    "type": "integer",
                    "minimum": 1,
                    "maximum": 256
                },
                "disable_integrity_check": {
                    "type": "boolean"
                }
            }
        },
        "retry": {
            "type": "object",
            "additionalProperties": false,
            "properties": {
                "max_attempts": {
                    "type": "integer",
                    "minimum": 1,
                    "maximum": 20
                },
                "initial_delay_ms": {
                    "type": "integer",
                    "minimum": 1
                },
                "max_delay_ms": {
                    "type": "integer",
                    "minimum": 1
                },
                "backoff_factor": {
                    "type": "number",
                    "minimum": 1
                }
            }
        },
        "signature_ttl_seconds": {
            "type": "integer",
            "minimum": 1,
            "maximum": 900
        },
        "presign_expiry_seconds": {
            "type": "integer",
            "minimum": 1,
            "maximum": 604800
        },
        "log_level": {
            "type": "string",
            "enum": ["debug", "info", "warn", "error"]
        },
        "log_format": {
            "type": "string",
            "enum": ["json", "console"]
        },
        "metrics_addr": {
            "type": "string"
        }
    }
}`
