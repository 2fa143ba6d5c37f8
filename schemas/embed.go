// Package schemas embeds the JSON schemas for persisted records.
package schemas

import _ "embed"

//go:embed v1/access/checkpoint.schema.json
var AccessCheckpoint []byte

//go:embed v1/access/log_record.schema.json
var AccessLogRecord []byte
