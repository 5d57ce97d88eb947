package camrec

import _ "embed"

// OpenAPIYAML describes the HTTP API served by cmd/api.
//
//go:embed openapi.yaml
var OpenAPIYAML []byte
