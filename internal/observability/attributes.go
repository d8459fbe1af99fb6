// Package observability provides metrics, tracing, and logging utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrOutcome = "outcome"
	attrSource  = "source"
	attrResult  = "result"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func sourceAttr(source string) attribute.KeyValue {
	return attribute.String(attrSource, source)
}

func resultAttr(result string) attribute.KeyValue {
	return attribute.String(attrResult, result)
}

// normalizePath replaces endpoint ids with a placeholder.
func normalizePath(path string) string {
	const prefix = "/v1/webhooks/endpoints/"
	if len(path) > len(prefix) && strings.HasPrefix(path, prefix) {
		return prefix + "{id}"
	}
	return path
}
