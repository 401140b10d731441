// Package jsoncodec is the single JSON entry point for payloads and the
// service registry file.
package jsoncodec

import (
	"github.com/bytedance/sonic"
)

// ConfigStd keeps encoding/json compatible output: sorted map keys, escaped
// HTML and control characters, float64 numbers when decoding into any.
var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}
