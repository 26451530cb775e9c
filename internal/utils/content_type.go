package utils

import (
	"mime"
	"path/filepath"
	"strings"
)

const DefaultMimeType = "application/octet-stream"

// DetectMimeType guesses a mime type from a file name.
func DetectMimeType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".md", ".markdown":
		return "text/markdown"
	case ".yaml", ".yml", ".toml", ".txt":
		return "text/plain; charset=utf-8"
	}
	if mimeType := mime.TypeByExtension(ext); mimeType != "" {
		return mimeType
	}
	return DefaultMimeType
}

// FileExtension returns the extension of name without the dot, lower cased.
func FileExtension(name string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
}
