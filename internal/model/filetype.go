package model

import (
	"fmt"
	"strings"
)

// allowedTypes is the closed set of MIME types the dashboard accepts for
// training, keyed to their canonical extension.
var allowedTypes = map[string]string{
	"application/pdf": ".pdf",
	"application/msword": ".doc",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": ".docx",
	"application/vnd.ms-excel": ".xls",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       ".xlsx",
	"text/plain": ".txt",
}

// Icon names the dashboard maps each document family to.
const (
	IconWord    = "word"
	IconExcel   = "excel"
	IconPDF     = "pdf"
	IconGeneric = "file"
)

var iconByExtension = map[string]string{
	".doc":  IconWord,
	".docx": IconWord,
	".xls":  IconExcel,
	".xlsx": IconExcel,
	".pdf":  IconPDF,
	".txt":  IconGeneric,
}

// MimeForExtension resolves the MIME type the dashboard assumes for a
// dotted extension, or "" when the extension is not in the allow-set.
func MimeForExtension(ext string) string {
	ext = strings.ToLower(ext)
	for mime, e := range allowedTypes {
		if e == ext {
			return mime
		}
	}
	return ""
}

// TypeAllowed reports whether the MIME type is in the training allow-set.
func TypeAllowed(mimeType string) bool {
	_, ok := allowedTypes[mimeType]
	return ok
}

// ExtensionFor returns the lowercase dotted extension from the file name,
// falling back to the one canonical for the MIME type.
func ExtensionFor(name, mimeType string) string {
	if i := strings.LastIndex(name, "."); i != -1 {
		return strings.ToLower(name[i:])
	}
	return allowedTypes[mimeType]
}

// IconFor resolves the display icon for an extension. Unknown extensions get
// no icon, matching the dashboard's blank fallback.
func IconFor(ext string) string {
	return iconByExtension[strings.ToLower(ext)]
}

// FormatSize renders a byte count the way the dashboard does (1024 base,
// two decimals, trailing zeros trimmed).
func FormatSize(bytes int64) string {
	if bytes <= 0 {
		return "0 B"
	}
	units := []string{"B", "KB", "MB", "GB", "TB"}
	size := float64(bytes)
	i := 0
	for size >= 1024 && i < len(units)-1 {
		size /= 1024
		i++
	}
	s := fmt.Sprintf("%.2f", size)
	s = strings.TrimSuffix(strings.TrimSuffix(s, "0"), "0")
	s = strings.TrimSuffix(s, ".")
	return s + " " + units[i]
}
