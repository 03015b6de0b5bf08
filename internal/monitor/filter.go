package monitor

import (
	"path/filepath"
	"strings"
)

// Path fragments that never reach the scan queue. Matching is
// case-insensitive and separator-agnostic.
var skipPathFragments = []string{
	"/temp/",
	"/tmp/",
	"/appdata/local/temp/",
	"/windows/winsxs/",
	"/windows/servicing/",
	"/system volume information/",
}

// Extensions with no scan value under real-time pressure.
var skipExtensions = map[string]struct{}{
	".log": {}, ".tmp": {}, ".temp": {}, ".swp": {}, ".bak": {},
	".txt": {}, ".ini": {}, ".xml": {}, ".json": {},
}

// ShouldSkipPath filters system noise, scratch locations and
// low-value extensions out of the real-time pipeline.
func ShouldSkipPath(path string) bool {
	normalized := strings.ToLower(strings.ReplaceAll(path, `\`, "/"))
	for _, fragment := range skipPathFragments {
		if strings.Contains(normalized, fragment) {
			return true
		}
	}

	_, skip := skipExtensions[strings.ToLower(filepath.Ext(path))]
	return skip
}

// ScanPriority ranks an event path for the queue: executables first,
// scripts and macro-capable documents next, archives after that.
func ScanPriority(path string) uint32 {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".exe", ".dll", ".scr", ".com", ".pif":
		return 10
	case ".bat", ".cmd", ".ps1", ".vbs", ".js":
		return 7
	case ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx":
		return 5
	case ".zip", ".rar", ".7z", ".tar":
		return 3
	}
	return 1
}
