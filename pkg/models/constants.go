package models

import "time"

//-- Section --

const (
	// FilePermReadWrite defines standard non-executable file permissions.
	FilePermReadWrite = 0644
	// FilePermSecure enforces strict owner-only access to prevent local privilege escalation or data leakage.
	FilePermSecure = 0600
	// DirPermSecure restricts the quarantine vault and database directories to the service owner.
	DirPermSecure = 0700

	// caps the number of bytes the engine will load for a single scan.
	MaxScanSize = 100 * 1024 * 1024 // 100 MiB
	// files smaller than this with an executable extension trip the tiny-executable heuristic.
	TinyExecutableSize = 1024
	// Shannon entropy above this many bits per byte marks content as packed or encrypted.
	DefaultEntropyThreshold = 7.5

	// severity at or above which the real-time pipeline quarantines without asking.
	AutoQuarantineSeverity = 8

	// worker goroutines draining the real-time scan queue.
	DefaultMonitorWorkers = 4
	// grace period before a queued file is scanned, letting the writer finish.
	DefaultScanDelay = 100 * time.Millisecond

	// number of archive levels the walker opens; a nested archive at this depth is scanned as a plain file but not opened.
	DefaultMaxNestingLevel = 5
	// cumulative cap on bytes extracted from a single archive tree.
	DefaultMaxExtractedSize = 100 * 1024 * 1024 // 100 MiB

	// limits the number of retries after the first attempt to reach the intelligence service before conceding failure.
	MaxHTTPRetries = 3
	// provides the starting point for exponential backoff calculations.
	BaseRetryDelay = 500 * time.Millisecond
	// prevents backoff times from growing indefinitely and stalling the scan pipeline.
	MaxRetryDelay = 5 * time.Second
	// sets a hard deadline for intelligence requests so a dead endpoint cannot wedge a worker.
	IntelRequestTimeout = 10 * time.Second

	// window within which a scheduled scan will not fire twice.
	DefaultScheduleSuppression = 2 * time.Minute
)

// SignatureMagic is the little-endian header of the binary signature database ("SIGS").
const SignatureMagic uint32 = 0x53494753

// OffsetAnywhere marks a signature that may match at any position in the buffer.
const OffsetAnywhere int32 = -1

// SuspiciousStrings is the fixed case-insensitive wordlist for the string heuristic.
// Matching is byte-wise; no UTF-8 normalization is applied.
var SuspiciousStrings = []string{
	"cryptolocker",
	"ransomware",
	"bitcoin",
	"your files have been encrypted",
	"pay the ransom",
	"keylogger",
	"password stealer",
	"backdoor",
	"trojan",
}

// ExecutableExtensions trip the tiny-executable heuristic.
var ExecutableExtensions = []string{".exe", ".dll", ".scr", ".com"}

// ArchiveExtensions route a file through the archive walker.
var ArchiveExtensions = []string{".zip", ".jar", ".war", ".ear"}
