package models

import (
	"time"
)

// -- Verdicts --

// Verdict is the outcome of scanning a buffer or file.
// A zero Verdict is Clean.
type Verdict struct {
	Threat     bool
	ThreatName string
	Severity   int // 1-10, only meaningful when Threat
	FilePath   string
	FileSize   int64
}

// Clean reports whether no threat was found.
func (v Verdict) Clean() bool { return !v.Threat }

// -- Signatures --

// Signature identifies a known-bad byte pattern.
// Immutable after load; Offset of OffsetAnywhere means "search the whole buffer".
type Signature struct {
	Name     string
	Pattern  []byte
	Offset   int32
	Severity uint32
}

// Anchored reports whether the signature must match at a fixed offset.
func (s Signature) Anchored() bool { return s.Offset >= 0 }

// SignatureDatabase is an immutable snapshot of loaded signatures.
// The engine swaps whole snapshots; individual signatures are never mutated.
type SignatureDatabase struct {
	Version    uint32
	Signatures []Signature
}

// Count returns the number of signatures in the snapshot.
func (db *SignatureDatabase) Count() uint32 {
	if db == nil {
		return 0
	}
	return uint32(len(db.Signatures))
}

// -- Scanning --

// ScanKind selects the target set of an on-demand scan.
type ScanKind int

const (
	ScanFile ScanKind = iota
	ScanFolder
	ScanDrive
	ScanSystem
	ScanQuick
	ScanFull
	ScanCustom
)

func (k ScanKind) String() string {
	switch k {
	case ScanFile:
		return "file"
	case ScanFolder:
		return "folder"
	case ScanDrive:
		return "drive"
	case ScanSystem:
		return "system"
	case ScanQuick:
		return "quick"
	case ScanFull:
		return "full"
	case ScanCustom:
		return "custom"
	}
	return "unknown"
}

// ScanResult is the terminal status of an on-demand scan.
type ScanResult int

const (
	ResultSuccess ScanResult = iota
	ResultFailed
	ResultCancelled
	ResultAccessDenied
)

func (r ScanResult) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultFailed:
		return "failed"
	case ResultCancelled:
		return "cancelled"
	case ResultAccessDenied:
		return "access denied"
	}
	return "unknown"
}

// ScanStatistics are counters for a single scan run, updated under the
// orchestrator's lock and handed to callers as value snapshots.
type ScanStatistics struct {
	TotalFiles      uint64
	ScannedFiles    uint64
	SkippedFiles    uint64
	ThreatsFound    uint64
	TotalBytes      uint64
	ScannedBytes    uint64
	ProgressPercent uint32
	StartTime       time.Time
	EndTime         time.Time
}

// ScanOptions tune a single orchestrated scan.
type ScanOptions struct {
	MaxFileSize    int64
	Extensions     []string // allow-list; empty means all
	Exclusions     []string // path prefixes, case-insensitive
	FollowSymlinks bool
}

// -- Quarantine --

// QuarantineEntry records one isolated file. VaultPath exists on disk for
// every entry held in the index.
type QuarantineEntry struct {
	ID            string
	OriginalPath  string
	VaultPath     string
	ThreatName    string
	QuarantinedAt int64 // epoch seconds
	OriginalSize  int64
}

// -- Callbacks --

// ThreatCallback is invoked synchronously from worker threads for every
// detected threat. Implementations must not re-enter the core.
type ThreatCallback func(Verdict)

// ProgressCallback receives the current file, clamped percent and a
// statistics snapshot after every scanned file.
type ProgressCallback func(currentFile string, percent uint32, stats ScanStatistics)
