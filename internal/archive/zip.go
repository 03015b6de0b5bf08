// Package archive enumerates ZIP-family containers (zip, jar, war, ear)
// without a decompressor: the central directory is walked directly, Stored
// entries are extracted to a scratch directory, scanned and deleted, and
// compressed or encrypted entries are reported unscanned. Nesting and
// cumulative extraction size are capped.
package archive

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BlackVectorOps/hostguard/pkg/models"
	"github.com/BlackVectorOps/hostguard/pkg/quarantine"
)

// ZIP wire signatures, little-endian.
const (
	sigLocalFileHeader = 0x04034b50
	sigCentralDirEntry = 0x02014b50
	sigEndOfCentralDir = 0x06054b50
)

const (
	localFileHeaderLen = 30
	centralDirEntryLen = 46
	endOfCentralDirLen = 22
	// The EOCDR sits within the trailing comment span.
	maxEOCDRSearch = 65536 + endOfCentralDirLen
)

// Compression methods the walker distinguishes.
const (
	methodStored  = 0
	methodDeflate = 8
)

// FileScanner is the slice of the threat engine the walker needs.
type FileScanner interface {
	ScanFile(path string) models.Verdict
}

// Entry describes one central-directory record.
type Entry struct {
	Name              string
	CompressedSize    uint32
	UncompressedSize  uint32
	CRC32             uint32
	Method            uint16
	Encrypted         bool
	IsDir             bool
	localHeaderOffset uint32
}

// FileReport is the per-entry outcome of an archive scan.
type FileReport struct {
	Name    string
	Scanned bool
	Reason  string // why the entry was not scanned
	Verdict models.Verdict
}

// Report aggregates one archive (and transitively its nested archives).
type Report struct {
	ArchivePath    string
	NestingLevel   int
	FilesExtracted int
	ThreatsFound   int
	ExtractedBytes int64
	Files          []FileReport
	Nested         []Report
}

// Scanner walks archives and feeds extracted entries to the engine.
type Scanner struct {
	engine       FileScanner
	logger       *slog.Logger
	maxNesting   int
	maxExtracted int64
}

// NewScanner builds a walker around engine. Zero limits select the
// defaults.
func NewScanner(engine FileScanner, logger *slog.Logger, maxNesting int, maxExtracted int64) *Scanner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if maxNesting <= 0 {
		maxNesting = models.DefaultMaxNestingLevel
	}
	if maxExtracted <= 0 {
		maxExtracted = models.DefaultMaxExtractedSize
	}
	return &Scanner{
		engine:       engine,
		logger:       logger,
		maxNesting:   maxNesting,
		maxExtracted: maxExtracted,
	}
}

// IsArchivePath reports whether path routes through the walker.
func IsArchivePath(path string) bool {
	return slices.Contains(models.ArchiveExtensions, strings.ToLower(filepath.Ext(path)))
}

// List parses the central directory of the archive at path.
func List(path string) ([]Entry, error) {
	raw, err := readArchive(path)
	if err != nil {
		return nil, err
	}
	return parseCentralDirectory(raw)
}

// Scan extracts and scans every Stored entry, recursing into nested
// archives. The returned error covers container-level failures only;
// per-entry problems land in the report.
func (s *Scanner) Scan(path string) (Report, error) {
	budget := s.maxExtracted
	return s.scanArchive(path, 0, &budget)
}

func (s *Scanner) scanArchive(path string, level int, budget *int64) (Report, error) {
	report := Report{ArchivePath: path, NestingLevel: level}

	if level >= s.maxNesting {
		return report, fmt.Errorf("%w: archive nesting at %d", models.ErrTooDeep, level)
	}

	raw, err := readArchive(path)
	if err != nil {
		return report, err
	}
	entries, err := parseCentralDirectory(raw)
	if err != nil {
		return report, err
	}

	scratch, err := os.MkdirTemp("", "hostguard-archive-*")
	if err != nil {
		return report, fmt.Errorf("failed to create extraction directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	for _, entry := range entries {
		if entry.IsDir {
			continue
		}

		fr := FileReport{Name: entry.Name}
		switch {
		case entry.Encrypted:
			fr.Reason = "encrypted entry"
		case entry.Method == methodDeflate:
			// Inflating without a decompressor would write garbage bytes
			// and scan those; report the entry unscanned instead.
			fr.Reason = "deflate not supported"
		case entry.Method != methodStored:
			fr.Reason = fmt.Sprintf("unsupported compression method %d", entry.Method)
		case int64(entry.UncompressedSize) > s.maxExtracted/10:
			fr.Reason = "entry exceeds extraction limit"
		case *budget-int64(entry.UncompressedSize) < 0:
			fr.Reason = "archive extraction budget exhausted"
		}
		if fr.Reason != "" {
			s.logger.Debug("archive entry not scanned",
				"archive", path, "entry", entry.Name, "reason", fr.Reason)
			report.Files = append(report.Files, fr)
			continue
		}

		extracted := filepath.Join(scratch, quarantine.SanitizeName(entry.Name))
		if err := extractStored(raw, entry, extracted); err != nil {
			fr.Reason = fmt.Sprintf("extraction failed: %v", err)
			report.Files = append(report.Files, fr)
			continue
		}
		*budget -= int64(entry.UncompressedSize)
		report.FilesExtracted++
		report.ExtractedBytes += int64(entry.UncompressedSize)

		fr.Scanned = true
		fr.Verdict = s.engine.ScanFile(extracted)
		fr.Verdict.FilePath = path + "!" + entry.Name
		if fr.Verdict.Threat {
			report.ThreatsFound++
			s.logger.Warn("threat found in archive",
				"archive", path, "entry", entry.Name, "threat", fr.Verdict.ThreatName)
		}
		report.Files = append(report.Files, fr)

		if IsArchivePath(extracted) {
			nested, err := s.scanArchive(extracted, level+1, budget)
			if err != nil {
				s.logger.Debug("nested archive not scanned",
					"archive", path, "entry", entry.Name, "error", err)
			} else {
				report.Nested = append(report.Nested, nested)
				report.ThreatsFound += nested.ThreatsFound
				report.FilesExtracted += nested.FilesExtracted
				report.ExtractedBytes += nested.ExtractedBytes
			}
		}

		os.Remove(extracted)
	}

	s.logger.Info("archive scan complete",
		"archive", path, "extracted", report.FilesExtracted, "threats", report.ThreatsFound)
	return report, nil
}

// -- Container parsing --

func readArchive(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}
	if info.Size() > models.MaxScanSize {
		return nil, fmt.Errorf("%w: archive is %d bytes", models.ErrTooLarge, info.Size())
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}
	return raw, nil
}

func parseCentralDirectory(raw []byte) ([]Entry, error) {
	eocdr, err := findEOCDR(raw)
	if err != nil {
		return nil, err
	}

	total := int(binary.LittleEndian.Uint16(raw[eocdr+10 : eocdr+12]))
	dirOffset := binary.LittleEndian.Uint32(raw[eocdr+16 : eocdr+20])
	if int64(dirOffset) > int64(len(raw)) {
		return nil, fmt.Errorf("%w: central directory offset past end", models.ErrFormat)
	}

	entries := make([]Entry, 0, total)
	pos := int(dirOffset)
	for i := 0; i < total; i++ {
		if pos+centralDirEntryLen > len(raw) {
			return nil, fmt.Errorf("%w: truncated central directory", models.ErrFormat)
		}
		if binary.LittleEndian.Uint32(raw[pos:pos+4]) != sigCentralDirEntry {
			return nil, fmt.Errorf("%w: bad central directory signature at entry %d", models.ErrFormat, i)
		}

		flags := binary.LittleEndian.Uint16(raw[pos+8 : pos+10])
		nameLen := int(binary.LittleEndian.Uint16(raw[pos+28 : pos+30]))
		extraLen := int(binary.LittleEndian.Uint16(raw[pos+30 : pos+32]))
		commentLen := int(binary.LittleEndian.Uint16(raw[pos+32 : pos+34]))

		if pos+centralDirEntryLen+nameLen > len(raw) {
			return nil, fmt.Errorf("%w: truncated entry name", models.ErrFormat)
		}
		name := string(raw[pos+centralDirEntryLen : pos+centralDirEntryLen+nameLen])

		entries = append(entries, Entry{
			Name:              name,
			Method:            binary.LittleEndian.Uint16(raw[pos+10 : pos+12]),
			CRC32:             binary.LittleEndian.Uint32(raw[pos+16 : pos+20]),
			CompressedSize:    binary.LittleEndian.Uint32(raw[pos+20 : pos+24]),
			UncompressedSize:  binary.LittleEndian.Uint32(raw[pos+24 : pos+28]),
			Encrypted:         flags&0x1 != 0,
			IsDir:             strings.HasSuffix(name, "/"),
			localHeaderOffset: binary.LittleEndian.Uint32(raw[pos+42 : pos+46]),
		})
		pos += centralDirEntryLen + nameLen + extraLen + commentLen
	}
	return entries, nil
}

// findEOCDR scans backwards through the trailing comment span for the end
// of central directory record.
func findEOCDR(raw []byte) (int, error) {
	if len(raw) < endOfCentralDirLen {
		return 0, fmt.Errorf("%w: too small for a ZIP trailer", models.ErrFormat)
	}
	lowest := len(raw) - maxEOCDRSearch
	if lowest < 0 {
		lowest = 0
	}
	for pos := len(raw) - endOfCentralDirLen; pos >= lowest; pos-- {
		if binary.LittleEndian.Uint32(raw[pos:pos+4]) == sigEndOfCentralDir {
			return pos, nil
		}
	}
	return 0, fmt.Errorf("%w: end of central directory record not found", models.ErrFormat)
}

// extractStored copies an uncompressed entry's bytes out of the container.
func extractStored(raw []byte, entry Entry, dest string) error {
	pos := int(entry.localHeaderOffset)
	if pos+localFileHeaderLen > len(raw) {
		return fmt.Errorf("%w: local header past end", models.ErrFormat)
	}
	if binary.LittleEndian.Uint32(raw[pos:pos+4]) != sigLocalFileHeader {
		return fmt.Errorf("%w: bad local header signature", models.ErrFormat)
	}

	nameLen := int(binary.LittleEndian.Uint16(raw[pos+26 : pos+28]))
	extraLen := int(binary.LittleEndian.Uint16(raw[pos+28 : pos+30]))

	start := pos + localFileHeaderLen + nameLen + extraLen
	end := start + int(entry.CompressedSize)
	if start > len(raw) || end > len(raw) {
		return fmt.Errorf("%w: entry data past end", models.ErrFormat)
	}
	return os.WriteFile(dest, raw[start:end], models.FilePermSecure)
}
