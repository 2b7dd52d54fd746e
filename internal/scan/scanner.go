package scan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sourcegraph/conc/pool"

	"github.com/franz/music-collection/internal/meta"
	"github.com/franz/music-collection/internal/report"
	"github.com/franz/music-collection/internal/util"
)

// DefaultHashLimit is how many leading bytes of a file make up its content uid
const DefaultHashLimit = 1 << 20

// Scanner discovers audio files in directory trees and reads their tags
type Scanner struct {
	extensions   map[string]bool
	concurrency  int
	reader       *meta.Reader
	hashLimit    int64
	events       *report.EventLogger
	showProgress bool
}

// Config holds scanner configuration
type Config struct {
	AdditionalExts []string
	Concurrency    int
	Reader         *meta.Reader
	// HashLimit caps the bytes hashed per file; zero uses DefaultHashLimit,
	// a negative value hashes whole files
	HashLimit    int64
	Events       *report.EventLogger
	ShowProgress bool
}

// New creates a new Scanner
func New(cfg *Config) *Scanner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Reader == nil {
		cfg.Reader = meta.NewReader(false)
	}
	if cfg.HashLimit == 0 {
		cfg.HashLimit = DefaultHashLimit
	}

	extMap := make(map[string]bool)
	for _, ext := range meta.SupportedExtensions() {
		extMap[ext] = true
	}
	for _, ext := range cfg.AdditionalExts {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		extMap[ext] = true
	}

	return &Scanner{
		extensions:   extMap,
		concurrency:  cfg.Concurrency,
		reader:       cfg.Reader,
		hashLimit:    cfg.HashLimit,
		events:       cfg.Events,
		showProgress: cfg.ShowProgress,
	}
}

// ScannedTrack is one audio file found by a scan
type ScannedTrack struct {
	Path  string
	UID   string // content hash, without the uid protocol
	Tags  *meta.Tags
	Size  int64
	Mtime time.Time
}

// ScannedDirectory is one directory found by a scan. A skipped directory was
// unchanged since the last scan and carries no tracks.
type ScannedDirectory struct {
	Path    string
	Mtime   int64
	Skipped bool
	Tracks  []*ScannedTrack
}

// Result represents a scan result
type Result struct {
	Roots       []string
	Directories []*ScannedDirectory
	FilesFound  int
	FilesRead   int
	Errors      []error
}

// Tracks returns the number of scanned tracks across all directories
func (r *Result) Tracks() int {
	n := 0
	for _, d := range r.Directories {
		n += len(d.Tracks)
	}
	return n
}

// Scan walks the roots and reads every audio file. Directories whose mtime
// equals the one in known are skipped without reading their files.
func (s *Scanner) Scan(ctx context.Context, roots []string, known map[string]int64) (*Result, error) {
	start := time.Now()
	result := &Result{}
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", root, err)
		}
		result.Roots = append(result.Roots, abs)
	}
	s.events.LogScanPhase(report.PhaseStarted, result.Roots, 0, 0)
	util.InfoLog("Starting scan of: %s", strings.Join(result.Roots, ", "))

	var errMu sync.Mutex
	addError := func(err error) {
		errMu.Lock()
		result.Errors = append(result.Errors, err)
		errMu.Unlock()
	}

	dirs, files, err := s.walk(ctx, result.Roots, known, addError)
	if err != nil {
		return result, err
	}
	result.Directories = dirs
	result.FilesFound = len(files)
	s.events.LogScanPhase(report.PhaseWalked, result.Roots, len(files), time.Since(start))

	tracks, err := s.readAll(ctx, files, addError)
	if err != nil {
		return result, err
	}
	result.FilesRead = len(tracks)

	byDir := make(map[string]*ScannedDirectory, len(dirs))
	for _, d := range dirs {
		byDir[d.Path] = d
	}
	for _, t := range tracks {
		if d := byDir[filepath.Dir(t.Path)]; d != nil {
			d.Tracks = append(d.Tracks, t)
		}
	}
	for _, d := range dirs {
		sort.Slice(d.Tracks, func(i, j int) bool { return d.Tracks[i].Path < d.Tracks[j].Path })
		s.events.LogDirectory(d.Path, len(d.Tracks), d.Skipped)
	}

	util.SuccessLog("Scan complete: %d directories, %d files read, %d errors",
		len(result.Directories), result.FilesRead, len(result.Errors))
	return result, nil
}

// walk lists the directories below roots and the audio files of the
// directories that changed
func (s *Scanner) walk(ctx context.Context, roots []string, known map[string]int64, addError func(error)) ([]*ScannedDirectory, []string, error) {
	var dirs []*ScannedDirectory
	var files []string
	seen := make(map[string]bool)
	skipped := make(map[string]bool)

	for _, root := range roots {
		walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			if err != nil {
				util.WarnLog("Error accessing path %s: %v", path, err)
				addError(fmt.Errorf("access error: %s: %w", path, err))
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}

			if d.IsDir() {
				if seen[path] {
					return fs.SkipDir
				}
				seen[path] = true
				if path != root && strings.HasPrefix(d.Name(), ".") {
					return fs.SkipDir
				}
				info, err := d.Info()
				if err != nil {
					addError(fmt.Errorf("stat error: %s: %w", path, err))
					return fs.SkipDir
				}
				mtime := info.ModTime().Unix()
				old, ok := known[path]
				skip := ok && old == mtime
				skipped[path] = skip
				dirs = append(dirs, &ScannedDirectory{Path: path, Mtime: mtime, Skipped: skip})
				return nil
			}

			if !skipped[filepath.Dir(path)] && s.isAudioFile(path) && d.Type().IsRegular() {
				files = append(files, path)
			}
			return nil
		})
		if walkErr != nil {
			if errors.Is(walkErr, context.Canceled) || errors.Is(walkErr, context.DeadlineExceeded) {
				return nil, nil, walkErr
			}
			return nil, nil, fmt.Errorf("walk error: %w", walkErr)
		}
	}
	return dirs, files, nil
}

// readAll hashes and tags files on a bounded worker pool
func (s *Scanner) readAll(ctx context.Context, files []string, addError func(error)) ([]*ScannedTrack, error) {
	var processed atomic.Int64
	bar := s.newProgressBar(len(files))

	p := pool.NewWithResults[*ScannedTrack]().WithMaxGoroutines(s.concurrency)
	for _, path := range files {
		p.Go(func() *ScannedTrack {
			defer func() {
				processed.Add(1)
				if bar != nil {
					bar.Add(1)
				}
			}()
			if ctx.Err() != nil {
				return nil
			}
			t, err := s.readFile(ctx, path)
			if err != nil {
				util.ErrorLog("Failed to process %s: %v", path, err)
				s.events.LogError(report.EventError, path, err)
				addError(err)
				return nil
			}
			return t
		})
	}
	results := p.Wait()
	if bar != nil {
		bar.Finish()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tracks := make([]*ScannedTrack, 0, len(results))
	for _, t := range results {
		if t != nil {
			tracks = append(tracks, t)
		}
	}
	util.DebugLog("Read %d of %d files", len(tracks), processed.Load())
	return tracks, nil
}

func (s *Scanner) readFile(ctx context.Context, path string) (*ScannedTrack, error) {
	size, mtime, err := util.GetFileMetadata(path)
	if err != nil {
		return nil, err
	}

	hash, err := util.GenerateContentHash(path, s.hashLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to generate uid: %w", err)
	}

	tags, err := s.reader.Read(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tags: %w", err)
	}

	util.DebugLog("Read: %s (uid: %s)", path, hash[:8])
	return &ScannedTrack{
		Path:  path,
		UID:   hash,
		Tags:  tags,
		Size:  size,
		Mtime: time.Unix(mtime, 0),
	}, nil
}

// newProgressBar returns nil when stdout is not a terminal or output is quiet
func (s *Scanner) newProgressBar(total int) *progressbar.ProgressBar {
	if !s.showProgress || total == 0 || !util.StdoutIsTerminal() || util.IsQuiet() {
		return nil
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription("Reading tags"),
		progressbar.OptionSetWidth(progressWidth()),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("files"),
		progressbar.OptionThrottle(200*time.Millisecond),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// progressWidth leaves room for the description and counters next to the bar
func progressWidth() int {
	return min(40, max(10, util.GetTerminalWidth()-60))
}

// isAudioFile checks if a file has a supported audio extension
func (s *Scanner) isAudioFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return s.extensions[ext]
}

// SupportedExtensions returns the list of supported extensions, sorted
func (s *Scanner) SupportedExtensions() []string {
	exts := make([]string, 0, len(s.extensions))
	for ext := range s.extensions {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}
