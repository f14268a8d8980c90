package persistence

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"candle-stream-bridge/internal/model"
	"candle-stream-bridge/internal/service"
)

const (
	DefaultCandlesPerFile = 100
	DefaultTicksPerFile   = 1000
)

var (
	candleHeader = []string{"timestamp", "open", "close", "high", "low"}
	tickHeader   = []string{"timestamp", "asset", "price"}
)

// rotatingFile is one open CSV chunk plus the counters deciding its rotation.
type rotatingFile struct {
	seq  int
	rows int
	f    *os.File
	w    *csv.Writer
}

func (rf *rotatingFile) close() error {
	if rf.f == nil {
		return nil
	}
	rf.w.Flush()
	err := rf.w.Error()
	if cerr := rf.f.Close(); err == nil {
		err = cerr
	}
	rf.f, rf.w = nil, nil
	return err
}

// CSVSink writes closed candles and ticks to chunked CSV files:
//
//	<dir>/<asset>/<tf>/candles_<session>_<seq>.csv   timestamp,open,close,high,low
//	<dir>/<asset>/ticks/ticks_<session>_<seq>.csv    timestamp,asset,price
type CSVSink struct {
	mu             sync.Mutex
	dir            string
	candlesPerFile int
	ticksPerFile   int
	session        string
	generation     int
	files          map[string]*rotatingFile
	now            func() time.Time
}

func NewCSVSink(dir string, candlesPerFile, ticksPerFile int) (*CSVSink, error) {
	if candlesPerFile <= 0 {
		candlesPerFile = DefaultCandlesPerFile
	}
	if ticksPerFile <= 0 {
		ticksPerFile = DefaultTicksPerFile
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &CSVSink{
		dir:            dir,
		candlesPerFile: candlesPerFile,
		ticksPerFile:   ticksPerFile,
		files:          make(map[string]*rotatingFile),
		now:            time.Now,
	}
	s.session = s.newSession()
	return s, nil
}

func (s *CSVSink) Name() string { return "csv" }

func (s *CSVSink) newSession() string {
	s.generation++
	return fmt.Sprintf("%s-%d", s.now().UTC().Format("20060102T150405"), s.generation)
}

func (s *CSVSink) WriteCandle(asset string, minutes int, c model.Candle) error {
	row := []string{
		strconv.FormatInt(c.Timestamp, 10),
		formatPrice(c.Open),
		formatPrice(c.Close),
		formatPrice(c.High),
		formatPrice(c.Low),
	}
	dir := filepath.Join(s.dir, sanitize(asset), service.TimeframeLabel(minutes))
	if err := s.append(dir, "candles", candleHeader, row, s.candlesPerFile); err != nil {
		return &WriteError{Sink: s.Name(), Op: "write candle", Err: err}
	}
	return nil
}

func (s *CSVSink) WriteTick(t model.Tick) error {
	row := []string{
		strconv.FormatFloat(t.Timestamp, 'f', -1, 64),
		t.Asset,
		formatPrice(t.Price),
	}
	dir := filepath.Join(s.dir, sanitize(t.Asset), "ticks")
	if err := s.append(dir, "ticks", tickHeader, row, s.ticksPerFile); err != nil {
		return &WriteError{Sink: s.Name(), Op: "write tick", Err: err}
	}
	return nil
}

func (s *CSVSink) append(dir, prefix string, header, row []string, perFile int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := filepath.Join(dir, prefix)
	rf, ok := s.files[key]
	if !ok {
		rf = &rotatingFile{}
		s.files[key] = rf
	}

	if rf.f == nil {
		rf.seq++
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		name := filepath.Join(dir, fmt.Sprintf("%s_%s_%04d.csv", prefix, s.session, rf.seq))
		f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		rf.f, rf.w, rf.rows = f, csv.NewWriter(f), 0
		if err := rf.w.Write(header); err != nil {
			return err
		}
	}

	if err := rf.w.Write(row); err != nil {
		return err
	}
	rf.w.Flush()
	if err := rf.w.Error(); err != nil {
		return err
	}

	rf.rows++
	if rf.rows >= perFile {
		return rf.close()
	}
	return nil
}

// Reset closes every open chunk, zeroes the rotation counters and starts a new
// session stamp so later chunks never overwrite earlier ones.
func (s *CSVSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rf := range s.files {
		rf.close()
	}
	s.files = make(map[string]*rotatingFile)
	s.session = s.newSession()
}

func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, rf := range s.files {
		if err := rf.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}

// sanitize makes an asset id safe as a single path element.
func sanitize(asset string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_", ":", "_")
	out := r.Replace(strings.TrimSpace(asset))
	if out == "" || out == "." {
		return "_"
	}
	return out
}
