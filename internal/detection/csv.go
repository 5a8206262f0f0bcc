package detection

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"findmyspot-backend/internal/occupancy"
)

var csvColumns = []string{"frame", "x1", "y1", "x2", "y2", "confidence", "label"}

// MaxFrameGap is the longest run of missing frame numbers replayed as empty
// frames. Longer gaps are skipped.
const MaxFrameGap = 1000

// CSVSource replays detections recorded in a CSV file with the header
// frame,x1,y1,x2,y2,confidence,label. Frames without rows are replayed as
// empty frames so the cadence matches the recording. Only recorded frames are
// held in memory.
type CSVSource struct {
	mu      sync.Mutex
	frames  []Frame
	jump    []bool // gap before frames[i] exceeds MaxFrameGap
	replay  int
	pos     int
	nextSeq int
	closed  bool
}

// OpenCSV reads the whole file at path into memory.
func OpenCSV(path string) (*CSVSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer file.Close()

	src, err := NewCSVSource(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return src, nil
}

// NewCSVSource parses detections from r. Rows that fail to parse are logged
// and skipped.
func NewCSVSource(r io.Reader) (*CSVSource, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	colMap := make(map[string]int, len(header))
	for i, col := range header {
		colMap[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, col := range csvColumns {
		if _, ok := colMap[col]; !ok {
			return nil, fmt.Errorf("CSV header is missing column %q", col)
		}
	}

	byFrame := make(map[int][]occupancy.DetectionBox)
	rows := 0
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Printf("Error reading CSV row: %v", err)
			continue
		}
		seq, box, err := parseRow(row, colMap)
		if err != nil {
			log.Printf("Error parsing row %v: %v", row, err)
			continue
		}
		byFrame[seq] = append(byFrame[seq], box)
		rows++
	}

	src := &CSVSource{frames: groupFrames(byFrame)}
	src.planGaps()
	src.rewind()
	log.Printf("Loaded %d detections across %d frames from CSV", rows, src.replay)
	return src, nil
}

// planGaps decides which gaps are replayed and counts the resulting frames.
func (s *CSVSource) planGaps() {
	s.jump = make([]bool, len(s.frames))
	s.replay = len(s.frames)
	for i := 1; i < len(s.frames); i++ {
		gap := s.frames[i].Seq - s.frames[i-1].Seq - 1
		if gap > MaxFrameGap {
			log.Printf("Warning: skipping %d missing frames between frame %d and %d", gap, s.frames[i-1].Seq, s.frames[i].Seq)
			s.jump[i] = true
			continue
		}
		s.replay += gap
	}
}

func (s *CSVSource) rewind() {
	s.pos = 0
	if len(s.frames) > 0 {
		s.nextSeq = s.frames[0].Seq
	}
}

func parseRow(row []string, colMap map[string]int) (int, occupancy.DetectionBox, error) {
	field := func(name string) (string, error) {
		idx := colMap[name]
		if idx >= len(row) {
			return "", fmt.Errorf("missing %s", name)
		}
		return strings.TrimSpace(row[idx]), nil
	}
	float := func(name string) (float64, error) {
		s, err := field(name)
		if err != nil {
			return 0, err
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", name, err)
		}
		return v, nil
	}

	s, err := field("frame")
	if err != nil {
		return 0, occupancy.DetectionBox{}, err
	}
	seq, err := strconv.Atoi(s)
	if err != nil || seq < 0 {
		return 0, occupancy.DetectionBox{}, fmt.Errorf("invalid frame %q", s)
	}

	var box occupancy.DetectionBox
	for name, dst := range map[string]*float64{
		"x1": &box.X1, "y1": &box.Y1, "x2": &box.X2, "y2": &box.Y2, "confidence": &box.Confidence,
	} {
		if *dst, err = float(name); err != nil {
			return 0, occupancy.DetectionBox{}, err
		}
	}
	if box.Label, err = field("label"); err != nil {
		return 0, occupancy.DetectionBox{}, err
	}
	return seq, box, nil
}

// groupFrames returns the recorded frames in frame order.
func groupFrames(byFrame map[int][]occupancy.DetectionBox) []Frame {
	frames := make([]Frame, 0, len(byFrame))
	for seq, boxes := range byFrame {
		frames = append(frames, Frame{Seq: seq, Boxes: boxes})
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i].Seq < frames[j].Seq })
	return frames
}

// Next returns the next recorded frame, or io.EOF after the last one.
func (s *CSVSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.pos >= len(s.frames) {
		return Frame{}, io.EOF
	}
	f := s.frames[s.pos]
	if s.jump[s.pos] {
		s.nextSeq = f.Seq
	}
	if s.nextSeq < f.Seq {
		gap := Frame{Seq: s.nextSeq}
		s.nextSeq++
		return gap, nil
	}
	s.pos++
	s.nextSeq = f.Seq + 1
	return f, nil
}

// Rewind restarts playback from the first frame.
func (s *CSVSource) Rewind() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("rewind on closed source")
	}
	s.rewind()
	return nil
}

// Len returns the number of frames one pass over the recording yields.
func (s *CSVSource) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replay
}

func (s *CSVSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
