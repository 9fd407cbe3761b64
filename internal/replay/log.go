package replay

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"postureguard/internal/orientation"
)

// Log format: line-oriented text.
//
// - Blank lines ignored.
// - Lines starting with '#' ignored.
// - Line "START" resets the origin (next record time is relative to 0 again).
// - Data lines are: <t_ns>,<sensor>,<ax>,<ay>,<az>
//   or <t_ns>,<sensor>,FAIL for a read that returned an error.
//   t_ns is nanoseconds since START, sensor is the 0-based sensor id.

const failToken = "FAIL"

type Record struct {
	At       time.Duration
	Start    bool
	SensorID int
	Accel    orientation.Acceleration
	Failed   bool
}

type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (rr *Reader) ReadAll() ([]Record, error) {
	s := bufio.NewScanner(rr.r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	recs := make([]Record, 0, 1024)
	lineNo := 0
	for s.Scan() {
		lineNo++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "START" {
			recs = append(recs, Record{Start: true})
			continue
		}
		rec, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("replay line %d: %w", lineNo, err)
		}
		recs = append(recs, rec)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

func parseLine(line string) (Record, error) {
	fields := strings.Split(line, ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	if len(fields) != 3 && len(fields) != 5 {
		return Record{}, fmt.Errorf("invalid replay line (want 3 or 5 fields): %q", line)
	}

	tsNs, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("invalid replay timestamp %q: %w", fields[0], err)
	}
	if tsNs < 0 {
		return Record{}, fmt.Errorf("invalid replay timestamp (negative): %d", tsNs)
	}
	id, err := strconv.Atoi(fields[1])
	if err != nil || id < 0 {
		return Record{}, fmt.Errorf("invalid replay sensor id %q", fields[1])
	}
	rec := Record{At: time.Duration(tsNs), SensorID: id}

	if len(fields) == 3 {
		if fields[2] != failToken {
			return Record{}, fmt.Errorf("invalid replay line (expected %s): %q", failToken, line)
		}
		rec.Failed = true
		return rec, nil
	}

	var v [3]float64
	for i := range v {
		v[i], err = strconv.ParseFloat(fields[2+i], 64)
		if err != nil {
			return Record{}, fmt.Errorf("invalid replay acceleration %q: %w", fields[2+i], err)
		}
	}
	rec.Accel = orientation.Acceleration{X: v[0], Y: v[1], Z: v[2]}
	return rec, nil
}

type Writer struct {
	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	start  time.Time
	closed bool
}

func CreateWriter(path string, now time.Time) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriterSize(f, 64*1024)
	if _, err := bw.WriteString("START\n"); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Writer{f: f, w: bw, start: now}, nil
}

// WriteReading appends one sensor outcome. A non-nil readErr is logged as FAIL.
func (ww *Writer) WriteReading(now time.Time, sensorID int, a orientation.Acceleration, readErr error) error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return errors.New("replay writer is closed")
	}

	d := now.Sub(ww.start)
	if d < 0 {
		d = 0
	}
	var err error
	if readErr != nil {
		_, err = fmt.Fprintf(ww.w, "%d,%d,%s\n", d.Nanoseconds(), sensorID, failToken)
	} else {
		_, err = fmt.Fprintf(ww.w, "%d,%d,%s,%s,%s\n", d.Nanoseconds(), sensorID,
			formatFloat(a.X), formatFloat(a.Y), formatFloat(a.Z))
	}
	return err
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func (ww *Writer) Flush() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return nil
	}
	return ww.w.Flush()
}

func (ww *Writer) Close() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return nil
	}
	ww.closed = true
	if err := ww.w.Flush(); err != nil {
		_ = ww.f.Close()
		return err
	}
	return ww.f.Close()
}

// LoadFile reads every record in the log at path.
func LoadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewReader(f).ReadAll()
}
