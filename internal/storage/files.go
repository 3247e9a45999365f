package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// VerificationToken is the first line of every buffer file.
const VerificationToken = "::__:RBOUNCE:__::"

const (
	maxRecords = 500
	bufferExt  = ".buf"
)

// ErrBadToken is returned when a buffer file does not start with the
// verification token.
var ErrBadToken = errors.New("storage: missing verification token")

// Record is one persisted buffer line.
type Record struct {
	Time   time.Time
	Format string
	Text   string
}

// WriteRecords writes the token followed by one "@sec,usec format" line
// and one text line per record.
func WriteRecords(w io.Writer, records []Record) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintln(bw, VerificationToken); err != nil {
		return err
	}
	for _, r := range records {
		sec := r.Time.Unix()
		usec := r.Time.Nanosecond() / 1000
		if _, err := fmt.Fprintf(bw, "@%d,%d %s\n%s\n", sec, usec, r.Format, r.Text); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadRecords parses what WriteRecords produced. Malformed records are
// skipped.
func ReadRecords(r io.Reader) ([]Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, ErrBadToken
	}
	if strings.TrimRight(scanner.Text(), "\r") != VerificationToken {
		return nil, ErrBadToken
	}

	var records []Record
	for scanner.Scan() {
		header := scanner.Text()
		if !strings.HasPrefix(header, "@") {
			continue
		}
		// A header always owns the next line, even when it is malformed.
		if !scanner.Scan() {
			break
		}
		text := scanner.Text()
		stamp, format, ok := strings.Cut(header[1:], " ")
		if !ok {
			continue
		}
		ts, ok := parseStamp(stamp)
		if !ok {
			continue
		}
		records = append(records, Record{Time: ts, Format: format, Text: text})
	}
	return records, scanner.Err()
}

func parseStamp(s string) (time.Time, bool) {
	secStr, usecStr, _ := strings.Cut(s, ",")
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	var usec int64
	if usecStr != "" {
		if usec, err = strconv.ParseInt(usecStr, 10, 64); err != nil {
			return time.Time{}, false
		}
	}
	return time.Unix(sec, usec*1000), true
}

// BufferDir returns where a network's buffers are kept.
func BufferDir(dataDir, user, network string) string {
	return filepath.Join(dataDir, "users", url.PathEscape(user), "networks", url.PathEscape(network), "buffers")
}

func bufferPath(dataDir, user, network, target string) string {
	return filepath.Join(BufferDir(dataDir, user, network), url.PathEscape(strings.ToLower(target))+bufferExt)
}

// SaveBuffer writes the records for one channel or query, keeping at
// most the newest 500. An empty record list removes the file.
func SaveBuffer(dataDir, user, network, target string, records []Record) error {
	path := bufferPath(dataDir, user, network, target)
	if len(records) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	if len(records) > maxRecords {
		records = records[len(records)-maxRecords:]
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create buffer directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := WriteRecords(tmp, records); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadBuffer reads the records for one target. A missing file yields no
// records and no error.
func LoadBuffer(dataDir, user, network, target string) ([]Record, error) {
	file, err := os.Open(bufferPath(dataDir, user, network, target))
	if err != nil {
		if os.IsNotExist(err) {
			return []Record{}, nil
		}
		return nil, err
	}
	defer file.Close()
	return ReadRecords(file)
}

// ListBuffers returns the targets that have a saved buffer, sorted.
func ListBuffers(dataDir, user, network string) ([]string, error) {
	entries, err := os.ReadDir(BufferDir(dataDir, user, network))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	var targets []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, bufferExt) {
			continue
		}
		target, err := url.PathUnescape(strings.TrimSuffix(name, bufferExt))
		if err != nil {
			continue
		}
		targets = append(targets, target)
	}
	sort.Strings(targets)
	return targets, nil
}
