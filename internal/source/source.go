// Package source parses credential lists that seed the account cache.
//
// Three formats are accepted: a CSV file with a fixed header, an inline list
// of tuples configured directly, and the "battle report" log format where
// only lines carrying the success marker are credential records.
package source

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/fletling/trainervault/internal/account"
)

// Record is one parsed source credential. Device identity fields may be
// empty; the importer fills them in from the device generator.
type Record struct {
	Username      string
	Password      string
	Provider      account.Provider
	Level         int16
	Model         string
	DeviceVersion string
	DeviceID      string
}

// Options control how incomplete records are filled in.
type Options struct {
	// DefaultPassword is used for arity-1 tuples and battle-report lines
	// without an explicit password.
	DefaultPassword string
	// DefaultProvider defaults to ptc when unset.
	DefaultProvider account.Provider
}

func (o Options) provider() account.Provider {
	if o.DefaultProvider == "" {
		return account.ProviderPTC
	}
	return o.DefaultProvider
}

// Stats reports how an import went. Malformed records are fatal for that
// record only; parsing always continues.
type Stats struct {
	OK     int
	Failed int
	Errors []error
}

func (s *Stats) fail(err error) {
	s.Failed++
	s.Errors = append(s.Errors, err)
}

// csvHeader is the required first line of a CSV credential file.
var csvHeader = []string{"username", "password", "provider", "model", "device_version", "device_id"}

// successMarker prefixes battle-report lines that carry a usable credential.
const successMarker = "[SUCCESS]"

// LoadFile reads a credential file, sniffing the format from its first
// non-empty line: battle-report logs carry the success marker, everything
// else is treated as CSV.
func LoadFile(path string, opts Options) ([]Record, Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("open accounts file: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	peek, _ := br.Peek(4096)
	if isBattleReport(peek) {
		recs, stats := ParseBattleReport(br, opts)
		return recs, stats, nil
	}
	recs, stats, err := ParseCSV(br, opts)
	return recs, stats, err
}

func isBattleReport(head []byte) bool {
	for _, line := range strings.Split(string(head), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		return strings.Contains(line, successMarker)
	}
	return false
}

// ParseCSV reads the fixed-header CSV credential format.
func ParseCSV(r io.Reader, opts Options) ([]Record, Stats, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1 // arity is validated per row for better errors
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, Stats{}, fmt.Errorf("read csv header: %w", err)
	}
	if !headerMatches(header) {
		return nil, Stats{}, fmt.Errorf("unexpected csv header %v, want %v", header, csvHeader)
	}

	var (
		recs  []Record
		stats Stats
	)
	line := 1
	for {
		row, err := cr.Read()
		line++
		if err == io.EOF {
			break
		}
		if err != nil {
			stats.fail(&account.MalformedRecordError{Line: line, Raw: "", Reason: err.Error()})
			continue
		}
		rec, perr := recordFromCSVRow(row, line)
		if perr != nil {
			stats.fail(perr)
			continue
		}
		recs = append(recs, rec)
		stats.OK++
	}
	return recs, stats, nil
}

func headerMatches(header []string) bool {
	if len(header) != len(csvHeader) {
		return false
	}
	for i, col := range header {
		if strings.TrimSpace(strings.ToLower(col)) != csvHeader[i] {
			return false
		}
	}
	return true
}

func recordFromCSVRow(row []string, line int) (Record, error) {
	if len(row) != len(csvHeader) {
		return Record{}, &account.MalformedRecordError{
			Line:   line,
			Raw:    strings.Join(row, ","),
			Reason: fmt.Sprintf("want %d columns, got %d", len(csvHeader), len(row)),
		}
	}
	rec := Record{
		Username:      strings.TrimSpace(row[0]),
		Password:      row[1],
		Provider:      account.Provider(strings.ToLower(strings.TrimSpace(row[2]))),
		Level:         1,
		Model:         strings.TrimSpace(row[3]),
		DeviceVersion: strings.TrimSpace(row[4]),
		DeviceID:      strings.TrimSpace(row[5]),
	}
	if rec.Username == "" || rec.Password == "" {
		return Record{}, &account.MalformedRecordError{
			Line: line, Raw: strings.Join(row, ","), Reason: "username and password required",
		}
	}
	if rec.Provider != account.ProviderPTC && rec.Provider != account.ProviderGoogle {
		return Record{}, &account.MalformedRecordError{
			Line: line, Raw: strings.Join(row, ","), Reason: fmt.Sprintf("unknown provider %q", rec.Provider),
		}
	}
	return rec, nil
}

// ParseInline validates configured tuples. Valid arities are 1 (username),
// 3 (username, password, provider), 4 (plus level) and 6 (plus full device
// identity, without level).
func ParseInline(tuples [][]string, opts Options) ([]Record, Stats) {
	var (
		recs  []Record
		stats Stats
	)
	for i, tup := range tuples {
		rec, err := recordFromTuple(tup, i+1, opts)
		if err != nil {
			stats.fail(err)
			continue
		}
		recs = append(recs, rec)
		stats.OK++
	}
	return recs, stats
}

func recordFromTuple(tup []string, line int, opts Options) (Record, error) {
	raw := strings.Join(tup, ",")
	rec := Record{Provider: opts.provider(), Level: 1}

	switch len(tup) {
	case 1:
		if opts.DefaultPassword == "" {
			return Record{}, &account.MalformedRecordError{
				Line: line, Raw: raw, Reason: "bare username requires accounts.default_password",
			}
		}
		rec.Username = tup[0]
		rec.Password = opts.DefaultPassword
	case 3:
		rec.Username, rec.Password = tup[0], tup[1]
		rec.Provider = account.Provider(strings.ToLower(tup[2]))
	case 4:
		rec.Username, rec.Password = tup[0], tup[1]
		rec.Provider = account.Provider(strings.ToLower(tup[2]))
		lvl, err := strconv.ParseInt(strings.TrimSpace(tup[3]), 10, 16)
		if err != nil || lvl < 1 {
			return Record{}, &account.MalformedRecordError{
				Line: line, Raw: raw, Reason: fmt.Sprintf("bad level %q", tup[3]),
			}
		}
		rec.Level = int16(lvl)
	case 6:
		rec.Username, rec.Password = tup[0], tup[1]
		rec.Provider = account.Provider(strings.ToLower(tup[2]))
		rec.Model, rec.DeviceVersion, rec.DeviceID = tup[3], tup[4], tup[5]
	default:
		return Record{}, &account.MalformedRecordError{
			Line: line, Raw: raw, Reason: fmt.Sprintf("tuple arity %d not in {1,3,4,6}", len(tup)),
		}
	}

	if rec.Username == "" || rec.Password == "" {
		return Record{}, &account.MalformedRecordError{
			Line: line, Raw: raw, Reason: "username and password required",
		}
	}
	if len(tup) >= 3 && rec.Provider != account.ProviderPTC && rec.Provider != account.ProviderGoogle {
		return Record{}, &account.MalformedRecordError{
			Line: line, Raw: raw, Reason: fmt.Sprintf("unknown provider %q", rec.Provider),
		}
	}
	return rec, nil
}

// ParseBattleReport extracts credentials from creation-tool logs. Only lines
// prefixed with the success marker are records ("[SUCCESS] user:pass");
// every other line is noise and skipped without being counted.
func ParseBattleReport(r io.Reader, opts Options) ([]Record, Stats) {
	var (
		recs  []Record
		stats Stats
	)
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(text, successMarker) {
			continue
		}
		body := strings.TrimSpace(strings.TrimPrefix(text, successMarker))
		user, pass, ok := strings.Cut(body, ":")
		if !ok || user == "" || pass == "" {
			stats.fail(&account.MalformedRecordError{
				Line: line, Raw: text, Reason: "success line is not user:pass",
			})
			continue
		}
		recs = append(recs, Record{
			Username: strings.TrimSpace(user),
			Password: pass,
			Provider: opts.provider(),
			Level:    1,
		})
		stats.OK++
	}
	return recs, stats
}

// Usernames returns the username set of recs, preserving order.
func Usernames(recs []Record) []string {
	names := make([]string, 0, len(recs))
	for _, r := range recs {
		names = append(names, r.Username)
	}
	return names
}
