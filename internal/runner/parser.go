package runner

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// DefaultTotalSteps matches the phase count of the stock extraction worker.
const DefaultTotalSteps = 4

// Worker output marker grammar. Markers are matched per line on stdout:
//
//	STEP <n>: <label>        phase transition (n of the configured total)
//	STEP <n>/<m>: <label>    phase transition with explicit total
//	PROGRESS: <pct>%         explicit percentage
//	RECORD <k> ...           records-processed counter
//	Successfully extracted <n> ...   trailing record count (text fallback)
//	{"success": ...}         trailing JSON result summary (preferred)
//
// Anything else is a plain log line.
var (
	stepRe      = regexp.MustCompile(`^STEP (\d+)(?:/(\d+))?:\s*(.+)$`)
	progressRe  = regexp.MustCompile(`^PROGRESS:\s*(\d{1,3})%\s*$`)
	recordRe    = regexp.MustCompile(`^RECORD (\d+)\b`)
	extractedRe = regexp.MustCompile(`(?i)successfully extracted (\d+)`)
)

// RecordCountUnknown is the sentinel when no count marker was seen.
const RecordCountUnknown = -1

// Line is the classification of one worker output line.
type Line struct {
	Progress bool   // percent or step changed
	Percent  int    // current percentage, monotonic
	Step     string // current step label
	Records  int    // current records-processed counter
}

// Parser recognizes progress markers in worker stdout. It tracks the
// current percentage (monotonic), step label, records counter, and the
// trailing JSON summary when the worker emits one.
type Parser struct {
	totalSteps int
	percent    int
	step       string
	records    int

	summary        json.RawMessage
	summaryRecords int
	hasSummary     bool
	textRecords    int
	hasTextCount   bool
}

// NewParser creates a parser expecting totalSteps phases.
// totalSteps <= 0 uses DefaultTotalSteps.
func NewParser(totalSteps int) *Parser {
	if totalSteps <= 0 {
		totalSteps = DefaultTotalSteps
	}
	return &Parser{totalSteps: totalSteps}
}

// Parse classifies one stdout line and updates parser state.
func (p *Parser) Parse(line string) Line {
	trimmed := strings.TrimSpace(line)

	switch {
	case stepRe.MatchString(trimmed):
		m := stepRe.FindStringSubmatch(trimmed)
		n, _ := strconv.Atoi(m[1])
		total := p.totalSteps
		if m[2] != "" {
			if t, err := strconv.Atoi(m[2]); err == nil && t > 0 {
				total = t
			}
		}
		// Entering step n of m means n-1 phases are behind us.
		p.bumpPercent((n - 1) * 100 / total)
		p.step = m[3]
		return p.state(true)

	case progressRe.MatchString(trimmed):
		m := progressRe.FindStringSubmatch(trimmed)
		pct, _ := strconv.Atoi(m[1])
		p.bumpPercent(pct)
		return p.state(true)

	case recordRe.MatchString(trimmed):
		m := recordRe.FindStringSubmatch(trimmed)
		if n, err := strconv.Atoi(m[1]); err == nil && n > p.records {
			p.records = n
		}
		return p.state(true)

	case strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)):
		p.setSummary(json.RawMessage(trimmed))
		return p.state(false)

	case extractedRe.MatchString(trimmed):
		m := extractedRe.FindStringSubmatch(trimmed)
		if n, err := strconv.Atoi(m[1]); err == nil {
			p.textRecords = n
			p.hasTextCount = true
		}
		return p.state(false)
	}

	return p.state(false)
}

func (p *Parser) bumpPercent(pct int) {
	if pct > 100 {
		pct = 100
	}
	if pct > p.percent {
		p.percent = pct
	}
}

func (p *Parser) state(progress bool) Line {
	return Line{
		Progress: progress,
		Percent:  p.percent,
		Step:     p.step,
		Records:  p.records,
	}
}

// setSummary keeps the last valid JSON object line as the result summary and
// pulls a record count out of it when present.
func (p *Parser) setSummary(raw json.RawMessage) {
	p.summary = raw
	p.hasSummary = false

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return
	}
	if rc, ok := decoded["record_count"]; ok {
		var n int
		if err := json.Unmarshal(rc, &n); err == nil {
			p.summaryRecords = n
			p.hasSummary = true
			return
		}
	}
	if fv, ok := decoded["field_validations"]; ok {
		var arr []json.RawMessage
		if err := json.Unmarshal(fv, &arr); err == nil {
			p.summaryRecords = len(arr)
			p.hasSummary = true
		}
	}
}

// Summary returns the trailing JSON summary line, or nil.
func (p *Parser) Summary() json.RawMessage {
	return p.summary
}

// RecordCount resolves the final record count: the JSON summary wins, the
// free-text pattern is the fallback, RecordCountUnknown when neither was
// seen. The in-stream RECORD counter is progress metadata, not a result.
func (p *Parser) RecordCount() int {
	switch {
	case p.hasSummary:
		return p.summaryRecords
	case p.hasTextCount:
		return p.textRecords
	default:
		return RecordCountUnknown
	}
}
