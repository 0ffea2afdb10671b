package runner

import (
	"testing"
)

func TestParseStepMarkers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		line        string
		wantPercent int
		wantStep    string
	}{
		{
			name:        "first step of default total",
			line:        "STEP 1: Uploading documents",
			wantPercent: 0,
			wantStep:    "Uploading documents",
		},
		{
			name:        "mid step of default total",
			line:        "STEP 3: Extracting fields",
			wantPercent: 50,
			wantStep:    "Extracting fields",
		},
		{
			name:        "explicit total overrides default",
			line:        "STEP 4/7: Building prompt",
			wantPercent: 42,
			wantStep:    "Building prompt",
		},
		{
			name:        "trailing whitespace tolerated",
			line:        "  STEP 2: Parsing  ",
			wantPercent: 25,
			wantStep:    "Parsing",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := NewParser(DefaultTotalSteps)
			got := p.Parse(tt.line)
			if !got.Progress {
				t.Fatal("Progress = false, want true")
			}
			if got.Percent != tt.wantPercent {
				t.Errorf("Percent = %d, want %d", got.Percent, tt.wantPercent)
			}
			if got.Step != tt.wantStep {
				t.Errorf("Step = %q, want %q", got.Step, tt.wantStep)
			}
		})
	}
}

func TestParseProgressMarker(t *testing.T) {
	t.Parallel()
	p := NewParser(0)

	got := p.Parse("PROGRESS: 37%")
	if !got.Progress || got.Percent != 37 {
		t.Errorf("Parse() = %+v, want progress at 37", got)
	}

	// Over 100 is clamped.
	got = p.Parse("PROGRESS: 250%")
	if got.Percent != 100 {
		t.Errorf("Percent = %d, want clamp to 100", got.Percent)
	}
}

func TestParsePercentMonotonic(t *testing.T) {
	t.Parallel()
	p := NewParser(4)

	p.Parse("PROGRESS: 60%")
	got := p.Parse("STEP 2: Parsing") // would be 25%

	if got.Percent != 60 {
		t.Errorf("Percent = %d, want 60 (never regresses)", got.Percent)
	}
}

func TestParseRecordMarker(t *testing.T) {
	t.Parallel()
	p := NewParser(4)

	got := p.Parse("RECORD 3 processed: invoice-003")
	if !got.Progress || got.Records != 3 {
		t.Errorf("Parse() = %+v, want records 3", got)
	}

	// Counter only climbs.
	got = p.Parse("RECORD 2 retried")
	if got.Records != 3 {
		t.Errorf("Records = %d, want 3", got.Records)
	}

	// The in-stream counter is not the final result count.
	if p.RecordCount() != RecordCountUnknown {
		t.Errorf("RecordCount() = %d, want unknown", p.RecordCount())
	}
}

func TestParseTextRecordCount(t *testing.T) {
	t.Parallel()
	p := NewParser(4)

	got := p.Parse("Successfully extracted 12 records from 3 documents")
	if got.Progress {
		t.Error("text record count should not be a progress event")
	}
	if p.RecordCount() != 12 {
		t.Errorf("RecordCount() = %d, want 12", p.RecordCount())
	}
}

func TestParseJSONSummary(t *testing.T) {
	t.Parallel()
	p := NewParser(4)

	p.Parse("Successfully extracted 5 records")
	p.Parse(`{"success": true, "record_count": 9, "processing_time": 4.2}`)

	if string(p.Summary()) != `{"success": true, "record_count": 9, "processing_time": 4.2}` {
		t.Errorf("Summary() = %s", p.Summary())
	}
	// JSON summary wins over the text fallback.
	if p.RecordCount() != 9 {
		t.Errorf("RecordCount() = %d, want 9", p.RecordCount())
	}
}

func TestParseSummaryFieldValidations(t *testing.T) {
	t.Parallel()
	p := NewParser(4)

	p.Parse(`{"success": true, "field_validations": [{"field":"a"},{"field":"b"}]}`)
	if p.RecordCount() != 2 {
		t.Errorf("RecordCount() = %d, want 2 from field_validations", p.RecordCount())
	}
}

func TestParseLastSummaryWins(t *testing.T) {
	t.Parallel()
	p := NewParser(4)

	p.Parse(`{"success": false, "record_count": 1}`)
	p.Parse(`{"success": true, "record_count": 7}`)
	if p.RecordCount() != 7 {
		t.Errorf("RecordCount() = %d, want 7", p.RecordCount())
	}
}

func TestParsePlainLogLine(t *testing.T) {
	t.Parallel()
	p := NewParser(4)

	got := p.Parse("connecting to model endpoint")
	if got.Progress {
		t.Error("plain line classified as progress")
	}
	if got.Percent != 0 || got.Step != "" || got.Records != 0 {
		t.Errorf("state mutated by plain line: %+v", got)
	}

	// Invalid JSON prefix stays a plain line.
	got = p.Parse("{not json")
	if got.Progress || p.Summary() != nil {
		t.Error("invalid JSON treated as summary")
	}
}
