package config

import "testing"

func TestParseRate(t *testing.T) {
	cases := map[string]int64{
		"":      0,
		"1024":  1024,
		"1K":    1024,
		"1KB":   1024,
		"5M":    5 * 1024 * 1024,
		"1.5GB": int64(1.5 * 1024 * 1024 * 1024),
		"2G":    2 * 1024 * 1024 * 1024,
	}
	for input, want := range cases {
		got, err := ParseRate(input)
		if err != nil {
			t.Fatalf("ParseRate(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Errorf("ParseRate(%q) = %d, want %d", input, got, want)
		}
	}
}

func TestParseRate_RejectsUnknownSuffix(t *testing.T) {
	if _, err := ParseRate("5X"); err == nil {
		t.Fatal("expected error for unsupported suffix")
	}
}

func TestValidate_RejectsOutOfRangeSegments(t *testing.T) {
	cfg := Default()
	cfg.SegmentsPerDownload = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for zero segments")
	}

	cfg = Default()
	cfg.MaxConcurrent = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for zero max concurrent")
	}
}

func TestDefault_MatchesDocumentedDefaults(t *testing.T) {
	cfg := Default()
	if cfg.SegmentsPerDownload != 8 {
		t.Errorf("expected 8 segments per download, got %d", cfg.SegmentsPerDownload)
	}
	if cfg.MaxConcurrent != 5 {
		t.Errorf("expected 5 max concurrent downloads, got %d", cfg.MaxConcurrent)
	}
	if !cfg.CertStrict {
		t.Error("expected strict certificate mode by default")
	}
}
