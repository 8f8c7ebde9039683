package visit

import (
	"testing"
	"time"
)

func TestBranchCode(t *testing.T) {
	tests := map[string]string{
		"branch-1":          "BRANCH064E57",
		"accra_central":     "ACCRAC9D5D1C",
		"kumasi":            "KUMASI36E194",
		"  ":                "BR6C179F",
		"été-2":             "T2ECC1C6",
		"osu-east-clinic-9": "OSUEAS056D2C",
	}
	for in, want := range tests {
		if got := BranchCode(in); got != want {
			t.Errorf("BranchCode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBranchCode_SharedPrefixes(t *testing.T) {
	groups := [][]string{
		{"lagos-main-1", "lagos-main-2"},
		{"branch-1", "branch1", "BRANCH-1"},
		{"osu-east-clinic-9", "osu-east-clinic-10"},
	}
	for _, ids := range groups {
		seen := make(map[string]string)
		for _, id := range ids {
			code := BranchCode(id)
			if prev, dup := seen[code]; dup {
				t.Errorf("branches %q and %q share code %s", prev, id, code)
			}
			seen[code] = id
		}
	}
	if BranchCode("lagos-main-1") != BranchCode("lagos-main-1") {
		t.Error("expected the code to be stable for one branch")
	}
}

func TestFormatVisitNumber(t *testing.T) {
	day := time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC)
	if got := FormatVisitNumber("kumasi", day, 42); got != "VIS-2026-KUMASI36E194-0307-0042" {
		t.Errorf("unexpected visit number %s", got)
	}
	if got := FormatVisitNumber("kumasi", day, 12345); got != "VIS-2026-KUMASI36E194-0307-12345" {
		t.Errorf("expected wide sequences to be kept whole, got %s", got)
	}
}

func TestSequenceDay(t *testing.T) {
	zone := time.FixedZone("UTC+2", 2*60*60)
	got := SequenceDay(time.Date(2026, 10, 17, 1, 30, 0, 0, zone))
	want := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("expected %s, got %s", want, got)
	}
}
