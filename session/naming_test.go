package session

import "testing"

func TestParsePurpose(t *testing.T) {
	goal, contact, brief := parsePurpose("goal:dentist:book a cleaning")
	if !goal || contact != "dentist" || brief != "book a cleaning" {
		t.Fatalf("unexpected parse: %v %q %q", goal, contact, brief)
	}

	goal, contact, brief = parsePurpose("goal: Alice : remind her about dinner")
	if !goal || contact != "Alice" || brief != "remind her about dinner" {
		t.Fatalf("unexpected parse: %v %q %q", goal, contact, brief)
	}

	for _, bad := range []string{"", "call someone", "goal:", "goal::text", "goal:nobrief"} {
		if goal, _, _ := parsePurpose(bad); goal {
			t.Fatalf("%q should not parse as a goal", bad)
		}
	}
}

func TestNormalizeNumber(t *testing.T) {
	cases := map[string]string{
		"+15550001111":   "5550001111",
		"(555) 000-1111": "5550001111",
		"15550001111":    "5550001111",
		"911":            "911",
	}
	for in, want := range cases {
		if got := normalizeNumber(in); got != want {
			t.Fatalf("normalizeNumber(%q) = %q, want %q", in, got, want)
		}
	}
	if normalizeNumber("+1 (555) 000-1111") != normalizeNumber("5550001111") {
		t.Fatalf("formatting variants should normalize equal")
	}
}

func TestSuffixName(t *testing.T) {
	taken := map[string]bool{"main": true, "main-2": true}
	got := suffixName("main", func(n string) bool { return taken[n] })
	if got != "main-3" {
		t.Fatalf("expected main-3, got %q", got)
	}

	got = suffixName("dentist", func(n string) bool { return false })
	if got != "dentist" {
		t.Fatalf("free base name should pass through, got %q", got)
	}
}

func TestSimilarity(t *testing.T) {
	if s := similarity("dentist", "dentist"); s != 1 {
		t.Fatalf("identical labels should score 1, got %f", s)
	}
	if s := similarity("dentist", "Dentist Office"); s < similarityThreshold {
		t.Fatalf("near labels should pass threshold, got %f", s)
	}
	if s := similarity("dentist", "plumber"); s >= similarityThreshold {
		t.Fatalf("unrelated labels should fail threshold, got %f", s)
	}
	if s := similarity("", "dentist"); s != 0 {
		t.Fatalf("empty label should score 0, got %f", s)
	}
}

func TestFingerprintAndTrigrams(t *testing.T) {
	a := fingerprint("Dentist Office")
	b := fingerprint("dentistoffice")
	if a != b {
		t.Fatalf("fingerprint should ignore case and separators: %q vs %q", a, b)
	}
	if !sharesTrigram(fingerprint("dentist"), fingerprint("dentist office")) {
		t.Fatalf("overlapping labels should share a trigram")
	}
	if sharesTrigram(fingerprint("dentist"), fingerprint("plumber")) {
		t.Fatalf("disjoint labels should not share a trigram")
	}
	if !sharesTrigram("ab", fingerprint("dentist")) {
		t.Fatalf("short fingerprints always pass the prefilter")
	}
}
