package session

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/xiaot623/callgate/domain"
)

// goalPrefix marks a structured outbound-goal purpose string:
// "goal:<contact>:<brief>".
const goalPrefix = "goal:"

// parsePurpose detects an outbound-goal purpose and extracts the target
// contact label and briefing text.
func parsePurpose(purpose string) (goal bool, contact, brief string) {
	if !strings.HasPrefix(purpose, goalPrefix) {
		return false, "", ""
	}
	rest := strings.TrimPrefix(purpose, goalPrefix)
	contact, brief, found := strings.Cut(rest, ":")
	contact = strings.TrimSpace(contact)
	if !found || contact == "" {
		return false, "", ""
	}
	return true, contact, strings.TrimSpace(brief)
}

// normalizeNumber reduces a phone number to its last ten digits for
// comparison. The store compares resumable sessions on the same suffix.
func normalizeNumber(number string) string {
	return domain.NormalizePhone(number)
}

// suffixName produces "main-2", "main-3", ... for additional owner sessions.
func suffixName(base string, taken func(string) bool) string {
	if !taken(base) {
		return base
	}
	for i := 2; ; i++ {
		name := fmt.Sprintf("%s-%d", base, i)
		if !taken(name) {
			return name
		}
	}
}

// fingerprint computes a crude semantic fingerprint of a session name: the
// sorted set of normalized trigrams. Good enough for later fuzzy lookup and
// cheap to compute; failures upstream never block session creation.
func fingerprint(name string) string {
	norm := normalizeLabel(name)
	if len(norm) < 3 {
		return norm
	}
	seen := map[string]bool{}
	var grams []string
	for i := 0; i+3 <= len(norm); i++ {
		g := norm[i : i+3]
		if !seen[g] {
			seen[g] = true
			grams = append(grams, g)
		}
	}
	sort.Strings(grams)
	return strings.Join(grams, " ")
}

func normalizeLabel(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// similarity returns 1 - normalized levenshtein distance between labels.
func similarity(a, b string) float64 {
	na, nb := normalizeLabel(a), normalizeLabel(b)
	if na == "" || nb == "" {
		return 0
	}
	dist := levenshtein.ComputeDistance(na, nb)
	max := len(na)
	if len(nb) > max {
		max = len(nb)
	}
	return 1 - float64(dist)/float64(max)
}

// similarityThreshold is the floor for the fuzzy name-lookup fallback.
const similarityThreshold = 0.6

// sharesTrigram reports whether two fingerprints have any trigram in common.
// Short fingerprints (under one trigram) always pass.
func sharesTrigram(a, b string) bool {
	if len(a) < 3 || len(b) < 3 {
		return true
	}
	bGrams := map[string]bool{}
	for _, g := range strings.Fields(b) {
		bGrams[g] = true
	}
	for _, g := range strings.Fields(a) {
		if bGrams[g] {
			return true
		}
	}
	return false
}
