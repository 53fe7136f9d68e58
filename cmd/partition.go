package cmd

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Partition type constants matching the export's type= markers
const (
	PartitionDecisions      = "decisions"
	PartitionEvents         = "events"
	PartitionDecisionsRerun = "decisions-rerun"
)

var ErrPrefixTypeMismatch = errors.New("prefix does not end with a type marker matching the requested partition type")

// successMarker is the zero-byte sentinel the exporter writes once a day's
// partition is fully exported.
const successMarker = "_SUCCESS"

func isValidPartitionType(t string) bool {
	switch t {
	case PartitionDecisions, PartitionEvents, PartitionDecisionsRerun:
		return true
	}
	return false
}

// normalizePrefix ensures a non-empty key prefix ends with a separator.
func normalizePrefix(prefix string) string {
	if prefix == "" || strings.HasSuffix(prefix, "/") {
		return prefix
	}
	return prefix + "/"
}

// typeSuffix returns the key-space marker for a partition type.
func typeSuffix(partitionType string) string {
	return "type=" + partitionType + "/"
}

// validateTypedPrefix checks that a base prefix ends with a type marker
// compatible with the requested partition type. A mismatch is a configuration
// contract violation the caller must fix; it is never auto-repaired.
func validateTypedPrefix(prefix, partitionType string) error {
	switch partitionType {
	case PartitionEvents:
		if strings.HasSuffix(prefix, typeSuffix(PartitionEvents)) {
			return nil
		}
	case PartitionDecisions:
		// Rerun exports carry the same decision payloads, so either marker
		// satisfies a "decisions" request.
		if strings.HasSuffix(prefix, typeSuffix(PartitionDecisions)) ||
			strings.HasSuffix(prefix, typeSuffix(PartitionDecisionsRerun)) {
			return nil
		}
	case PartitionDecisionsRerun:
		if strings.HasSuffix(prefix, typeSuffix(PartitionDecisionsRerun)) {
			return nil
		}
	}
	return fmt.Errorf("%w: prefix '%s', type '%s'", ErrPrefixTypeMismatch, prefix, partitionType)
}

// datePartitionPrefix builds the date=YYYY-MM-DD/ sub-prefix for one day.
func datePartitionPrefix(basePrefix string, d time.Time) string {
	return normalizePrefix(basePrefix) + "date=" + d.Format("2006-01-02") + "/"
}

// dayFolderPrefix builds the YYYY/MM/DD/ sub-prefix used by day-folder
// export layouts.
func dayFolderPrefix(basePrefix string, d time.Time) string {
	return normalizePrefix(basePrefix) + d.Format("2006/01/02") + "/"
}

// datesBetween returns every calendar day from start to end inclusive, in
// ascending order.
func datesBetween(start, end time.Time) []time.Time {
	var dates []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d)
	}
	return dates
}

// accountBaseRegex matches the v1/account_id=<N>/ segment of an export key.
var accountBaseRegex = regexp.MustCompile(`^(v1/account_id=\d+/)`)

// accountBasePrefix determines the account-level base prefix, preferring the
// key prefix discovered via the credential exchange over an explicitly
// configured account ID.
func accountBasePrefix(hintKey, accountID string) (string, error) {
	if hintKey != "" {
		if m := accountBaseRegex.FindString(normalizePrefix(hintKey)); m != "" {
			return m, nil
		}
	}
	if accountID != "" {
		return fmt.Sprintf("v1/account_id=%s/", accountID), nil
	}
	return "", ErrAccountBaseRequired
}

// keyDateRegex finds 8-digit date-like substrings in object keys, tolerating
// '-', '_' and '/' separators. Digit boundaries are enforced by hand below
// since Go's regexp has no lookaround.
var keyDateRegex = regexp.MustCompile(`(20\d{2})[-/_]?([01]\d)[-/_]?([0-3]\d)`)

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// keyDateInRange reports whether any date embedded in the key falls within
// [start, end]. Deliberately permissive: with an unknown partition layout it
// is better to include a stray file than to miss a relevant one.
func keyDateInRange(key string, start, end time.Time) bool {
	for _, m := range keyDateRegex.FindAllStringSubmatchIndex(key, -1) {
		// Reject matches embedded in longer digit runs (e.g. object IDs).
		if m[0] > 0 && isDigit(key[m[0]-1]) {
			continue
		}
		if m[1] < len(key) && isDigit(key[m[1]]) {
			continue
		}
		y := key[m[2]:m[3]]
		mo := key[m[4]:m[5]]
		d := key[m[6]:m[7]]
		found, err := time.Parse("20060102", y+mo+d)
		if err != nil {
			continue
		}
		if !found.Before(start) && !found.After(end) {
			return true
		}
	}
	return false
}
