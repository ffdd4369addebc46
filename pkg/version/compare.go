// pkg/version/compare.go - ordering of application version strings.

package version

import (
	"regexp"
	"sort"
	"strings"

	goversion "github.com/hashicorp/go-version"
)

// Latest is the placeholder version used when the real version is only known
// after the installer has been downloaded.
const Latest = "Latest"

// Result is the outcome of comparing two version strings.
type Result int

const (
	Incomparable Result = iota
	Less
	Equal
	Greater
)

func (r Result) String() string {
	switch r {
	case Less:
		return "less"
	case Equal:
		return "equal"
	case Greater:
		return "greater"
	default:
		return "incomparable"
	}
}

var dottedNumeric = regexp.MustCompile(`^[0-9]+(\.[0-9]+)*$`)

// IsNumeric reports whether v is a plain dotted-numeric version like 1.2.3.
func IsNumeric(v string) bool {
	return dottedNumeric.MatchString(strings.TrimSpace(v))
}

// Compare orders a relative to b. Two dotted-numeric versions are compared
// component-wise with missing trailing components treated as zero. Anything
// else is only ever Equal (exact, case-sensitive match) or Incomparable.
func Compare(a, b string) Result {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)

	if IsNumeric(a) && IsNumeric(b) {
		va, errA := goversion.NewVersion(a)
		vb, errB := goversion.NewVersion(b)
		if errA == nil && errB == nil {
			switch va.Compare(vb) {
			case -1:
				return Less
			case 1:
				return Greater
			default:
				return Equal
			}
		}
	}

	if a == b {
		return Equal
	}
	return Incomparable
}

// IsNewer reports whether candidate is strictly greater than existing.
func IsNewer(candidate, existing string) bool {
	return Compare(candidate, existing) == Greater
}

// Sort orders versions ascending in place. Numeric versions come first in
// numeric order; non-numeric tokens keep their relative order at the end.
func Sort(versions []string) {
	sort.SliceStable(versions, func(i, j int) bool {
		ni, nj := IsNumeric(versions[i]), IsNumeric(versions[j])
		if ni != nj {
			return ni
		}
		return Compare(versions[i], versions[j]) == Less
	})
}

// Major returns the first component of a dotted version, or v unchanged when
// it has no dot.
func Major(v string) string {
	major, _, _ := strings.Cut(v, ".")
	return major
}

// Minor returns the second component of a dotted version, or "" when absent.
func Minor(v string) string {
	parts := strings.SplitN(v, ".", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// Compact strips the dots from a version, e.g. 25.01 becomes 2501.
func Compact(v string) string {
	return strings.ReplaceAll(v, ".", "")
}
