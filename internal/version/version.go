// Package version holds build information and compares agent release
// versions.
package version

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Set at build time with -ldflags "-X .../version.Version=...".
var (
	Version = "dev"
	Commit  = "none"
)

// Sentinel is the manifest value meaning "skip this artifact this cycle".
const Sentinel = "0"

// IsSentinel reports whether v is empty or the skip sentinel.
func IsSentinel(v string) bool {
	v = strings.TrimSpace(v)
	return v == "" || v == Sentinel
}

// Compare returns -1, 0 or 1. Both sides are normalised to numeric release
// components plus an optional prerelease: components compare left to right
// with the shorter side padded with zeros, so "1.2" == "1.2.0" < "1.2.1" <
// "1.10.0", and on equal components a prerelease sorts before the release.
// Non-numeric components count as 0.
func Compare(a, b string) int {
	va, vb := parse(a), parse(b)
	n := max(len(va.nums), len(vb.nums))
	for i := 0; i < n; i++ {
		x, y := at(va.nums, i), at(vb.nums, i)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	switch {
	case va.pre == vb.pre:
		return 0
	case va.pre == "":
		return 1
	case vb.pre == "":
		return -1
	}
	return comparePrerelease(va.pre, vb.pre)
}

type parsed struct {
	nums []int
	pre  string
}

func parse(v string) parsed {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if sv, err := semver.NewVersion(v); err == nil {
		return parsed{nums: []int{int(sv.Major()), int(sv.Minor()), int(sv.Patch())}, pre: sv.Prerelease()}
	}
	// more than three components, or not semver at all
	v, _, _ = strings.Cut(v, "+")
	core, pre, _ := strings.Cut(v, "-")
	var p parsed
	for _, c := range strings.Split(core, ".") {
		n, err := strconv.Atoi(strings.TrimSpace(c))
		if err != nil {
			n = 0
		}
		p.nums = append(p.nums, n)
	}
	p.pre = pre
	return p
}

func at(nums []int, i int) int {
	if i >= len(nums) {
		return 0
	}
	return nums[i]
}

// comparePrerelease orders prerelease tags by semver precedence.
func comparePrerelease(a, b string) int {
	va, errA := semver.NewVersion("0.0.0-" + a)
	vb, errB := semver.NewVersion("0.0.0-" + b)
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}
	return va.Compare(vb)
}

// Less reports whether installed is older than available.
func Less(installed, available string) bool { return Compare(installed, available) < 0 }

var versionRe = regexp.MustCompile(`v?(\d+(?:\.\d+)+(?:-[0-9A-Za-z.-]+)?(?:\+[0-9A-Za-z.-]+)?)`)

// ParseProbeOutput extracts the first version-looking token from the output
// of `agent --version` (e.g. "bitowingman version 1.4.0" -> "1.4.0").
func ParseProbeOutput(out string) (string, bool) {
	m := versionRe.FindStringSubmatch(out)
	if m == nil {
		return "", false
	}
	return m[1], true
}
