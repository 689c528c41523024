// Package bundles implements the bundle registry and the local acquisition
// cache used by the job runtime.
package bundles

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/apphub-io/timestore/internal/apperr"
)

// bindingPrefix marks a job entry point as bundle-backed.
const bindingPrefix = "bundle:"

// Binding is a parsed bundle reference of the form
// bundle:<slug>@<version>[#export].
type Binding struct {
	Slug    string
	Version string
	Export  string
}

// String renders the binding back to its entry-point form.
func (b Binding) String() string {
	s := bindingPrefix + b.Slug + "@" + b.Version
	if b.Export != "" {
		s += "#" + b.Export
	}

	return s
}

// IsBinding reports whether an entry point references a bundle.
func IsBinding(entryPoint string) bool {
	return strings.HasPrefix(entryPoint, bindingPrefix)
}

// ParseBinding parses bundle:<slug>@<version>[#export]. The export fragment
// selects a named export inside the bundle; empty means the default export.
func ParseBinding(entryPoint string) (Binding, error) {
	if !IsBinding(entryPoint) {
		return Binding{}, apperr.Newf(apperr.KindValidation,
			"entry point %q is not a bundle binding", entryPoint)
	}

	rest := strings.TrimPrefix(entryPoint, bindingPrefix)

	var export string
	if hash := strings.Index(rest, "#"); hash >= 0 {
		export = rest[hash+1:]
		rest = rest[:hash]
	}

	at := strings.LastIndex(rest, "@")
	if at <= 0 || at == len(rest)-1 {
		return Binding{}, apperr.Newf(apperr.KindValidation,
			"bundle binding %q must be bundle:<slug>@<version>", entryPoint)
	}

	b := Binding{Slug: rest[:at], Version: rest[at+1:], Export: export}
	if strings.ContainsAny(b.Slug, " /") {
		return Binding{}, apperr.Newf(apperr.KindValidation,
			"bundle slug %q contains invalid characters", b.Slug)
	}

	return b, nil
}

// NextVersion bumps the patch component of a semver-like base version.
// "1.2.3" becomes "1.2.4"; a bare "2" becomes "2.0.1". A base that is not
// semver-like gets an -r1, -r2, ... revision suffix instead.
func NextVersion(base string) (string, error) {
	if base == "" {
		return "0.0.1", nil
	}

	if nums, ok := parseSemverLike(base); ok {
		nums[2]++

		return fmt.Sprintf("%d.%d.%d", nums[0], nums[1], nums[2]), nil
	}

	// Non-semver bases cycle through -rN revision suffixes.
	if dash := strings.LastIndex(base, "-r"); dash >= 0 {
		if n, err := strconv.Atoi(base[dash+2:]); err == nil && n > 0 {
			return fmt.Sprintf("%s-r%d", base[:dash], n+1), nil
		}
	}

	return base + "-r1", nil
}

func parseSemverLike(v string) ([3]int, bool) {
	var nums [3]int

	parts := strings.Split(v, ".")
	if len(parts) > 3 {
		return nums, false
	}

	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nums, false
		}

		nums[i] = n
	}

	return nums, true
}
