// Package preconfig implements the frozen environment/locale/allocator
// snapshot described in spec.md §3 ("preconfig: frozen snapshot ... read-only
// after core_initialized") and §6's environment-variable contract. It is a
// boundary-only component per spec.md §1: encoding/locale decision logic
// itself is out of scope, only the frozen result the runtime consults.
// Grounded on original_source/Python/preconfig.c's precedence rules between
// isolated, use_environment (IGNOREENV), and the individual overrides.
package preconfig

import "fmt"

// CoerceCLocale selects the C-locale coercion policy, matching
// preconfig.c's three-valued coerce_c_locale/coerce_c_locale_warn pair.
type CoerceCLocale int

const (
	CoerceCLocaleOff CoerceCLocale = iota
	CoerceCLocaleOn
	CoerceCLocaleWarn
)

// Malloc selects the allocator variant, per spec.md §6's MALLOC variable.
type Malloc string

const (
	MallocDefault Malloc = "default"
	MallocMalloc  Malloc = "malloc"
	MallocDebug   Malloc = "malloc_debug"
)

// PreConfig is the frozen snapshot. Once returned by Read, it must not be
// mutated; callers that need a different configuration call Read again
// (there is no in-place re-read, mirroring preconfig.c's "set once" model
// and spec.md's "frozen ... never re-read").
type PreConfig struct {
	// Isolated disables environment-variable and site-specific path
	// consultation, and implies UseEnvironment=false unless later
	// overridden explicitly (ISOLATED).
	Isolated bool
	// UseEnvironment gates whether any of the variables below (other than
	// Isolated itself) are consulted at all (!IGNOREENV).
	UseEnvironment bool
	// DevMode enables extra runtime checks (DEVMODE).
	DevMode bool
	// UTF8Mode overrides the text encoding to UTF-8 regardless of locale
	// (UTF8). Tri-state: nil means "not overridden, decide from locale" —
	// represented here as a pointer since the zero value false is a valid
	// explicit override.
	UTF8Mode *bool
	// CoerceCLocale selects whether a "C" or "POSIX" locale is coerced to
	// a UTF-8-capable one, and whether to warn when doing so
	// (COERCECLOCALE: "0", "1", or "warn").
	CoerceCLocale CoerceCLocale
	// LegacyWindowsFSEncoding is Windows-specific
	// (LEGACYWINDOWSFSENCODING); always false on non-Windows.
	LegacyWindowsFSEncoding bool
	// Malloc selects the allocator variant (MALLOC).
	Malloc Malloc
	// HashSeedEnv names the environment variable randseed.Process should
	// read (conventionally "HASHSEED"); carried here so a single Read call
	// freezes every env-derived decision at once, per spec.md §3.
	HashSeedEnv string
}

// Getenv abstracts environment lookup, matching randseed.Getenv's shape so
// tests can share a fake environment across both packages.
type Getenv func(key string) (string, bool)

// Read parses the pre-config environment variables into a frozen
// PreConfig, applying preconfig.c's precedence: ISOLATED, when true, forces
// UseEnvironment false unless the caller's own embedding-API override (not
// modeled here; external) re-enables it; IGNOREENV does the same
// independently; when UseEnvironment is false none of the remaining
// variables are consulted and their defaults stand.
func Read(getenv Getenv) (PreConfig, error) {
	pc := PreConfig{
		UseEnvironment: true,
		Malloc:         MallocDefault,
		HashSeedEnv:    "HASHSEED",
	}

	if v, ok := getenv("ISOLATED"); ok && isTruthy(v) {
		pc.Isolated = true
		pc.UseEnvironment = false
	}
	if v, ok := getenv("IGNOREENV"); ok && isTruthy(v) {
		pc.UseEnvironment = false
	}

	if !pc.UseEnvironment {
		return pc, nil
	}

	if v, ok := getenv("DEVMODE"); ok {
		pc.DevMode = isTruthy(v)
	}

	if v, ok := getenv("MALLOC"); ok && v != "" {
		switch Malloc(v) {
		case MallocDefault, MallocMalloc, MallocDebug:
			pc.Malloc = Malloc(v)
		default:
			return PreConfig{}, fmt.Errorf("preconfig: invalid MALLOC value %q", v)
		}
	}

	if v, ok := getenv("UTF8"); ok && v != "" {
		b := isTruthy(v)
		pc.UTF8Mode = &b
	}

	if v, ok := getenv("COERCECLOCALE"); ok {
		switch v {
		case "0":
			pc.CoerceCLocale = CoerceCLocaleOff
		case "1":
			pc.CoerceCLocale = CoerceCLocaleOn
		case "warn":
			pc.CoerceCLocale = CoerceCLocaleWarn
		default:
			return PreConfig{}, fmt.Errorf("preconfig: invalid COERCECLOCALE value %q", v)
		}
	}

	if v, ok := getenv("LEGACYWINDOWSFSENCODING"); ok {
		pc.LegacyWindowsFSEncoding = isTruthy(v)
	}

	return pc, nil
}

func isTruthy(v string) bool {
	return v != "" && v != "0"
}
