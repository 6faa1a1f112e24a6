package interception

import "strings"

// Matcher decides whether a site name is selected. Site names are qualified
// Go names such as "net/http.Handler" or "example.com/app/jobs.Pool".
type Matcher func(name string) bool

func NameStartsWith(prefix string) Matcher {
	return func(name string) bool { return strings.HasPrefix(name, prefix) }
}

func Named(want string) Matcher {
	return func(name string) bool { return name == want }
}

func Any() Matcher  { return func(string) bool { return true } }
func None() Matcher { return func(string) bool { return false } }

func Not(m Matcher) Matcher {
	return func(name string) bool { return !m.Matches(name) }
}

func (m Matcher) Or(other Matcher) Matcher {
	return func(name string) bool { return m.Matches(name) || other.Matches(name) }
}

func (m Matcher) And(other Matcher) Matcher {
	return func(name string) bool { return m.Matches(name) && other.Matches(name) }
}

// Matches reports whether name is selected. A nil matcher selects nothing.
func (m Matcher) Matches(name string) bool {
	return m != nil && m(name)
}

// ModulePath is the import path prefix of this module's own packages.
const ModulePath = "github.com/joaopenteado/handoff/"

// IgnoreMatcher returns the default ignore policy OR'd with custom, which
// may be nil.
func IgnoreMatcher(custom Matcher) Matcher {
	excluded :=
		// runtime internals and low-level standard packages
		NameStartsWith("runtime").
			Or(NameStartsWith("internal/")).
			Or(NameStartsWith("syscall")).
			Or(NameStartsWith("reflect")).
			Or(NameStartsWith("unsafe")).
			Or(NameStartsWith("testing")).

			// third party libraries
			Or(NameStartsWith("github.com/stretchr/testify/")).
			Or(NameStartsWith("go.opentelemetry.io/")).
			Or(NameStartsWith("github.com/rs/zerolog")).

			// the instrumentation itself, except the application handlers and
			// integration fixtures living next to it
			Or(NameStartsWith(ModulePath + "internal/").
				And(Not(NameStartsWith(ModulePath + "internal/handler"))).
				And(Not(NameStartsWith(ModulePath + "internal/integtest"))))

	if custom == nil {
		return excluded
	}
	return excluded.Or(custom)
}
