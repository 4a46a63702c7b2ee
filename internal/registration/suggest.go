package registration

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	suggestionCount = 4
	// randomAttempts bounds each round of randomized suffix candidates.
	randomAttempts = 200
)

// EmailChecker reports whether an address is already registered.
type EmailChecker interface {
	ExistsByEmail(ctx context.Context, email string) (bool, error)
}

// Suggester derives available email local-parts from a person's name and
// birthday.
type Suggester struct {
	users  EmailChecker
	domain string
	intn   func(n int) int
}

// NewSuggester builds a suggester checking availability of local@domain.
func NewSuggester(users EmailChecker, domain string) *Suggester {
	return &Suggester{users: users, domain: domain, intn: rand.IntN}
}

// Suggest returns up to four distinct available local-parts. Deterministic
// candidates are tried first, then first name plus a random 1-99 suffix, then
// a random 100-9999 suffix. Fewer than four are returned only when both
// random rounds are exhausted.
func (s *Suggester) Suggest(ctx context.Context, first, last string, birthday time.Time) ([]string, error) {
	f, l := slug(first), slug(last)
	if f == "" {
		f = "user"
	}

	out := make([]string, 0, suggestionCount)
	seen := make(map[string]bool)
	try := func(candidate string) (bool, error) {
		if seen[candidate] {
			return false, nil
		}
		seen[candidate] = true
		taken, err := s.users.ExistsByEmail(ctx, candidate+"@"+s.domain)
		if err != nil {
			return false, err
		}
		if !taken {
			out = append(out, candidate)
		}
		return len(out) == suggestionCount, nil
	}

	for _, candidate := range deterministicCandidates(f, l, birthday) {
		done, err := try(candidate)
		if err != nil || done {
			return out, err
		}
	}

	rounds := []struct{ min, max int }{{1, 99}, {100, 9999}}
	for _, r := range rounds {
		for i := 0; i < randomAttempts; i++ {
			done, err := try(fmt.Sprintf("%s%d", f, r.min+s.intn(r.max-r.min+1)))
			if err != nil || done {
				return out, err
			}
		}
	}
	return out, nil
}

func deterministicCandidates(f, l string, birthday time.Time) []string {
	var (
		yyyy = ""
		yy   = ""
		mmdd = ""
	)
	if !birthday.IsZero() {
		yyyy = birthday.Format("2006")
		yy = birthday.Format("06")
		mmdd = birthday.Format("0102")
	}
	fi := string([]rune(f)[:1])

	var out []string
	if l != "" {
		li := string([]rune(l)[:1])
		out = append(out, f+"."+l, f+l)
		if yyyy != "" {
			out = append(out, f+"."+l+yyyy, f+yyyy)
		}
		out = append(out, fi+"."+l, f+"."+li, l+"."+f, f+"_"+l)
		if yy != "" {
			out = append(out, f+"."+l+yy, f+mmdd)
		}
		return out
	}
	out = append(out, f)
	if yyyy != "" {
		out = append(out, f+yyyy, f+"."+yyyy, f+yy, f+mmdd)
	}
	return out
}

// slug folds s to lowercase ASCII letters and digits, dropping diacritics.
func slug(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	for _, r := range strings.ToLower(folded) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
