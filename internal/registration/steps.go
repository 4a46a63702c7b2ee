package registration

import (
	"fmt"
	"slices"

	"github.com/gozle/accounts/internal/steptoken"
)

// Step names one stage of the registration chain. The value is stamped into
// the iss and aud claims of step tokens.
type Step string

const (
	StepAccountType     Step = "account_type"
	StepPhoneNumber     Step = "phone_number"
	StepParentEmail     Step = "parent_email"
	StepVerification    Step = "verification"
	StepProfileName     Step = "profile_name"
	StepProfileMetadata Step = "profile_metadata"
	StepEmail           Step = "email"
	StepPassword        Step = "password"
	StepRegistration    Step = "registration"
)

// Steps lists every step in dependency order.
var Steps = []Step{
	StepAccountType,
	StepPhoneNumber,
	StepParentEmail,
	StepVerification,
	StepProfileName,
	StepProfileMetadata,
	StepEmail,
	StepPassword,
	StepRegistration,
}

// Rule describes which tokens a step consumes and which steps may consume
// the token it produces.
type Rule struct {
	// Accepts lists the issuers a step takes tokens from. Empty marks the
	// entry point.
	Accepts []Step
	// Audience must be present in the incoming aud. Empty checks the issuer only.
	Audience Step
	// Emits lists the audiences the step may stamp. Empty marks the terminal step.
	Emits []Step
}

// Entry reports whether the step starts a chain.
func (r Rule) Entry() bool { return len(r.Accepts) == 0 }

// Terminal reports whether the step ends a chain.
func (r Rule) Terminal() bool { return len(r.Emits) == 0 }

// Chain is the registration transition table.
var Chain = map[Step]Rule{
	StepAccountType: {
		Emits: []Step{StepPhoneNumber, StepParentEmail},
	},
	StepPhoneNumber: {
		Accepts:  []Step{StepAccountType, StepParentEmail, StepProfileName},
		Audience: StepPhoneNumber,
		Emits:    []Step{StepVerification},
	},
	StepParentEmail: {
		Accepts:  []Step{StepAccountType, StepPhoneNumber},
		Audience: StepParentEmail,
		Emits:    []Step{StepVerification},
	},
	StepVerification: {
		Accepts:  []Step{StepPhoneNumber, StepParentEmail},
		Audience: StepVerification,
		Emits:    []Step{StepProfileName},
	},
	StepProfileName: {
		Accepts: []Step{StepVerification, StepProfileMetadata},
		Emits:   []Step{StepProfileMetadata, StepPhoneNumber},
	},
	StepProfileMetadata: {
		Accepts:  []Step{StepProfileName, StepEmail},
		Audience: StepProfileMetadata,
		Emits:    []Step{StepEmail},
	},
	StepEmail: {
		Accepts:  []Step{StepProfileMetadata, StepPassword},
		Audience: StepEmail,
		Emits:    []Step{StepPassword},
	},
	StepPassword: {
		Accepts:  []Step{StepEmail, StepRegistration},
		Audience: StepPassword,
		Emits:    []Step{StepRegistration},
	},
	StepRegistration: {
		Accepts:  []Step{StepPassword},
		Audience: StepRegistration,
	},
}

// ValidateTopology checks that every step referenced by rules is itself
// defined and that the table has exactly one entry point and one terminal.
func ValidateTopology(rules map[Step]Rule) error {
	var entries, terminals int
	for step, rule := range rules {
		if !slices.Contains(Steps, step) {
			return fmt.Errorf("unknown step %q", step)
		}
		if rule.Entry() {
			entries++
		}
		if rule.Terminal() {
			terminals++
		}
		for _, ref := range append(append(slices.Clone(rule.Accepts), rule.Emits...), rule.Audience) {
			if ref == "" {
				continue
			}
			if _, ok := rules[ref]; !ok {
				return fmt.Errorf("step %q references undefined step %q", step, ref)
			}
		}
		if rule.Audience != "" && rule.Audience != step {
			return fmt.Errorf("step %q requires foreign audience %q", step, rule.Audience)
		}
		for _, next := range rule.Emits {
			if !slices.Contains(rules[next].Accepts, step) {
				return fmt.Errorf("step %q emits %q which does not accept it", step, next)
			}
		}
	}
	if entries != 1 || terminals != 1 {
		return fmt.Errorf("chain needs one entry and one terminal step, got %d and %d", entries, terminals)
	}
	return nil
}

func stepNames(steps []Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = string(s)
	}
	return out
}

// advance stamps step as issuer and next as audience on a copy of claims.
func advance(rules map[Step]Rule, claims steptoken.Claims, step Step, next ...Step) (steptoken.Claims, error) {
	rule, ok := rules[step]
	if !ok {
		return steptoken.Claims{}, fmt.Errorf("unknown step %q", step)
	}
	for _, n := range next {
		if !slices.Contains(rule.Emits, n) {
			return steptoken.Claims{}, fmt.Errorf("step %q cannot hand over to %q", step, n)
		}
	}
	out := claims.With(steptoken.ClaimIssuer, string(step))
	switch len(next) {
	case 0:
		out = out.Without(steptoken.ClaimAudience)
	case 1:
		out = out.With(steptoken.ClaimAudience, string(next[0]))
	default:
		out = out.With(steptoken.ClaimAudience, stepNames(next))
	}
	return out, nil
}
