// Package schedule holds the static plan/limit table consulted by the
// admission engine. A Schedule is built once at startup and never mutated.
package schedule

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Limits is the pair of quotas that apply to one (plan, action).
// A zero limit leaves that window unenforced.
type Limits struct {
	Short int64 `json:"short" yaml:"short"`
	Long  int64 `json:"long" yaml:"long"`
}

func (l Limits) valid() error {
	if l.Short < 0 || l.Long < 0 {
		return errors.New("limits cannot be negative")
	}
	if l.Short == 0 && l.Long == 0 {
		return errors.New("at least one of short/long must be > 0")
	}
	return nil
}

// Schedule maps plan -> action -> Limits.
type Schedule struct {
	plans       map[string]map[string]Limits
	defaultPlan string
	problems    []string
}

var (
	ErrUnknownDefaultPlan  = errors.New("default plan is not defined in the schedule")
	ErrDefaultPlanTooLoose = errors.New("default plan is not the most restrictive tier")
)

// New copies plans into an immutable Schedule. Malformed entries are dropped
// (their action becomes unlimited for that plan) and reported by Problems.
//
// defaultPlan is what unknown plan names resolve to, so it must be the most
// restrictive tier: New fails with ErrDefaultPlanTooLoose if any other plan
// limits an action more tightly than defaultPlan does. An action the default
// plan leaves out while another plan limits it is reported by Problems.
func New(defaultPlan string, plans map[string]map[string]Limits) (*Schedule, error) {
	defaultPlan = normalize(defaultPlan)
	s := &Schedule{
		plans:       make(map[string]map[string]Limits, len(plans)),
		defaultPlan: defaultPlan,
	}
	for plan, actions := range plans {
		p := normalize(plan)
		if p == "" {
			s.problems = append(s.problems, "empty plan name ignored")
			continue
		}
		m := make(map[string]Limits, len(actions))
		for action, lim := range actions {
			// Actions are a segment of the flattened bucket key.
			if action == "" || strings.ContainsRune(action, ':') {
				s.problems = append(s.problems, fmt.Sprintf("plans.%s: action name %q must be non-empty and contain no ':'", p, action))
				continue
			}
			if err := lim.valid(); err != nil {
				s.problems = append(s.problems, fmt.Sprintf("plans.%s.%s: %v", p, action, err))
				continue
			}
			m[action] = lim
		}
		s.plans[p] = m
	}
	if _, ok := s.plans[defaultPlan]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDefaultPlan, defaultPlan)
	}
	if err := s.checkDefaultRestrictive(); err != nil {
		return nil, err
	}
	sort.Strings(s.problems)
	return s, nil
}

func (s *Schedule) checkDefaultRestrictive() error {
	def := s.plans[s.defaultPlan]
	for plan, actions := range s.plans {
		if plan == s.defaultPlan {
			continue
		}
		for action, lim := range actions {
			d, ok := def[action]
			if !ok {
				s.problems = append(s.problems, fmt.Sprintf(
					"plans.%s.%s: limited for %q but unlimited for unknown plans", s.defaultPlan, action, plan))
				continue
			}
			if looser(d.Short, lim.Short) || looser(d.Long, lim.Long) {
				return fmt.Errorf("%w: plans.%s.%s %+v is looser than plans.%s.%s %+v",
					ErrDefaultPlanTooLoose, s.defaultPlan, action, d, plan, action, lim)
			}
		}
	}
	return nil
}

// looser reports whether def admits more than other in one window; zero
// means unenforced.
func looser(def, other int64) bool {
	if other == 0 {
		return false
	}
	return def == 0 || def > other
}

// Resolve maps a caller-supplied plan name to a plan present in the schedule.
// Unknown or empty names fall to the default plan instead of being rejected.
func (s *Schedule) Resolve(plan string) string {
	p := normalize(plan)
	if _, ok := s.plans[p]; ok {
		return p
	}
	return s.defaultPlan
}

// Lookup returns the limits for (plan, action). ok is false when the action
// has no entry for the resolved plan, which means unlimited.
func (s *Schedule) Lookup(plan, action string) (resolved string, lim Limits, ok bool) {
	resolved = s.Resolve(plan)
	lim, ok = s.plans[resolved][action]
	return resolved, lim, ok
}

func (s *Schedule) DefaultPlan() string { return s.defaultPlan }

// Problems lists the entries dropped by New.
func (s *Schedule) Problems() []string {
	return append([]string(nil), s.problems...)
}

// Snapshot returns a deep copy for display.
func (s *Schedule) Snapshot() map[string]map[string]Limits {
	out := make(map[string]map[string]Limits, len(s.plans))
	for p, actions := range s.plans {
		m := make(map[string]Limits, len(actions))
		for a, l := range actions {
			m[a] = l
		}
		out[p] = m
	}
	return out
}

func normalize(plan string) string {
	return strings.ToLower(strings.TrimSpace(plan))
}
