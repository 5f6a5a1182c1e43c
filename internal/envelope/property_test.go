package envelope

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// buildRandomEnvelope always includes at least one required recipient.
func buildRandomEnvelope(roles []int, orders []int, sequential bool) (*Envelope, error) {
	inputs := make([]RecipientInput, 0, len(roles)+1)
	inputs = append(inputs, RecipientInput{Email: "anchor@example.com", Role: RoleSigner, Order: intPtr(0)})
	for i, r := range roles {
		role := []Role{RoleSigner, RoleApprover, RoleViewer}[r%3]
		order := 0
		if i < len(orders) {
			order = orders[i]
		}
		inputs = append(inputs, RecipientInput{Email: fmt.Sprintf("r%d@example.com", i), Role: role, Order: intPtr(order)})
	}
	settings := Settings{ExpirationDays: 1, SigningOrder: SigningParallel}
	if sequential {
		settings.SigningOrder = SigningSequential
	}
	env, err := New(NewParams{Name: "prop", Recipients: inputs, Settings: settings, Actor: "op", Now: t0})
	if err != nil {
		return nil, err
	}
	return env, env.Dispatch("op", t0)
}

func completedIffAllRequiredSigned(env *Envelope) bool {
	all := true
	for _, r := range env.Recipients {
		if r.Role.Required() && r.State != StateSigned {
			all = false
		}
	}
	return (env.Status == StatusCompleted) == all
}

func blockedByOrder(env *Envelope, id string) bool {
	r, ok := env.Recipient(id)
	if !ok || env.Settings.SigningOrder != SigningSequential {
		return false
	}
	for _, other := range env.Recipients {
		if other.Role.Required() && other.ID != id && other.Order < r.Order && other.State != StateSigned {
			return true
		}
	}
	return false
}

func TestEnvelopeInvariantsHoldUnderRandomOperations(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("status, ordering and audit chain invariants hold after every operation", prop.ForAll(
		func(roles []int, orders []int, sequential bool, ops []int) bool {
			env, err := buildRandomEnvelope(roles, orders, sequential)
			if err != nil {
				return false
			}
			now := t0
			for _, op := range ops {
				now = now.Add(time.Minute)
				if op >= 390 {
					now = now.Add(30 * time.Hour)
				}
				target := env.Recipients[(op/4)%len(env.Recipients)].ID
				before := env.Clone()

				switch op % 4 {
				case 0, 1:
					d := sign(target)
					if op%4 == 1 {
						d.Kind = DecisionDecline
					}
					blocked := blockedByOrder(env, target)
					_, err := env.Decide(d, now)
					if err == nil && blocked {
						return false
					}
					if err != nil && len(env.Audit) != len(before.Audit) {
						return false
					}
					if errors.Is(err, ErrOutOfOrder) && !blocked {
						return false
					}
				case 2:
					if _, err := env.RecordView(target, now); err != nil && env.Status != StatusDraft {
						return false
					}
				case 3:
					if _, err := env.Refresh(now); err != nil {
						return false
					}
				}

				if !completedIffAllRequiredSigned(env) && env.Status.Open() {
					return false
				}
				if env.Status == StatusCompleted && !completedIffAllRequiredSigned(env) {
					return false
				}
				first := env.Status
				if _, err := env.Refresh(now); err != nil {
					return false
				}
				second := env.Status
				if _, err := env.Refresh(now); err != nil || env.Status != second {
					return false
				}
				if first.Terminal() && second != first {
					return false
				}
				if res := env.Audit.Verify(); !res.Valid {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(4, gen.IntRange(0, 2)),
		gen.SliceOfN(4, gen.IntRange(0, 2)),
		gen.Bool(),
		gen.SliceOf(gen.IntRange(0, 399)),
	))

	properties.TestingRun(t)
}

func TestAuditTamperDetectedAtMutatedSequence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("mutating any payload hash is reported at its sequence", prop.ForAll(
		func(roles []int, pick int) bool {
			env, err := buildRandomEnvelope(roles, nil, false)
			if err != nil {
				return false
			}
			for _, r := range env.Recipients {
				if r.Role.Required() {
					if _, err := env.Decide(sign(r.ID), t0.Add(time.Minute)); err != nil {
						return false
					}
				}
			}
			k := pick % len(env.Audit)
			env.Audit[k].PayloadHash = "0000"
			res := env.Audit.Verify()
			return !res.Valid && res.FirstInvalidSequence == int64(k)
		},
		gen.SliceOfN(3, gen.IntRange(0, 2)),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
