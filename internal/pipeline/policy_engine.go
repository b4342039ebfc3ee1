package pipeline

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"fleet-monitor/gateway/internal/domain"
)

// PolicyEngine evaluates tenant policies against a sorted event batch.
type PolicyEngine struct{}

func NewPolicyEngine() *PolicyEngine {
	return &PolicyEngine{}
}

// Evaluate returns one alert per (policy, event) match and the trigger-stat
// delta of every policy that matched at least once.
func (e *PolicyEngine) Evaluate(dev *domain.Device, policies []domain.Policy, events []domain.NormalizedEvent, now time.Time) ([]domain.Alert, []domain.PolicyTrigger) {
	var (
		alerts   []domain.Alert
		triggers []domain.PolicyTrigger
	)
	for i := range policies {
		policy := &policies[i]
		if !policy.Active || len(policy.Conditions) == 0 {
			continue
		}

		trigger := domain.PolicyTrigger{PolicyID: policy.ID}
		for j := range events {
			ev := &events[j]
			if !matchesAll(policy.Conditions, ev) {
				continue
			}

			snapshot, _ := json.Marshal(ev)
			alerts = append(alerts, domain.Alert{
				ID:             uuid.NewString(),
				TenantID:       dev.TenantID,
				PolicyID:       policy.ID,
				PolicyName:     policy.Name,
				DeviceID:       dev.ID,
				VehicleID:      dev.VehicleKey(),
				Severity:       policy.AlertSeverity(),
				TriggeredValue: fieldValue(policy.Conditions[0].Field, ev),
				EventSnapshot:  snapshot,
				CreatedAt:      now,
			})
			trigger.Count++
			if ev.Timestamp.After(trigger.At) {
				trigger.At = ev.Timestamp
			}
		}
		if trigger.Count > 0 {
			triggers = append(triggers, trigger)
		}
	}
	return alerts, triggers
}

func matchesAll(conds []domain.Condition, ev *domain.NormalizedEvent) bool {
	for _, c := range conds {
		v := fieldValue(c.Field, ev)
		if v == nil || !compare(c.Operator, *v, c.Threshold) {
			return false
		}
	}
	return true
}

// fieldValue returns nil when the event does not carry the field.
func fieldValue(field domain.ConditionField, ev *domain.NormalizedEvent) *float64 {
	switch strings.ToLower(string(field)) {
	case string(domain.FieldSpeed), "speed_kmh":
		return domain.Float(ev.SpeedKmh)
	case string(domain.FieldTemperature):
		return ev.Temperature
	case string(domain.FieldFuelLevel), "fuel":
		return ev.FuelLevel
	}
	return nil
}

func compare(op string, v, threshold float64) bool {
	switch strings.ToLower(strings.TrimSpace(op)) {
	case ">", "gt":
		return v > threshold
	case "<", "lt":
		return v < threshold
	case ">=", "gte":
		return v >= threshold
	case "<=", "lte":
		return v <= threshold
	}
	return false
}
