// Package subscription implements the per-subscriber diff engine: each
// active subscription tracks the last value sent per entry and forwards a
// batch entry only when a field the subscriber asked for actually changed.
package subscription

import (
	"strings"

	"github.com/vestra/portfolio-engine/internal/fusion"
)

// FieldSet is a subscriber's requested-field set. An empty set requests
// every field.
type FieldSet map[string]bool

// ParseFields builds a FieldSet from a comma-separated list, as supplied on
// subscription endpoints. Blank input yields the all-fields set.
func ParseFields(raw string) FieldSet {
	fields := make(FieldSet)
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			fields[name] = true
		}
	}
	return fields
}

func (f FieldSet) wants(name string) bool {
	return len(f) == 0 || f[name]
}

// Differ filters one subscription's update batches. State is scoped to the
// subscription's lifetime and torn down with it; it is not safe for
// concurrent use (each subscription owns one goroutine).
type Differ struct {
	fields   FieldSet
	lastSent map[string]map[string]string // entry key → requested field values
	emitted  bool
}

// NewDiffer creates a differ for one subscription.
func NewDiffer(fields FieldSet) *Differ {
	return &Differ{
		fields:   fields,
		lastSent: make(map[string]map[string]string),
	}
}

// Filter reduces a batch to the entries whose requested fields changed
// since they were last sent. REMOVE entries always pass through. The first
// batch is always emitted, even when empty, so subscribers get their
// initial snapshot; afterwards empty batches are dropped.
func (d *Differ) Filter(batch []fusion.Update) ([]fusion.Update, bool) {
	out := make([]fusion.Update, 0, len(batch))
	for _, update := range batch {
		key := update.Data.Key()
		if update.Type == fusion.UpdateRemove {
			delete(d.lastSent, key)
			out = append(out, update)
			continue
		}

		current := d.requestedValues(update.Data)
		if valuesEqual(d.lastSent[key], current) {
			continue
		}
		d.lastSent[key] = current
		out = append(out, update)
	}

	if !d.emitted {
		d.emitted = true
		return out, true
	}
	return out, len(out) > 0
}

func (d *Differ) requestedValues(obj fusion.Object) map[string]string {
	all := obj.FieldValues()
	picked := make(map[string]string, len(all))
	for name, value := range all {
		if d.fields.wants(name) {
			picked[name] = value
		}
	}
	return picked
}

func valuesEqual(a, b map[string]string) bool {
	if a == nil || len(a) != len(b) {
		return false
	}
	for name, value := range a {
		if b[name] != value {
			return false
		}
	}
	return true
}
