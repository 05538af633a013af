package delivery

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/jogardn/salon-storefront/internal/apperr"
)

// Zone is a delivery region with a flat fee. FreeAbove, when set, waives the
// fee for subtotals at or above it.
type Zone struct {
	ID            string   `json:"id"`
	Name          string   `json:"name" validate:"required,max=120"`
	Areas         []string `json:"areas" validate:"min=1,dive,required"`
	Fee           int64    `json:"fee" validate:"gte=0"`
	FreeAbove     *int64   `json:"freeAbove,omitempty" validate:"omitempty,gte=0"`
	EstimatedDays string   `json:"estimatedDays"`
	Active        bool     `json:"active"`
}

// Serves reports whether area is one of the zone's places. Matching ignores
// case and surrounding whitespace.
func (z Zone) Serves(area string) bool {
	area = normalizeArea(area)
	if area == "" {
		return false
	}
	for _, a := range z.Areas {
		if normalizeArea(a) == area {
			return true
		}
	}
	return false
}

// FeeFor is the effective fee for a subtotal.
func (z Zone) FeeFor(subtotal int64) int64 {
	if z.FreeAbove != nil && subtotal >= *z.FreeAbove {
		return 0
	}
	return z.Fee
}

// Quote is the outcome of resolving a delivery area.
type Quote struct {
	ZoneID        string `json:"zoneId"`
	ZoneName      string `json:"zoneName"`
	Fee           int64  `json:"fee"`
	EstimatedDays string `json:"estimatedDays"`
	FreeShipping  bool   `json:"freeShipping"`
}

// Zones is a set of zones loaded for one resolution.
type Zones []Zone

// Resolve picks the active zone serving area and prices delivery for
// subtotal. Zones are matched by area, never by cheapest fee.
func (zs Zones) Resolve(area string, subtotal int64) (Quote, error) {
	for _, z := range zs {
		if !z.Active || !z.Serves(area) {
			continue
		}
		fee := z.FeeFor(subtotal)
		return Quote{
			ZoneID:        z.ID,
			ZoneName:      z.Name,
			Fee:           fee,
			EstimatedDays: z.EstimatedDays,
			FreeShipping:  fee == 0 && z.Fee > 0,
		}, nil
	}
	return Quote{}, apperr.New("delivery.Resolve", apperr.ErrUnresolvableZone, fmt.Errorf("area %q", strings.TrimSpace(area)))
}

// SortForDisplay returns a copy of zones ordered by ascending fee, then name.
func SortForDisplay(zones []Zone) []Zone {
	out := append([]Zone(nil), zones...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Fee != out[j].Fee {
			return out[i].Fee < out[j].Fee
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func normalizeArea(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NullableInt distinguishes an absent JSON field from an explicit null.
type NullableInt struct {
	Set   bool
	Value *int64
}

func (n *NullableInt) UnmarshalJSON(data []byte) error {
	n.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		n.Value = nil
		return nil
	}
	var v int64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	n.Value = &v
	return nil
}

// ZonePatch lists the fields an administrator may change. Nil pointers are
// left untouched; FreeAbove may be cleared with an explicit null.
type ZonePatch struct {
	Name          *string     `json:"name"`
	Areas         *[]string   `json:"areas"`
	Fee           *int64      `json:"fee"`
	FreeAbove     NullableInt `json:"freeAbove"`
	EstimatedDays *string     `json:"estimatedDays"`
	Active        *bool       `json:"active"`
}

// IsEmpty reports whether the patch changes nothing.
func (p ZonePatch) IsEmpty() bool {
	return p.Name == nil && p.Areas == nil && p.Fee == nil && !p.FreeAbove.Set &&
		p.EstimatedDays == nil && p.Active == nil
}

// Validate checks the values present in the patch.
func (p ZonePatch) Validate() error {
	const op = "delivery.ZonePatch"

	if p.IsEmpty() {
		return apperr.Invalid(op, "patch", "no updatable fields present")
	}
	if p.Name != nil && strings.TrimSpace(*p.Name) == "" {
		return apperr.Invalid(op, "name", "must not be empty")
	}
	if p.Areas != nil {
		if len(*p.Areas) == 0 {
			return apperr.Invalid(op, "areas", "must list at least one area")
		}
		for _, a := range *p.Areas {
			if strings.TrimSpace(a) == "" {
				return apperr.Invalid(op, "areas", "must not contain empty names")
			}
		}
	}
	if p.Fee != nil && *p.Fee < 0 {
		return apperr.Invalid(op, "fee", "must not be negative")
	}
	if p.FreeAbove.Value != nil && *p.FreeAbove.Value < 0 {
		return apperr.Invalid(op, "freeAbove", "must not be negative")
	}
	return nil
}

// ApplyTo returns z with the patch applied.
func (p ZonePatch) ApplyTo(z Zone) Zone {
	if p.Name != nil {
		z.Name = strings.TrimSpace(*p.Name)
	}
	if p.Areas != nil {
		z.Areas = cleanAreas(*p.Areas)
	}
	if p.Fee != nil {
		z.Fee = *p.Fee
	}
	if p.FreeAbove.Set {
		z.FreeAbove = p.FreeAbove.Value
	}
	if p.EstimatedDays != nil {
		z.EstimatedDays = *p.EstimatedDays
	}
	if p.Active != nil {
		z.Active = *p.Active
	}
	return z
}

func cleanAreas(areas []string) []string {
	out := make([]string, 0, len(areas))
	for _, a := range areas {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}
