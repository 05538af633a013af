package delivery

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jogardn/salon-storefront/internal/apperr"
)

func int64Ptr(v int64) *int64 { return &v }

func testZones() Zones {
	return Zones{
		{ID: "z-cbd", Name: "Nairobi CBD", Areas: []string{"CBD", "Upper Hill"}, Fee: 200, FreeAbove: int64Ptr(2000), EstimatedDays: "Same day", Active: true},
		{ID: "z-out", Name: "Outskirts", Areas: []string{"Ruiru", "Juja", "Kitengela"}, Fee: 500, EstimatedDays: "2-3 days", Active: true},
		{ID: "z-old", Name: "Legacy", Areas: []string{"Thika"}, Fee: 100, Active: false},
	}
}

func TestResolveScenarios(t *testing.T) {
	tests := []struct {
		name     string
		area     string
		subtotal int64
		wantFee  int64
		wantZone string
		wantFree bool
	}{
		{name: "free_above_threshold", area: "CBD", subtotal: 3250, wantFee: 0, wantZone: "Nairobi CBD", wantFree: true},
		{name: "exactly_threshold", area: "Upper Hill", subtotal: 2000, wantFee: 0, wantZone: "Nairobi CBD", wantFree: true},
		{name: "below_threshold", area: "CBD", subtotal: 1999, wantFee: 200, wantZone: "Nairobi CBD"},
		{name: "no_threshold", area: "Juja", subtotal: 300, wantFee: 500, wantZone: "Outskirts"},
		{name: "case_and_space_insensitive", area: "  kitengela ", subtotal: 300, wantFee: 500, wantZone: "Outskirts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := testZones().Resolve(tt.area, tt.subtotal)
			require.NoError(t, err)
			assert.Equal(t, tt.wantFee, q.Fee)
			assert.Equal(t, tt.wantZone, q.ZoneName)
			assert.Equal(t, tt.wantFree, q.FreeShipping)
			assert.Equal(t, tt.subtotal+tt.wantFee, tt.subtotal+q.Fee)
		})
	}
}

func TestResolveUnresolvable(t *testing.T) {
	for _, area := range []string{"Mombasa", "", "Thika"} {
		_, err := testZones().Resolve(area, 1000)
		assert.ErrorIs(t, err, apperr.ErrUnresolvableZone, "area %q", area)
	}
}

func TestFreeAboveAlwaysWaivesFee(t *testing.T) {
	z := Zone{Name: "Any", Areas: []string{"x"}, Fee: 750, FreeAbove: int64Ptr(5000), Active: true}
	for subtotal := int64(5000); subtotal < 50000; subtotal += 333 {
		if fee := z.FeeFor(subtotal); fee != 0 {
			t.Fatalf("Expected fee 0 for subtotal %d, got %d", subtotal, fee)
		}
	}
	assert.Equal(t, int64(750), z.FeeFor(4999))
}

func TestResolveMatchesAreaNotCheapest(t *testing.T) {
	zones := Zones{
		{Name: "Premium", Areas: []string{"Karen"}, Fee: 900, Active: true},
		{Name: "Budget", Areas: []string{"Rongai"}, Fee: 100, Active: true},
	}
	q, err := zones.Resolve("Karen", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(900), q.Fee)
}

func TestSortForDisplay(t *testing.T) {
	zones := []Zone{
		{Name: "B", Fee: 300},
		{Name: "C", Fee: 100},
		{Name: "A", Fee: 300},
	}
	sorted := SortForDisplay(zones)

	names := []string{sorted[0].Name, sorted[1].Name, sorted[2].Name}
	assert.Equal(t, []string{"C", "A", "B"}, names)
	assert.Equal(t, "B", zones[0].Name, "input must not be reordered")
}

func decodePatch(t *testing.T, body string) (ZonePatch, error) {
	t.Helper()
	var p ZonePatch
	dec := json.NewDecoder(bytes.NewBufferString(body))
	dec.DisallowUnknownFields()
	err := dec.Decode(&p)
	return p, err
}

func TestZonePatchDecoding(t *testing.T) {
	p, err := decodePatch(t, `{"fee": 350, "freeAbove": null}`)
	require.NoError(t, err)
	require.NoError(t, p.Validate())

	z := p.ApplyTo(testZones()[0])
	assert.Equal(t, int64(350), z.Fee)
	assert.Nil(t, z.FreeAbove)
	assert.Equal(t, "Nairobi CBD", z.Name)

	p, err = decodePatch(t, `{"active": false}`)
	require.NoError(t, err)
	z = p.ApplyTo(testZones()[0])
	assert.False(t, z.Active)
	require.NotNil(t, z.FreeAbove, "absent freeAbove must be left untouched")
	assert.Equal(t, int64(2000), *z.FreeAbove)

	_, err = decodePatch(t, `{"fee": 100, "id": "hijack"}`)
	assert.Error(t, err)
}

func TestZonePatchValidate(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{name: "empty", body: `{}`, field: "patch"},
		{name: "negative_fee", body: `{"fee": -1}`, field: "fee"},
		{name: "negative_free_above", body: `{"freeAbove": -10}`, field: "freeAbove"},
		{name: "blank_name", body: `{"name": "  "}`, field: "name"},
		{name: "no_areas", body: `{"areas": []}`, field: "areas"},
		{name: "blank_area", body: `{"areas": ["Juja", ""]}`, field: "areas"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := decodePatch(t, tt.body)
			require.NoError(t, err)
			err = p.Validate()
			assert.ErrorIs(t, err, apperr.ErrValidation)
			assert.Equal(t, tt.field, apperr.FieldOf(err))
		})
	}
}
