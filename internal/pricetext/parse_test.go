package pricetext

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		text      string
		unit      string
		perWeight string
		reference string
	}{
		{name: "reference then unit", text: "PVPR 3,15€ ... 1,99€", unit: "1,99", reference: "3,15"},
		{name: "per weight only", text: "2,49€ /kg", perWeight: "2,49"},
		{name: "unit and per weight", text: "1,72€ 3,44€ /kg", unit: "1,72", perWeight: "3,44"},
		{name: "short marker", text: "PVP 2,99€ 1,49€", unit: "1,49", reference: "2,99"},
		{name: "marker case insensitive", text: "pvp 2,99€ 1,49€", unit: "1,49", reference: "2,99"},
		{name: "marker outside window", text: "PVP recomendado 2,50€", unit: "2,50"},
		{name: "long marker beyond window overrides", text: "1,99€ PVPR        2,49€", unit: "1,99", reference: "2,49"},
		{name: "first reference wins", text: "PVPR 3,00€ PVPR 4,00€ 1,00€", unit: "1,00", reference: "3,00"},
		{name: "later unit discarded", text: "1,10€ promo 1,10€ 9,99€", unit: "1,10"},
		{name: "fallback to reference token", text: "PVP 5,00€", unit: "5,00", reference: "5,00"},
		{name: "three prices", text: "PVPR 1,00€ 2,00€ 3,00€/kg", unit: "2,00", perWeight: "3,00", reference: "1,00"},
		{name: "tight per weight then unit", text: "2,00€/kg 1,50€", unit: "1,50", perWeight: "2,00"},
		{name: "space decimal", text: "3 99 €", unit: "3 99"},
		{name: "no-break space before euro", text: "1,72\u00a0€", unit: "1,72"},
		{name: "no-break space per weight", text: "Preço 2,49\u00a0€ /kg", perWeight: "2,49"},
		{name: "no-break space decimal", text: "PVPR\u00a03\u00a099\u00a0€ 1,99€", unit: "1,99", reference: "3\u00a099"},
		{name: "no prices", text: "Leite meio gordo 1L"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Parse(tt.text)
			requireAmount(t, tt.unit, got.Unit, "unit")
			requireAmount(t, tt.perWeight, got.PerWeight, "per weight")
			requireAmount(t, tt.reference, got.Reference, "reference")
		})
	}
}

func TestParseAfterRepair(t *testing.T) {
	t.Parallel()

	got := Parse(Repair("Bananas\n1\n,29€\n/un\n2\n,58€\n/kg\nPVPR\n1,49€"))
	// "2,58€ /kg" keeps its per-weight marker after the blob is joined.
	requireAmount(t, "1,29", got.Unit, "unit")
	requireAmount(t, "2,58", got.PerWeight, "per weight")
	requireAmount(t, "1,49", got.Reference, "reference")
}

func TestParseAfterRepairNoBreakSpace(t *testing.T) {
	t.Parallel()

	got := Parse(Repair("Iogurte\n0,79\u00a0€\n1,58\n/kg"))
	requireAmount(t, "0,79", got.Unit, "unit")
	requireAmount(t, "1,58", got.PerWeight, "per weight")
	require.Nil(t, got.Reference)
}

func TestTokensReportClasses(t *testing.T) {
	t.Parallel()

	tokens := Tokens("PVPR 1,00€ 2,00€ 3,00€/kg 2,00€")
	require.Len(t, tokens, 4)
	want := []Class{ClassReference, ClassUnit, ClassPerWeight, ClassDiscarded}
	for i, tok := range tokens {
		require.Equal(t, want[i], tok.Class, "token %d (%s)", i, tok.Amount)
	}
	require.Equal(t, "per_weight", ClassPerWeight.String())
}

func requireAmount(t *testing.T, want string, got *string, field string) {
	t.Helper()
	if want == "" {
		require.Nil(t, got, "%s should be absent", field)
		return
	}
	require.NotNil(t, got, "%s should be present", field)
	require.Equal(t, want, *got, field)
}
