package pricing

import (
	"testing"

	"github.com/ParcelPilot/ParcelDesk/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestCalculate(t *testing.T) {
	cases := []struct {
		tier   string
		weight string
		want   string
	}{
		{models.ServiceTierStandard, "1.00", "11.99"},
		{models.ServiceTierExpress, "2.00", "25.99"},
		{models.ServiceTierSameDay, "0.50", "41.99"},
		{models.ServiceTierStandard, "1.2", "12.39"},
		{models.ServiceTierStandard, "0", "9.99"},
		// unknown tier prices as standard
		{"overnight", "1.00", "11.99"},
		{"", "1.00", "11.99"},
	}
	for _, c := range cases {
		got := Calculate(c.tier, decimal.RequireFromString(c.weight))
		require.Equal(t, c.want, got.StringFixed(2), "tier=%s weight=%s", c.tier, c.weight)
	}
}

func TestCalculate_Deterministic(t *testing.T) {
	w := decimal.RequireFromString("3.17")
	first := Calculate(models.ServiceTierExpress, w)
	for i := 0; i < 50; i++ {
		require.True(t, first.Equal(Calculate(models.ServiceTierExpress, w)))
	}
}

func TestCalculate_NegativeWeightDoesNotPanic(t *testing.T) {
	got := Calculate(models.ServiceTierStandard, decimal.RequireFromString("-1"))
	require.Equal(t, "7.99", got.StringFixed(2))
}
