package location

import (
	"fmt"

	"github.com/precisionprices/market-pricing/pkg/model"
)

// Describe renders a descriptor for display, e.g. "Austin, TX".
func Describe(d model.LocationDescriptor) string {
	switch {
	case d.City != "" && d.State != "":
		return fmt.Sprintf("%s, %s", d.City, d.State)
	case d.State != "":
		return d.State
	case d.Metro != "":
		return d.Metro
	default:
		return "General Market"
	}
}

// PricingInsight explains the regional adjustment in one sentence.
func PricingInsight(d model.LocationDescriptor) string {
	where := Describe(d)
	switch {
	case d.Multiplier >= 1.20:
		return fmt.Sprintf("%s is a premium market. Prices typically 20-30%% higher than national average.", where)
	case d.Multiplier >= 1.10:
		return fmt.Sprintf("%s has above-average demand. Prices run 10-20%% higher than typical markets.", where)
	case d.Multiplier >= 1.00:
		return fmt.Sprintf("%s has average market conditions. Standard pricing applies.", where)
	default:
		return fmt.Sprintf("%s is a value market. Prices tend to be 10-15%% below major metros.", where)
	}
}
