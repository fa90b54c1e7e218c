package model

// Aggregation selects how a fallback source collapses a group of values
type Aggregation string

const (
	AggFirst  Aggregation = "first"
	AggMean   Aggregation = "mean"
	AggMedian Aggregation = "median"
)

// TierFloor is reported when the floor value was used
const TierFloor = "floor"

// FallbackSource is one tier of a fallback chain.
// An empty Dataset means the value is read from the record itself.
type FallbackSource struct {
	Tier        string      `json:"tier" yaml:"tier" mapstructure:"tier" validate:"required"`
	Dataset     string      `json:"dataset,omitempty" yaml:"dataset,omitempty" mapstructure:"dataset"`
	Field       string      `json:"field" yaml:"field" mapstructure:"field" validate:"required"`
	GroupBy     string      `json:"group_by,omitempty" yaml:"group_by,omitempty" mapstructure:"group_by" validate:"required_with=Dataset"`
	MatchField  string      `json:"match_field,omitempty" yaml:"match_field,omitempty" mapstructure:"match_field" validate:"required_with=Dataset"`
	Aggregation Aggregation `json:"aggregation,omitempty" yaml:"aggregation,omitempty" mapstructure:"aggregation" validate:"omitempty,oneof=first mean median"`
}

// FallbackRule fills Target on records of Dataset from an ordered chain of
// sources, never going below Floor.
type FallbackRule struct {
	Name    string           `json:"name" yaml:"name" mapstructure:"name" validate:"required"`
	Dataset string           `json:"dataset" yaml:"dataset" mapstructure:"dataset" validate:"required"`
	Target  string           `json:"target" yaml:"target" mapstructure:"target" validate:"required"`
	Sources []FallbackSource `json:"sources" yaml:"sources" mapstructure:"sources" validate:"min=1,dive"`
	Floor   float64          `json:"floor" yaml:"floor" mapstructure:"floor" validate:"gt=0"`
}

// SourceDatasets lists the datasets a rule reads besides its own
func (r FallbackRule) SourceDatasets() []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range r.Sources {
		if s.Dataset == "" || s.Dataset == r.Dataset || seen[s.Dataset] {
			continue
		}
		seen[s.Dataset] = true
		out = append(out, s.Dataset)
	}
	return out
}

// DefaultFallbackRules are the selling price and average cost chains for items
func DefaultFallbackRules(sellingFloor, costFloor float64) []FallbackRule {
	return []FallbackRule{
		{
			Name:    "selling_price",
			Dataset: "items",
			Target:  "selling_price",
			Sources: []FallbackSource{
				{Tier: "api", Dataset: "selling_prices", Field: "selling_price", GroupBy: "item_id", MatchField: "id", Aggregation: AggFirst},
				{Tier: "item_unit_price", Field: "unitPrice"},
				{Tier: "sales_detail_avg", Dataset: "sales_details", Field: "unit_price", GroupBy: "item_id", MatchField: "id", Aggregation: AggMean},
				{Tier: "category_median", Dataset: "items", Field: "unitPrice", GroupBy: "itemCategoryName", MatchField: "itemCategoryName", Aggregation: AggMedian},
			},
			Floor: sellingFloor,
		},
		{
			Name:    "avg_cost",
			Dataset: "items",
			Target:  "avg_cost",
			Sources: []FallbackSource{
				{Tier: "api", Field: "avgCost"},
				{Tier: "purchase_detail_avg", Dataset: "purchase_details", Field: "unit_price", GroupBy: "item_id", MatchField: "id", Aggregation: AggMean},
				{Tier: "category_median", Dataset: "items", Field: "avgCost", GroupBy: "itemCategoryName", MatchField: "itemCategoryName", Aggregation: AggMedian},
			},
			Floor: costFloor,
		},
	}
}
