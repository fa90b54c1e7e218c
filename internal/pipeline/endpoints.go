package pipeline

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"

	"go-accurate-puller/internal/model"
	"go-accurate-puller/pkg/utils"
)

// SourceKind selects how an endpoint is paged
type SourceKind int

const (
	// ListSource pages a list call with sp.page / sp.pageSize.
	ListSource SourceKind = iota
	// FanOutSource issues one lookup per record of a prerequisite dataset,
	// grouped into pages of page_size lookups.
	FanOutSource
)

// DetailSpec is the per-record sub-fetch of a list endpoint whose list
// response lacks information only the detail call returns.
type DetailSpec struct {
	Path         string
	ChildDataset string
	// Merge folds the detail into the list record and returns child records.
	Merge func(parent, detail model.Record) (model.Record, []model.Record)
}

// Endpoint is one dataset pull
type Endpoint struct {
	Name            string // dataset name and checkpoint key
	Phase           model.Phase
	Path            string
	Kind            SourceKind
	Fields          string
	DateFilter      bool // filter.transDate bounds on list calls
	DateParams      bool // startDate/endDate on fan-out lookups
	DependsOn       string
	Requires        []string
	Include         func(model.Record) bool
	Expand          func(parent model.Record, d json.RawMessage) ([]model.Record, error)
	Detail          *DetailSpec
	Critical        bool
	MaxPages        int
	Quality         []string
	Transformations []string
}

// Datasets lists every dataset the endpoint writes
func (e Endpoint) Datasets() []string {
	out := []string{e.Name}
	if e.Detail != nil && e.Detail.ChildDataset != "" {
		out = append(out, e.Detail.ChildDataset)
	}
	return out
}

// prerequisites is DependsOn plus Requires, deduplicated
func (e Endpoint) prerequisites() []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range append([]string{e.DependsOn}, e.Requires...) {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// listParams are the static query parameters of a list call
func (e Endpoint) listParams(dates model.DateRange) url.Values {
	v := url.Values{}
	if e.Fields != "" {
		v.Set("fields", e.Fields)
	}
	if e.DateFilter {
		v.Set("filter.transDate.>=", dates.StartString())
		v.Set("filter.transDate.<=", dates.EndString())
	}
	return v
}

// DefaultEndpoints is the Accurate catalog in phase order
func DefaultEndpoints() []Endpoint {
	return []Endpoint{
		{
			Name:            "items",
			Phase:           model.PhaseMasterData,
			Path:            "/api/item/list.do",
			Fields:          "id,no,name,itemType,itemCategoryName,avgCost,unitPrice,unit1Name,minimumStock",
			Critical:        true,
			Quality:         []string{"unitPrice", "avgCost", "itemCategoryName"},
			Transformations: []string{"trimStrings"},
		},
		{
			Name:            "warehouses",
			Phase:           model.PhaseMasterData,
			Path:            "/api/warehouse/list.do",
			MaxPages:        5,
			Transformations: []string{"trimStrings", "flattenNested"},
		},
		{
			Name:            "customers",
			Phase:           model.PhaseMasterData,
			Path:            "/api/customer/list.do",
			MaxPages:        20,
			Transformations: []string{"trimStrings", "flattenNested"},
		},
		{
			Name:            "vendors",
			Phase:           model.PhaseMasterData,
			Path:            "/api/vendor/list.do",
			MaxPages:        10,
			Transformations: []string{"trimStrings", "flattenNested"},
		},
		{
			Name:      "selling_prices",
			Phase:     model.PhaseMasterData,
			Path:      "/api/item/get-selling-price.do",
			Kind:      FanOutSource,
			DependsOn: "items",
			Expand:    expandSellingPrice,
			Quality:   []string{"selling_price"},
		},
		{
			Name:            "current_stock",
			Phase:           model.PhaseInventoryData,
			Path:            "/api/item/list-stock.do",
			Fields:          "id,no,name,warehouseId,warehouseName,unitName,stockAvailable,qtyStock,itemType,itemCategoryName,avgCost,unitPrice,upcNo",
			Quality:         []string{"quantity", "quantity_available"},
			Transformations: []string{"trimStrings", "renameStockColumns"},
		},
		{
			Name:       "stock_mutations",
			Phase:      model.PhaseInventoryData,
			Path:       "/api/item/stock-mutation-history.do",
			Kind:       FanOutSource,
			DependsOn:  "items",
			DateParams: true,
			Include:    isStockedItem,
			Expand:     expandStockMutations,
		},
		{
			Name:       "sales_invoices",
			Phase:      model.PhaseTransactionalData,
			Path:       "/api/sales-invoice/list.do",
			Fields:     "id,number,transDate,customerId,customerName,totalAmount,statusName",
			DateFilter: true,
			Requires:   []string{"customers"},
			Critical:   true,
			Quality:    []string{"customerId"},
			Detail: &DetailSpec{
				Path:         "/api/sales-invoice/detail.do",
				ChildDataset: "sales_details",
				Merge:        mergeSalesInvoice,
			},
		},
		{
			Name:       "purchase_orders",
			Phase:      model.PhaseTransactionalData,
			Path:       "/api/purchase-order/list.do",
			Fields:     "id,number,transDate,vendorId,vendorName,totalAmount,statusName",
			DateFilter: true,
			Requires:   []string{"vendors"},
			Detail: &DetailSpec{
				Path:         "/api/purchase-order/detail.do",
				ChildDataset: "purchase_details",
				Merge:        mergePurchaseOrder,
			},
		},
	}
}

// ApplyOverrides drops disabled endpoints and applies per-endpoint settings
func ApplyOverrides(eps []Endpoint, overrides map[string]model.EndpointOverride) ([]Endpoint, error) {
	known := make(map[string]bool, len(eps))
	for _, ep := range eps {
		known[ep.Name] = true
	}
	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !known[name] {
			return nil, fmt.Errorf("override for unknown endpoint %q", name)
		}
	}

	out := make([]Endpoint, 0, len(eps))
	for _, ep := range eps {
		o, ok := overrides[ep.Name]
		if ok && o.Disabled {
			continue
		}
		if ok {
			if o.Critical != nil {
				ep.Critical = *o.Critical
			}
			if o.MaxPages > 0 {
				ep.MaxPages = o.MaxPages
			}
		}
		out = append(out, ep)
	}
	return out, nil
}

// validateCatalog checks prerequisites exist and precede their dependants
func validateCatalog(eps []Endpoint) error {
	order := make(map[string]int, len(eps))
	phaseRank := map[model.Phase]int{}
	for i, p := range model.PhaseOrder {
		phaseRank[p] = i
	}
	for i, ep := range eps {
		if _, dup := order[ep.Name]; dup {
			return fmt.Errorf("endpoint %q listed twice", ep.Name)
		}
		if _, ok := phaseRank[ep.Phase]; !ok {
			return fmt.Errorf("endpoint %q has unknown phase %q", ep.Name, ep.Phase)
		}
		if ep.Kind == FanOutSource && (ep.DependsOn == "" || ep.Expand == nil) {
			return fmt.Errorf("fan-out endpoint %q needs DependsOn and Expand", ep.Name)
		}
		for _, t := range ep.Transformations {
			if !validTransformation(t) {
				return fmt.Errorf("endpoint %q: unknown transformation %q", ep.Name, t)
			}
		}
		order[ep.Name] = i
	}
	producers := producerIndex(eps)
	for _, ep := range eps {
		for _, pre := range ep.prerequisites() {
			p, ok := producers[pre]
			if !ok {
				return fmt.Errorf("endpoint %q requires %q which is not enabled", ep.Name, pre)
			}
			j := order[p.Name]
			if j >= order[ep.Name] || phaseRank[p.Phase] > phaseRank[ep.Phase] {
				return fmt.Errorf("endpoint %q requires %q which runs after it", ep.Name, pre)
			}
		}
	}
	return nil
}

// producerIndex maps every dataset to the endpoint that writes it
func producerIndex(eps []Endpoint) map[string]Endpoint {
	out := make(map[string]Endpoint)
	for _, ep := range eps {
		for _, ds := range ep.Datasets() {
			out[ds] = ep
		}
	}
	return out
}

// ------------------- Endpoint specific shaping -------------------

func isStockedItem(item model.Record) bool {
	t, _ := item["itemType"].(string)
	return t == "INVENTORY" || t == "GROUP"
}

func expandSellingPrice(item model.Record, d json.RawMessage) ([]model.Record, error) {
	v, err := decodeValue(d)
	if err != nil {
		return nil, err
	}
	rec := model.Record{
		"item_id":       item["id"],
		"item_no":       item["no"],
		"selling_price": nil,
	}
	if price, ok := extractPrice(v); ok {
		rec["selling_price"] = price
	}
	return []model.Record{rec}, nil
}

func expandStockMutations(item model.Record, d json.RawMessage) ([]model.Record, error) {
	recs, err := decodeRecords(d)
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		r["product_id"] = item["id"]
		r["product_code"] = item["no"]
		r["product_name"] = item["name"]
	}
	return recs, nil
}

func mergeSalesInvoice(invoice, detail model.Record) (model.Record, []model.Record) {
	merged := invoice.Clone()
	customerID, ok := utils.FirstPresent(detail, "customerId")
	if !ok {
		if c, isMap := detail["customer"].(map[string]interface{}); isMap {
			customerID, ok = utils.FirstPresent(c, "id")
		}
	}
	if !ok {
		customerID, _ = utils.FirstPresent(invoice, "customerId")
	}
	merged["customerId"] = customerID

	lines := detailLines(detail)
	out := make([]model.Record, 0, len(lines))
	for _, line := range lines {
		l := standardizeLine(line.Clone())
		l["invoice_id"] = invoice["id"]
		l["invoice_number"] = invoice["number"]
		l["trans_date"] = invoice["transDate"]
		l["customer_id"] = customerID
		out = append(out, flattenNested(l))
	}
	return merged, out
}

func mergePurchaseOrder(order, detail model.Record) (model.Record, []model.Record) {
	merged := order.Clone()
	vendorID, ok := utils.FirstPresent(order, "vendorId")
	if !ok {
		vendorID, _ = utils.FirstPresent(detail, "vendorId")
		merged["vendorId"] = vendorID
	}

	lines := detailLines(detail)
	out := make([]model.Record, 0, len(lines))
	for _, line := range lines {
		l := standardizeLine(line.Clone())
		l["po_id"] = order["id"]
		l["po_number"] = order["number"]
		l["trans_date"] = order["transDate"]
		l["vendor_id"] = vendorID
		out = append(out, flattenNested(l))
	}
	return merged, out
}
