package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"go-accurate-puller/internal/model"
	"go-accurate-puller/internal/pullerr"
	"go-accurate-puller/internal/store"
	"go-accurate-puller/internal/transport"
)

const (
	itemsPath        = "/api/item/list.do"
	customersPath    = "/api/customer/list.do"
	sellingPricePath = "/api/item/get-selling-price.do"
	invoicesPath     = "/api/sales-invoice/list.do"
	invoiceDetail    = "/api/sales-invoice/detail.do"
)

type apiCall struct {
	Path   string
	Params url.Values
}

// fakeAPI serves list, detail and lookup endpoints from memory
type fakeAPI struct {
	mu       sync.Mutex
	lists    map[string][]model.Record
	noPaging map[string]bool
	byID     map[string]map[string]interface{}
	hook     func(ctx context.Context, path string, params url.Values) error
	calls    []apiCall
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		lists:    make(map[string][]model.Record),
		noPaging: make(map[string]bool),
		byID:     make(map[string]map[string]interface{}),
	}
}

func (f *fakeAPI) setHook(h func(ctx context.Context, path string, params url.Values) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hook = h
}

func (f *fakeAPI) lookup(path, id string, d interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byID[path] == nil {
		f.byID[path] = make(map[string]interface{})
	}
	f.byID[path][id] = d
}

func (f *fakeAPI) Execute(ctx context.Context, path string, params url.Values) (*transport.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, apiCall{Path: path, Params: params})
	hook := f.hook
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if hook != nil {
		if err := hook(ctx, path, params); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if rows, ok := f.lists[path]; ok {
		page, _ := strconv.Atoi(params.Get("sp.page"))
		size, _ := strconv.Atoi(params.Get("sp.pageSize"))
		chunk := []model.Record{}
		if lo := (page - 1) * size; lo < len(rows) {
			hi := lo + size
			if hi > len(rows) {
				hi = len(rows)
			}
			chunk = rows[lo:hi]
		}
		resp := &transport.Response{Success: true, Data: mustJSON(chunk)}
		if !f.noPaging[path] {
			resp.Paging = &transport.Paging{
				Page: page, PageSize: size, RowCount: len(rows),
				PageCount: (len(rows) + size - 1) / size,
			}
		}
		return resp, nil
	}
	if d, ok := f.byID[path][params.Get("id")]; ok {
		return &transport.Response{Success: true, Data: mustJSON(d)}, nil
	}
	return nil, pullerr.Permanent("execute", path, 404, errors.New("not found"))
}

// reset forgets recorded calls and the hook
func (f *fakeAPI) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
	f.hook = nil
}

// pages returns the sp.page of every call made to path, in order
func (f *fakeAPI) pages(path string) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int
	for _, c := range f.calls {
		if c.Path == path {
			p, _ := strconv.Atoi(c.Params.Get("sp.page"))
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeAPI) callCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Path == path {
			n++
		}
	}
	return n
}

func mustJSON(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func itemRows(n int) []model.Record {
	out := make([]model.Record, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, model.Record{
			"id":               float64(i),
			"no":               fmt.Sprintf("I%03d", i),
			"name":             fmt.Sprintf("Item %d", i),
			"itemType":         "INVENTORY",
			"itemCategoryName": "A",
			"unitPrice":        2000.0,
			"avgCost":          1500.0,
		})
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDates(t *testing.T) model.DateRange {
	t.Helper()
	d, err := model.ParseDateRange("2024-01-01", "2024-01-31")
	require.NoError(t, err)
	return d
}

func testCatalog() []Endpoint {
	return []Endpoint{
		{Name: "items", Phase: model.PhaseMasterData, Path: itemsPath, Critical: true,
			Quality: []string{"unitPrice", "avgCost"}, Transformations: []string{"trimStrings"}},
		{Name: "customers", Phase: model.PhaseMasterData, Path: customersPath},
		{Name: "selling_prices", Phase: model.PhaseMasterData, Path: sellingPricePath, Kind: FanOutSource,
			DependsOn: "items", Expand: expandSellingPrice},
		{Name: "sales_invoices", Phase: model.PhaseTransactionalData, Path: invoicesPath, DateFilter: true,
			Requires: []string{"customers"},
			Detail:   &DetailSpec{Path: invoiceDetail, ChildDataset: "sales_details", Merge: mergeSalesInvoice}},
	}
}

// harness runs orchestrators against one fake API, sink and checkpoint file
type harness struct {
	t           *testing.T
	api         *fakeAPI
	sink        *store.MemorySink
	checkpoints *store.CheckpointStore
	cfg         model.PullerConfig
	endpoints   []Endpoint
	jobs        JobRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := model.DefaultPullerConfig()
	cfg.PageSize = 2
	cfg.CheckpointInterval = 1

	api := newFakeAPI()
	api.lists[itemsPath] = itemRows(5)
	api.lists[customersPath] = []model.Record{
		{"id": 7.0, "name": "PT Maju"},
		{"id": 8.0, "name": "CV Jaya"},
	}
	api.lists[invoicesPath] = []model.Record{
		{"id": 10.0, "number": "INV-10", "transDate": "05/01/2024"},
	}
	api.lookup(invoiceDetail, "10", map[string]interface{}{
		"customerId": 7.0,
		"detailItem": []interface{}{
			map[string]interface{}{"itemId": 3.0, "unitPrice": 15000.0, "quantity": 2.0},
		},
	})
	api.lookup(sellingPricePath, "1", []interface{}{map[string]interface{}{"price": 12000.0}})

	return &harness{
		t:           t,
		api:         api,
		sink:        store.NewMemorySink(),
		checkpoints: store.NewCheckpointStore(filepath.Join(t.TempDir(), "puller.checkpoint.json")),
		cfg:         cfg,
		endpoints:   testCatalog(),
	}
}

func (h *harness) orchestrator() *Orchestrator {
	h.t.Helper()
	o, err := NewOrchestrator(Options{
		Config:      h.cfg,
		Dates:       testDates(h.t),
		Endpoints:   h.endpoints,
		Rules:       model.DefaultFallbackRules(1000, 500),
		Client:      h.api,
		Checkpoints: h.checkpoints,
		OpenSink: func(context.Context, string) (store.Sink, error) {
			return h.sink, nil
		},
		SinkKind: "memory",
		Jobs:     h.jobs,
		Logger:   discardLogger(),
	})
	require.NoError(h.t, err)
	return o
}

func (h *harness) ids(dataset string) []float64 {
	h.t.Helper()
	recs, err := store.Collect(context.Background(), h.sink, dataset)
	require.NoError(h.t, err)
	out := make([]float64, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Data["id"].(float64))
	}
	return out
}

func (h *harness) records(dataset string) []model.PulledRecord {
	h.t.Helper()
	recs, err := store.Collect(context.Background(), h.sink, dataset)
	require.NoError(h.t, err)
	return recs
}

// failPage makes one page of a list path answer with err
func failPage(path string, page int, err error) func(context.Context, string, url.Values) error {
	return func(_ context.Context, p string, params url.Values) error {
		if p == path && params.Get("sp.page") == strconv.Itoa(page) {
			return err
		}
		return nil
	}
}
