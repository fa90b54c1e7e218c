package pipeline

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-accurate-puller/internal/model"
	"go-accurate-puller/internal/pullerr"
)

func runList(t *testing.T, api *fakeAPI, ep Endpoint, start, maxPages int) (Result, []PageResult, error) {
	t.Helper()
	var committed []PageResult
	src := newListSource(api, ep, testDates(t), 2, discardLogger())
	res, err := NewPaginator(discardLogger()).Run(context.Background(), PageRun{
		Endpoint:  ep,
		Source:    src,
		StartPage: start,
		MaxPages:  maxPages,
		Commit: func(pr PageResult) error {
			committed = append(committed, pr)
			return nil
		},
	})
	return res, committed, err
}

func TestPaginatorStopsOnEmptyPage(t *testing.T) {
	api := newFakeAPI()
	api.lists[itemsPath] = itemRows(5)
	api.noPaging[itemsPath] = true

	res, committed, err := runList(t, api, testCatalog()[0], 1, 50)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3, 4}, api.pages(itemsPath))
	assert.Len(t, committed, 3)
	assert.Equal(t, 3, res.LastPage)
	assert.Equal(t, 5, res.RecordCount)
	assert.Equal(t, StopEmptyPage, res.Reason)
	assert.True(t, res.Complete)
}

func TestPaginatorStopsAtPageCount(t *testing.T) {
	api := newFakeAPI()
	api.lists[itemsPath] = itemRows(5)

	res, _, err := runList(t, api, testCatalog()[0], 1, 50)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3}, api.pages(itemsPath))
	assert.Equal(t, StopLastPage, res.Reason)
}

func TestPaginatorNeverExceedsMaxPages(t *testing.T) {
	api := newFakeAPI()
	api.lists[itemsPath] = itemRows(100)
	api.noPaging[itemsPath] = true

	res, committed, err := runList(t, api, testCatalog()[0], 1, 4)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3, 4}, api.pages(itemsPath))
	assert.Len(t, committed, 4)
	assert.Equal(t, StopMaxPages, res.Reason)
	assert.Equal(t, 4, res.LastPage)
}

func TestPaginatorAlreadyCompleteIssuesNoCalls(t *testing.T) {
	api := newFakeAPI()
	api.lists[itemsPath] = itemRows(5)
	ep := testCatalog()[0]

	res, err := NewPaginator(discardLogger()).Run(context.Background(), PageRun{
		Endpoint:  ep,
		Source:    newListSource(api, ep, testDates(t), 2, discardLogger()),
		StartPage: 2,
		Complete:  func() bool { return true },
	})
	require.NoError(t, err)

	assert.Zero(t, api.callCount(itemsPath))
	assert.Equal(t, StopAlreadyComplete, res.Reason)
	assert.Equal(t, 1, res.LastPage)
}

func TestPaginatorResumesFromStartPage(t *testing.T) {
	api := newFakeAPI()
	api.lists[itemsPath] = itemRows(7)

	res, committed, err := runList(t, api, testCatalog()[0], 3, 50)
	require.NoError(t, err)

	assert.Equal(t, []int{3, 4}, api.pages(itemsPath))
	require.Len(t, committed, 2)
	assert.Equal(t, 3, committed[0].Page)
	assert.Equal(t, 5.0, committed[0].Records[0].Data["id"])
	assert.Equal(t, 4, res.LastPage)
}

func TestPaginatorAccumulatesWithoutCommit(t *testing.T) {
	api := newFakeAPI()
	api.lists[itemsPath] = itemRows(3)
	ep := testCatalog()[0]

	res, err := NewPaginator(discardLogger()).Run(context.Background(), PageRun{
		Endpoint: ep,
		Source:   newListSource(api, ep, testDates(t), 2, discardLogger()),
	})
	require.NoError(t, err)
	require.Len(t, res.Records, 3)
	assert.Equal(t, "items", res.Records[2].Dataset)
	assert.Equal(t, 2, res.Records[2].Page)
}

func TestPaginatorFailedPageIsNotCommitted(t *testing.T) {
	api := newFakeAPI()
	api.lists[itemsPath] = itemRows(6)
	api.setHook(failPage(itemsPath, 2, pullerr.Exhausted(itemsPath, 4, 502, errors.New("bad gateway"))))

	res, committed, err := runList(t, api, testCatalog()[0], 1, 50)
	require.Error(t, err)

	assert.True(t, pullerr.IsRetryable(err))
	var pe *pullerr.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 2, pe.Page)
	assert.Equal(t, 4, pe.Attempts)
	assert.Len(t, committed, 1)
	assert.Equal(t, 1, res.LastPage)
}

func TestListSourceSendsDateFilter(t *testing.T) {
	api := newFakeAPI()
	api.lists[invoicesPath] = nil
	ep := testCatalog()[3]

	_, _, err := runList(t, api, ep, 1, 50)
	require.NoError(t, err)

	require.NotEmpty(t, api.calls)
	params := api.calls[0].Params
	assert.Equal(t, "01/01/2024", params.Get("filter.transDate.>="))
	assert.Equal(t, "31/01/2024", params.Get("filter.transDate.<="))
	assert.Equal(t, "2", params.Get("sp.pageSize"))
}

func TestListSourceDetailSubFetch(t *testing.T) {
	api := newFakeAPI()
	api.lists[invoicesPath] = []model.Record{
		{"id": 10.0, "number": "INV-10", "transDate": "05/01/2024"},
		{"id": 11.0, "number": "INV-11", "transDate": "06/01/2024", "customerId": 8.0},
	}
	api.lookup(invoiceDetail, "10", map[string]interface{}{
		"customer": map[string]interface{}{"id": 7.0},
		"detailItem": []interface{}{
			map[string]interface{}{"itemId": 3.0, "unitPrice": 15000.0, "quantity": 2.0},
			map[string]interface{}{"item": map[string]interface{}{"id": 4.0, "no": "I004"}, "price": 9000.0},
		},
	})

	_, committed, err := runList(t, api, testCatalog()[3], 1, 50)
	require.NoError(t, err)
	require.Len(t, committed, 1)

	page := committed[0]
	assert.Equal(t, 1, page.SkippedLookups, "INV-11 has no detail")
	assert.Equal(t, 2, api.callCount(invoiceDetail))

	var invoices, lines []model.PulledRecord
	for _, r := range page.Records {
		switch r.Dataset {
		case "sales_invoices":
			invoices = append(invoices, r)
		case "sales_details":
			lines = append(lines, r)
		}
	}
	require.Len(t, invoices, 2)
	require.Len(t, lines, 2)

	assert.Equal(t, 7.0, invoices[0].Data["customerId"])
	assert.Equal(t, 8.0, invoices[1].Data["customerId"])

	assert.Equal(t, 3.0, lines[0].Data["item_id"])
	assert.Equal(t, 15000.0, lines[0].Data["unit_price"])
	assert.Equal(t, 10.0, lines[0].Data["invoice_id"])
	assert.Equal(t, 7.0, lines[0].Data["customer_id"])
	assert.Equal(t, 4.0, lines[1].Data["item_id"])
	assert.Equal(t, 9000.0, lines[1].Data["unit_price"])
	assert.Equal(t, 0.0, lines[1].Data["qty"])
	assert.Equal(t, invoiceDetail, lines[1].Endpoint)
}

func TestListSourceDetailExhaustionFailsPage(t *testing.T) {
	api := newFakeAPI()
	api.lists[invoicesPath] = []model.Record{{"id": 10.0}}
	api.setHook(func(_ context.Context, path string, _ url.Values) error {
		if path == invoiceDetail {
			return pullerr.Exhausted(invoiceDetail, 4, 503, errors.New("unavailable"))
		}
		return nil
	})

	_, committed, err := runList(t, api, testCatalog()[3], 1, 50)
	require.Error(t, err)
	assert.True(t, pullerr.IsRetryable(err))
	assert.Empty(t, committed)
}

func TestFanOutSourceChunksDrivers(t *testing.T) {
	api := newFakeAPI()
	api.lookup(sellingPricePath, "1", map[string]interface{}{"unit1Price": 11000.0})
	api.lookup(sellingPricePath, "2", 9500.0)
	api.lookup(sellingPricePath, "4", []interface{}{})

	ep := testCatalog()[2]
	drivers := itemRows(5)
	src := newFanOutSource(api, ep, drivers, testDates(t), 2, discardLogger())
	require.Equal(t, 3, src.Pages())

	var committed []PageResult
	res, err := NewPaginator(discardLogger()).Run(context.Background(), PageRun{
		Endpoint: ep,
		Source:   src,
		MaxPages: src.Pages(),
		Commit: func(pr PageResult) error {
			committed = append(committed, pr)
			return nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 5, api.callCount(sellingPricePath))
	assert.Equal(t, 3, res.Pages)
	assert.Equal(t, 2, res.SkippedLookups, "ids 3 and 5 answer 404")
	require.Len(t, committed, 3)
	assert.Equal(t, 11000.0, committed[0].Records[0].Data["selling_price"])
	assert.Equal(t, 9500.0, committed[0].Records[1].Data["selling_price"])
	assert.Nil(t, committed[1].Records[0].Data["selling_price"])
	assert.Equal(t, 4.0, committed[1].Records[0].Data["item_id"])
}

func TestFanOutSendsDateParams(t *testing.T) {
	api := newFakeAPI()
	api.lookup("/api/item/stock-mutation-history.do", "1", []interface{}{
		map[string]interface{}{"transDate": "02/01/2024", "quantity": -3.0},
	})
	var ep Endpoint
	for _, e := range DefaultEndpoints() {
		if e.Name == "stock_mutations" {
			ep = e
		}
	}
	src := newFanOutSource(api, ep, itemRows(1), testDates(t), 10, discardLogger())

	pr, err := src.Fetch(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, pr.Records, 1)
	assert.Equal(t, "I001", pr.Records[0].Data["product_code"])
	assert.Equal(t, "01/01/2024", api.calls[0].Params.Get("startDate"))
	assert.Equal(t, "31/01/2024", api.calls[0].Params.Get("endDate"))
	assert.False(t, pr.More)
}
