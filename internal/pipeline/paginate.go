package pipeline

import (
	"context"
	"log/slog"
	"net/url"
	"strconv"

	"go-accurate-puller/internal/model"
	"go-accurate-puller/internal/pullerr"
	"go-accurate-puller/internal/transport"
	"go-accurate-puller/pkg/utils"
)

// PageFetcher issues one logical API call. *transport.Client implements it.
type PageFetcher interface {
	Execute(ctx context.Context, endpoint string, params url.Values) (*transport.Response, error)
}

// PageResult is one fully fetched page, ready to be committed
type PageResult struct {
	Page           int
	Records        []model.PulledRecord
	SkippedLookups int
	// Empty marks the end-of-data page of a list endpoint; it is not committed.
	Empty bool
	More  bool
}

// PageSource produces the pages of one endpoint
type PageSource interface {
	Fetch(ctx context.Context, page int) (PageResult, error)
}

// Stop reasons reported by the Paginator
const (
	StopEmptyPage       = "empty_page"
	StopLastPage        = "last_page"
	StopMaxPages        = "max_pages"
	StopAlreadyComplete = "already_complete"
)

// PageRun describes one pass of the Paginator over an endpoint
type PageRun struct {
	Endpoint  Endpoint
	Source    PageSource
	StartPage int
	MaxPages  int
	// Complete reports the endpoint as already committed; no call is issued then.
	Complete func() bool
	// Commit receives every page in increasing order before the next page is
	// requested. When nil the records are accumulated into the Result.
	Commit func(PageResult) error
}

// Result is where a PageRun stopped
type Result struct {
	LastPage       int
	Pages          int
	RecordCount    int
	SkippedLookups int
	Records        []model.PulledRecord
	Complete       bool
	Reason         string
}

// Paginator drives a PageSource until the data or the page cap runs out
type Paginator struct {
	log *slog.Logger
}

// NewPaginator creates a Paginator logging through log
func NewPaginator(log *slog.Logger) *Paginator {
	if log == nil {
		log = slog.Default()
	}
	return &Paginator{log: log.With("component", "paginator")}
}

// Run fetches pages from run.StartPage on. It returns the last committed page
// even on error so the caller always knows the resume position.
func (p *Paginator) Run(ctx context.Context, run PageRun) (Result, error) {
	start := run.StartPage
	if start < 1 {
		start = 1
	}
	res := Result{LastPage: start - 1}

	if run.Complete != nil && run.Complete() {
		res.Complete = true
		res.Reason = StopAlreadyComplete
		return res, nil
	}

	for page := start; ; page++ {
		if run.MaxPages > 0 && page > run.MaxPages {
			res.Complete = true
			res.Reason = StopMaxPages
			if run.Endpoint.Kind == ListSource {
				p.log.Warn("⚠️ page cap reached", "endpoint", run.Endpoint.Name, "max_pages", run.MaxPages)
			}
			return res, nil
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		pr, err := run.Source.Fetch(ctx, page)
		if err != nil {
			return res, pullerr.WithPage(err, page)
		}
		pr.Page = page
		if pr.Empty {
			res.Complete = true
			res.Reason = StopEmptyPage
			return res, nil
		}

		if run.Commit != nil {
			if err := run.Commit(pr); err != nil {
				return res, err
			}
		} else {
			res.Records = append(res.Records, pr.Records...)
		}
		res.LastPage = page
		res.Pages++
		res.RecordCount += len(pr.Records)
		res.SkippedLookups += pr.SkippedLookups

		if !pr.More {
			res.Complete = true
			res.Reason = StopLastPage
			return res, nil
		}
	}
}

// ------------------- List source -------------------

type listSource struct {
	client   PageFetcher
	ep       Endpoint
	params   url.Values
	pageSize int
	log      *slog.Logger
}

func newListSource(client PageFetcher, ep Endpoint, dates model.DateRange, pageSize int, log *slog.Logger) *listSource {
	return &listSource{
		client:   client,
		ep:       ep,
		params:   ep.listParams(dates),
		pageSize: pageSize,
		log:      log,
	}
}

func (s *listSource) Fetch(ctx context.Context, page int) (PageResult, error) {
	params := url.Values{}
	for k, v := range s.params {
		params[k] = append([]string(nil), v...)
	}
	params.Set("sp.page", strconv.Itoa(page))
	params.Set("sp.pageSize", strconv.Itoa(s.pageSize))

	resp, err := s.client.Execute(ctx, s.ep.Path, params)
	if err != nil {
		return PageResult{}, err
	}
	rows, err := decodeRecords(resp.Data)
	if err != nil {
		return PageResult{}, pullerr.Permanent("decode", s.ep.Path, 0, err)
	}
	if len(rows) == 0 {
		return PageResult{Empty: true}, nil
	}

	out := PageResult{
		More: resp.Paging == nil || resp.Paging.PageCount == 0 || page < resp.Paging.PageCount,
	}
	for _, row := range rows {
		rec, err := applyTransformations(row, s.ep.Transformations)
		if err != nil {
			return PageResult{}, err
		}
		var children []model.Record
		if s.ep.Detail != nil {
			var skipped bool
			rec, children, skipped, err = s.detail(ctx, rec)
			if err != nil {
				return PageResult{}, err
			}
			if skipped {
				out.SkippedLookups++
			}
		}
		out.Records = append(out.Records, s.tag(s.ep.Name, s.ep.Path, page, rec))
		for _, c := range children {
			out.Records = append(out.Records, s.tag(s.ep.Detail.ChildDataset, s.ep.Detail.Path, page, c))
		}
	}
	return out, nil
}

// detail runs the per-record sub-fetch. A permanent failure keeps the list
// record as it is and reports the lookup as skipped; anything else fails the page.
func (s *listSource) detail(ctx context.Context, rec model.Record) (model.Record, []model.Record, bool, error) {
	id := utils.FormatID(rec["id"])
	if id == "" {
		return rec, nil, true, nil
	}
	resp, err := s.client.Execute(ctx, s.ep.Detail.Path, url.Values{"id": {id}})
	if pullerr.IsPermanent(err) {
		s.log.Warn("detail lookup skipped", "endpoint", s.ep.Name, "id", id, "error", err)
		return rec, nil, true, nil
	}
	if err != nil {
		return nil, nil, false, err
	}
	details, err := decodeRecords(resp.Data)
	if err != nil || len(details) == 0 {
		s.log.Warn("detail lookup returned no record", "endpoint", s.ep.Name, "id", id)
		return rec, nil, true, nil
	}
	merged, children := s.ep.Detail.Merge(rec, details[0])
	return merged, children, false, nil
}

func (s *listSource) tag(dataset, path string, page int, rec model.Record) model.PulledRecord {
	return model.PulledRecord{Dataset: dataset, Endpoint: path, Page: page, Data: rec}
}

// ------------------- Fan-out source -------------------

// fanOutSource issues one lookup per driver record, pageSize lookups per page
type fanOutSource struct {
	client   PageFetcher
	ep       Endpoint
	drivers  []model.Record
	dates    model.DateRange
	pageSize int
	log      *slog.Logger
}

func newFanOutSource(client PageFetcher, ep Endpoint, drivers []model.Record, dates model.DateRange, pageSize int, log *slog.Logger) *fanOutSource {
	if pageSize < 1 {
		pageSize = 1
	}
	return &fanOutSource{client: client, ep: ep, drivers: drivers, dates: dates, pageSize: pageSize, log: log}
}

// Pages is how many pages the driver set splits into
func (s *fanOutSource) Pages() int {
	return (len(s.drivers) + s.pageSize - 1) / s.pageSize
}

func (s *fanOutSource) Fetch(ctx context.Context, page int) (PageResult, error) {
	pages := s.Pages()
	if page > pages {
		return PageResult{Empty: true}, nil
	}
	lo := (page - 1) * s.pageSize
	hi := lo + s.pageSize
	if hi > len(s.drivers) {
		hi = len(s.drivers)
	}

	out := PageResult{More: page < pages}
	for _, driver := range s.drivers[lo:hi] {
		id := utils.FormatID(driver["id"])
		if id == "" {
			out.SkippedLookups++
			continue
		}
		params := url.Values{"id": {id}}
		if s.ep.DateParams {
			params.Set("startDate", s.dates.StartString())
			params.Set("endDate", s.dates.EndString())
		}

		resp, err := s.client.Execute(ctx, s.ep.Path, params)
		if pullerr.IsPermanent(err) {
			s.log.Debug("lookup skipped", "endpoint", s.ep.Name, "id", id, "error", err)
			out.SkippedLookups++
			continue
		}
		if err != nil {
			return PageResult{}, err
		}
		recs, err := s.ep.Expand(driver, resp.Data)
		if err != nil {
			s.log.Warn("lookup payload unreadable", "endpoint", s.ep.Name, "id", id, "error", err)
			out.SkippedLookups++
			continue
		}
		for _, r := range recs {
			out.Records = append(out.Records, model.PulledRecord{
				Dataset: s.ep.Name, Endpoint: s.ep.Path, Page: page, Data: r,
			})
		}
	}
	return out, nil
}
