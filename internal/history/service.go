package history

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/workwell/internal/api"
	"github.com/pitabwire/workwell/internal/catalog"
	"github.com/pitabwire/workwell/internal/observability"
	"github.com/pitabwire/workwell/internal/store"
	"github.com/pitabwire/workwell/model"
)

// Service serves history views. Each call fetches the user's engagement
// history, aggregates it against whatever collection metadata is cached
// and starts background fetches for the rest. Views stay unprocessed until
// a later call finds the metadata in place.
type Service struct {
	dispatcher *api.Dispatcher
	catalog    *catalog.Catalog
	store      *store.Store
	aggregator *Aggregator
	memo       *Memo
	defaultTZ  string
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// NewService creates a Service. defaultTZ is used for users whose request
// carries no timezone.
func NewService(d *api.Dispatcher, c *catalog.Catalog, s *store.Store, defaultTZ string, metrics *observability.Metrics, logger *zap.Logger) *Service {
	return &Service{
		dispatcher: d,
		catalog:    c,
		store:      s,
		aggregator: NewAggregator(metrics, logger),
		memo:       NewMemo(0),
		defaultTZ:  defaultTZ,
		metrics:    metrics,
		logger:     logger,
	}
}

// Location is the timezone history for rctx is laid out in: the request's
// own, else the configured default.
func (s *Service) Location(rctx *model.RequestContext) *time.Location {
	return rctx.Location(s.defaultTZ)
}

func historyScope(subject string) string {
	return "history:" + subject
}

// CollectionHistory returns the history of one collection for year. A
// non-zero month restricts it to that month.
func (s *Service) CollectionHistory(ctx context.Context, rctx *model.RequestContext, collectionURL string, year int, month time.Month) (view model.HistoryView, err error) {
	ctx, span := observability.StartSpan(ctx, "history.collection",
		observability.AttrSubjectID.String(rctx.SubjectID),
		observability.AttrCollectionURL.String(collectionURL),
		observability.AttrYear.Int(year),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	loc := s.Location(rctx)
	window := YearWindow(year, loc)
	var filter *Window
	if month != 0 {
		window = MonthWindow(year, month, loc)
		filter = &window
	}

	key := fmt.Sprintf("collection:%s:%d:%d:%s", collectionURL, year, month, loc)
	records, rev, err := s.fetchHistory(ctx, rctx, key,
		api.CollectionEngagementHistoryRequest(collectionURL, window.From, window.To))
	if err != nil {
		return model.HistoryView{}, err
	}

	pending := s.catalog.Fetching(collectionURL)
	memoKey := MemoKey{
		Scope:              ScopeCollection,
		Subject:            rctx.SubjectID,
		Collection:         collectionURL,
		CollectionRevision: s.catalog.Revision(),
		HistoryRevision:    rev,
		Year:               year,
		Month:              int(month),
		Location:           loc.String(),
		Pending:            pending,
	}
	if v, ok := s.memo.Get(memoKey); ok {
		s.metrics.RecordAggregationMemoHit(ScopeCollection)
		span.SetAttributes(observability.AttrCacheHit.Bool(true))
		return v, nil
	}

	res := s.aggregator.AggregateCollection(collectionURL, Input{
		Year:        year,
		Window:      filter,
		Location:    loc,
		Records:     records,
		Loaded:      true,
		Collections: s.catalog.LookupAll(ctx, []string{collectionURL}),
		Pending:     pending,
	})
	s.converge(ctx, rctx, res)
	s.remember(memoKey, res)
	span.SetAttributes(viewAttributes(res.View)...)
	return res.View, nil
}

// AllHistory returns the history across every ACTIVITY collection for year.
func (s *Service) AllHistory(ctx context.Context, rctx *model.RequestContext, year int) (view model.HistoryView, err error) {
	ctx, span := observability.StartSpan(ctx, "history.all",
		observability.AttrSubjectID.String(rctx.SubjectID),
		observability.AttrYear.Int(year),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	loc := s.Location(rctx)
	window := YearWindow(year, loc)

	key := fmt.Sprintf("all:%d:%s", year, loc)
	records, rev, err := s.fetchHistory(ctx, rctx, key, api.EngagementHistoryRequest(window.From, window.To))
	if err != nil {
		return model.HistoryView{}, err
	}

	engaged := ReferencedCollections(records)
	pending := s.catalog.Fetching(engaged...)
	memoKey := MemoKey{
		Scope:              ScopeAll,
		Subject:            rctx.SubjectID,
		CollectionRevision: s.catalog.Revision(),
		HistoryRevision:    rev,
		Year:               year,
		Location:           loc.String(),
		Pending:            pending,
	}
	if v, ok := s.memo.Get(memoKey); ok {
		s.metrics.RecordAggregationMemoHit(ScopeAll)
		span.SetAttributes(observability.AttrCacheHit.Bool(true))
		return v, nil
	}

	res := s.aggregator.AggregateAll(Input{
		Year:        year,
		Location:    loc,
		Records:     records,
		Loaded:      true,
		Collections: s.catalog.LookupAll(ctx, engaged),
		Pending:     pending,
	})
	s.converge(ctx, rctx, res)
	s.remember(memoKey, res)
	span.SetAttributes(viewAttributes(res.View)...)
	return res.View, nil
}

// fetchHistory loads a history page from the remote API into the store and
// returns it with its revision.
func (s *Service) fetchHistory(ctx context.Context, rctx *model.RequestContext, key string, req api.Request) ([]model.Engagement, uint64, error) {
	resp, err := s.dispatcher.Do(ctx, historyScope(rctx.SubjectID), rctx, req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch engagement history: %w", err)
	}
	records, err := api.DecodeList[model.Engagement](resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("decode engagement history: %w", err)
	}
	rev := s.store.PutHistory(rctx.SubjectID, key, records)
	return records, rev, nil
}

// remember memoises processed views only. An unprocessed pass must run
// again so a failed collection fetch is retried on the next call.
func (s *Service) remember(key MemoKey, res Result) {
	if !res.View.DataProcessed || len(res.Missing) > 0 {
		return
	}
	s.memo.Put(key, res.View)
}

// converge starts fetches for the collections a pass reported missing.
func (s *Service) converge(ctx context.Context, rctx *model.RequestContext, res Result) {
	if len(res.Missing) == 0 {
		return
	}
	started := s.catalog.Prefetch(ctx, rctx, res.Missing)
	if len(started) > 0 {
		observability.RequestLogger(ctx, s.logger).Debug("fetching collections for history",
			zap.Strings("collections", started),
		)
	}
}

func viewAttributes(v model.HistoryView) []attribute.KeyValue {
	n := 0
	for _, m := range v.Calendar {
		for _, d := range m.DaysInMonth {
			n += len(d.Engagements)
		}
	}
	return []attribute.KeyValue{
		attribute.Bool("workwell.data_processed", v.DataProcessed),
		attribute.Int("workwell.engagements", n),
	}
}
