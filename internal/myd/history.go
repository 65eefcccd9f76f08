// Package myd summarises Map Your Day entries from the user's collected
// profile into one record per local date.
package myd

import (
	"context"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/pitabwire/workwell/internal/api"
	"github.com/pitabwire/workwell/internal/observability"
	"github.com/pitabwire/workwell/model"
)

const dateLayout = "2006-01-02"

// Summarize reads a CUP list body, either a bare array or a paginated
// envelope, and returns the Map Your Day summary keyed by local date. When
// several entries fall on one date the last one wins.
func Summarize(body []byte, loc *time.Location) (map[string]model.MYDDay, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("myd: invalid JSON body")
	}
	entries := gjson.ParseBytes(body)
	if !entries.IsArray() {
		entries = entries.Get("results")
	}

	days := make(map[string]model.MYDDay)
	var err error
	entries.ForEach(func(_, entry gjson.Result) bool {
		start, perr := time.Parse(time.RFC3339, entry.Get("start").String())
		if perr != nil {
			err = fmt.Errorf("myd: entry %q: start: %w", entry.Get("id").String(), perr)
			return false
		}
		subgroups := entry.Get("datagroups.0.subgroups")
		days[start.In(loc).Format(dateLayout)] = summarizeDay(subgroups)
		return true
	})
	if err != nil {
		return nil, err
	}
	return days, nil
}

func summarizeDay(subgroups gjson.Result) model.MYDDay {
	var day model.MYDDay

	avg := subgroups.Get(`#(code=="` + model.MYDAverageWellbeingCode + `").data`)
	if avg.Exists() && avg.Type == gjson.Number {
		v := avg.Float()
		day.AverageWellbeing = &v
		day.Mood = model.MoodFor(v)
	}

	reflection := subgroups.Get(`#(code=="` + model.MYDDailyReflectionCode + `").data`)
	if reflection.Exists() {
		day.PositiveEvent = optionalString(reflection.Get("positive"))
		day.NegativeEvent = optionalString(reflection.Get("negative"))
	}
	return day
}

func optionalString(r gjson.Result) *string {
	if !r.Exists() || r.Type == gjson.Null {
		return nil
	}
	s := r.String()
	return &s
}

// Service fetches and summarises a user's Map Your Day history.
type Service struct {
	dispatcher *api.Dispatcher
	defaultTZ  string
	logger     *zap.Logger
}

// NewService creates a Service. defaultTZ is used when the request carries
// no timezone.
func NewService(d *api.Dispatcher, defaultTZ string, logger *zap.Logger) *Service {
	return &Service{dispatcher: d, defaultTZ: defaultTZ, logger: logger}
}

// History returns the user's Map Your Day summary keyed by local date.
func (s *Service) History(ctx context.Context, rctx *model.RequestContext) (days map[string]model.MYDDay, err error) {
	ctx, span := observability.StartSpan(ctx, "myd.history",
		observability.AttrSubjectID.String(rctx.SubjectID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	resp, err := s.dispatcher.Do(ctx, "myd:"+rctx.SubjectID, rctx, api.MYDHistoryRequest())
	if err != nil {
		return nil, fmt.Errorf("fetch map your day entries: %w", err)
	}
	days, err = Summarize(resp.Body, rctx.Location(s.defaultTZ))
	if err != nil {
		return nil, err
	}
	observability.RequestLogger(ctx, s.logger).Debug("map your day history summarised", zap.Int("days", len(days)))
	return days, nil
}
