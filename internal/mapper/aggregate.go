package mapper

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/seemycity/muni-health/internal/model"
	"github.com/seemycity/muni-health/pkg/munimoney"
)

// Metrics lists every metric in the order they are reported.
var Metrics = []Metric{
	MetricRevenue,
	MetricExpenditure,
	MetricCapitalExpenditure,
	MetricDebt,
	MetricAudit,
}

// Aggregator issues one cube query per distinct metric query and assembles
// a MetricSet.
type Aggregator struct {
	client      munimoney.Client
	queries     map[Metric]FactQuery
	concurrency int
	log         *zap.Logger
}

// NewAggregator creates an Aggregator over the given gateway client.
func NewAggregator(client munimoney.Client) *Aggregator {
	return &Aggregator{
		client:      client,
		queries:     FactQueries(),
		concurrency: len(Metrics),
		log:         zap.L().With(zap.String("component", "aggregator")),
	}
}

type metricOutcome struct {
	amount Amount
	audit  *model.AuditOutcome
	err    error
	parse  bool
}

type cubeResult struct {
	resp *munimoney.Response
	err  error
}

// Aggregate fetches all metrics for an entity-year concurrently. Metrics
// that share an identical cube query (revenue and expenditure both read
// incexp_v2) share one gateway call. A metric whose response cannot be
// parsed, or that has no data, is null. Gateway failures also null the
// metric, unless no metric was fetched at all, in which case the first
// failure in metric order is returned.
func (a *Aggregator) Aggregate(ctx context.Context, entityID string, year int) (model.MetricSet, error) {
	var (
		queries []munimoney.CubeQuery
		slot    = make([]int, len(Metrics))
		byURL   = make(map[string]int, len(Metrics))
	)
	for i, m := range Metrics {
		q := a.query(m, entityID, year)
		key := q.URL("")
		j, ok := byURL[key]
		if !ok {
			j = len(queries)
			byURL[key] = j
			queries = append(queries, q)
		}
		slot[i] = j
	}

	replies := make([]cubeResult, len(queries))
	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for j, q := range queries {
		g.Go(func() error {
			resp, err := a.client.Aggregate(ctx, q)
			replies[j] = cubeResult{resp: resp, err: err}
			return nil
		})
	}
	_ = g.Wait()

	outcomes := make([]metricOutcome, len(Metrics))
	for i, m := range Metrics {
		outcomes[i] = a.interpret(m, queries[slot[i]], replies[slot[i]], entityID, year)
	}

	ms := model.MetricSet{Year: year}
	var (
		firstErr  error
		succeeded int
		failed    []string
	)
	for i, m := range Metrics {
		o := outcomes[i]
		switch {
		case o.err == nil:
			succeeded++
		case o.parse:
			failed = append(failed, string(m))
		default:
			failed = append(failed, string(m))
			if firstErr == nil {
				firstErr = o.err
			}
		}

		switch m {
		case MetricRevenue:
			ms.Revenue = o.amount.NullDecimal()
		case MetricExpenditure:
			ms.Expenditure = o.amount.NullDecimal()
		case MetricCapitalExpenditure:
			ms.CapitalExpenditure = o.amount.NullDecimal()
		case MetricDebt:
			ms.Debt = o.amount.NullDecimal()
		case MetricAudit:
			ms.AuditOutcome = o.audit
		}
	}

	if succeeded == 0 && firstErr != nil {
		return model.MetricSet{}, firstErr
	}
	if len(failed) > 0 {
		a.log.Warn("aggregator: partial metric set",
			zap.String("entity", entityID),
			zap.Int("year", year),
			zap.Strings("failed", failed),
			zap.Error(firstErr),
		)
	}
	return ms, nil
}

func (a *Aggregator) query(m Metric, entityID string, year int) munimoney.CubeQuery {
	if m == MetricAudit {
		return AuditQuery(entityID, year)
	}
	return a.queries[m].CubeQuery(entityID, year)
}

func (a *Aggregator) interpret(m Metric, q munimoney.CubeQuery, r cubeResult, entityID string, year int) metricOutcome {
	resp, err := r.resp, r.err
	if err != nil {
		if munimoney.IsKind(err, munimoney.KindParse) {
			fields := []zap.Field{
				zap.String("entity", entityID),
				zap.Int("year", year),
				zap.String("metric", string(m)),
				zap.String("cube", q.Cube),
				zap.Error(err),
			}
			if resp != nil {
				fields = append(fields, zap.ByteString("payload", resp.Raw))
			}
			a.log.Error("aggregator: upstream data could not be parsed", fields...)
			return metricOutcome{err: err, parse: true}
		}
		return metricOutcome{err: err}
	}

	if m == MetricAudit {
		return metricOutcome{audit: MapAudit(resp.Result.Cells, year)}
	}

	amt := MapFacts(resp.Result.Cells, a.queries[m])
	if !amt.Found {
		a.log.Debug("aggregator: no data",
			zap.String("entity", entityID),
			zap.Int("year", year),
			zap.String("metric", string(m)),
		)
	}
	return metricOutcome{amount: amt}
}
