// Package influx stores the history and trends tiers in InfluxDB 2.x.
//
// Samples live in the "history" measurement and hourly rows in "trends",
// both tagged with itemid and value_type. Raw rows are fetched with Flux and
// bucketed locally with the same accumulator the embedded store uses.
package influx

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/query"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/vjranagit/histmanager/pkg/types"
)

const (
	historyMeasurement = "history"
	trendsMeasurement  = "trends"
)

// Config holds the InfluxDB connection settings
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// recordReader is the part of *api.QueryTableResult the stores read
type recordReader interface {
	Next() bool
	Record() *query.FluxRecord
	Err() error
}

type queryFunc func(ctx context.Context, flux string) (recordReader, error)

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Client talks to one InfluxDB bucket
type Client struct {
	client influxdb2.Client
	query  queryFunc
	writer pointWriter
	bucket string
	logger *slog.Logger
}

// New creates a client. No connection is made until the first call.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("InfluxDB url, org and bucket are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	queryAPI := client.QueryAPI(cfg.Org)

	return &Client{
		client: client,
		query:  newQueryFunc(queryAPI),
		writer: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		bucket: cfg.Bucket,
		logger: logger,
	}, nil
}

func newQueryFunc(q api.QueryAPI) queryFunc {
	return func(ctx context.Context, flux string) (recordReader, error) {
		result, err := q.Query(ctx, flux)
		if err != nil {
			return nil, fmt.Errorf("InfluxDB query failed: %w", err)
		}
		return result, nil
	}
}

// History returns the raw sample tier
func (c *Client) History() *HistoryStore { return &HistoryStore{c: c} }

// Trends returns the hourly trend tier
func (c *Client) Trends() *TrendStore { return &TrendStore{c: c} }

// Close releases the HTTP resources of the client
func (c *Client) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

// Write stores samples and trend rows as points
func (c *Client) Write(ctx context.Context, req *types.WriteRequest) error {
	points := make([]*write.Point, 0, len(req.Samples)+len(req.Trends))
	for _, s := range req.Samples {
		p, err := samplePoint(s)
		if err != nil {
			return err
		}
		points = append(points, p)
	}
	for _, r := range req.Trends {
		if !r.Type.Numeric() {
			return fmt.Errorf("item %d: trends hold numeric items only, got %s", r.ItemID, r.Type)
		}
		points = append(points, trendPoint(r))
	}
	if len(points) == 0 {
		return nil
	}
	if err := c.writer.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("InfluxDB write failed: %w", err)
	}
	c.logger.Debug("wrote points to InfluxDB", "points", len(points), "bucket", c.bucket)
	return nil
}

func samplePoint(s types.Sample) (*write.Point, error) {
	fields := map[string]interface{}{}
	switch s.Type {
	case types.ValueTypeFloat:
		fields["value"] = s.Float
	case types.ValueTypeUint:
		fields["value_uint"] = s.Uint
	case types.ValueTypeStr, types.ValueTypeText:
		fields["value_str"] = s.Str
	case types.ValueTypeLog:
		fields["value_str"] = s.Str
		fields["logeventid"] = s.LogEventID
		fields["severity"] = int64(s.Severity)
		fields["source"] = s.Source
	default:
		return nil, fmt.Errorf("item %d: unknown value type %d", s.ItemID, s.Type)
	}
	return influxdb2.NewPoint(historyMeasurement, tags(s.ItemID, s.Type), fields, time.Unix(s.Clock, int64(s.Ns))), nil
}

func trendPoint(r types.TrendRow) *write.Point {
	return influxdb2.NewPoint(trendsMeasurement, tags(r.ItemID, r.Type), map[string]interface{}{
		"value_min": r.ValueMin,
		"value_max": r.ValueMax,
		"value_avg": r.ValueAvg,
		"num":       r.Num,
	}, time.Unix(r.Clock, 0))
}

func tags(itemid uint64, vt types.ValueType) map[string]string {
	return map[string]string{
		"itemid":     strconv.FormatUint(itemid, 10),
		"value_type": vt.String(),
	}
}

// fluxQuery builds a pivoted query over one measurement for the given items.
// start is inclusive and stop exclusive, as with Flux range().
type fluxQuery struct {
	bucket      string
	measurement string
	itemids     []uint64
	vt          types.ValueType
	start       time.Time
	stop        time.Time
	desc        bool
	limit       int
}

func (q fluxQuery) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: %s)\n", strconv.Quote(q.bucket))
	fmt.Fprintf(&b, "  |> range(start: %s, stop: %s)\n", q.start.UTC().Format(time.RFC3339Nano), q.stop.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r._measurement == %s and r.value_type == %s)\n",
		strconv.Quote(q.measurement), strconv.Quote(q.vt.String()))

	ids := make([]string, len(q.itemids))
	for i, id := range q.itemids {
		ids[i] = fmt.Sprintf("r.itemid == %q", strconv.FormatUint(id, 10))
	}
	fmt.Fprintf(&b, "  |> filter(fn: (r) => %s)\n", strings.Join(ids, " or "))
	b.WriteString("  |> pivot(rowKey: [\"_time\"], columnKey: [\"_field\"], valueColumn: \"_value\")\n")
	fmt.Fprintf(&b, "  |> sort(columns: [\"_time\"], desc: %t)", q.desc)
	if q.limit > 0 {
		fmt.Fprintf(&b, "\n  |> limit(n: %d)", q.limit)
	}
	return b.String()
}

func (c *Client) run(ctx context.Context, q fluxQuery, each func(*query.FluxRecord) error) error {
	result, err := c.query(ctx, q.String())
	if err != nil {
		return err
	}
	for result.Next() {
		if err := each(result.Record()); err != nil {
			return err
		}
	}
	if err := result.Err(); err != nil {
		return fmt.Errorf("error reading InfluxDB results: %w", err)
	}
	return nil
}

func recordItemID(rec *query.FluxRecord) (uint64, error) {
	raw, _ := rec.ValueByKey("itemid").(string)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("record without a valid itemid tag: %q", raw)
	}
	return id, nil
}

func sampleFromRecord(rec *query.FluxRecord, vt types.ValueType) (types.Sample, error) {
	id, err := recordItemID(rec)
	if err != nil {
		return types.Sample{}, err
	}
	t := rec.Time()
	s := types.Sample{
		ItemID: id,
		Clock:  t.Unix(),
		Ns:     int32(t.Nanosecond()),
		Type:   vt,
	}
	switch vt {
	case types.ValueTypeFloat:
		s.Float = asFloat(rec.ValueByKey("value"))
	case types.ValueTypeUint:
		s.Uint = asUint(rec.ValueByKey("value_uint"))
	default:
		s.Str, _ = rec.ValueByKey("value_str").(string)
	}
	if vt == types.ValueTypeLog {
		s.LogEventID = asUint(rec.ValueByKey("logeventid"))
		s.Severity = int(asFloat(rec.ValueByKey("severity")))
		s.Source, _ = rec.ValueByKey("source").(string)
	}
	return s, nil
}

func trendFromRecord(rec *query.FluxRecord, vt types.ValueType) (types.TrendRow, error) {
	id, err := recordItemID(rec)
	if err != nil {
		return types.TrendRow{}, err
	}
	return types.TrendRow{
		ItemID:   id,
		Clock:    rec.Time().Unix(),
		Type:     vt,
		ValueMin: asFloat(rec.ValueByKey("value_min")),
		ValueMax: asFloat(rec.ValueByKey("value_max")),
		ValueAvg: asFloat(rec.ValueByKey("value_avg")),
		Num:      asUint(rec.ValueByKey("num")),
	}, nil
}

func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	}
	return 0
}

func asUint(v interface{}) uint64 {
	switch n := v.(type) {
	case uint64:
		return n
	case int64:
		if n > 0 {
			return uint64(n)
		}
	case float64:
		if n > 0 {
			return uint64(n)
		}
	}
	return 0
}

// epoch is the lower bound of unbounded ranges
var epoch = time.Unix(0, 0)

// farFuture is the upper bound of unbounded ranges
var farFuture = time.Date(2200, 1, 1, 0, 0, 0, 0, time.UTC)
