// Package influx records search metrics as InfluxDB time series.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/query"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"

	"github.com/bardlex/prefixminer/internal/report"
	"github.com/bardlex/prefixminer/pkg/errors"
)

// MeasurementSearch holds one point per recorded event
const MeasurementSearch = "search"

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	queryAPI api.QueryAPI
	bucket   string
	org      string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client and checks the server's health
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}

	if err := c.Health(healthCtx); err != nil {
		client.Close()
		return nil, err
	}

	return c, nil
}

// Close closes the InfluxDB connection
func (c *Client) Close() error {
	c.client.Close()
	return nil
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "influx_health", "InfluxDB is unreachable")
	}
	if health.Status != domain.HealthCheckStatusPass {
		se := errors.New(errors.ErrorTypeStorage, "influx_health", "InfluxDB reports unhealthy").
			WithContext("status", string(health.Status))
		if health.Message != nil {
			se = se.WithContext("detail", *health.Message)
		}
		return se
	}
	return nil
}

// searchPoint renders event as a point of the search measurement
func searchPoint(event *report.Event) *write.Point {
	tags := map[string]string{
		"kind":       string(event.Kind),
		"difficulty": strconv.Itoa(event.Difficulty),
	}
	if event.Address != "" {
		tags["address"] = event.Address
	}

	fields := map[string]any{
		"job_id":     event.JobID,
		"nonce":      event.Nonce,
		"hashes":     event.Hashes,
		"elapsed_ms": float64(event.Elapsed) / float64(time.Millisecond),
		"hashrate":   event.Hashrate(),
		"count":      1,
	}

	at := event.At
	if at.IsZero() {
		at = time.Now()
	}

	return write.NewPoint(MeasurementSearch, tags, fields, at)
}

// WriteSearchMetric writes event to the search measurement
func (c *Client) WriteSearchMetric(ctx context.Context, event *report.Event) error {
	if err := c.writeAPI.WritePoint(ctx, searchPoint(event)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "write_search_metric",
			"failed to write search metric").
			WithContext("job_id", event.JobID)
	}
	return nil
}

// Record implements report.Sink
func (c *Client) Record(ctx context.Context, event *report.Event) error {
	return c.WriteSearchMetric(ctx, event)
}

// query runs a Flux query over the search measurement of the last window.
// pipeline is appended after the measurement filter; visit sees every record.
func (c *Client) query(ctx context.Context, operation string, window time.Duration, pipeline string, visit func(*query.FluxRecord)) error {
	flux := fmt.Sprintf("from(bucket: %q)\n|> range(start: -%s)\n|> filter(fn: (r) => r._measurement == %q)\n%s",
		c.bucket, window, MeasurementSearch, pipeline)

	result, err := c.queryAPI.Query(ctx, flux)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, operation, "InfluxDB query failed")
	}
	defer func() { _ = result.Close() }()

	for result.Next() {
		visit(result.Record())
	}
	if err := result.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, operation, "failed to read InfluxDB result")
	}
	return nil
}

// GetHashrateHistory returns the mean hashrate for address in 5 minute windows
func (c *Client) GetHashrateHistory(ctx context.Context, address string, window time.Duration) ([]HashratePoint, error) {
	pipeline := fmt.Sprintf(`|> filter(fn: (r) => r.address == %q and r._field == "hashrate")
|> aggregateWindow(every: 5m, fn: mean, createEmpty: false)`, address)

	var points []HashratePoint
	err := c.query(ctx, "hashrate_history", window, pipeline, func(record *query.FluxRecord) {
		if value, ok := record.Value().(float64); ok {
			points = append(points, HashratePoint{Time: record.Time(), Hashrate: value})
		}
	})
	return points, err
}

// GetKindCounts returns the number of events per kind over window
func (c *Client) GetKindCounts(ctx context.Context, window time.Duration) (map[string]int64, error) {
	pipeline := `|> filter(fn: (r) => r._field == "count")
|> group(columns: ["kind"])
|> sum()`

	counts := make(map[string]int64)
	err := c.query(ctx, "kind_counts", window, pipeline, func(record *query.FluxRecord) {
		kind, _ := record.ValueByKey("kind").(string)
		if count, ok := record.Value().(int64); ok && kind != "" {
			counts[kind] = count
		}
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// HashratePoint is a hashrate measurement at a point in time
type HashratePoint struct {
	Time     time.Time `json:"time"`
	Hashrate float64   `json:"hashrate"`
}

var _ report.Sink = (*Client)(nil)
