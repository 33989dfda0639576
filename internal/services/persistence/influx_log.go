package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/agrimonitor/internal/model"
)

// Configurazione Influx
type InfluxConfig struct {
	URL               string
	Token             string
	Org               string
	Bucket            string
	MeasurementPrefix string // es. "agri_" -> agri_readings, agri_alert_events
}

// InfluxLog stores the log as two measurements in one bucket.
// Retention is delegated to the bucket policy.
type InfluxLog struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	queryAPI api.QueryAPI
	bucket   string

	readingsM string
	alertsM   string
	log       *zap.Logger
}

func NewInfluxLog(cfg InfluxConfig, logger *zap.Logger) (*InfluxLog, error) {
	if cfg.URL == "" || cfg.Token == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: influx config incomplete", model.ErrConfiguration)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxLog{
		client:    client,
		writeAPI:  client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		queryAPI:  client.QueryAPI(cfg.Org),
		bucket:    cfg.Bucket,
		readingsM: sanitizeMeasurement(cfg.MeasurementPrefix + "readings"),
		alertsM:   sanitizeMeasurement(cfg.MeasurementPrefix + "alert_events"),
		log:       logger,
	}, nil
}

func readingPoint(measurement string, r model.Reading) *write.Point {
	tags := map[string]string{
		"sensor_type": string(r.SensorType),
		"unit":        r.Unit,
	}
	fields := map[string]interface{}{
		"value": r.Value,
		"seq":   int64(r.Sequence),
	}
	return influxdb2.NewPoint(measurement, tags, fields, r.Timestamp)
}

func alertPoint(measurement string, e AlertEvent) *write.Point {
	tags := map[string]string{
		"sensor_type": string(e.SensorType),
		"condition":   string(e.Condition),
		"kind":        string(e.Kind),
		"alert_id":    e.AlertID,
	}
	fields := map[string]interface{}{"value": e.Value}
	return influxdb2.NewPoint(measurement, tags, fields, e.Timestamp)
}

func (l *InfluxLog) AppendReadings(ctx context.Context, readings []model.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	pts := make([]*write.Point, 0, len(readings))
	for _, r := range readings {
		pts = append(pts, readingPoint(l.readingsM, r))
	}
	if err := l.writeAPI.WritePoint(ctx, pts...); err != nil {
		return fmt.Errorf("influx write readings: %w", err)
	}
	return nil
}

func (l *InfluxLog) AppendAlertEvents(ctx context.Context, events []AlertEvent) error {
	if len(events) == 0 {
		return nil
	}
	pts := make([]*write.Point, 0, len(events))
	for _, e := range events {
		pts = append(pts, alertPoint(l.alertsM, e))
	}
	if err := l.writeAPI.WritePoint(ctx, pts...); err != nil {
		return fmt.Errorf("influx write alert events: %w", err)
	}
	return nil
}

func buildRangeFlux(bucket, measurement string, sensor model.SensorType, since, until time.Time, limit int) string {
	return fmt.Sprintf(`
from(bucket: %q)
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => r._measurement == %q and r.sensor_type == %q)
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> keep(columns: ["_time","value","seq","unit","sensor_type"])
  |> sort(columns: ["_time"], desc: true)
  |> limit(n:%d)
`, bucket, since.UTC().Format(time.RFC3339Nano), until.UTC().Add(time.Nanosecond).Format(time.RFC3339Nano),
		measurement, string(sensor), limit)
}

func (l *InfluxLog) ReadingsRange(ctx context.Context, sensor model.SensorType, since, until time.Time, limit int) ([]model.Reading, error) {
	if limit <= 0 {
		limit = 20000
	}
	res, err := l.queryAPI.Query(ctx, buildRangeFlux(l.bucket, l.readingsM, sensor, since, until, limit))
	if err != nil {
		return nil, fmt.Errorf("influx query: %w", err)
	}
	defer func() { _ = res.Close() }()

	out := []model.Reading{}
	for res.Next() {
		rec := res.Record()
		r := model.Reading{SensorType: sensor, Timestamp: rec.Time().UTC()}
		r.Value = toFloat(rec.ValueByKey("value"))
		r.Sequence = uint64(toFloat(rec.ValueByKey("seq")))
		if u, ok := rec.ValueByKey("unit").(string); ok {
			r.Unit = u
		}
		out = append(out, r)
	}
	if res.Err() != nil {
		return out, fmt.Errorf("influx iter: %w", res.Err())
	}
	reverse(out)
	return out, nil
}

func buildMaxSeqFlux(bucket, measurement string) string {
	return fmt.Sprintf(`
from(bucket: %q)
  |> range(start: 0)
  |> filter(fn: (r) => r._measurement == %q and r._field == "seq")
  |> group()
  |> max()
`, bucket, measurement)
}

func (l *InfluxLog) MaxSequence(ctx context.Context) (uint64, error) {
	res, err := l.queryAPI.Query(ctx, buildMaxSeqFlux(l.bucket, l.readingsM))
	if err != nil {
		return 0, fmt.Errorf("influx max seq: %w", err)
	}
	defer func() { _ = res.Close() }()
	var seq uint64
	for res.Next() {
		if v := uint64(toFloat(res.Record().Value())); v > seq {
			seq = v
		}
	}
	if res.Err() != nil {
		return 0, fmt.Errorf("influx iter: %w", res.Err())
	}
	return seq, nil
}

func toFloat(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	case uint64:
		return float64(x)
	case int:
		return float64(x)
	}
	return 0
}

func (l *InfluxLog) Ping(ctx context.Context) error {
	ok, err := l.client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("influx not ready")
	}
	return nil
}

func (l *InfluxLog) Close() error {
	l.client.Close()
	return nil
}

func sanitizeMeasurement(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '_', r == ':', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
