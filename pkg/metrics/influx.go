package metrics

import (
	"fmt"
	"time"

	"github.com/OpenCHAMI/upsmon/pkg/ups"
	client "github.com/influxdata/influxdb1-client/v2"
)

type InfluxConfig struct {
	URL      string        `mapstructure:"url"`
	Database string        `mapstructure:"database"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Insecure bool          `mapstructure:"insecure"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// InfluxWriter pushes status points to an InfluxDB 1.x HTTP endpoint.
type InfluxWriter struct {
	client   client.Client
	database string
}

func NewInfluxWriter(cfg InfluxConfig) (*InfluxWriter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("no InfluxDB URL set")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c, err := client.NewHTTPClient(client.HTTPConfig{
		Addr:               cfg.URL,
		Username:           cfg.Username,
		Password:           cfg.Password,
		Timeout:            timeout,
		InsecureSkipVerify: cfg.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create InfluxDB client: %w", err)
	}
	return &InfluxWriter{client: c, database: cfg.Database}, nil
}

func (w *InfluxWriter) Write(name string, status ups.Status, t time.Time) error {
	pt, err := Point(name, status, t)
	if err != nil {
		return fmt.Errorf("failed to build status point: %w", err)
	}
	bp, err := client.NewBatchPoints(client.BatchPointsConfig{Database: w.database, Precision: "s"})
	if err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}
	bp.AddPoint(client.NewPointFrom(pt))
	if err := w.client.Write(bp); err != nil {
		return fmt.Errorf("failed to write to InfluxDB: %w", err)
	}
	return nil
}

func (w *InfluxWriter) Close() error {
	return w.client.Close()
}
