// Package influx provides time-series metrics for the stratum server:
// per-share classification counts and solved block events.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
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

// NewClient creates a new InfluxDB client
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)

	return &Client{
		client:   client,
		writeAPI: writeAPI,
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

// Close flushes pending writes and closes the connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Flush forces pending writes out
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// WriteShareMetric records a classified share. Writes are buffered and
// asynchronous; a dropped point is acceptable.
func (c *Client) WriteShareMetric(userID int32, workerID int64, shareDiff uint64, result string) {
	point := influxdb2.NewPointWithMeasurement("shares").
		AddTag("user_id", fmt.Sprintf("%d", userID)).
		AddTag("worker_id", fmt.Sprintf("%d", workerID)).
		AddTag("result", result).
		AddField("share_diff", int64(shareDiff)).
		SetTime(time.Now())

	c.writeAPI.WritePoint(point)
}

// WriteBlockMetric records a solved block.
func (c *Client) WriteBlockMetric(height int32, jobID uint64, userID int32, workerID int64) {
	point := influxdb2.NewPointWithMeasurement("blocks").
		AddTag("user_id", fmt.Sprintf("%d", userID)).
		AddTag("worker_id", fmt.Sprintf("%d", workerID)).
		AddField("height", int64(height)).
		AddField("job_id", int64(jobID)).
		SetTime(time.Now())

	c.writeAPI.WritePoint(point)
}
