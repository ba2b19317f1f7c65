package influxx

import (
	"context"
	"errors"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"warehouse-choreography/shared/config"
	"warehouse-choreography/shared/metricsx"
)

// Client batches telemetry points in the background; WritePoint never blocks on the
// network. Write errors are counted and handed to the onError callback.
type Client struct {
	client influxdb2.Client
	writer api.WriteAPI
	done   chan struct{}
}

func Enabled(cfg config.Config) bool {
	return cfg.InfluxURL != "" && cfg.InfluxToken != "" && cfg.InfluxOrg != "" && cfg.InfluxBucket != ""
}

func New(cfg config.Config, onError func(error)) (*Client, error) {
	if !Enabled(cfg) {
		return nil, errors.New("INFLUX_URL/INFLUX_TOKEN/INFLUX_ORG/INFLUX_BUCKET are required")
	}
	opts := influxdb2.DefaultOptions().
		SetHTTPRequestTimeout(uint(cfg.InfluxTimeoutMS)).
		SetBatchSize(500).
		SetFlushInterval(1000)
	client := influxdb2.NewClientWithOptions(cfg.InfluxURL, cfg.InfluxToken, opts)
	c := &Client{
		client: client,
		writer: client.WriteAPI(cfg.InfluxOrg, cfg.InfluxBucket),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(c.done)
		for err := range c.writer.Errors() {
			metricsx.IncInfluxWriteFailure()
			if onError != nil {
				onError(err)
			}
		}
	}()
	return c, nil
}

func (c *Client) WritePoint(_ context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error {
	if c == nil || c.client == nil {
		return errors.New("influx client not initialized")
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	c.writer.WritePoint(influxdb2.NewPoint(measurement, tags, fields, ts))
	return nil
}

func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.writer.Flush()
	c.client.Close()
	select {
	case <-c.done:
	case <-time.After(time.Second):
	}
}
