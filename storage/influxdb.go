package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/eddielth/ha-agent/logger"
)

const (
	influxConnectTimeout = 10 * time.Second
	influxMeasurement    = "device_state"
)

// InfluxConfig holds the InfluxDB v2 connection settings
type InfluxConfig struct {
	URL           string
	Token         string
	Org           string
	Bucket        string
	BatchSize     int
	FlushInterval int // seconds
}

// InfluxStorage writes every snapshot value as a field of one point.
// Writes are non-blocking and batched by the client.
type InfluxStorage struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
}

// NewInfluxStorage connects, pings and prepares the non-blocking write API
func NewInfluxStorage(cfg InfluxConfig) (*InfluxStorage, error) {
	if cfg.URL == "" || cfg.Bucket == "" {
		return nil, errors.New("influxdb: url and bucket are required")
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 10
	}

	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*1000),
	)

	ctx, cancel := context.WithTimeout(context.Background(), influxConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb: ping failed: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, errors.New("influxdb: server not healthy")
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func(errs <-chan error) {
		for err := range errs {
			logger.Warn("influxdb async write failed: %v", err)
		}
	}(writeAPI.Errors())

	logger.Info("InfluxDB state archive ready: %s/%s", cfg.URL, cfg.Bucket)
	return &InfluxStorage{client: client, writeAPI: writeAPI}, nil
}

// Store implements StorageBackend
func (is *InfluxStorage) Store(snapshot Snapshot) error {
	if len(snapshot.Values) == 0 {
		return nil
	}
	is.writeAPI.WritePoint(snapshotPoint(snapshot))
	return nil
}

func snapshotPoint(snapshot Snapshot) *write.Point {
	fields := make(map[string]interface{}, len(snapshot.Values))
	for k, v := range snapshot.Values {
		fields[k] = v
	}
	return write.NewPoint(
		influxMeasurement,
		map[string]string{
			"device_id": snapshot.DeviceID,
			"source":    snapshot.Source,
		},
		fields,
		time.UnixMilli(snapshot.Timestamp),
	)
}

// Close flushes pending writes and closes the client
func (is *InfluxStorage) Close() error {
	if is.client == nil {
		return nil
	}
	is.writeAPI.Flush()
	is.client.Close()
	return nil
}
