// Package influx writes one aggregate point per successful node poll to
// InfluxDB. When the server is unreachable at startup, points go to a
// gzipped line-protocol backup file instead.
package influx

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2_api "github.com/influxdata/influxdb-client-go/v2/api"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/rs/zerolog"

	"github.com/meshspy/dashboard/internal/fetcher"
)

// Measurement is the name of the poll point.
const Measurement = "mesh_poll"

// SourceTag identifies the writer of poll points. The client serializes a
// point without tags as "measurement, fields", so every point carries it.
const SourceTag = "dashboard"

// retention of a bucket created by the sink
const retentionSeconds = 60 * 60 * 24 * 90

// Config holds the sink settings.
type Config struct {
	URL          string
	Token        string
	Org          string
	Bucket       string
	CreateBucket bool
	// BackupPath receives line protocol when the server is unreachable.
	BackupPath string
}

// Sink is a fetcher.Observer that records poll aggregates.
type Sink struct {
	client influxdb2.Client
	writer influxdb2_api.WriteAPI
	logger zerolog.Logger

	mu         sync.Mutex
	backup     *gzip.Writer
	backupFile *os.File
	valid      bool
}

var _ fetcher.Observer = (*Sink)(nil)

// NewSink connects to InfluxDB. An unreachable server is not an error when a
// backup path is configured.
func NewSink(ctx context.Context, cfg Config, logger zerolog.Logger) (*Sink, error) {
	s := &Sink{logger: logger}
	s.client = influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(100).
			SetFlushInterval(1000),
	)

	running, err := s.client.Ping(ctx)
	if err != nil || !running {
		s.client.Close()
		if cfg.BackupPath == "" {
			return nil, fmt.Errorf("influxdb at %s is not reachable: %v", cfg.URL, err)
		}
		if err := s.openBackup(cfg.BackupPath); err != nil {
			return nil, err
		}
		s.logger.Warn().Str("backupPath", cfg.BackupPath).Msg("InfluxDB not reachable, writing poll points to backup file")
		return s, nil
	}

	if cfg.CreateBucket {
		if err := s.ensureBucket(ctx, cfg.Org, cfg.Bucket); err != nil {
			s.client.Close()
			return nil, err
		}
	}

	s.writer = s.client.WriteAPI(cfg.Org, cfg.Bucket)
	go func(errs <-chan error) {
		for writeErr := range errs {
			s.logger.Error().Err(writeErr).Str("bucket", cfg.Bucket).Msg("Error sending data to InfluxDB")
		}
	}(s.writer.Errors())

	s.valid = true
	s.logger.Info().Str("bucket", cfg.Bucket).Msg("InfluxDB poll sink initialized")
	return s, nil
}

func (s *Sink) openBackup(path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("error creating backup file: %v", err)
	}
	s.backupFile = file
	s.backup = gzip.NewWriter(file)
	return nil
}

func (s *Sink) ensureBucket(ctx context.Context, orgName, bucket string) error {
	if _, err := s.client.BucketsAPI().FindBucketByName(ctx, bucket); err == nil {
		return nil
	}
	org, err := s.client.OrganizationsAPI().FindOrganizationByName(ctx, orgName)
	if err != nil {
		return fmt.Errorf("influxdb organization %s: %w", orgName, err)
	}
	s.logger.Info().Str("bucket", bucket).Msg("Bucket not found, creating")
	rule := domain.RetentionRuleTypeExpire
	if _, err := s.client.BucketsAPI().CreateBucketWithName(ctx, org, bucket, domain.RetentionRule{
		Type:         &rule,
		EverySeconds: retentionSeconds,
	}); err != nil {
		return fmt.Errorf("creating influxdb bucket %s: %w", bucket, err)
	}
	return nil
}

// Valid reports whether points go to the server rather than the backup file.
func (s *Sink) Valid() bool {
	return s.valid
}

// PollPoint converts a poll summary into a point. Only counts are recorded.
func PollPoint(sum fetcher.Summary) *influxdb2_write.Point {
	return influxdb2_write.NewPointWithMeasurement(Measurement).
		AddTag("source", SourceTag).
		AddField("total", sum.Counts.Total).
		AddField("positioned", sum.Counts.WithPosition).
		AddField("offline", sum.Counts.Offline).
		AddField("dropped", sum.Dropped).
		AddField("duration_ms", float64(sum.Duration)/float64(time.Millisecond)).
		SetTime(sum.At)
}

// ObservePoll records one poll.
func (s *Sink) ObservePoll(_ context.Context, sum fetcher.Summary) {
	if err := s.WritePoint(PollPoint(sum)); err != nil {
		s.logger.Error().Err(err).Msg("Failed to record poll point")
	}
}

// WritePoint sends point to the server or appends it to the backup file.
func (s *Sink) WritePoint(point *influxdb2_write.Point) error {
	if s.valid {
		s.writer.WritePoint(point)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backup == nil {
		return errors.New("influxdb sink is closed")
	}
	line := influxdb2_write.PointToLineProtocol(point, time.Nanosecond)
	if _, err := s.backup.Write([]byte(line)); err != nil {
		return fmt.Errorf("error writing to InfluxDB backup file: %s", err)
	}
	return nil
}

// Close flushes pending points and releases the client or backup file.
func (s *Sink) Close() error {
	if s.valid {
		s.writer.Flush()
		s.client.Close()
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backup == nil {
		return nil
	}
	err := errors.Join(s.backup.Close(), s.backupFile.Close())
	s.backup, s.backupFile = nil, nil
	return err
}
