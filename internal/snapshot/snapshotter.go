// Package snapshot periodically exports the scene store to object storage
// as a gzip-compressed JSON-lines dump.
package snapshot

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/holorelay/holorelay/internal/errkind"
	"github.com/holorelay/holorelay/internal/logging"
	"github.com/holorelay/holorelay/internal/metrics"
	"github.com/holorelay/holorelay/internal/scene"
	"github.com/holorelay/holorelay/internal/store"
)

// LatestKey is the stable key overwritten on every successful snapshot.
// Each run additionally writes a timestamped archive key next to it.
const LatestKey = "snapshots/scene/latest.dump.gz"

// Uploader is the object-storage surface the snapshotter needs. The S3
// client satisfies it; tests substitute an in-memory recorder.
type Uploader interface {
	Upload(ctx context.Context, bucket, key string, body []byte) error
}

// S3Uploader uploads via the AWS SDK.
type S3Uploader struct {
	client *s3.Client
}

// NewS3Uploader builds an uploader from the ambient AWS configuration
// (env credentials, shared config, instance role).
func NewS3Uploader(ctx context.Context) (*S3Uploader, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindTransient, err, "load aws config")
	}
	return &S3Uploader{client: s3.NewFromConfig(cfg)}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, bucket, key string, body []byte) error {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentType:     aws.String("application/gzip"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		return errkind.Wrap(errkind.KindTransient, err, "put object")
	}
	return nil
}

// Config holds snapshotter settings. An empty Bucket disables the
// component entirely.
type Config struct {
	Bucket   string
	Interval time.Duration
	Timeout  time.Duration
}

// Snapshotter drives the periodic export. A tick that lands while an
// export is still running is skipped with a single warning.
type Snapshotter struct {
	cfg      Config
	store    store.Store
	uploader Uploader
	logger   zerolog.Logger

	inProgress int32
	wg         sync.WaitGroup
	cancel     context.CancelFunc
}

// New builds a snapshotter. uploader may be nil only when cfg.Bucket is
// empty (disabled mode).
func New(cfg Config, st store.Store, uploader Uploader, logger zerolog.Logger) *Snapshotter {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Snapshotter{
		cfg:      cfg,
		store:    st,
		uploader: uploader,
		logger:   logger,
	}
}

// Enabled reports whether a bucket is configured.
func (s *Snapshotter) Enabled() bool {
	return s.cfg.Bucket != "" && s.uploader != nil
}

// Start launches the interval loop. No-op when disabled.
func (s *Snapshotter) Start(ctx context.Context) {
	if !s.Enabled() {
		s.logger.Info().Msg("Snapshotter disabled (no bucket configured)")
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer logging.RecoverPanic(s.logger, "snapshotter", nil)

		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		s.logger.Info().
			Str("bucket", s.cfg.Bucket).
			Dur("interval", s.cfg.Interval).
			Msg("Snapshotter started")

		for {
			select {
			case <-ticker.C:
				s.tick(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// tick runs one export. Overlap with a previous export is skipped; a
// failed export is logged and retried on the next interval.
func (s *Snapshotter) tick(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&s.inProgress, 0, 1) {
		s.logger.Warn().Msg("Snapshot still in progress, skipping tick")
		metrics.SnapshotTotal.WithLabelValues("skipped").Inc()
		return
	}
	defer atomic.StoreInt32(&s.inProgress, 0)

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	count, err := s.Snapshot(ctx)
	elapsed := time.Since(start)
	metrics.SnapshotDuration.Observe(elapsed.Seconds())

	if err != nil {
		metrics.SnapshotTotal.WithLabelValues("error").Inc()
		s.logger.Error().
			Err(err).
			Dur("elapsed", elapsed).
			Msg("Snapshot failed, will retry next interval")
		return
	}

	metrics.SnapshotTotal.WithLabelValues("ok").Inc()
	s.logger.Info().
		Int("records", count).
		Dur("elapsed", elapsed).
		Msg("Snapshot uploaded")
}

// Snapshot performs one export synchronously: dump, compress, upload to
// the stable key and a timestamped archive key. Returns the record count.
func (s *Snapshotter) Snapshot(ctx context.Context) (int, error) {
	dump, count, err := Dump(ctx, s.store)
	if err != nil {
		return 0, err
	}

	if err := s.uploader.Upload(ctx, s.cfg.Bucket, LatestKey, dump); err != nil {
		return 0, err
	}
	archiveKey := fmt.Sprintf("snapshots/scene/%s.dump.gz",
		time.Now().UTC().Format("20060102T150405Z"))
	if err := s.uploader.Upload(ctx, s.cfg.Bucket, archiveKey, dump); err != nil {
		return 0, err
	}
	return count, nil
}

// Stop halts the loop and waits for a running export to finish.
func (s *Snapshotter) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Dump serializes every store record as one JSON line and gzips the result.
func Dump(ctx context.Context, st store.Store) ([]byte, int, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)

	count := 0
	err := st.All(ctx, func(rec *scene.Record) error {
		count++
		return enc.Encode(rec)
	})
	if err != nil {
		return nil, 0, errkind.Wrap(errkind.KindTransient, err, "dump store")
	}
	if err := gz.Close(); err != nil {
		return nil, 0, errkind.Wrap(errkind.KindTransient, err, "compress dump")
	}
	return buf.Bytes(), count, nil
}

// ReadDump decodes a dump produced by Dump. Used by restore tooling and
// tests.
func ReadDump(data []byte) ([]*scene.Record, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errkind.Wrap(errkind.KindInvalidRequest, err, "open dump")
	}
	defer gz.Close()

	dec := json.NewDecoder(gz)
	var out []*scene.Record
	for dec.More() {
		var rec scene.Record
		if err := dec.Decode(&rec); err != nil {
			return nil, errkind.Wrap(errkind.KindInvalidRequest, err, "decode dump record")
		}
		out = append(out, &rec)
	}
	return out, nil
}
