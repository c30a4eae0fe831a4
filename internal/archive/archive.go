// Package archive batches per-cycle server status samples into ClickHouse
// for long-range population charts. Samples are buffered and written in
// batches; a full buffer sheds samples rather than stalling the poll loop.
package archive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	samplesArchived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_archive_samples_total",
		Help: "Total number of status samples written to ClickHouse",
	})

	samplesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_archive_samples_failed_total",
		Help: "Total number of status samples lost to failed batch inserts",
	})

	samplesShed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_archive_samples_shed_total",
		Help: "Total number of status samples dropped because the buffer was full",
	})

	batchInsertDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tracker_archive_batch_insert_duration_seconds",
		Help:    "Duration of batch inserts to ClickHouse",
		Buckets: prometheus.DefBuckets,
	})
)

const createTable = `
	CREATE TABLE IF NOT EXISTS server_status_samples (
		observed_at  DateTime64(3, 'UTC'),
		cycle_id     UUID,
		server_code  String,
		server_name  String,
		map_name     LowCardinality(String),
		player_count UInt16,
		max_players  UInt16,
		wave_text    String,
		wave_number  Int16,
		session_id   Int64
	) ENGINE = MergeTree
	PARTITION BY toYYYYMM(observed_at)
	ORDER BY (server_code, observed_at)
`

const insertSamples = `
	INSERT INTO server_status_samples (
		observed_at, cycle_id, server_code, server_name, map_name,
		player_count, max_players, wave_text, wave_number, session_id
	)
`

// Sample is one server's observed state in one cycle. Wave is -1 and
// SessionID 0 when unknown.
type Sample struct {
	ObservedAt  time.Time
	CycleID     uuid.UUID
	ServerCode  string
	ServerName  string
	MapName     string
	PlayerCount int
	MaxPlayers  int
	WaveText    string
	Wave        int
	SessionID   int64
}

// Open connects to ClickHouse from a clickhouse:// DSN.
func Open(ctx context.Context, dsn string) (driver.Conn, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ClickHouse DSN: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	return conn, nil
}

// Migrate creates the samples table if it does not exist.
func Migrate(ctx context.Context, conn driver.Conn) error {
	return conn.Exec(ctx, createTable)
}

// SinkConfig configures the batching sink.
type SinkConfig struct {
	BatchSize     int
	BufferSize    int
	FlushInterval time.Duration
	Logger        *zap.Logger
}

// Sink buffers samples and writes them in batches.
type Sink struct {
	conn   driver.Conn
	config SinkConfig
	queue  chan Sample
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.SugaredLogger
	once   sync.Once
}

func NewSink(conn driver.Conn, cfg SinkConfig) *Sink {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = cfg.BatchSize * 4
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Sink{
		conn:   conn,
		config: cfg,
		queue:  make(chan Sample, cfg.BufferSize),
		logger: cfg.Logger.Sugar(),
	}
}

// Start launches the flushing goroutine.
func (s *Sink) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run()
}

// Add buffers a sample. It returns false when the buffer is full or the sink
// is stopped.
func (s *Sink) Add(sample Sample) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			samplesShed.Inc()
			ok = false
		}
	}()

	select {
	case s.queue <- sample:
		return true
	default:
		samplesShed.Inc()
		return false
	}
}

// Stop flushes what is buffered and waits for the writer to exit.
func (s *Sink) Stop() {
	s.once.Do(func() {
		close(s.queue)
		s.wg.Wait()
		if s.cancel != nil {
			s.cancel()
		}
	})
}

func (s *Sink) run() {
	defer s.wg.Done()

	batch := make([]Sample, 0, s.config.BatchSize)
	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		// The parent may already be canceled during shutdown; the final flush
		// still gets a bounded window.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 10*time.Second)
		err := s.write(ctx, batch)
		cancel()
		batchInsertDuration.Observe(time.Since(start).Seconds())

		if err != nil {
			s.logger.Errorw("Failed to archive status samples",
				"op", "archive",
				"batchSize", len(batch),
				"error", err,
			)
			samplesFailed.Add(float64(len(batch)))
		} else {
			samplesArchived.Add(float64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case sample, ok := <-s.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, sample)
			if len(batch) >= s.config.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (s *Sink) write(ctx context.Context, samples []Sample) error {
	b, err := s.conn.PrepareBatch(ctx, insertSamples)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, x := range samples {
		err := b.Append(
			x.ObservedAt,
			x.CycleID,
			x.ServerCode,
			x.ServerName,
			x.MapName,
			uint16(x.PlayerCount),
			uint16(x.MaxPlayers),
			x.WaveText,
			int16(x.Wave),
			x.SessionID,
		)
		if err != nil {
			s.logger.Warnw("Failed to append sample to batch", "server", x.ServerCode, "error", err)
			continue
		}
	}

	if err := b.Send(); err != nil {
		b.Abort()
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}
