// cmd/journal/main.go is the asynchronous journal drain: it pops match
// lifecycle events from the Redis queue and persists them to PostgreSQL in
// batches, keeping event history out of the match serving path.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/geovox/geovox/internal/database"
	"github.com/geovox/geovox/internal/journal"
)

// drain pops MatchEventRecords off the journal queue, accumulates them in an
// in-memory batch, and flushes the batch to the database on size or on a
// timer, whichever comes first.
type drain struct {
	rdb        *redis.Client
	pool       *pgxpool.Pool
	log        *logrus.Logger
	queue      string
	batchSize  int
	flushDelay time.Duration

	batchMu sync.Mutex
	batch   []journal.MatchEventRecord

	ctx      context.Context
	cancelFn context.CancelFunc
}

func newDrain(pool *pgxpool.Pool, logger *logrus.Logger) *drain {
	rdb := redis.NewClient(&redis.Options{
		Addr: getEnv("REDIS_ADDR", "localhost:6379"),
		DB:   getEnvInt("REDIS_DB", 0),
	})

	batchSize := getEnvInt("JOURNAL_BATCH_SIZE", 20)
	ctx, cancel := context.WithCancel(context.Background())
	return &drain{
		rdb:        rdb,
		pool:       pool,
		log:        logger,
		queue:      getEnv("JOURNAL_QUEUE_NAME", journal.DefaultQueueName),
		batchSize:  batchSize,
		flushDelay: time.Duration(getEnvInt("JOURNAL_FLUSH_MS", 500)) * time.Millisecond,
		batch:      make([]journal.MatchEventRecord, 0, batchSize),
		ctx:        ctx,
		cancelFn:   cancel,
	}
}

// run reads the queue until the context is cancelled, then flushes whatever
// is left in the batch.
func (d *drain) run() {
	ticker := time.NewTicker(d.flushDelay)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			d.flush()
			return

		case <-ticker.C:
			d.flush()

		default:
			// BLPop with a short timeout so cancellation is picked up.
			res, err := d.rdb.BLPop(d.ctx, 3*time.Second, d.queue).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
					continue
				}
				d.log.Warnf("BLPop failed: %v", err)
				continue
			}
			if len(res) < 2 {
				continue
			}

			var rec journal.MatchEventRecord
			if err := json.Unmarshal([]byte(res[1]), &rec); err != nil {
				d.log.Warnf("Discarding malformed journal record: %v", err)
				continue
			}
			d.append(rec)
		}
	}
}

func (d *drain) append(rec journal.MatchEventRecord) {
	d.batchMu.Lock()
	defer d.batchMu.Unlock()
	d.batch = append(d.batch, rec)
	if len(d.batch) >= d.batchSize {
		d.flushLocked()
	}
}

func (d *drain) flush() {
	d.batchMu.Lock()
	defer d.batchMu.Unlock()
	d.flushLocked()
}

// flushLocked writes the batch in one transaction. Caller holds batchMu.
func (d *drain) flushLocked() {
	if len(d.batch) == 0 {
		return
	}
	records := make([]journal.MatchEventRecord, len(d.batch))
	copy(records, d.batch)
	d.batch = d.batch[:0]

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := pgx.BeginTxFunc(ctx, d.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for _, rec := range records {
			if err := insertMatchEventTx(ctx, tx, rec); err != nil {
				return fmt.Errorf("inserting match event: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		d.log.Errorf("Failed to flush %d journal records: %v", len(records), err)
		return
	}
	d.log.WithField("count", len(records)).Debug("Flushed journal records")
}

func insertMatchEventTx(ctx context.Context, tx pgx.Tx, rec journal.MatchEventRecord) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return err
	}
	q := `
		INSERT INTO match_events (match_id, event_type, payload, recorded_at)
		VALUES ($1, $2, $3, to_timestamp($4))
	`
	_, err = tx.Exec(ctx, q, rec.MatchID, rec.EventType, payload, rec.Timestamp)
	return err
}

func (d *drain) stop() {
	d.cancelFn()
}

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	pool := database.ConnectDB()
	d := newDrain(pool, logger)

	go d.run()
	logger.Infof("geovox-journal draining queue %q", d.queue)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	d.stop()
	pool.Close()
	logger.Info("geovox-journal shutdown complete")
}

func getEnv(key, defVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defVal
}

func getEnvInt(key string, defVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defVal
	}
	return i
}
