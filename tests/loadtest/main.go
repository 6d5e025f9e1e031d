package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"evmigrate/internal"
	"evmigrate/internal/controllers"
	"evmigrate/internal/di"
	"evmigrate/internal/models"
	"evmigrate/internal/providers"
	"evmigrate/internal/store"
	"evmigrate/internal/structures"
)

const (
	numVotes   = 200_000
	numUsers   = 5_000
	numPrompts = 1_000
	numWorkers = 8
	batchSize  = 1_000
)

type result struct {
	phase   string
	latency time.Duration
	err     bool
}

type stats struct {
	count     int64
	errors    int64
	latencies []time.Duration
}

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "loadtest: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	dir, err := os.MkdirTemp("", "evmigrate-loadtest-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	flags := structures.CliFlags{
		SourcePath: filepath.Join(dir, "v3.db"),
		TargetPath: filepath.Join(dir, "v4.db"),
		BatchSize:  batchSize,
	}

	fmt.Println("=== evmigrate Load Test ===")
	fmt.Printf("Votes: %s | Writers: %d | Batch: %d\n\n", humanize.Comma(numVotes), numWorkers, batchSize)

	fmt.Print("Seeding v3 source... ")
	start := time.Now()
	if err := seed(flags.SourcePath); err != nil {
		return err
	}
	fmt.Printf("OK (%s)\n", time.Since(start).Round(time.Millisecond))

	// the target exists up front so live writers can run next to the migration
	if err := prepareTarget(ctx, flags.TargetPath); err != nil {
		return err
	}

	// Phase 1: migrate while other writers append native events
	fmt.Println("\n--- Phase 1: migrate under concurrent writes ---")
	var written atomic.Int64
	if err := runPhase("migrate", flags, &written, func() error {
		return command(ctx, flags, "migrate", controllers.Options{})
	}); err != nil {
		return err
	}

	// Phase 2: rollback must leave the live events alone
	fmt.Println("\n--- Phase 2: rollback --verify under concurrent writes ---")
	if err := runPhase("rollback", flags, &written, func() error {
		return command(ctx, flags, "rollback", controllers.Options{Verify: true})
	}); err != nil {
		return err
	}

	return checkSurvivors(flags.TargetPath, written.Load())
}

func seed(path string) error {
	db, err := sqlx.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_synchronous=OFF")
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.Exec(`CREATE TABLE votes (
		id TEXT PRIMARY KEY, user_id TEXT NOT NULL, prompt_id TEXT NOT NULL,
		vote INTEGER NOT NULL, timestamp INTEGER NOT NULL, comment TEXT,
		prompt_text TEXT, ai_output TEXT, model_name TEXT, response_time INTEGER,
		metadata TEXT)`); err != nil {
		return err
	}

	tx, err := db.Beginx()
	if err != nil {
		return err
	}
	stmt, err := tx.Preparex(`INSERT INTO votes (id, user_id, prompt_id, vote, timestamp, comment, model_name, response_time, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	rng := rand.New(rand.NewSource(1))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	for i := 0; i < numVotes; i++ {
		vote := 1
		if rng.Intn(4) == 0 {
			vote = -1
		}
		var comment, metadata any
		if rng.Intn(3) == 0 {
			comment = fmt.Sprintf("comment %d", i)
		}
		if rng.Intn(2) == 0 {
			metadata = fmt.Sprintf(`{"journeyId":"j-%d","conversationId":"c-%d","turnSequence":%d}`,
				rng.Intn(numUsers), rng.Intn(numUsers*4), rng.Intn(20))
		}
		if _, err := stmt.Exec(
			fmt.Sprintf("v%07d", i),
			fmt.Sprintf("u%d", rng.Intn(numUsers)),
			fmt.Sprintf("p%d", rng.Intn(numPrompts)),
			vote,
			base+int64(i)*1000,
			comment,
			"model-a",
			rng.Intn(2000),
			metadata,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func prepareTarget(ctx context.Context, path string) error {
	s, err := store.Open(path, store.ReadWrite)
	if err != nil {
		return err
	}
	defer s.Close()
	return store.EnsureSchema(ctx, s, quietLogger{})
}

// command runs one CLI invocation against a freshly wired app.
func command(ctx context.Context, flags structures.CliFlags, name string, opts controllers.Options) error {
	route, ok := internal.FindRoute(name)
	if !ok {
		return fmt.Errorf("unknown command %s", name)
	}
	app, err := di.InitApp(&flags, internal.TargetMode(route, opts))
	if err != nil {
		return err
	}
	runErr := app.Run(ctx, route, io.Discard, opts)
	if err := app.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// runPhase runs fn once while numWorkers goroutines insert events into the
// target, then prints the latencies of both.
func runPhase(phase string, flags structures.CliFlags, written *atomic.Int64, fn func() error) error {
	results := make(chan result, 10000)
	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < numWorkers; i++ {
		db, err := sqlx.Open("sqlite3", "file:"+flags.TargetPath+"?_busy_timeout=30000&_txlock=immediate")
		if err != nil {
			return err
		}
		wg.Add(1)
		go func(db *sqlx.DB, seed int64) {
			defer wg.Done()
			defer db.Close()
			rng := rand.New(rand.NewSource(seed))
			for {
				select {
				case <-stop:
					return
				default:
					r := insertLive(db, rng)
					if !r.err {
						written.Add(1)
					}
					results <- r
				}
			}
		}(db, rand.Int63()+int64(i))
	}

	allResults := make(map[string]*stats)
	done := make(chan struct{})
	go func() {
		for r := range results {
			s, ok := allResults[r.phase]
			if !ok {
				s = &stats{}
				allResults[r.phase] = s
			}
			s.count++
			if r.err {
				s.errors++
			}
			s.latencies = append(s.latencies, r.latency)
		}
		close(done)
	}()

	start := time.Now()
	runErr := fn()
	elapsed := time.Since(start)
	results <- result{phase: phase, latency: elapsed, err: runErr != nil}

	close(stop)
	wg.Wait()
	close(results)
	<-done

	printResults(allResults, elapsed)
	if runErr != nil {
		return fmt.Errorf("%s: %w", phase, runErr)
	}
	return nil
}

func insertLive(db *sqlx.DB, rng *rand.Rand) result {
	now := time.Now().UnixMilli()
	ev := models.Event{
		ID:         "live_" + uuid.NewString(),
		EventType:  models.EventTurnCompleted,
		UserID:     fmt.Sprintf("u%d", rng.Intn(numUsers)),
		Timestamp:  now,
		Properties: models.Properties{"conversationId": fmt.Sprintf("c-%d", rng.Intn(numUsers))},
		CreatedAt:  now,
	}
	q, args, err := sq.Insert("events").Columns(models.EventColumns...).Values(ev.Values()...).ToSql()
	if err != nil {
		return result{phase: "live insert", err: true}
	}
	start := time.Now()
	_, err = db.Exec(q, args...)
	return result{phase: "live insert", latency: time.Since(start), err: err != nil}
}

func checkSurvivors(path string, written int64) error {
	db, err := sqlx.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return err
	}
	defer db.Close()

	var live, migrated int64
	if err := db.Get(&live, `SELECT COUNT(*) FROM events WHERE id LIKE 'live\_%' ESCAPE '\'`); err != nil {
		return err
	}
	if err := db.Get(&migrated, `SELECT COUNT(*) FROM events WHERE id LIKE 'v3vote\_%' ESCAPE '\'`); err != nil {
		return err
	}

	fmt.Printf("\nLive events: %s written, %s kept | Migrated events left: %s\n",
		humanize.Comma(written), humanize.Comma(live), humanize.Comma(migrated))
	if live != written || migrated != 0 {
		return fmt.Errorf("rollback did not preserve concurrent writes")
	}
	fmt.Println("OK")
	return nil
}

func printResults(allResults map[string]*stats, duration time.Duration) {
	phases := make([]string, 0, len(allResults))
	for p := range allResults {
		phases = append(phases, p)
	}
	sort.Strings(phases)

	fmt.Printf("\n  %-14s %8s %6s %10s %10s %10s %10s\n",
		"Operation", "Ops", "Errs", "Avg", "P50", "P95", "P99")
	fmt.Println("  " + strings.Repeat("-", 80))

	for _, p := range phases {
		s := allResults[p]
		sort.Slice(s.latencies, func(i, j int) bool {
			return s.latencies[i] < s.latencies[j]
		})
		fmt.Printf("  %-14s %8d %6d %10s %10s %10s %10s\n",
			p, s.count, s.errors,
			fmtDur(avgDuration(s.latencies)),
			fmtDur(percentile(s.latencies, 0.50)),
			fmtDur(percentile(s.latencies, 0.95)),
			fmtDur(percentile(s.latencies, 0.99)))
	}

	fmt.Println("  " + strings.Repeat("-", 80))
	fmt.Printf("  Wall: %s | Source rate: %.0f votes/s\n",
		duration.Round(time.Millisecond), float64(numVotes)/duration.Seconds())
}

func avgDuration(d []time.Duration) time.Duration {
	if len(d) == 0 {
		return 0
	}
	var sum time.Duration
	for _, v := range d {
		sum += v
	}
	return sum / time.Duration(len(d))
}

func percentile(d []time.Duration, p float64) time.Duration {
	if len(d) == 0 {
		return 0
	}
	idx := int(float64(len(d)) * p)
	if idx >= len(d) {
		idx = len(d) - 1
	}
	return d[idx]
}

func fmtDur(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	return fmt.Sprintf("%.1fms", float64(d.Microseconds())/1000.0)
}

type quietLogger struct{}

func (quietLogger) Errorf(providers.TypeEnum, string, ...interface{}) {}
func (quietLogger) Warnf(providers.TypeEnum, string, ...interface{})  {}
func (quietLogger) Debugf(providers.TypeEnum, string, ...interface{}) {}
func (quietLogger) Infof(providers.TypeEnum, string, ...interface{})  {}
func (quietLogger) Fatalf(providers.TypeEnum, string, ...interface{}) {}
func (quietLogger) Close()                                            {}
