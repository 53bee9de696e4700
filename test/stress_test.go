package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"leadpool/test/actors"
	"leadpool/test/chaos"
	"leadpool/test/infra"
	"leadpool/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent claiming agents")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flClaimTTL    = flag.Duration("claim-ttl", 2*time.Second, "claim lease used by stress claimers")
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestPoolConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	seedData := mustSeed(t, ctx, pool, *flConcurrency)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	// claimers and releasers battling over the same pool
	for _, agentID := range seedData.agents {
		agentID := agentID
		g.Go(func() error { return actors.Claimer(ctx2, pool, agentID, *flClaimTTL, stop) })
		g.Go(func() error { return actors.Releaser(ctx2, pool, agentID, stop) })
	}

	// two sweepers racing each other over the same lapsed claims
	g.Go(func() error { return actors.Sweeper(ctx2, pool, stop) })
	g.Go(func() error { return actors.Sweeper(ctx2, pool, stop) })
	// never-claiming reader probing the disclosure gate
	g.Go(func() error { return actors.ContactReader(ctx2, pool, seedData.stranger, stop) })
	// outbox worker
	g.Go(func() error { return actors.OutboxWorker(ctx2, pool, stop) })
	// intake keeps the pool stocked
	g.Go(func() error { return actors.Intake(ctx2, pool, seedData.creator, stop) })
	// chaos: kill random backend
	go chaos.TerminateRandomBackend(ctx2, pool, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	creator  string
	stranger string
	agents   []string
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool, agentCount int) seedIDs {
	t.Helper()

	insertAgent := func(label, role string) string {
		var id string
		err := pool.QueryRow(ctx, `INSERT INTO agents (email, full_name, password_hash, role) VALUES ($1,$2,'x',$3) RETURNING id`,
			fmt.Sprintf("%s-%d@example.com", label, rand.Int63()), label, role).Scan(&id)
		if err != nil {
			t.Fatalf("seed agent %s: %v", label, err)
		}
		return id
	}

	var s seedIDs
	s.creator = insertAgent("intake", "intake")
	s.stranger = insertAgent("stranger", "agent")
	for i := 0; i < agentCount; i++ {
		s.agents = append(s.agents, insertAgent(fmt.Sprintf("claimer-%d", i), "agent"))
	}

	// a starting pool so claimers have something to race over from tick one
	for i := 0; i < 6; i++ {
		_, err := pool.Exec(ctx, `
			INSERT INTO buyer_requests (created_by_user_id, city, property_type, min_price, max_price, full_contact, masked_contact, multi_agent_allowed, status)
			VALUES ($1, 'Riyadh', 'apartment', 500000, 900000, '{"name":"Seed Buyer","phone":"0501234567"}'::jsonb, '05 *** 4567', $2, 'OPEN')
		`, s.creator, i%2 == 0)
		if err != nil {
			t.Fatalf("seed request: %v", err)
		}
	}
	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"buyer_requests", `SELECT id, status, multi_agent_allowed, updated_at FROM buyer_requests ORDER BY updated_at DESC LIMIT 50`},
		{"claims", `SELECT id, request_id, agent_id, status, expires_at FROM claims ORDER BY created_at DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
		{"audit_logs", `SELECT id, action, entity, entity_id, ts FROM audit_logs ORDER BY id DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
