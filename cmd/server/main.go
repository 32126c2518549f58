package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"pixeltown.ai/internal/persistence/indexdb"
	persistlog "pixeltown.ai/internal/persistence/log"
	"pixeltown.ai/internal/persistence/snapshot"
	"pixeltown.ai/internal/sim/instance"
	"pixeltown.ai/internal/sim/sweeper"
	"pixeltown.ai/internal/sim/tuning"
	"pixeltown.ai/internal/sim/world"
	"pixeltown.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		worldID    = flag.String("world", "town_1", "world id")
		seed       = flag.Int64("seed", 1337, "world seed (used only when starting a fresh world)")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		disableDB  = flag.Bool("disable_db", false, "disable the read-model index (inputs/snapshots/sweeps)")

		snapPath   = flag.String("snapshot", "", "path to snapshot to load (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "load latest snapshot from data dir if present (when -snapshot is empty)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	worldDir := filepath.Join(*dataDir, "worlds", *worldID)
	_ = os.MkdirAll(worldDir, 0o755)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Printf("tuning not found (%s); using defaults", tp)
			tune = tuning.Defaults()
		} else {
			logger.Fatalf("load tuning: %v", err)
		}
	}

	// Optional: read-model index backend (does not affect sim determinism).
	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(worldDir, "index", "index.db"))
		if err != nil {
			logger.Fatalf("open index backend: %v", err)
		}
		defer idx.Close()
	}

	// Create world (fresh or resumed from snapshot).
	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && *loadLatest {
		latest, err := snapshot.Latest(filepath.Join(worldDir, "snapshots"), *worldID)
		if err != nil {
			logger.Printf("scan snapshots: %v", err)
		} else {
			snapshotToLoad = latest
		}
	}

	cfg := world.Config{
		ID:                  *worldID,
		TickRateHz:          tune.TickRateHz,
		GridWidth:           tune.GridWidth,
		GridHeight:          tune.GridHeight,
		Seed:                *seed,
		PlayerSpeedMilli:    tune.PlayerSpeedMilli,
		SnapshotEveryTicks:  tune.SnapshotEveryTicks,
		RecentInputs:        tune.RecentInputs,
		StuckOperationAfter: time.Duration(tune.Sweeps.StuckOperationAfterMs) * time.Millisecond,
	}
	var (
		snap    snapshot.SnapshotV1
		resumed bool
	)
	if snapshotToLoad != "" {
		snap, err = snapshot.ReadSnapshot(snapshotToLoad)
		if err != nil {
			logger.Fatalf("read snapshot: %v", err)
		}
		// World geometry and seed come from the snapshot, not the tuning
		// file, so a resumed world keeps its history deterministic.
		cfg.TickRateHz = snap.TickRate
		cfg.GridWidth = snap.GridWidth
		cfg.GridHeight = snap.GridHeight
		cfg.Seed = snap.Seed
		if snap.PlayerSpeedMilli > 0 {
			cfg.PlayerSpeedMilli = snap.PlayerSpeedMilli
		}
		resumed = true
	}
	w, err := world.New(cfg)
	if err != nil {
		logger.Fatalf("world: %v", err)
	}
	if resumed {
		if err := w.ImportSnapshot(snap); err != nil {
			logger.Fatalf("import snapshot: %v", err)
		}
		logger.Printf("resumed from snapshot=%s tick=%d", filepath.Base(snapshotToLoad), w.CurrentTick())
	}

	ctx, cancel := signalContext()
	defer cancel()

	inputLog := persistlog.NewInputLogger(worldDir)
	defer inputLog.Close()
	w.SetInputLogger(multiInputLogger{a: inputLog, b: indexLogger(idx, *worldID)})

	// Snapshot writer.
	snapCh := make(chan snapshot.SnapshotV1, 2)
	w.SetSnapshotSink(snapCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case snap := <-snapCh:
				path := snapshot.FilePath(filepath.Join(worldDir, "snapshots"), *worldID, snap.Header.Tick)
				if err := snapshot.WriteSnapshot(path, snap); err != nil {
					logger.Printf("snapshot write: %v", err)
					continue
				}
				if idx != nil {
					idx.RecordSnapshot(*worldID, path, snap)
				}
			}
		}
	}()

	go func() {
		if err := w.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("world stopped: %v", err)
		}
	}()

	// Instance manager: every zone shard binds to the single served world.
	mgr, err := instance.NewManager(instance.Config{
		MaxBots:           tune.Instances.MaxBots,
		OverCapacityGrace: time.Duration(tune.Instances.OverCapacityGraceMs) * time.Millisecond,
		HighLoadPct:       tune.Instances.HighLoadPct,
		EmptyDrainAfter:   time.Duration(tune.Instances.EmptyDrainAfterMs) * time.Millisecond,
	}, func(zone instance.ZoneType, name string) (string, error) {
		return *worldID, nil
	}, filepath.Join(*dataDir, "instances.json"))
	if err != nil {
		logger.Fatalf("instance manager: %v", err)
	}
	defer mgr.Close()

	resolve := func(id string) *world.World {
		if id == *worldID {
			return w
		}
		return nil
	}
	presence := ws.NewRegistry()

	sweepLog := persistlog.NewSweepLogger(worldDir)
	defer sweepLog.Close()

	sw := sweeper.New(tune.Sweeps, func() []*world.World { return []*world.World{w} },
		mgr, presence, multiSweepRecorder{a: sweepLog, b: idx},
		log.New(os.Stdout, "[sweeper] ", log.LstdFlags|log.Lmicroseconds))
	go sw.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		m := w.Metrics()

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP pixeltown_world_tick Current world tick.\n")
		fmt.Fprintf(rw, "# TYPE pixeltown_world_tick gauge\n")
		fmt.Fprintf(rw, "pixeltown_world_tick{world=%q} %d\n", *worldID, m.Tick)

		fmt.Fprintf(rw, "# HELP pixeltown_world_players Current number of players in the world.\n")
		fmt.Fprintf(rw, "# TYPE pixeltown_world_players gauge\n")
		fmt.Fprintf(rw, "pixeltown_world_players{world=%q} %d\n", *worldID, m.Players)

		fmt.Fprintf(rw, "# HELP pixeltown_world_agents Current number of agents in the world.\n")
		fmt.Fprintf(rw, "# TYPE pixeltown_world_agents gauge\n")
		fmt.Fprintf(rw, "pixeltown_world_agents{world=%q} %d\n", *worldID, m.Agents)

		fmt.Fprintf(rw, "# HELP pixeltown_world_conversations Current number of conversations.\n")
		fmt.Fprintf(rw, "# TYPE pixeltown_world_conversations gauge\n")
		fmt.Fprintf(rw, "pixeltown_world_conversations{world=%q} %d\n", *worldID, m.Conversations)

		fmt.Fprintf(rw, "# HELP pixeltown_world_queue_depth Input queue backlog depth.\n")
		fmt.Fprintf(rw, "# TYPE pixeltown_world_queue_depth gauge\n")
		fmt.Fprintf(rw, "pixeltown_world_queue_depth{world=%q} %d\n", *worldID, m.QueueDepth)

		fmt.Fprintf(rw, "# HELP pixeltown_world_pending_inputs Accepted inputs without an outcome.\n")
		fmt.Fprintf(rw, "# TYPE pixeltown_world_pending_inputs gauge\n")
		fmt.Fprintf(rw, "pixeltown_world_pending_inputs{world=%q} %d\n", *worldID, m.PendingInputs)

		fmt.Fprintf(rw, "# HELP pixeltown_world_step_ms Last tick step duration in milliseconds.\n")
		fmt.Fprintf(rw, "# TYPE pixeltown_world_step_ms gauge\n")
		fmt.Fprintf(rw, "pixeltown_world_step_ms{world=%q} %.3f\n", *worldID, m.StepMS)

		for _, inst := range mgr.Instances() {
			fmt.Fprintf(rw, "pixeltown_instance_bots{instance=%q,zone=%q,status=%q} %d\n",
				inst.Name, inst.ZoneType, inst.Status, inst.CurrentBots)
		}
	})

	enableAdminHTTP := envBool("PT_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("PT_ENABLE_PPROF_HTTP", false)
	if enableAdminHTTP {
		registerAdminHandlers(mux, w, mgr, sw, time.Duration(tune.Sweeps.StuckInputAfterMs)*time.Millisecond)
	} else {
		logger.Printf("admin endpoints disabled (PT_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (PT_ENABLE_PPROF_HTTP=false)")
	}
	mux.HandleFunc("/v1/ws", ws.NewServer(resolve, mgr, presence, logger).Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
		flushCtx, cancel3 := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel3()
		_ = mgr.FlushState(flushCtx)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func envBool(name string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

type multiInputLogger struct {
	a world.InputLogger
	b world.InputLogger
}

func (m multiInputLogger) WriteInput(entry world.InputLogEntry) error {
	if m.a != nil {
		_ = m.a.WriteInput(entry)
	}
	if m.b != nil {
		_ = m.b.WriteInput(entry)
	}
	return nil
}

// indexLogger returns nil (not a typed nil inside an interface) when the
// index is disabled.
func indexLogger(idx *indexdb.SQLiteIndex, worldID string) world.InputLogger {
	if idx == nil {
		return nil
	}
	return idx.WorldLogger(worldID)
}

// multiSweepRecorder fans sweep records into the JSONL log and the index.
type multiSweepRecorder struct {
	a *persistlog.SweepLogger
	b *indexdb.SQLiteIndex
}

func (m multiSweepRecorder) RecordSweep(worldID, kind string, cleared int) {
	if m.a != nil {
		m.a.RecordSweep(worldID, kind, cleared)
	}
	if m.b != nil {
		m.b.RecordSweep(worldID, kind, cleared)
	}
}
