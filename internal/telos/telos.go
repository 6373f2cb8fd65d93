// Package telos wires the five core components — hypervector codec,
// memory index, WAL engine, object world, and generative kernel —
// into the textual command surface described in spec.md §6, and
// implements its error-sentinel convention (a leading `[` marks
// failure).
//
// Grounded on the teacher's cmd/agentd bootstrap sequence (config
// load -> logger init -> otel init -> service wiring), adapted from
// an HTTP/SSE server loop to a synchronous textual command dispatcher.
package telos

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"telos/internal/config"
	"telos/internal/hv"
	"telos/internal/kernel"
	"telos/internal/memory"
	"telos/internal/streams"
	"telos/internal/telemetry"
	"telos/internal/wal"
	"telos/internal/world"
)

// Core bundles the live subsystems for one TelOS process.
type Core struct {
	Codec     hv.Codec
	Memory    *memory.Index
	WAL       *wal.Engine
	World     *world.World
	Kernel    *kernel.Kernel
	Streams   *streams.Registry
	Telemetry *telemetry.Provider

	postgresStore memory.SnapshotStore

	cfg config.Config
	log zerolog.Logger

	heartbeats int64
}

// New wires every subsystem from cfg: the hypervector codec, the
// memory index (with its optional Redis cache / Qdrant backend /
// Postgres snapshot store), the WAL engine (with its optional S3
// archiver / Kafka notifier), the object world, the generative
// kernel, the JSONL stream registry, and OpenTelemetry (with its
// optional ClickHouse analytics sink).
func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (*Core, error) {
	codec := hv.NewCodec(cfg.HVDimension)

	walEngine := wal.New(cfg.WALPath, log)
	if cfg.S3Archival.Enabled {
		archiver, err := wal.NewS3Archiver(ctx, cfg.S3Archival.Bucket, cfg.S3Archival.Prefix, cfg.S3Archival.Region)
		if err != nil {
			return nil, fmt.Errorf("telos: wal archiver: %w", err)
		}
		walEngine = walEngine.WithArchiver(archiver)
	}
	if cfg.Kafka.Enabled {
		walEngine = walEngine.WithNotifier(wal.NewKafkaFrameNotifier(cfg.Kafka.Brokers, cfg.Kafka.Topic))
	}

	registry := streams.NewRegistry(cfg.LogsDir)

	mem := memory.New(codec, log).WithWAL(walEngine).WithStreams(registry)
	if cfg.Redis.Enabled {
		mem = mem.WithCache(memory.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix, cfg.Redis.TTL))
	} else {
		mem = mem.WithCache(memory.NewLRUCache(0))
	}
	if cfg.Qdrant.Enabled {
		backend, err := memory.NewQdrantBackend(cfg.Qdrant.Host, cfg.Qdrant.Port, cfg.Qdrant.Collection)
		if err != nil {
			return nil, fmt.Errorf("telos: qdrant backend: %w", err)
		}
		mem = mem.WithVectorBackend(backend)
	}

	var postgresStore memory.SnapshotStore
	if cfg.Postgres.Enabled {
		store, err := memory.NewPostgresSnapshotStore(ctx, cfg.Postgres.DSN, cfg.Postgres.Table)
		if err != nil {
			return nil, fmt.Errorf("telos: postgres snapshot store: %w", err)
		}
		postgresStore = store
		if _, err := mem.LoadFromStore(ctx, postgresStore); err != nil {
			log.Warn().Err(err).Msg("postgres memory snapshot load failed, starting empty")
		}
	} else if _, err := mem.Load(cfg.MemorySnapshotPath); err != nil {
		log.Warn().Err(err).Msg("memory snapshot load failed, starting empty")
	}

	w := world.New(walEngine, log)
	w.CreateWorld()

	k := kernel.New(w, mem, walEngine, registry, log)

	provider, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("telos: telemetry setup: %w", err)
	}
	if cfg.ClickHouse.Enabled {
		sink, err := telemetry.NewAnalyticsSink(ctx, cfg.ClickHouse.Addr,
			cfg.ClickHouse.Auth.Database, cfg.ClickHouse.Auth.Username, cfg.ClickHouse.Auth.Password, cfg.ClickHouse.Table)
		if err != nil {
			return nil, fmt.Errorf("telos: clickhouse analytics sink: %w", err)
		}
		provider = provider.WithAnalytics(sink)
	}

	return &Core{
		Codec: codec, Memory: mem, WAL: walEngine, World: w, Kernel: k,
		Streams: registry, Telemetry: provider, postgresStore: postgresStore,
		cfg: cfg, log: log,
	}, nil
}

// Dispatch parses one textual command line (command plus
// whitespace-separated args) and runs it, returning the result string
// per spec.md §7's convention: a leading `[` marks failure.
func (c *Core) Dispatch(ctx context.Context, line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "[no-such-command]"
	}
	cmd, args := fields[0], fields[1:]

	tracer := c.Telemetry.Tracer
	spanCtx, span := tracer.Start(ctx, "command."+cmd)
	defer span.End()

	start := time.Now()
	result := c.dispatch(spanCtx, cmd, args)
	elapsedMS := float64(time.Since(start)) / float64(time.Millisecond)

	c.Telemetry.CommandCount.Add(spanCtx, 1)
	c.Telemetry.CommandLatency.Record(spanCtx, elapsedMS)

	if c.Telemetry.Analytics != nil {
		errMsg := ""
		if strings.HasPrefix(result, "[") {
			errMsg = result
		}
		rec := telemetry.AnalyticsRecord{
			Command:    cmd,
			Selector:   strings.Join(args, " "),
			DurationMS: elapsedMS,
			Error:      errMsg,
			Timestamp:  float64(start.Unix()),
		}
		if err := c.Telemetry.Analytics.Record(spanCtx, rec); err != nil {
			c.log.Warn().Err(err).Msg("analytics record failed")
		}
	}

	return result
}

func (c *Core) dispatch(ctx context.Context, cmd string, args []string) string {
	switch cmd {
	case "snapshot":
		return c.cmdSnapshot(argOr(args, 0, "snapshot.txt"))
	case "snapshot.json":
		return c.cmdSnapshotJSON(argOr(args, 0, "snapshot.json"))
	case "export.json":
		return c.cmdExportJSON(argOr(args, 0, "export.json"))
	case "replay":
		return c.cmdReplay(argOr(args, 0, c.WAL.Path()))
	case "rotateWal":
		return c.cmdRotateWal(args)
	case "wal.export.json":
		return c.cmdWalExportJSON(args)
	case "heartbeat":
		return c.cmdHeartbeat(args)
	case "newRect":
		return c.cmdNewRect(args)
	case "newText":
		return c.cmdNewText(args)
	case "move":
		return c.cmdMove(args)
	case "resize":
		return c.cmdResize(args)
	case "color":
		return c.cmdColor(args)
	case "front":
		return c.cmdFront(args)
	case "rag.grow":
		return c.cmdRagGrow(args)
	case "ui.plan.apply":
		return c.cmdUIPlanApply(args)
	case "run.exit":
		return "ok"
	default:
		k := kernel.Classify(cmd)
		if k == kernel.Unknown {
			return "[no-such-command]" + cmd
		}
		res := c.Kernel.Dispatch(ctx, cmd, args)
		if res.CreatedID != "" {
			return res.CreatedID
		}
		return "ok"
	}
}

func argOr(args []string, i int, def string) string {
	if i < len(args) {
		return args[i]
	}
	return def
}

func (c *Core) cmdSnapshot(path string) string {
	var b strings.Builder
	for _, m := range c.World.Snapshot() {
		fmt.Fprintf(&b, "%s %s (%.0f,%.0f) %.0fx%.0f z=%d text=%q\n",
			m.ID, m.Kind, m.X, m.Y, m.Width, m.Height, m.ZIndex, m.Text)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "[snapshot-failed]" + err.Error()
	}
	return "ok"
}

// cmdSnapshotJSON writes the world as JSON. JSON snapshots are a
// write-only diagnostic format: nothing reads them back, and replay of
// the WAL is the only round-trip path for world state.
func (c *Core) cmdSnapshotJSON(path string) string {
	b, err := json.Marshal(c.World.Snapshot())
	if err != nil {
		return "[snapshot-failed]" + err.Error()
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return "[snapshot-failed]" + err.Error()
	}
	return "ok"
}

func (c *Core) cmdExportJSON(path string) string {
	return c.cmdSnapshotJSON(path)
}

func (c *Core) cmdReplay(path string) string {
	target := c.WAL
	if path != c.WAL.Path() {
		target = wal.New(path, c.log)
	}
	stats, err := target.Replay(c.World)
	if err != nil {
		if err == wal.ErrNoWAL {
			return "[no-wal]"
		}
		return "[replay-failed]" + err.Error()
	}
	return strconv.Itoa(stats.SetsApplied)
}

func (c *Core) cmdRotateWal(args []string) string {
	maxBytes := int64(1 << 20)
	if len(args) > 1 {
		if v, err := strconv.ParseInt(args[1], 10, 64); err == nil {
			maxBytes = v
		}
	}
	_, err := c.WAL.Rotate(maxBytes)
	if err != nil {
		return "[rotate-failed]" + err.Error()
	}
	return "ok"
}

func (c *Core) cmdWalExportJSON(args []string) string {
	out := argOr(args, 0, "wal.export.json")
	frames, err := c.WAL.ListCompleteFrames()
	if err != nil {
		return "[wal-export-failed]" + err.Error()
	}
	b, err := json.Marshal(frames)
	if err != nil {
		return "[wal-export-failed]" + err.Error()
	}
	if err := os.WriteFile(out, b, 0o644); err != nil {
		return "[wal-export-failed]" + err.Error()
	}
	return strconv.Itoa(len(frames))
}

func (c *Core) cmdHeartbeat(args []string) string {
	n := 1
	if len(args) > 0 {
		if v, err := strconv.Atoi(args[0]); err == nil {
			n = v
		}
	}
	for i := 0; i < n; i++ {
		c.heartbeats++
	}
	return strconv.FormatInt(c.heartbeats, 10)
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func (c *Core) cmdNewRect(args []string) string {
	if len(args) < 4 {
		return "[bad-args]newRect"
	}
	id, err := c.World.CreateMorph("RectangleMorph")
	if err != nil {
		return "[create-failed]" + err.Error()
	}
	x, y, w, h := parseFloat(args[0]), parseFloat(args[1]), parseFloat(args[2]), parseFloat(args[3])
	_ = c.World.MoveTo(id, x, y)
	_ = c.World.ResizeTo(id, w, h)
	if len(args) >= 8 {
		_ = c.World.SetColor(id, parseFloat(args[4]), parseFloat(args[5]), parseFloat(args[6]), parseFloat(args[7]))
	} else if len(args) >= 7 {
		_ = c.World.SetColor(id, parseFloat(args[4]), parseFloat(args[5]), parseFloat(args[6]), 1.0)
	}
	return id
}

func (c *Core) cmdNewText(args []string) string {
	if len(args) < 3 {
		return "[bad-args]newText"
	}
	id, err := c.World.CreateMorph("TextMorph")
	if err != nil {
		return "[create-failed]" + err.Error()
	}
	_ = c.World.MoveTo(id, parseFloat(args[0]), parseFloat(args[1]))
	_ = c.World.SetText(id, strings.Join(args[2:], " "))
	return id
}

func (c *Core) cmdMove(args []string) string {
	if len(args) < 3 {
		return "[bad-args]move"
	}
	if err := c.World.MoveTo(args[0], parseFloat(args[1]), parseFloat(args[2])); err != nil {
		return "[no-morph]"
	}
	return "ok"
}

func (c *Core) cmdResize(args []string) string {
	if len(args) < 3 {
		return "[bad-args]resize"
	}
	if err := c.World.ResizeTo(args[0], parseFloat(args[1]), parseFloat(args[2])); err != nil {
		return "[no-morph]"
	}
	return "ok"
}

func (c *Core) cmdColor(args []string) string {
	if len(args) < 4 {
		return "[bad-args]color"
	}
	a := 1.0
	if len(args) >= 5 {
		a = parseFloat(args[4])
	}
	if err := c.World.SetColor(args[0], parseFloat(args[1]), parseFloat(args[2]), parseFloat(args[3]), a); err != nil {
		return "[no-morph]"
	}
	return "ok"
}

func (c *Core) cmdFront(args []string) string {
	if len(args) < 1 {
		return "[bad-args]front"
	}
	if err := c.World.BringToFront(args[0]); err != nil {
		return "[no-morph]"
	}
	return "ok"
}

// cmdRagGrow ingests n deterministic, persona-flavored contexts seeded
// from prompt, standing in for an LLM-backed growth step without
// requiring a live model call: spec.md scopes the LLM integration
// itself out, but the ingestion contract (n new tagged memory
// entries) is part of the command surface.
func (c *Core) cmdRagGrow(args []string) string {
	if len(args) < 3 {
		return "[bad-args]rag.grow"
	}
	prompt, persona := args[0], args[1]
	n, err := strconv.Atoi(args[2])
	if err != nil || n < 0 {
		return "[bad-args]rag.grow"
	}
	for i := 0; i < n; i++ {
		text := fmt.Sprintf("%s: %s (derived %d)", persona, prompt, i)
		c.Memory.AddContextTagged(text, []string{persona, "generated"})
	}
	return strconv.Itoa(n)
}

// cmdUIPlanApply wraps the plan mutation in a single WAL frame, per
// the `ui.plan` tag used throughout spec.md §6's WAL format example.
func (c *Core) cmdUIPlanApply(args []string) string {
	if len(args) < 2 {
		return "[bad-args]ui.plan.apply"
	}
	persona, goal := args[0], strings.Join(args[1:], " ")
	err := c.WAL.Commit("ui.plan", map[string]any{"persona": persona, "goal": goal}, func() error {
		id, err := c.World.CreateMorph("Morph")
		if err != nil {
			return err
		}
		return c.World.SetText(id, goal)
	})
	if err != nil {
		return "[plan-apply-failed]" + err.Error()
	}
	return "ok"
}

// Shutdown flushes streams and telemetry. Call before process exit on
// run.exit.
func (c *Core) Shutdown(ctx context.Context) error {
	if c.postgresStore != nil {
		if err := c.Memory.SaveToStore(ctx, c.postgresStore); err != nil {
			c.log.Warn().Err(err).Msg("postgres memory snapshot save failed")
		}
	} else if err := c.Memory.Save(c.cfg.MemorySnapshotPath); err != nil {
		c.log.Warn().Err(err).Msg("memory snapshot save failed")
	}
	if err := c.Streams.Close(); err != nil {
		c.log.Warn().Err(err).Msg("stream registry close failed")
	}
	return c.Telemetry.Shutdown(ctx)
}
