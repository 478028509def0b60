package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"portalmesh/internal/bus"
	"portalmesh/internal/config"
	"portalmesh/internal/identity"
	"portalmesh/internal/liveness"
	"portalmesh/internal/protocol"
	"portalmesh/internal/replicate"
	"portalmesh/internal/router"
	"portalmesh/internal/status"
	"portalmesh/internal/stream"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	app := &cli.App{
		Name:    "portalmesh-server",
		Usage:   "standalone replication node for a game-server mesh",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "configs/server.example.yml",
				Usage:   "path to the server config file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "log level (debug, info, warn, error)",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func run(c *cli.Context) error {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logrus.SetOutput(os.Stdout)
	level, err := logrus.ParseLevel(c.String("log-level"))
	if err != nil {
		return err
	}
	logrus.SetLevel(level)

	cfg, err := config.LoadServerConfig(c.String("config"))
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	nodeID := cfg.Node.ID
	if nodeID == "" {
		nodeID = identity.RandomNodeID()
		logrus.Infof("No node id configured, generated %s", nodeID)
	}
	advertise := cfg.Stream.AdvertiseAddr
	if advertise == "" {
		advertise = cfg.Stream.ListenAddr
	}
	local := identity.New(nodeID, cfg.Node.Name, cfg.Node.Region, advertise, version, cfg.Node.Primary)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := stream.New(stream.Config{
		ListenAddr:       cfg.Stream.ListenAddr,
		Peers:            cfg.Stream.Peers,
		DialTimeout:      config.Duration(cfg.Stream.DialTimeout, 10*time.Second),
		HandshakeTimeout: config.Duration(cfg.Stream.HandshakeTimeout, 30*time.Second),
		RedialInterval:   config.Duration(cfg.Stream.RedialInterval, 15*time.Second),
	}, local.ID())

	var b *bus.EtcdBus
	var busTransport router.BusTransport
	if cfg.Bus.Enabled {
		b, err = bus.New(bus.Config{
			Endpoints:   cfg.Bus.Endpoints,
			TopicPrefix: cfg.Bus.TopicPrefix,
		}, local.ID())
		if err != nil {
			logrus.Fatalf("Failed to connect to the bus: %v", err)
		}
		busTransport = b
	}

	rtr := router.New(local, st, busTransport, router.Config{
		Binary:               cfg.Codec.Binary,
		CompressionThreshold: cfg.Codec.CompressionThreshold,
		BusRedundant:         cfg.Bus.Redundant,
		BatchEnabled:         cfg.Batch.Enabled,
		BatchInterval:        config.Duration(cfg.Batch.Interval, 5*time.Millisecond),
		BatchMaxSize:         cfg.Batch.MaxSize,
	})
	st.OnFrame(rtr.HandleFrame)
	if b != nil {
		b.OnFrame(rtr.HandleFrame)
	}

	registry := liveness.New(local, rtr, rtr, liveness.Config{
		TickInterval: config.Duration(cfg.Liveness.TickInterval, 5*time.Second),
		StaleAfter:   config.Duration(cfg.Liveness.StaleAfter, 60*time.Second),
		PingTimeout:  config.Duration(cfg.Liveness.PingTimeout, 10*time.Second),
	})

	// The standalone binary has no game world attached, so remote state is
	// traced and dropped. A host embeds the packages and supplies real
	// appliers plus an authority function for the actors it owns.
	applier := &traceApplier{}
	actors := replicate.NewActorStream(local.ID(), rtr, rtr, nil, applier, replicate.ActorStreamConfig{})
	blocks := replicate.NewBlockStream(local.ID(), rtr, rtr, nil, applier, replicate.BlockStreamConfig{})
	entities := replicate.NewEntityStream(local.ID(), rtr, rtr, nil, applier, replicate.EntityStreamConfig{})
	events := replicate.NewEventStream(local.ID(), rtr, rtr, nil, applier)
	if b != nil {
		registry.SetMetaStore(b)
		actors.SetLocator(b)
		events.SetLocator(b)
	}

	if b != nil {
		if err := b.Start(ctx); err != nil {
			logrus.Fatalf("Failed to start bus transport: %v", err)
		}
	}
	if err := st.Start(ctx); err != nil {
		logrus.Fatalf("Failed to start stream transport: %v", err)
	}
	rtr.Start()
	registry.Start()
	actors.Start()
	blocks.Start()
	entities.Start()

	var statusSrv *http.Server
	if cfg.Status.ListenAddr != "" {
		statusSrv = &http.Server{
			Addr:    cfg.Status.ListenAddr,
			Handler: status.NewServer(local, registry, rtr).Handler(),
		}
		go func() {
			logrus.Infof("status: listening on %s", cfg.Status.ListenAddr)
			if err := statusSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logrus.Errorf("status: %v", err)
			}
		}()
	}

	events.EmitNotice(protocol.SystemNotice{
		Text:     local.Name() + " joined the mesh",
		Severity: "info",
	})
	logrus.Infof("portalmesh %s up as node %s (%s)", version, local.ID(), local.Name())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logrus.Println("Shutting down gracefully...")

	// Goodbye first so peers evict early, then drain the outbound batches
	// before tearing the transports down.
	registry.Stop()
	actors.Stop()
	blocks.Stop()
	entities.Stop()
	rtr.Stop()
	st.Stop()
	if b != nil {
		b.Stop()
	}
	if statusSrv != nil {
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = statusSrv.Shutdown(shutCtx)
		shutCancel()
	}
	cancel()

	logrus.Println("Server exited.")
	return nil
}

// traceApplier logs remote state instead of applying it to a world.
type traceApplier struct{}

func (traceApplier) ApplyPose(src string, p protocol.PoseUpdate) {
	logrus.Debugf("apply: pose %s from %s (%.1f, %.1f, %.1f)", p.ActorID, src, p.X, p.Y, p.Z)
}

func (traceApplier) ApplyJoin(src string, j protocol.ActorJoin) {
	logrus.Infof("apply: actor %s joined on %s", j.ActorID, src)
}

func (traceApplier) ApplyLeave(src string, l protocol.ActorLeave) {
	logrus.Infof("apply: actor %s left on %s", l.ActorID, src)
}

func (traceApplier) ApplyVitals(src string, v protocol.VitalsUpdate) {
	logrus.Debugf("apply: vitals %s from %s", v.ActorID, src)
}

func (traceApplier) ApplyMeta(src string, m protocol.ActorMeta) {
	logrus.Debugf("apply: meta %s from %s", m.ActorID, src)
}

func (traceApplier) ApplySpawn(src string, sp protocol.EntitySpawn) {
	logrus.Debugf("apply: entity %s (%s) spawned on %s", sp.EntityID, sp.Kind, src)
}

func (traceApplier) ApplyDespawn(src string, d protocol.EntityDespawn) {
	logrus.Debugf("apply: entity %s despawned on %s", d.EntityID, src)
}

func (traceApplier) ApplyMove(src string, mv protocol.EntityMove) {
	logrus.Debugf("apply: entity %s moved on %s", mv.EntityID, src)
}

func (traceApplier) ApplyBlock(src string, bs protocol.BlockSet) {
	logrus.Debugf("apply: block %s from %s", bs.Key(), src)
}

func (traceApplier) ApplyWeather(src string, w protocol.WeatherUpdate) {
	logrus.Debugf("apply: weather in %s from %s", w.World, src)
}

func (traceApplier) ApplyTime(src string, t protocol.TimeSync) {
	logrus.Debugf("apply: time %d in %s from %s", t.Time, t.World, src)
}

func (traceApplier) ApplyEvent(src string, e protocol.Event) {
	logrus.Infof("apply: event %s from %s", e.Name, src)
}

func (traceApplier) ApplyChat(src string, ch protocol.Chat) {
	logrus.Infof("[chat] %s: %s", ch.Name, ch.Text)
}

func (traceApplier) ApplyPrivateChat(src string, pc protocol.PrivateChat) {
	logrus.Infof("[pm] %s -> %s: %s", pc.From, pc.To, pc.Text)
}

func (traceApplier) ApplyNotice(src string, n protocol.SystemNotice) {
	logrus.Infof("[notice] %s: %s", n.Severity, n.Text)
}
