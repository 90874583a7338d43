package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/akuznetsov-gridgain/ignite/internal/cluster/rebalance"
	"github.com/akuznetsov-gridgain/ignite/internal/grid"
	"github.com/akuznetsov-gridgain/ignite/internal/protocol"
)

var (
	addr        = flag.String("addr", ":6379", "client (RESP) listen address")
	gridAddr    = flag.String("grid-addr", ":7800", "inter-node transport listen address")
	discoAddr   = flag.String("disco-addr", ":7801", "discovery listen address")
	metricsAddr = flag.String("metrics-addr", "", "Prometheus metrics address (empty disables)")
	nodeID      = flag.String("node-id", "", "node ID (auto-generated if empty)")
	seeds       = flag.String("seeds", "", "comma-separated discovery addresses of running members")
	dataDir     = flag.String("data-dir", "./data", "data directory for state and disk store")
	engineName  = flag.String("engine", "memory", "store engine: memory or badger")
	spaceBudget = flag.Int64("space-budget", 0, "disk store size budget in bytes (0 = unlimited)")
	partitions  = flag.Int("partitions", 1024, "partition count (must match across the cluster)")
	backups     = flag.Int("backups", 1, "backup copies per partition")
	poolSize    = flag.Int("rebalance-pool", rebalance.DefaultPoolSize, "rebalance worker pool size")
	norebalance = flag.Bool("no-rebalance", false, "disable automatic rebalancing")
)

func main() {
	flag.Parse()

	cfg := grid.DefaultConfig()
	cfg.NodeID = *nodeID
	cfg.Addr = *addr
	cfg.GridAddr = *gridAddr
	cfg.DiscoAddr = *discoAddr
	cfg.DataDir = *dataDir
	cfg.Engine = *engineName
	cfg.SpaceBudget = *spaceBudget
	cfg.Affinity.Partitions = *partitions
	cfg.Affinity.Backups = *backups
	cfg.Rebalance.PoolSize = *poolSize
	cfg.Rebalance.Enabled = !*norebalance
	if *seeds != "" {
		cfg.Seeds = strings.Split(*seeds, ",")
	}

	g, err := grid.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create grid node: %v", err)
	}
	if err := g.Start(); err != nil {
		log.Fatalf("Failed to start grid node: %v", err)
	}

	server := protocol.NewServer(*addr, g)
	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	if *metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")

	if err := server.Stop(); err != nil {
		log.Printf("Error stopping server: %v", err)
	}
	if err := g.Stop(); err != nil {
		log.Printf("Error stopping grid: %v", err)
	}
}
