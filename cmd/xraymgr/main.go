// Command xraymgr is the composition root: it wires configuration, the
// store, every pipeline stage, and the batch test engine together, then
// runs the pipeline on a schedule while the engine runs continuously.
package main

import (
	"flag"
	"os"

	"github.com/robfig/cron/v3"

	"github.com/xrayfleet/xraymgr/bridge"
	"github.com/xrayfleet/xraymgr/collector"
	"github.com/xrayfleet/xraymgr/config"
	"github.com/xrayfleet/xraymgr/engine"
	"github.com/xrayfleet/xraymgr/fingerprint"
	"github.com/xrayfleet/xraymgr/grouping"
	"github.com/xrayfleet/xraymgr/importer"
	"github.com/xrayfleet/xraymgr/jsonbuilder"
	"github.com/xrayfleet/xraymgr/jsonrepair"
	"github.com/xrayfleet/xraymgr/logger"
	"github.com/xrayfleet/xraymgr/probe"
	"github.com/xrayfleet/xraymgr/stopsignal"
	"github.com/xrayfleet/xraymgr/store"
	"github.com/xrayfleet/xraymgr/tagalloc"
	"github.com/xrayfleet/xraymgr/xrayctl"
)

func main() {
	tomlPath := flag.String("config", "", "path to a TOML config file (optional)")
	pipelineCron := flag.String("pipeline-cron", "*/5 * * * *", "cron schedule for the collection/grouping pipeline")
	flag.Parse()

	cfg, err := config.Load(*tomlPath)
	if err != nil {
		logger.Errorf("config load failed: %v", err)
		os.Exit(1)
	}

	level := cfg.LogLevel
	if cfg.Debug {
		level = "debug"
	}
	logger.InitLogger(level)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Errorf("store open failed: %v", err)
		os.Exit(1)
	}
	defer st.Close()

	stop := stopsignal.New()
	stop.WatchSignals()

	bridgeClient := bridge.New(cfg.BridgeBin, cfg.BridgeAssetsDir)
	defer bridgeClient.Close()

	xrayClient := xrayctl.New(cfg.XrayBin, cfg.XrayAPIServer)
	probedServer := xrayClient.ProbeAPIServer([]string{cfg.XrayAPIServer})
	if probedServer != cfg.XrayAPIServer {
		logger.Infof("xray api server reachable at %s instead of configured %s", probedServer, cfg.XrayAPIServer)
		xrayClient = xrayctl.New(cfg.XrayBin, probedServer)
	}

	probeRunner := probe.New(cfg.ProbeBin)

	runPipeline := newPipeline(st, bridgeClient, stop, cfg)

	c := cron.New()
	if _, err := c.AddFunc(*pipelineCron, runPipeline); err != nil {
		logger.Errorf("pipeline cron schedule failed: %v", err)
		os.Exit(1)
	}
	if _, err := c.AddFunc("@every 10m", func() {
		if err := st.Checkpoint(); err != nil {
			logger.Warningf("checkpoint failed: %v", err)
		}
	}); err != nil {
		logger.Errorf("checkpoint cron schedule failed: %v", err)
		os.Exit(1)
	}
	c.Start()
	defer c.Stop()

	logger.Infof("xraymgr starting: running pipeline once before the engine begins")
	runPipeline()

	eng := engine.New(st, xrayClient, probeRunner, stop, engine.Config{
		Count:           cfg.Count,
		Parallel:        cfg.Parallel,
		PortStart:       cfg.PortStart,
		TagPrefix:       cfg.TagPrefix,
		LockTimeoutSec:  cfg.LockTimeoutSec,
		CheckTimeoutSec: cfg.CheckTimeoutSec,
		SocksUser:       cfg.SocksUser,
		SocksPass:       cfg.SocksPass,
		SocksListen:     cfg.SocksListen,
		IdleSleepSec:    float64(cfg.IdleSleepSec),
		MaxBatches:      cfg.MaxBatches,
		Continuous:      cfg.Continuous,
		Owner:           cfg.Owner,
	})

	if err := eng.RunForever(cfg.StopFile); err != nil {
		logger.Errorf("engine stopped with error: %v", err)
		os.Exit(1)
	}
	logger.Infof("xraymgr exiting")
}

// newPipeline returns a closure running every configuration-pipeline stage
// in spec §4.2-§4.8 order, once, logging and swallowing per-stage errors so
// one broken stage doesn't stop the cron scheduler from retrying later.
func newPipeline(st *store.Store, bridgeClient *bridge.Client, stop *stopsignal.Signal, cfg *config.Config) func() {
	col := collector.New(collector.DefaultConfig(), stop)
	imp := importer.New(st)
	tags := tagalloc.New(st, cfg.TagPrefix)
	builder := jsonbuilder.New(st, bridgeClient, stop)
	repairer := jsonrepair.New(st, bridgeClient, stop)
	fp := fingerprint.New(st)
	grp := grouping.New(st)

	return func() {
		if stop.ShouldStop(cfg.StopFile) {
			return
		}
		logger.Infof("pipeline: collector starting")
		if _, err := col.Run(cfg.SourcesFile, cfg.RawURIsFile); err != nil {
			logger.Errorf("pipeline: collector failed: %v", err)
		}

		logger.Infof("pipeline: importer starting")
		if _, err := imp.ImportRawURIs(cfg.RawURIsFile); err != nil {
			logger.Errorf("pipeline: importer failed: %v", err)
			return
		}
		if _, err := imp.SplitMultiScheme(); err != nil {
			logger.Errorf("pipeline: multi-scheme split failed: %v", err)
		}
		if _, err := imp.MarkUnsupported(); err != nil {
			logger.Errorf("pipeline: mark-unsupported failed: %v", err)
		}

		logger.Infof("pipeline: tag allocator starting")
		if _, err := tags.Run(); err != nil {
			logger.Errorf("pipeline: tag allocator failed: %v", err)
		}

		logger.Infof("pipeline: json builder starting")
		if _, err := builder.Run(); err != nil {
			logger.Errorf("pipeline: json builder failed: %v", err)
		}

		logger.Infof("pipeline: json repair starting")
		if _, err := repairer.Run(); err != nil {
			logger.Errorf("pipeline: json repair failed: %v", err)
		}

		logger.Infof("pipeline: fingerprint starting")
		if _, err := fp.Run(); err != nil {
			logger.Errorf("pipeline: fingerprint failed: %v", err)
		}

		logger.Infof("pipeline: grouping starting")
		if _, err := grp.Run(); err != nil {
			logger.Errorf("pipeline: grouping failed: %v", err)
		}
	}
}
