package main

/*
# Running
Usage: ./impostorpipeline -o /path/to/outdir -c credentials.env -g mygrid

# Configuration
DuckDB file path is the credentials file's `DB_NAME` value, which overrides
any `IMPOSTOR_DATABASE_DSN` environment setting.
Example credentials line: `DB_NAME = /path/to/impostors.duckdb`

# Logging
Logging to stdout
*/

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pborman/getopt/v2"
	log "github.com/sirupsen/logrus"

	"github.com/animats/impostorpipeline/internal/catalog"
	"github.com/animats/impostorpipeline/internal/conf"
	"github.com/animats/impostorpipeline/internal/creds"
	"github.com/animats/impostorpipeline/internal/pipeline"
	"github.com/animats/impostorpipeline/internal/pipeline/errs"
	"github.com/animats/impostorpipeline/internal/sculpt"
	"github.com/animats/impostorpipeline/internal/storage"
)

var flagHelp bool
var flagVerbose bool
var flagMesh bool
var flagOutDir string
var flagCredentials string
var flagGrid string
var flagAssetPrefix string

func init() {
	initCommandOptions()
}

func initCommandOptions() {
	getopt.FlagLong(&flagHelp, "help", 'h', "Show command usage")
	getopt.FlagLong(&flagVerbose, "verbose", 'v', "Set logging level to DEBUG")
	getopt.FlagLong(&flagMesh, "mesh", 'm', "Generate mesh impostors (reserved, not implemented)")
	getopt.FlagLong(&flagOutDir, "outdir", 'o', "", "Staging directory for generated assets")
	getopt.FlagLong(&flagCredentials, "credentials", 'c', "", "Credentials file name")
	getopt.FlagLong(&flagGrid, "grid", 'g', "", "Grid identifier")
	getopt.FlagLong(&flagAssetPrefix, "prefix", 'p', "", "Asset-server URL prefix for the advisory HEAD check")
}

func main() {
	getopt.Parse()

	if flagHelp {
		getopt.Usage()
		os.Exit(0)
	}

	log.Infof("---- %s - Version %s ----------", conf.AppConfig.Name, conf.AppConfig.Version)

	if flagVerbose {
		log.SetLevel(log.DebugLevel)
		log.Debugf("Log level = DEBUG")
	}

	if err := run(); err != nil {
		// Failures before the grid run starts get a stage and grid too.
		if _, ok := err.(*pipeline.StageError); !ok {
			err = &pipeline.StageError{Stage: "setup", Grid: strings.ToLower(strings.TrimSpace(flagGrid)), Err: err}
		}
		log.Errorf("%v", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func run() error {
	if flagOutDir == "" || flagCredentials == "" || flagGrid == "" {
		return fmt.Errorf("%w: --outdir, --credentials, and --grid are all required", errs.ErrInput)
	}
	if flagMesh {
		return fmt.Errorf("%w: mesh generation is reserved for a future release", errs.ErrNotImplemented)
	}
	grid := strings.ToLower(strings.TrimSpace(flagGrid))

	credentials, err := creds.Load(flagCredentials)
	if err != nil {
		return err
	}

	// No dedicated --config flag exists in this CLI's surface, so InitConfig
	// only ever reads IMPOSTOR_-prefixed environment variables over defaults.
	conf.InitConfig("", flagVerbose)
	if dsn := credentials.Get("DB_NAME"); dsn != "" {
		conf.Configuration.Database.DSN = dsn
	}
	conf.DumpConfig()

	ctx := context.Background()
	store, err := storage.Open(ctx, conf.Configuration.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	headTimeout := time.Duration(conf.Configuration.Assets.HeadTimeoutSeconds) * time.Second
	assetPrefix := flagAssetPrefix
	if assetPrefix == "" {
		assetPrefix = conf.Configuration.Assets.ServerURLPrefix
	}
	cat, err := catalog.NewDBCatalog(store, conf.Configuration.Cache.AssetLookupSize, assetPrefix, headTimeout)
	if err != nil {
		return err
	}

	fetchTimeout := time.Duration(conf.Configuration.GroundTiles.RequestTimeoutSeconds) * time.Second
	fetcher := sculpt.NewTerrainTileFetcher(conf.Configuration.GroundTiles.URLPrefix, fetchTimeout)

	p := pipeline.New(store, cat, fetcher, pipeline.Options{
		CornersTouch: false,
		OutDir:       flagOutDir,
	}, nil)

	summary, err := p.Run(ctx, grid)
	if err != nil {
		return err
	}
	log.Infof("grid %s: %d regions streamed, %d viz groups, %d tiles emitted, %d assets generated, %d assets reused",
		summary.Grid, summary.RegionsStreamed, summary.GroupsCompleted, summary.TilesEmitted, summary.AssetsGenerated, summary.AssetsReused)
	return nil
}
