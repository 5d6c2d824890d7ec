// Command tiler is the tile server daemon: it serves tiles by
// datasource and (z, x, y), launches pyramid builds, and manages the
// datasource catalog.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/eugenever/tiler/internal/catalog"
	"github.com/eugenever/tiler/internal/config"
	"github.com/eugenever/tiler/internal/server"
	"github.com/eugenever/tiler/internal/tilestore"
)

func main() {
	var (
		port       int
		dataDir    string
		tilesDir   string
		envFile    string
		configFile string
	)
	flag.IntVar(&port, "port", 0, "port for serving HTTP requests (default: $PORT or 8000)")
	flag.StringVar(&dataDir, "data", "data", "working directory for rasters and sidecar databases")
	flag.StringVar(&tilesDir, "tiles", "tiles", "tile tree and archive directory")
	flag.StringVar(&envFile, "env", ".env", "path to the environment file")
	flag.StringVar(&configFile, "config", "config_app.json", "path to the application config")
	flag.Parse()

	if port == 0 {
		port, _ = strconv.Atoi(os.Getenv("PORT"))
	}
	if port == 0 {
		port = 8000
	}

	env, err := config.LoadEnv(envFile)
	if err != nil {
		log.Fatal(err)
	}
	app, err := config.LoadApp(configFile)
	if err != nil {
		log.Fatal(err)
	}
	if err := config.SetupLogging(app); err != nil {
		log.Fatal(err)
	}

	for _, dir := range []string{dataDir, tilesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatal(err)
		}
	}

	// The registry reconciles jobs orphaned by a crashed process before
	// anything can launch new ones.
	registry, err := tilestore.OpenRegistry(filepath.Join(dataDir, "tiler.db"))
	if err != nil {
		log.Fatal(err)
	}
	defer registry.Close()
	if err := registry.ReconcileStartup(); err != nil {
		log.Fatal(err)
	}

	// The catalog is required for vector tiles and datasource CRUD; the
	// raster serving path works without it only in degraded form, so a
	// connection failure is logged, not fatal.
	var cat server.CatalogStore
	pg, err := catalog.Open(catalog.DSN(env.DBUser, env.DBPass, env.DBHost, env.DBPort, env.DBName), env.DBPoolSize)
	if err != nil {
		log.Printf("catalog unavailable: %v", err)
	} else {
		defer pg.Close()
		if err := pg.EnsureSchema(context.Background()); err != nil {
			log.Fatal(err)
		}
		cat = pg
	}

	srv, err := server.New(cat, registry, env, app, dataDir, tilesDir)
	if err != nil {
		log.Fatal(err)
	}
	defer srv.Close()

	log.Printf("Listening for HTTP requests on port %d", port)
	if err := srv.Start(fmt.Sprintf(":%d", port)); err != nil {
		log.Fatal(err)
	}
}
