// Package config loads the process configuration: the .env file with
// database credentials, config_app.json with tuning knobs, and the log
// sink setup.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"

	"gopkg.in/ini.v1"
)

// Env carries the settings read from the .env file, with process
// environment variables taking precedence.
type Env struct {
	DBUser            string
	DBPass            string
	DBHost            string
	DBPort            string
	DBName            string
	DBPoolSize        int
	CheckKeysAfterDays int
}

// LoadEnv reads KEY=VALUE pairs from the .env file at path. A missing
// file is not an error; the process environment still applies.
func LoadEnv(path string) (*Env, error) {
	values := map[string]string{}
	if _, err := os.Stat(path); err == nil {
		f, err := ini.Load(path)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		for _, key := range f.Section("").Keys() {
			values[key.Name()] = key.String()
		}
	}

	get := func(name, fallback string) string {
		if v := os.Getenv(name); v != "" {
			return v
		}
		if v, ok := values[name]; ok && v != "" {
			return v
		}
		return fallback
	}
	getInt := func(name string, fallback int) int {
		if v := get(name, ""); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
		return fallback
	}

	return &Env{
		DBUser:             get("DBUSER", "postgres"),
		DBPass:             get("DBPASS", ""),
		DBHost:             get("DBHOST", "localhost"),
		DBPort:             get("DBPORT", "5432"),
		DBName:             get("DBNAME", "tiler"),
		DBPoolSize:         getInt("DBPOOLSIZE", 10),
		CheckKeysAfterDays: getInt("CHECK_KEYS_AFTER_DAYS", 1),
	}, nil
}

// App carries the tuning knobs from config_app.json.
type App struct {
	Tiler struct {
		NoDataTolerance float64 `json:"nodata_tolerance"`
		EncodingToRGBA  struct {
			XBlockSize int `json:"x_block_size"`
			YBlockSize int `json:"y_block_size"`
		} `json:"encoding_to_rgba"`
	} `json:"tiler"`
	Log struct {
		File    string `json:"file"`
		MaxSize int64  `json:"max_size_bytes"`
	} `json:"log"`
}

// LoadApp reads config_app.json, returning defaults when absent.
func LoadApp(path string) (*App, error) {
	app := &App{}
	app.Tiler.NoDataTolerance = 1e-6
	app.Tiler.EncodingToRGBA.XBlockSize = 2048
	app.Tiler.EncodingToRGBA.YBlockSize = 2048
	app.Log.MaxSize = 64 << 20

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return app, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, app); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return app, nil
}

// SetupLogging routes the standard logger to stderr plus a size-capped
// rotating file when one is configured.
func SetupLogging(app *App) error {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if app.Log.File == "" {
		return nil
	}
	w, err := newRotatingWriter(app.Log.File, app.Log.MaxSize)
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stderr, w))
	return nil
}
