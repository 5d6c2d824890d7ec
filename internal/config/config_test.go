package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := `DBUSER=tiler
DBPASS=secret
DBHOST=db.internal
DBPORT=5433
DBNAME=tiles
DBPOOLSIZE=25
CHECK_KEYS_AFTER_DAYS=3
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	env, err := LoadEnv(path)
	if err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if env.DBUser != "tiler" || env.DBHost != "db.internal" || env.DBPort != "5433" {
		t.Errorf("env = %+v", env)
	}
	if env.DBPoolSize != 25 || env.CheckKeysAfterDays != 3 {
		t.Errorf("numeric env = %+v", env)
	}
}

func TestLoadEnvMissingFileUsesDefaults(t *testing.T) {
	env, err := LoadEnv(filepath.Join(t.TempDir(), ".env"))
	if err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if env.DBHost != "localhost" || env.DBPoolSize != 10 {
		t.Errorf("defaults = %+v", env)
	}
}

func TestLoadEnvProcessOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("DBHOST=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DBHOST", "from-process")

	env, err := LoadEnv(path)
	if err != nil {
		t.Fatal(err)
	}
	if env.DBHost != "from-process" {
		t.Errorf("DBHOST = %q, want process value", env.DBHost)
	}
}

func TestLoadAppDefaults(t *testing.T) {
	app, err := LoadApp(filepath.Join(t.TempDir(), "config_app.json"))
	if err != nil {
		t.Fatal(err)
	}
	if app.Tiler.NoDataTolerance != 1e-6 {
		t.Errorf("tolerance default = %v", app.Tiler.NoDataTolerance)
	}
	if app.Tiler.EncodingToRGBA.XBlockSize != 2048 {
		t.Errorf("block size default = %v", app.Tiler.EncodingToRGBA.XBlockSize)
	}
}

func TestLoadAppFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config_app.json")
	content := `{"tiler": {"nodata_tolerance": 1e-4, "encoding_to_rgba": {"x_block_size": 512, "y_block_size": 512}}}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	app, err := LoadApp(path)
	if err != nil {
		t.Fatal(err)
	}
	if app.Tiler.NoDataTolerance != 1e-4 || app.Tiler.EncodingToRGBA.XBlockSize != 512 {
		t.Errorf("app = %+v", app.Tiler)
	}
}

func TestRotatingWriter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	w, err := newRotatingWriter(path, 64)
	if err != nil {
		t.Fatal(err)
	}

	line := strings.Repeat("x", 40) + "\n"
	for i := 0; i < 3; i++ {
		if _, err := w.Write([]byte(line)); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Errorf("rotated file missing: %v", err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() > 64 {
		t.Errorf("active log %d bytes past cap", fi.Size())
	}
}
