package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.BasePageClassName == "" {
		t.Fatal("Default() left BasePageClassName empty")
	}
	if cfg.WorkerInvokeTimeout != 5*time.Second {
		t.Fatalf("WorkerInvokeTimeout = %v, want 5s", cfg.WorkerInvokeTimeout)
	}
	if !cfg.IsEphemeralClassLoaderName("foo.MemoryClassLoader$1") {
		t.Fatal("expected default markers to match a MemoryClassLoader-derived name")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	contents := `
base-page-class-name: my.pkg.BasePage
log-flags: engine,step
ephemeral-classloader-markers:
  - ScratchLoader
`
	if err := ioutil.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BasePageClassName != "my.pkg.BasePage" {
		t.Fatalf("BasePageClassName = %q", cfg.BasePageClassName)
	}
	if cfg.IsEphemeralClassLoaderName("foo.MemoryClassLoader") {
		t.Fatal("overridden markers should no longer match the built-in default marker")
	}
	if !cfg.IsEphemeralClassLoaderName("foo.ScratchLoader$3") {
		t.Fatal("expected overridden marker to match")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(os.TempDir(), "does-not-exist-vmcore.yaml")); err == nil {
		t.Fatal("expected an error loading a missing config file")
	}
}
