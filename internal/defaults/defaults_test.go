package defaults

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nugget/loopgate/internal/config"
)

func TestConfigYAML_LoadsAndValidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, ConfigYAML, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Models.Default == "" {
		t.Error("example config should name a default model")
	}
	if cfg.MQTT.Configured() {
		t.Error("example config should leave MQTT off")
	}
	if cfg.ShellExec.Enabled {
		t.Error("example config should leave shell_exec off")
	}
}
