package cache

import (
	"os"
	"testing"
)

func validConfig() *Config {
	c := NewConfig()
	c.Port = 9039
	c.CacheDirectory = "/var/cache/cpcache"
	c.MirrorsPre = []string{"https://mirror.example.com/pacman"}
	return c
}

func TestConfigCheckValid(t *testing.T) {
	if err := validConfig().Check(); err != nil {
		t.Fatalf("Check() = %v, want nil", err)
	}
}

func TestConfigCheckRejectsBadPort(t *testing.T) {
	c := validConfig()
	c.Port = 0
	if err := c.Check(); err == nil {
		t.Fatal("Check() = nil, want error for port 0")
	}
}

func TestConfigCheckRejectsRelativeCacheDir(t *testing.T) {
	c := validConfig()
	c.CacheDirectory = "relative/path"
	if err := c.Check(); err == nil {
		t.Fatal("Check() = nil, want error for relative cache_directory")
	}
}

func TestConfigCheckRejectsEmptyPredefinedMirrors(t *testing.T) {
	c := validConfig()
	c.MirrorsPre = nil
	if err := c.Check(); err == nil {
		t.Fatal("Check() = nil, want error for empty mirrors_predefined")
	}
}

func TestConfigCheckRejectsUnknownSelectionMethod(t *testing.T) {
	c := validConfig()
	c.MirrorSelectionMethod = "bogus"
	if err := c.Check(); err == nil {
		t.Fatal("Check() = nil, want error for unknown mirror_selection_method")
	}
}

func TestConfigCheckRequiresDirectoryWithRecvPackagesKey(t *testing.T) {
	c := validConfig()
	c.RecvPackages.Key = "deadbeef"
	if err := c.Check(); err == nil {
		t.Fatal("Check() = nil, want error when recv_packages.key is set without directory")
	}
}

func TestApplyEnvironmentVariablesOverridesPort(t *testing.T) {
	c := validConfig()
	os.Setenv("CPCACHE_PORT", "8080")
	defer os.Unsetenv("CPCACHE_PORT")

	if err := c.ApplyEnvironmentVariables(); err != nil {
		t.Fatalf("ApplyEnvironmentVariables: %v", err)
	}
	if c.Port != 8080 {
		t.Fatalf("Port = %d, want 8080", c.Port)
	}
}

func TestLogConfigApplyRejectsBadLevel(t *testing.T) {
	lc := &LogConfig{Level: "not-a-level"}
	if err := lc.Apply(); err == nil {
		t.Fatal("Apply() = nil, want error for invalid level")
	}
}

func TestLogConfigApplyDefaults(t *testing.T) {
	lc := &LogConfig{}
	if err := lc.Apply(); err != nil {
		t.Fatalf("Apply() = %v, want nil for empty LogConfig", err)
	}
}
