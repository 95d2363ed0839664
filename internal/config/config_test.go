package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load([]string{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 6390 {
		t.Fatalf("expected port 6390, got %d", cfg.Port)
	}
	if cfg.MaxKeys != 65536 {
		t.Fatalf("expected max-keys 65536, got %d", cfg.MaxKeys)
	}
	if cfg.SweepInterval != 10*time.Minute {
		t.Fatalf("expected sweep-interval 10m, got %v", cfg.SweepInterval)
	}
	if cfg.MaxKeysPerWait != 64 {
		t.Fatalf("expected max-keys-per-wait 64, got %d", cfg.MaxKeysPerWait)
	}
}

func TestLoad_BadFlags_ReturnsError(t *testing.T) {
	_, err := Load([]string{"--nonexistent-flag"})
	if err == nil {
		t.Fatal("expected error for unknown flag")
	}
}

func TestLoad_UnexpectedArgument(t *testing.T) {
	_, err := Load([]string{"serve"})
	if err == nil || !strings.Contains(err.Error(), "unexpected argument") {
		t.Fatalf("expected unexpected argument error, got %v", err)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string // substring expected in error
	}{
		{"max-keys=0", []string{"--max-keys", "0"}, "max-keys"},
		{"max-keys negative", []string{"--max-keys", "-1"}, "max-keys"},
		{"max-list-length negative", []string{"--max-list-length", "-1"}, "max-list-length"},
		{"max-keys-per-wait negative", []string{"--max-keys-per-wait", "-1"}, "max-keys-per-wait"},
		{"sweep-interval=0", []string{"--sweep-interval", "0"}, "sweep-interval"},
		{"read-timeout=0", []string{"--read-timeout", "0"}, "read-timeout"},
		{"write-timeout negative", []string{"--write-timeout", "-1"}, "write-timeout"},
		{"shutdown-timeout negative", []string{"--shutdown-timeout", "-1"}, "shutdown-timeout"},
		{"port negative", []string{"--port", "-1"}, "port"},
		{"port too high", []string{"--port", "99999"}, "port"},
		{"max-connections negative", []string{"--max-connections", "-1"}, "max-connections"},
		{"tls-cert without key", []string{"--tls-cert", "cert.pem"}, "tls-key"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(tc.args)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q should contain %q", err.Error(), tc.want)
			}
		})
	}
}

func TestLoad_ValidEdgeCases(t *testing.T) {
	// write-timeout=0 disables the write timeout
	if _, err := Load([]string{"--write-timeout", "0"}); err != nil {
		t.Fatalf("write-timeout=0 should be valid: %v", err)
	}
	// shutdown-timeout=0 waits forever
	if _, err := Load([]string{"--shutdown-timeout", "0"}); err != nil {
		t.Fatalf("shutdown-timeout=0 should be valid: %v", err)
	}
	if _, err := Load([]string{"--max-connections", "0"}); err != nil {
		t.Fatalf("max-connections=0 should be valid: %v", err)
	}
	if _, err := Load([]string{"--max-keys-per-wait", "0"}); err != nil {
		t.Fatalf("max-keys-per-wait=0 should be valid: %v", err)
	}
	if _, err := Load([]string{"--max-list-length", "0"}); err != nil {
		t.Fatalf("max-list-length=0 should be valid: %v", err)
	}
}

func TestLoad_AllFlagsParsed(t *testing.T) {
	args := []string{
		"--host", "0.0.0.0",
		"--port", "9999",
		"--sweep-interval", "30",
		"--max-keys", "500",
		"--max-list-length", "100",
		"--max-keys-per-wait", "8",
		"--max-connections", "50",
		"--read-timeout", "30",
		"--write-timeout", "10",
		"--shutdown-timeout", "60",
		"--debug",
	}
	cfg, err := Load(args)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, 500, cfg.MaxKeys)
	assert.Equal(t, 100, cfg.MaxListLength)
	assert.Equal(t, 8, cfg.MaxKeysPerWait)
	assert.Equal(t, 50, cfg.MaxConnections)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 10*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 60*time.Second, cfg.ShutdownTimeout)
	assert.True(t, cfg.Debug)
}

func TestLoad_EnvVarOverridesDefault(t *testing.T) {
	t.Setenv("DFLISTD_PORT", "7777")
	t.Setenv("DFLISTD_HOST", "0.0.0.0")
	t.Setenv("DFLISTD_MAX_KEYS", "1000")
	t.Setenv("DFLISTD_SWEEP_INTERVAL_S", "5")
	t.Setenv("DFLISTD_DEBUG", "true")

	cfg, err := Load([]string{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 7777 {
		t.Errorf("port: got %d, want 7777", cfg.Port)
	}
	if cfg.Host != "0.0.0.0" {
		t.Errorf("host: got %q, want %q", cfg.Host, "0.0.0.0")
	}
	if cfg.MaxKeys != 1000 {
		t.Errorf("max-keys: got %d, want 1000", cfg.MaxKeys)
	}
	if cfg.SweepInterval != 5*time.Second {
		t.Errorf("sweep-interval: got %v, want 5s", cfg.SweepInterval)
	}
	if !cfg.Debug {
		t.Error("debug: got false, want true")
	}
}

func TestLoad_FlagOverridesEnvVar(t *testing.T) {
	t.Setenv("DFLISTD_PORT", "7777")
	t.Setenv("DFLISTD_MAX_KEYS", "4096")

	cfg, err := Load([]string{"--port", "8888", "--max-keys", "512"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 8888 {
		t.Errorf("port: got %d, want 8888 (flag should override env)", cfg.Port)
	}
	if cfg.MaxKeys != 512 {
		t.Errorf("max-keys: got %d, want 512 (flag should override env)", cfg.MaxKeys)
	}
}

func TestLoad_EnvVarBoolFormats(t *testing.T) {
	tests := []struct {
		envVal string
		want   bool
	}{
		{"1", true},
		{"yes", true},
		{"true", true},
		{"TRUE", true},
		{"0", false},
		{"no", false},
		{"false", false},
		{"No", false},
	}

	for _, tc := range tests {
		t.Run(tc.envVal, func(t *testing.T) {
			t.Setenv("DFLISTD_DEBUG", tc.envVal)
			cfg, err := Load([]string{})
			if err != nil {
				t.Fatal(err)
			}
			if cfg.Debug != tc.want {
				t.Errorf("DFLISTD_DEBUG=%q: got %v, want %v", tc.envVal, cfg.Debug, tc.want)
			}
		})
	}
}

func TestLoad_EnvVarInvalidFallsBack(t *testing.T) {
	t.Setenv("DFLISTD_PORT", "not_a_number")
	t.Setenv("DFLISTD_DEBUG", "maybe")
	cfg, err := Load([]string{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 6390 {
		t.Errorf("port: got %d, want 6390 (default)", cfg.Port)
	}
	if cfg.Debug {
		t.Error("debug: got true, want false (default)")
	}
}

func TestLoad_PortBoundary(t *testing.T) {
	cfg, err := Load([]string{"--port", "0"})
	if err != nil {
		t.Fatalf("port 0 should be valid: %v", err)
	}
	if cfg.Port != 0 {
		t.Fatalf("port: got %d, want 0", cfg.Port)
	}

	cfg, err = Load([]string{"--port", "65535"})
	if err != nil {
		t.Fatalf("port 65535 should be valid: %v", err)
	}
	if cfg.Port != 65535 {
		t.Fatalf("port: got %d, want 65535", cfg.Port)
	}
}

func TestLoad_AuthToken(t *testing.T) {
	t.Run("flag", func(t *testing.T) {
		cfg, err := Load([]string{"--auth-token", "mysecret"})
		require.NoError(t, err)
		assert.Equal(t, "mysecret", cfg.AuthToken)
	})
	t.Run("env", func(t *testing.T) {
		t.Setenv("DFLISTD_AUTH_TOKEN", "envsecret")
		cfg, err := Load([]string{})
		require.NoError(t, err)
		assert.Equal(t, "envsecret", cfg.AuthToken)
	})
	t.Run("env overrides flag", func(t *testing.T) {
		t.Setenv("DFLISTD_AUTH_TOKEN", "envwins")
		cfg, err := Load([]string{"--auth-token", "flagvalue"})
		require.NoError(t, err)
		assert.Equal(t, "envwins", cfg.AuthToken)
	})
	t.Run("file trimmed", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "token.txt")
		require.NoError(t, os.WriteFile(path, []byte("file-token\n  "), 0600))
		cfg, err := Load([]string{"--auth-token-file", path})
		require.NoError(t, err)
		assert.Equal(t, "file-token", cfg.AuthToken)
	})
	t.Run("file missing", func(t *testing.T) {
		_, err := Load([]string{"--auth-token-file", "/nonexistent/path/token.txt"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "auth token file")
	})
	t.Run("file from env", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "token.txt")
		require.NoError(t, os.WriteFile(path, []byte("env-file-token"), 0600))
		t.Setenv("DFLISTD_AUTH_TOKEN_FILE", path)
		cfg, err := Load([]string{})
		require.NoError(t, err)
		assert.Equal(t, "env-file-token", cfg.AuthToken)
	})
}

func TestLoad_VersionFlag(t *testing.T) {
	cfg, err := Load([]string{"--version"})
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Version {
		t.Fatal("version flag should be true")
	}
}

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dflistd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoad_ConfigFile(t *testing.T) {
	path := writeConfigFile(t, `
host: 0.0.0.0
port: 7000
sweep_interval: 15
max_keys: 10
max_list_length: 3
max_keys_per_wait: 2
debug: true
`)
	cfg, err := Load([]string{"--config", path})
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, 15*time.Second, cfg.SweepInterval)
	assert.Equal(t, 10, cfg.MaxKeys)
	assert.Equal(t, 3, cfg.MaxListLength)
	assert.Equal(t, 2, cfg.MaxKeysPerWait)
	assert.True(t, cfg.Debug)
	// untouched by the file
	assert.Equal(t, 23*time.Second, cfg.ReadTimeout)
}

func TestLoad_ConfigFileLayering(t *testing.T) {
	path := writeConfigFile(t, "port: 7000\nmax_keys: 10\nmax_list_length: 3\n")
	t.Setenv("DFLISTD_CONFIG", path)
	t.Setenv("DFLISTD_MAX_KEYS", "20")

	cfg, err := Load([]string{"--max-list-length", "5"})
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Port, "file over default")
	assert.Equal(t, 20, cfg.MaxKeys, "env over file")
	assert.Equal(t, 5, cfg.MaxListLength, "flag over file")
}

func TestLoad_ConfigFileAuthTokenFile(t *testing.T) {
	tokenPath := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(tokenPath, []byte("from-yaml\n"), 0600))
	path := writeConfigFile(t, "auth_token_file: "+tokenPath+"\n")

	cfg, err := Load([]string{"--config", path})
	require.NoError(t, err)
	assert.Equal(t, "from-yaml", cfg.AuthToken)
}

func TestLoad_ConfigFileErrors(t *testing.T) {
	t.Run("unknown field", func(t *testing.T) {
		path := writeConfigFile(t, "max_locks: 5\n")
		_, err := Load([]string{"--config", path})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parsing config file")
	})
	t.Run("missing", func(t *testing.T) {
		_, err := Load([]string{"--config", filepath.Join(t.TempDir(), "nope.yaml")})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "opening config file")
	})
	t.Run("invalid value", func(t *testing.T) {
		path := writeConfigFile(t, "max_keys: 0\n")
		_, err := Load([]string{"--config", path})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max-keys")
	})
	t.Run("empty file", func(t *testing.T) {
		path := writeConfigFile(t, "")
		cfg, err := Load([]string{"--config", path})
		require.NoError(t, err)
		assert.Equal(t, 6390, cfg.Port)
	})
}
