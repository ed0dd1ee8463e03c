package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadJSONAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", `{
		"smtp": {"username": "certs@example.org"},
		"databases": {"sqlite3": {"dsn": "certs.db"}}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":8090", cfg.BasicConfig.ServerAddress)
	require.Equal(t, "smtp.gmail.com", cfg.SMTP.Host)
	require.Equal(t, 587, cfg.SMTP.Port)
	require.Equal(t, "certs@example.org", cfg.SMTP.From)
	require.Equal(t, "{Full_Name}", cfg.BasicConfig.TemplatePlaceholder)
	require.Equal(t, "{{Full_Name}}", cfg.BasicConfig.DocumentPlaceholder)
	require.Equal(t, filepath.Join(dir, "certs.db"), cfg.Databases["sqlite3"].DSN)
	require.Equal(t, 60*time.Second, cfg.BasicConfig.RemoteTimeout())
	require.Equal(t, time.Hour, cfg.BasicConfig.ReapAge())
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
basic_config:
  server_address: ":9000"
  allowed_domains: ["geekroom.in"]
  remote_timeout_seconds: 5
databases:
  sqlite3:
    dsn: ":memory:"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.BasicConfig.ServerAddress)
	require.Equal(t, []string{"geekroom.in"}, cfg.BasicConfig.AllowedDomains)
	require.Equal(t, 5*time.Second, cfg.BasicConfig.RemoteTimeout())
	require.Equal(t, ":memory:", cfg.Databases["sqlite3"].DSN)
}

func TestLoadEnvOverridesSecrets(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", `{"smtp": {"password": "file"}}`)
	t.Setenv(envSMTPPassword, "from-env")
	t.Setenv(envGoogleClientSecret, "secret")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.SMTP.Password)
	require.Equal(t, "secret", cfg.Google.ClientSecret)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
}

func TestServiceAccountCredentials(t *testing.T) {
	inline := GoogleConfig{ServiceAccountJSON: `{"type":"service_account"}`}
	data, err := inline.ServiceAccountCredentials()
	require.NoError(t, err)
	require.Contains(t, string(data), "service_account")

	dir := t.TempDir()
	path := writeFile(t, dir, "sa.json", `{"type":"service_account","file":true}`)
	fromFile := GoogleConfig{ServiceAccountFile: path}
	data, err = fromFile.ServiceAccountCredentials()
	require.NoError(t, err)
	require.Contains(t, string(data), `"file":true`)

	_, err = GoogleConfig{}.ServiceAccountCredentials()
	require.Error(t, err)
}
