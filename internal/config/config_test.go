package config

import (
	"flag"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"gihan9a/collabsync/pkg/editorproto"
)

func eq(t *testing.T, got, want interface{}) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

func ok(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func write(t *testing.T, name, content string) string {
	p := filepath.Join(t.TempDir(), name)
	ok(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func TestLoadConfigDefaults(t *testing.T) {
	c, err := LoadConfig("")
	ok(t, err)
	eq(t, c.Port, 3000)
	eq(t, c.Document.SaveDebounce, 2*time.Second)
	eq(t, c.Document.GCInterval, 30*time.Second)
	eq(t, c.Document.GCGrace, time.Duration(0))
	eq(t, c.Storage.Backend, "file")
	eq(t, c.Document.DefaultValue, defaultValue())
}

func TestLoadConfigFile(t *testing.T) {
	p := write(t, "config.yml", `
server:
  port: 4000
  root_dir: /srv/docs
document:
  save_debounce: 500ms
  gc_grace: 1m
  default_value:
    - type: heading
      children:
        - text: Untitled
storage:
  backend: bolt
auth:
  jwt_secret: s3cret
`)
	c, err := LoadConfig(p)
	ok(t, err)
	eq(t, c.Port, 4000)
	eq(t, c.RootDir, "/srv/docs")
	eq(t, c.Document.SaveDebounce, 500*time.Millisecond)
	eq(t, c.Document.GCGrace, time.Minute)
	eq(t, c.Document.GCInterval, 30*time.Second)
	eq(t, c.Document.DefaultValue, []editorproto.Node{
		{"type": "heading", "children": []interface{}{map[string]interface{}{"text": "Untitled"}}},
	})
	eq(t, c.Storage.Backend, "bolt")
	eq(t, c.Auth.JWTSecret, "s3cret")
}

func TestDefaultValueIsNormalized(t *testing.T) {
	p := write(t, "config.yml", `
document:
  default_value:
    - type: heading
      data:
        level: 1
      children:
        - text: Untitled
`)
	c, err := LoadConfig(p)
	ok(t, err)
	eq(t, c.Document.DefaultValue, []editorproto.Node{{
		"type":     "heading",
		"data":     map[string]any{"level": float64(1)},
		"children": []any{map[string]any{"text": "Untitled"}},
	}})
}

func TestLoadConfigBadDuration(t *testing.T) {
	p := write(t, "config.yml", "document:\n  save_debounce: soon\n")
	if _, err := LoadConfig(p); err == nil {
		t.Fatal("expected an error")
	}
}

func TestGeneratedConfigLoads(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yml")
	ok(t, SaveDefaultConfig(p))
	c, err := LoadConfig(p)
	ok(t, err)
	eq(t, c, defaultConfig())
}

func TestPrecedence(t *testing.T) {
	p := write(t, "config.yml", "server:\n  port: 4000\nstorage:\n  redis_addr: file:6379\n")
	env := write(t, ".env", "COLLAB_JWT_SECRET=from-dotenv\nREDIS_ADDR=dotenv:6379\n")
	t.Setenv(EnvRedisAddr, "env:6379")
	// restored after the test, since godotenv writes into the process environment
	t.Setenv(EnvJWTSecret, "placeholder")
	os.Unsetenv(EnvJWTSecret)

	c, err := parseArgs(flag.NewFlagSet("test", flag.ContinueOnError), []string{"-config", p, "-env", env, "-p", "5000"})
	ok(t, err)
	eq(t, c.Port, 5000)
	// variables already in the environment beat the .env file
	eq(t, c.Storage.RedisAddr, "env:6379")
	eq(t, c.Auth.JWTSecret, "from-dotenv")
}
