package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	tikaSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fmt.Fprint(w, strings.TrimPrefix(string(body), "%PDF-1.4\n"))
	}))
	t.Cleanup(tikaSrv.Close)

	dir := t.TempDir()
	cfg := fmt.Sprintf(`
database:
  driver: sqlite
  sqlite:
    path: %[1]s/studymate.db
  redis:
    addr: ""
jwt:
  secret: cli-secret
  access_token_expire_hours: 1
tika:
  server_url: %[2]s
  timeout: 5s
storage:
  backend: local
  local_dir: %[1]s/objects
embedding:
  provider: local
  model: local-hash
  dimensions: 64
  max_attempts: 1
llm:
  provider: openai
  base_url: http://127.0.0.1:1
  model: unused
vector_index:
  backend: memory
  persist: true
ingest:
  chunk_size: 200
  max_file_size: 1048576
  lock_ttl: 1m
`, dir, tikaSrv.URL)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCommandTree(t *testing.T) {
	names := map[string]bool{}
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"index", "ingest", "user"} {
		assert.True(t, names[want], want)
	}
}

func TestCollectPDFs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "week1"), 0o755))
	for _, name := range []string{"a.pdf", "notes.txt", "week1/B.PDF"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	files, err := collectPDFs([]string{dir})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.pdf"), filepath.Join(dir, "week1", "B.PDF")}, files)

	_, err = collectPDFs([]string{filepath.Join(dir, "missing")})
	assert.Error(t, err)
}

func TestIngestIsIdempotentAndVisibleInStatus(t *testing.T) {
	cfgPath := writeConfig(t)
	docs := t.TempDir()
	pdf := "%PDF-1.4\nPhotosynthesis converts light energy into chemical energy in chloroplasts."
	require.NoError(t, os.WriteFile(filepath.Join(docs, "plants.pdf"), []byte(pdf), 0o644))

	out, err := execute(t, "-c", cfgPath, "user", "add", "--email", "admin@example.com", "--role", "admin")
	require.NoError(t, err, out)
	assert.True(t, strings.HasPrefix(out, "user 1 (ADMIN)"), out)

	out, err = execute(t, "-c", cfgPath, "ingest", "--user", "1", "--public", docs)
	require.NoError(t, err, out)
	assert.Contains(t, out, "ok      ")

	out, err = execute(t, "-c", cfgPath, "ingest", "--user", "1", "--public", docs)
	require.NoError(t, err, out)
	assert.Contains(t, out, "skip    ")

	out, err = execute(t, "-c", cfgPath, "index", "status")
	require.NoError(t, err, out)
	assert.Contains(t, out, `"partition": "global"`)
	assert.Contains(t, out, `"staleDocuments": 0`)
}
