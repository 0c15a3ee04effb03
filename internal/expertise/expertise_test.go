package expertise

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writePack(t *testing.T, dir, domain, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, domain+".yaml"), []byte(body), 0o644))
}

func TestPackLoadsAndCaches(t *testing.T) {
	dir := t.TempDir()
	writePack(t, dir, "backend", `
domain: backend
mentalModel: services own their own data
keyFiles:
  - path: internal/service.go
    purpose: core logic
patterns:
  - name: repository
    example: "type Store struct{}"
confidence: 0.9
`)
	s := NewStore(dir)

	pack := s.Pack("backend")
	require.NotNil(t, pack)
	require.Equal(t, "backend", pack.Domain)
	require.Equal(t, "services own their own data", pack.MentalModel)
	require.Len(t, pack.KeyFiles, 1)
	require.Equal(t, 0.9, pack.Confidence)

	// second call hits the cache; mutate the file to prove it isn't re-read.
	writePack(t, dir, "backend", "domain: backend\nmentalModel: changed\n")
	again := s.Pack("backend")
	require.Equal(t, "services own their own data", again.MentalModel)
}

func TestPackReturnsNilForUnknownDomain(t *testing.T) {
	s := NewStore(t.TempDir())
	require.Nil(t, s.Pack("nonexistent"))
}

func TestInvalidateForcesReload(t *testing.T) {
	dir := t.TempDir()
	writePack(t, dir, "infra", "domain: infra\nmentalModel: v1\n")
	s := NewStore(dir)
	require.Equal(t, "v1", s.Pack("infra").MentalModel)

	writePack(t, dir, "infra", "domain: infra\nmentalModel: v2\n")
	s.Invalidate("infra")
	require.Equal(t, "v2", s.Pack("infra").MentalModel)
}

func TestDomainsListsPackFiles(t *testing.T) {
	dir := t.TempDir()
	writePack(t, dir, "backend", "domain: backend\n")
	writePack(t, dir, "frontend", "domain: frontend\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("x"), 0o644))

	domains := NewStore(dir).Domains()
	require.ElementsMatch(t, []string{"backend", "frontend"}, domains)
}
