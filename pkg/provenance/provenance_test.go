package provenance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func sha256hex(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func setupWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	mustWrite := func(rel, content string) {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	mustWrite("main.R", "print('hi')\n")
	mustWrite("data/values.csv", "a,b\n")
	mustWrite(".git/config", "ignored")
	if err := os.Symlink("main.R", filepath.Join(dir, "latest.R")); err != nil {
		t.Fatal(err)
	}
	return dir
}

func lociByLocation(arr Arrangement) map[string]string {
	byLoc := map[string]string{}
	for _, locus := range arr.Loci {
		byLoc[locus.Location] = locus.SHA256
	}
	return byLoc
}

func TestDocument_AddArrangement(t *testing.T) {
	dir := setupWorkspace(t)
	doc := NewDocument("demo-folder", "Submission run", nil)

	if err := doc.AddArrangement(dir, "Before executing workflow", true); err != nil {
		t.Fatal(err)
	}
	arr := doc.Arrangements[0]
	assert.Equal(t, "arrangement/0", arr.ID)
	assert.Equal(t, "Before executing workflow", arr.Comment)

	byLoc := lociByLocation(arr)
	assert.NotContains(t, byLoc, ".git/config")
	assert.Equal(t, sha256hex("a,b\n"), byLoc["data/values.csv"])
	// initial snapshot follows the link, both entries hash the same bytes
	assert.Equal(t, byLoc["main.R"], byLoc["latest.R"])

	if err := doc.AddArrangement(dir, "After executing workflow", false); err != nil {
		t.Fatal(err)
	}
	arr = doc.Arrangements[1]
	assert.Equal(t, "arrangement/1", arr.ID)
	// later snapshots keep the link as a link
	byLoc = lociByLocation(arr)
	assert.Equal(t, sha256hex("main.R"), byLoc["latest.R"])
	assert.Equal(t, "arrangement/1/locus/0", arr.Loci[0].ID)
}

func TestDocument_SaveLoad(t *testing.T) {
	doc := NewDocument("demo-folder", "Submission run", json.RawMessage(`{"trov:name":"isolated tre"}`))
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	doc.AddPerformance(0, start, start.Add(time.Minute), "Workflow execution (main.R)", nil, map[string]interface{}{
		"MaxCPUPercent": 42.5,
	})

	path := filepath.Join(t.TempDir(), "tro-1.jsonld")
	if err := doc.Save(path); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	assert.Contains(t, string(raw), `"@type": "trov:TransparentResearchObject"`)

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	perf := loaded.Performances[0]
	assert.Equal(t, "performance/0", perf.ID)
	assert.Equal(t, "arrangement/0", perf.Accessed)
	assert.Equal(t, "arrangement/1", perf.Modified)
	assert.Equal(t, []string{CapInternetIsolation}, perf.Caps)
	assert.Equal(t, "2024-05-01T10:00:00Z", perf.StartedAt)
	assert.Contains(t, string(loaded.Profile), "isolated tre")
	if diff := cmp.Diff(doc.Performances, loaded.Performances); diff != "" {
		t.Errorf("performances changed across the round trip (-saved +loaded):\n%s", diff)
	}
}

func TestRecorder_LoadOrCreate(t *testing.T) {
	dir := t.TempDir()
	profilePath := filepath.Join(dir, "profile.json")
	if err := os.WriteFile(profilePath, []byte(`{"trov:name":"tre"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	rec := NewRecorder(&Options{ProfileFile: profilePath})

	docPath := DocumentPath(dir, 9)
	assert.Equal(t, filepath.Join(dir, "tro-9.jsonld"), docPath)

	doc, err := rec.LoadOrCreate(docPath, "demo-folder", "Submission run")
	if err != nil {
		t.Fatal(err)
	}
	assert.Empty(t, doc.Arrangements)
	assert.Contains(t, string(doc.Profile), "tre")

	if err := doc.AddArrangement(t.TempDir(), "Before executing workflow", true); err != nil {
		t.Fatal(err)
	}
	if err := doc.Save(docPath); err != nil {
		t.Fatal(err)
	}

	reloaded, err := rec.LoadOrCreate(docPath, "demo-folder", "Submission run")
	if err != nil {
		t.Fatal(err)
	}
	assert.Len(t, reloaded.ListArrangements(), 1)
}

func writeSigningKey(t *testing.T) string {
	t.Helper()
	entity, err := openpgp.NewEntity("Test Signer", "", "signer@example.com", nil)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "signing_key.asc")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	w, err := armor.Encode(f, openpgp.PrivateKeyType, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := entity.SerializePrivate(w, nil); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRecorder_Seal(t *testing.T) {
	var tsaBody string
	tsa := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		tsaBody = string(body)
		w.Write([]byte("TSR-BYTES"))
	}))
	defer tsa.Close()

	rec := NewRecorder(&Options{KeyFile: writeSigningKey(t), TSAURL: tsa.URL})
	docPath := filepath.Join(t.TempDir(), "tro-7.jsonld")
	doc := NewDocument("demo-folder", "Submission run", nil)

	sigPath, tsrPath, err := rec.Seal(context.Background(), doc, docPath)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, SidecarPath(docPath, ".sig"), sigPath)
	assert.Equal(t, SidecarPath(docPath, ".tsr"), tsrPath)

	sig, err := os.ReadFile(sigPath)
	assert.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(sig), "-----BEGIN PGP SIGNATURE-----"))

	tsr, err := os.ReadFile(tsrPath)
	assert.NoError(t, err)
	assert.Equal(t, "TSR-BYTES", string(tsr))

	// the authority receives the signature digest
	assert.Len(t, tsaBody, 64)
	sum, err := hashFile(sigPath)
	assert.NoError(t, err)
	assert.Equal(t, sum, tsaBody)
}

func TestRecorder_Seal_NoAuthority(t *testing.T) {
	rec := NewRecorder(&Options{KeyFile: writeSigningKey(t)})
	docPath := filepath.Join(t.TempDir(), "tro-8.jsonld")

	sigPath, tsrPath, err := rec.Seal(context.Background(), NewDocument("demo", "run", nil), docPath)
	if err != nil {
		t.Fatal(err)
	}
	assert.NotEmpty(t, sigPath)
	assert.Empty(t, tsrPath)
	_, err = os.Stat(SidecarPath(docPath, ".tsr"))
	assert.True(t, os.IsNotExist(err))
}
