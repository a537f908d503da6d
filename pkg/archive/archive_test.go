package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func writeTempArchive(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload.bin")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func buildZip(t *testing.T, build func(*zip.Writer)) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	build(zw)
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestExtract_Zip(t *testing.T) {
	content := buildZip(t, func(zw *zip.Writer) {
		w, _ := zw.Create("code/main.R")
		w.Write([]byte("print('hi')\n"))

		hdr := &zip.FileHeader{Name: "code/run.sh"}
		hdr.SetMode(0o755)
		w, _ = zw.CreateHeader(hdr)
		w.Write([]byte("#!/bin/sh\n"))

		link := &zip.FileHeader{Name: "code/latest.R"}
		link.SetMode(os.ModeSymlink | 0o777)
		w, _ = zw.CreateHeader(link)
		w.Write([]byte("main.R"))
	})

	dir := t.TempDir()
	if err := Extract(writeTempArchive(t, content), dir); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "code", "main.R"))
	assert.NoError(t, err)
	assert.Equal(t, "print('hi')\n", string(data))

	info, err := os.Stat(filepath.Join(dir, "code", "run.sh"))
	assert.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	dest, err := os.Readlink(filepath.Join(dir, "code", "latest.R"))
	assert.NoError(t, err)
	assert.Equal(t, "main.R", dest)
}

func TestExtract_TarGz(t *testing.T) {
	buf := &bytes.Buffer{}
	gz := gzip.NewWriter(buf)
	tw := tar.NewWriter(gz)
	tw.WriteHeader(&tar.Header{Name: "data/", Typeflag: tar.TypeDir, Mode: 0o755})
	tw.WriteHeader(&tar.Header{Name: "data/values.csv", Typeflag: tar.TypeReg, Mode: 0o644, Size: 4})
	tw.Write([]byte("a,b\n"))
	tw.WriteHeader(&tar.Header{Name: "data/link.csv", Typeflag: tar.TypeSymlink, Linkname: "values.csv"})
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	if err := Extract(writeTempArchive(t, buf.Bytes()), dir); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "data", "values.csv"))
	assert.NoError(t, err)
	assert.Equal(t, "a,b\n", string(data))
	dest, err := os.Readlink(filepath.Join(dir, "data", "link.csv"))
	assert.NoError(t, err)
	assert.Equal(t, "values.csv", dest)
}

func TestExtract_Unsafe(t *testing.T) {
	tests := []struct {
		name  string
		build func(*zip.Writer)
	}{
		{
			name: "traversal",
			build: func(zw *zip.Writer) {
				w, _ := zw.Create("../evil.txt")
				w.Write([]byte("x"))
			},
		},
		{
			name: "escaping link",
			build: func(zw *zip.Writer) {
				link := &zip.FileHeader{Name: "etc.lnk"}
				link.SetMode(os.ModeSymlink | 0o777)
				w, _ := zw.CreateHeader(link)
				w.Write([]byte("../../etc/passwd"))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Extract(writeTempArchive(t, buildZip(t, tt.build)), t.TempDir())
			extractionErr := &WorkspaceExtractionError{}
			assert.True(t, errors.As(err, &extractionErr), "got %v", err)
		})
	}
}

func TestExtract_UnsupportedFormat(t *testing.T) {
	err := Extract(writeTempArchive(t, []byte("just text")), t.TempDir())
	extractionErr := &WorkspaceExtractionError{}
	assert.True(t, errors.As(err, &extractionErr), "got %v", err)
}

func TestPackageZip(t *testing.T) {
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

	sidecar := filepath.Join(t.TempDir(), "tro-1.jsonld")
	if err := os.WriteFile(sidecar, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	outPath := filepath.Join(dir, "result-1.zip")
	if err := PackageZip(dir, outPath, map[string]string{"tro/tro-1.jsonld": sidecar}); err != nil {
		t.Fatal(err)
	}

	zr, err := zip.OpenReader(outPath)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()

	entries := map[string]*zip.File{}
	for _, f := range zr.File {
		entries[f.Name] = f
	}
	assert.Contains(t, entries, "main.R")
	assert.Contains(t, entries, "data/values.csv")
	assert.Contains(t, entries, "tro/tro-1.jsonld")
	assert.NotContains(t, entries, ".git/config")
	assert.NotContains(t, entries, "result-1.zip")

	link, ok := entries["latest.R"]
	if !ok {
		t.Fatal("symlink entry missing")
	}
	assert.NotZero(t, link.Mode()&os.ModeSymlink)
	rc, err := link.Open()
	if err != nil {
		t.Fatal(err)
	}
	target, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "main.R", string(target))
}
