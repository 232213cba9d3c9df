// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

package downloader

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTar(t *testing.T, files map[string]string) []byte {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "LJSpeech-1.1/", Typeflag: tar.TypeDir, Mode: 0o755}))
	for name, contents := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(contents)),
		}))
		_, err := tw.Write([]byte(contents))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func TestDownloadAndUntar(t *testing.T) {
	tarball := buildTar(t, map[string]string{
		"LJSpeech-1.1/metadata.csv":        "LJ001-0001|Printing|Printing\n",
		"LJSpeech-1.1/wavs/LJ001-0001.wav": "RIFF",
		"LJSpeech-1.1/wavs/LJ001-0002.wav": "RIFF",
		"LJSpeech-1.1/wavs/../README":      "read me",
	})
	var gzipped bytes.Buffer
	gz := gzip.NewWriter(&gzipped)
	_, err := gz.Write(tarball)
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/LJSpeech-1.1.tar.gz" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(gzipped.Bytes())
	}))
	defer server.Close()

	dir := t.TempDir()
	archive := filepath.Join(dir, "LJSpeech-1.1.tar.gz")
	size, err := Download(context.Background(), server.URL+"/LJSpeech-1.1.tar.gz", archive, true)
	require.NoError(t, err)
	assert.Equal(t, int64(gzipped.Len()), size)

	require.NoError(t, Untar(dir, archive))
	contents, err := os.ReadFile(filepath.Join(dir, "LJSpeech-1.1", "metadata.csv"))
	require.NoError(t, err)
	assert.Equal(t, "LJ001-0001|Printing|Printing\n", string(contents))
	assert.FileExists(t, filepath.Join(dir, "LJSpeech-1.1", "wavs", "LJ001-0002.wav"))
	assert.FileExists(t, filepath.Join(dir, "LJSpeech-1.1", "README"))

	_, err = Download(context.Background(), server.URL+"/missing.tar.gz", filepath.Join(dir, "missing"), false)
	require.Error(t, err)
}

func TestExtractRejectsEscapingEntries(t *testing.T) {
	tarball := buildTar(t, map[string]string{"../evil.txt": "evil"})
	dir := t.TempDir()
	err := Extract(bytes.NewReader(tarball), filepath.Join(dir, "out"))
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "evil.txt"))
}
