package proxy

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	name string
	body string
	dir  bool
}

func tarGz(t *testing.T, entries ...entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0755, Size: int64(len(e.body)), Typeflag: tar.TypeReg}
		if e.dir {
			hdr.Typeflag, hdr.Size = tar.TypeDir, 0
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if !e.dir {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func zipArchive(t *testing.T, entries ...entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		require.NoError(t, err)
		_, err = w.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

type memFetcher map[string][]byte

func (m memFetcher) Fetch(_ context.Context, rawURL string) (io.ReadCloser, error) {
	data, ok := m[rawURL]
	if !ok {
		return nil, errors.New("not found: " + rawURL)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func testInstaller(t *testing.T, fetcher Fetcher) *Installer {
	t.Helper()
	inst := NewInstaller(fetcher)
	inst.BaseURL = "https://downloads.test/oblv-ccli"
	inst.WorkDir = t.TempDir()
	inst.BinDir = t.TempDir()
	return inst
}

func TestArtifactFor(t *testing.T) {
	tests := []struct {
		platform Platform
		url      string
		zip      bool
	}{
		{Platform{"linux", "amd64"}, "https://x/0.4.0/oblv-ccli-0.4.0-x86_64-unknown-linux-musl.tar.gz", false},
		{Platform{"darwin", "amd64"}, "https://x/0.4.0/oblv-ccli-0.4.0-x86_64-apple-darwin.tar.gz", false},
		{Platform{"darwin", "arm64"}, "https://x/0.4.0/oblv-ccli-0.4.0-x86_64-apple-darwin.tar.gz", false},
		{Platform{"windows", "amd64"}, "https://x/0.4.0/oblv-ccli-0.4.0-x86_64-pc-windows-msvc.zip", true},
	}
	for _, tt := range tests {
		t.Run(tt.platform.String(), func(t *testing.T) {
			art, err := ArtifactFor("https://x/", "0.4.0", tt.platform)
			require.NoError(t, err)
			assert.Equal(t, tt.url, art.URL)
			assert.Equal(t, tt.zip, art.Zip)
		})
	}

	for _, p := range []Platform{{"linux", "arm64"}, {"freebsd", "amd64"}} {
		_, err := ArtifactFor("https://x", "0.4.0", p)
		assert.ErrorIs(t, err, ErrUnsupportedPlatform, p.String())
	}
}

func TestInstallTarGz(t *testing.T) {
	const url = "https://downloads.test/oblv-ccli/0.4.0/oblv-ccli-0.4.0-x86_64-unknown-linux-musl.tar.gz"
	archive := tarGz(t,
		entry{name: "bin/", dir: true},
		entry{name: "bin/oblv", body: "#!/bin/sh\necho oblv 0.4.0\n"},
		entry{name: "README", body: "docs"},
	)
	inst := testInstaller(t, memFetcher{url: archive})

	res, err := inst.Install(context.Background(), Platform{"linux", "amd64"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(inst.BinDir, "oblv"), res.Link)

	target, err := os.Readlink(res.Link)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(target))
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Contains(t, string(data), "oblv 0.4.0")

	// a second install finds the link already present
	_, err = inst.Install(context.Background(), Platform{"linux", "amd64"})
	assert.Error(t, err)
}

func TestInstallZip(t *testing.T) {
	const url = "https://downloads.test/oblv-ccli/0.4.0/oblv-ccli-0.4.0-x86_64-pc-windows-msvc.zip"
	inst := testInstaller(t, memFetcher{url: zipArchive(t, entry{name: "oblv-ccli/oblv.exe", body: "MZ"})})

	res, err := inst.Install(context.Background(), Platform{"windows", "amd64"})
	require.NoError(t, err)
	assert.Empty(t, res.Link)
	assert.Equal(t, "oblv.exe", filepath.Base(res.Binary))
	assert.FileExists(t, filepath.Join(inst.WorkDir, res.Artifact.Name+".zip"))
}

func TestInstallFailures(t *testing.T) {
	const url = "https://downloads.test/oblv-ccli/0.4.0/oblv-ccli-0.4.0-x86_64-unknown-linux-musl.tar.gz"

	inst := testInstaller(t, memFetcher{url: tarGz(t, entry{name: "other", body: "x"})})
	_, err := inst.Install(context.Background(), Platform{"linux", "amd64"})
	assert.ErrorContains(t, err, "oblv not found")

	inst = testInstaller(t, memFetcher{url: tarGz(t, entry{name: "../../escape", body: "x"})})
	_, err = inst.Install(context.Background(), Platform{"linux", "amd64"})
	assert.ErrorContains(t, err, "escapes destination")

	inst = testInstaller(t, memFetcher{url: []byte("not gzip")})
	_, err = inst.Install(context.Background(), Platform{"linux", "amd64"})
	assert.Error(t, err)

	inst = testInstaller(t, memFetcher{})
	_, err = inst.Install(context.Background(), Platform{"plan9", "amd64"})
	assert.ErrorIs(t, err, ErrUnsupportedPlatform)
}

func TestStatus(t *testing.T) {
	inst := NewInstaller(nil)

	inst.run = func(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
		assert.Equal(t, "oblv", name)
		assert.Equal(t, []string{"-V"}, args)
		return []byte("oblv 0.4.0\n"), nil, nil
	}
	version, err := inst.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "oblv 0.4.0", version)

	inst.run = func(context.Context, string, ...string) ([]byte, []byte, error) {
		return nil, []byte("license expired"), errors.New("exit status 1")
	}
	_, err = inst.Status(context.Background())
	assert.ErrorContains(t, err, "license expired")
}

func TestStatusNotInstalled(t *testing.T) {
	inst := NewInstaller(nil)
	inst.Binary = "syft-proxy-binary-that-does-not-exist"

	_, err := inst.Status(context.Background())
	assert.ErrorIs(t, err, ErrNotInstalled)
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/artifact" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()
	f := &HTTPFetcher{Client: srv.Client()}

	rc, err := f.Fetch(context.Background(), srv.URL+"/artifact")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	_, err = f.Fetch(context.Background(), srv.URL+"/missing")
	assert.ErrorContains(t, err, "status 404")

	_, err = f.Fetch(context.Background(), "http://insecure.test/artifact")
	assert.ErrorContains(t, err, "https required")
}

type fakeS3 struct {
	objects map[string]string
	input   *s3.GetObjectInput
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.input = in
	body, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader([]byte(body)))}, nil
}

func TestS3Fetcher(t *testing.T) {
	client := &fakeS3{objects: map[string]string{"artifacts/oblv/0.4.0/a.tar.gz": "tarball"}}
	f := SchemeFetcher{S3: &S3Fetcher{Client: client}}

	rc, err := f.Fetch(context.Background(), "s3://artifacts/oblv/0.4.0/a.tar.gz")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "tarball", string(data))
	assert.Equal(t, "oblv/0.4.0/a.tar.gz", aws.ToString(client.input.Key))

	_, err = f.Fetch(context.Background(), "s3://artifacts/missing")
	assert.ErrorContains(t, err, "GetObject failed")

	_, err = f.Fetch(context.Background(), "s3://bucket-only")
	assert.ErrorContains(t, err, "bucket and key required")

	_, err = f.Fetch(context.Background(), "https://downloads.test/a")
	assert.ErrorContains(t, err, "no fetcher configured")
}

func TestInstallFromS3(t *testing.T) {
	const key = "artifacts/oblv-ccli/0.4.0/oblv-ccli-0.4.0-x86_64-apple-darwin.tar.gz"
	client := &fakeS3{objects: map[string]string{key: string(tarGz(t, entry{name: "oblv", body: "bin"}))}}
	inst := testInstaller(t, SchemeFetcher{HTTP: NewHTTPFetcher(), S3: &S3Fetcher{Client: client}})
	inst.BaseURL = "s3://artifacts/oblv-ccli"

	res, err := inst.Install(context.Background(), Platform{"darwin", "arm64"})
	require.NoError(t, err)
	assert.FileExists(t, res.Binary)
	assert.NotEmpty(t, res.Link)
}
