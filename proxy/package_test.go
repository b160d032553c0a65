package proxy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackageFor(t *testing.T) {
	tests := []struct {
		name    string
		p       Platform
		hasDpkg bool
		url     string
		format  PackageFormat
	}{
		{"windows", Platform{"windows", "amd64"}, false, "https://x/0.4.0/packages/oblv-0.4.0-x86_64.msi", FormatMSI},
		{"debian", Platform{"linux", "amd64"}, true, "https://x/0.4.0/packages/oblv_0.4.0_amd64.deb", FormatDeb},
		{"redhat", Platform{"linux", "amd64"}, false, "https://x/0.4.0/packages/oblv-0.4.0-1.x86_64.rpm", FormatRPM},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			art, format, err := PackageFor("https://x/", "0.4.0", tt.p, tt.hasDpkg)
			require.NoError(t, err)
			assert.Equal(t, tt.url, art.URL)
			assert.Equal(t, tt.format, format)
		})
	}

	for _, p := range []Platform{{"darwin", "amd64"}, {"linux", "arm64"}} {
		_, _, err := PackageFor("https://x", "0.4.0", p, true)
		assert.ErrorIs(t, err, ErrUnsupportedPlatform, p.String())
	}
}

type recordedRun struct {
	name string
	args []string
}

func TestInstallPackage(t *testing.T) {
	tests := []struct {
		name    string
		p       Platform
		hasDpkg bool
		file    string
		command string
		args    func(path string) []string
	}{
		{"deb", Platform{"linux", "amd64"}, true, "oblv_0.4.0_amd64.deb", "dpkg",
			func(path string) []string { return []string{"-i", path} }},
		{"rpm", Platform{"linux", "amd64"}, false, "oblv-0.4.0-1.x86_64.rpm", "rpm",
			func(path string) []string { return []string{"-i", path} }},
		{"msi", Platform{"windows", "amd64"}, false, "oblv-0.4.0-x86_64.msi", "msiexec",
			func(path string) []string { return []string{"/I", path, "/quiet", "/QB-!"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := "https://downloads.test/oblv-ccli/0.4.0/packages/" + tt.file
			inst := testInstaller(t, memFetcher{url: []byte("package-bytes")})
			inst.Package = true
			inst.lookPath = func(file string) (string, error) {
				if file == "dpkg" && tt.hasDpkg {
					return "/usr/bin/dpkg", nil
				}
				return "", errors.New("not found")
			}
			var runs []recordedRun
			inst.run = func(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
				runs = append(runs, recordedRun{name, args})
				return nil, nil, nil
			}

			res, err := inst.Install(context.Background(), tt.p)
			require.NoError(t, err)

			path := filepath.Join(inst.WorkDir, tt.file)
			assert.Equal(t, path, res.Binary)
			assert.Empty(t, res.Link)
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, "package-bytes", string(data))
			require.Len(t, runs, 1)
			assert.Equal(t, tt.command, runs[0].name)
			assert.Equal(t, tt.args(path), runs[0].args)
		})
	}
}

func TestInstallPackageFailure(t *testing.T) {
	const url = "https://downloads.test/oblv-ccli/0.4.0/packages/oblv_0.4.0_amd64.deb"
	inst := testInstaller(t, memFetcher{url: []byte("deb")})
	inst.Package = true
	inst.lookPath = func(string) (string, error) { return "/usr/bin/dpkg", nil }
	inst.run = func(context.Context, string, ...string) ([]byte, []byte, error) {
		return nil, []byte("dpkg: requires superuser privilege"), errors.New("exit status 2")
	}

	_, err := inst.Install(context.Background(), Platform{"linux", "amd64"})
	assert.ErrorContains(t, err, "requires superuser privilege")

	inst.lookPath = func(string) (string, error) { return "", errors.New("not found") }
	_, err = inst.Install(context.Background(), Platform{"darwin", "amd64"})
	assert.ErrorIs(t, err, ErrUnsupportedPlatform)
}
