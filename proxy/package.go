package proxy

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// PackageFormat is an OS package type the proxy is published as
type PackageFormat string

const (
	FormatMSI PackageFormat = "msi"
	FormatDeb PackageFormat = "deb"
	FormatRPM PackageFormat = "rpm"
)

// PackageFor picks the OS package for p. On linux the deb is used when dpkg
// is available and the rpm otherwise.
func PackageFor(baseURL, version string, p Platform, hasDpkg bool) (Artifact, PackageFormat, error) {
	if p.Arch != "amd64" {
		return Artifact{}, "", fmt.Errorf("%w: no package for %s", ErrUnsupportedPlatform, p)
	}

	var name string
	var format PackageFormat
	switch {
	case p.OS == "windows":
		name, format = fmt.Sprintf("oblv-%s-x86_64.msi", version), FormatMSI
	case p.OS == "linux" && hasDpkg:
		name, format = fmt.Sprintf("oblv_%s_amd64.deb", version), FormatDeb
	case p.OS == "linux":
		name, format = fmt.Sprintf("oblv-%s-1.x86_64.rpm", version), FormatRPM
	default:
		return Artifact{}, "", fmt.Errorf("%w: no package for %s", ErrUnsupportedPlatform, p)
	}

	return Artifact{
		Name: name,
		URL:  fmt.Sprintf("%s/%s/packages/%s", strings.TrimRight(baseURL, "/"), version, name),
	}, format, nil
}

func packageCommand(format PackageFormat, path string) (string, []string) {
	switch format {
	case FormatMSI:
		return "msiexec", []string{"/I", path, "/quiet", "/QB-!"}
	case FormatDeb:
		return "dpkg", []string{"-i", path}
	default:
		return "rpm", []string{"-i", path}
	}
}

// installPackage downloads the OS package into WorkDir and hands it to the
// platform package manager
func (i *Installer) installPackage(ctx context.Context, p Platform) (*InstallResult, error) {
	lookPath := i.lookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	_, dpkgErr := lookPath("dpkg")

	art, format, err := PackageFor(i.BaseURL, i.Version, p, dpkgErr == nil)
	if err != nil {
		return nil, err
	}
	if i.Fetcher == nil {
		return nil, fmt.Errorf("no fetcher configured")
	}

	log.Info().Str("platform", p.String()).Str("url", art.URL).Str("format", string(format)).Msg("Downloading proxy package")
	body, err := i.Fetcher.Fetch(ctx, art.URL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	if err := os.MkdirAll(i.WorkDir, 0755); err != nil {
		return nil, err
	}
	path := filepath.Join(i.WorkDir, art.Name)
	if err := saveFile(path, body); err != nil {
		return nil, err
	}

	run := i.run
	if run == nil {
		run = runCommand
	}
	name, args := packageCommand(format, path)
	_, stderr, err := run(ctx, name, args...)
	if err != nil {
		if msg := strings.TrimSpace(string(stderr)); msg != "" {
			return nil, fmt.Errorf("%s failed: %s", name, msg)
		}
		return nil, fmt.Errorf("%s failed: %w", name, err)
	}

	log.Info().Str("package", path).Str("installer", name).Msg("Proxy package installed")
	return &InstallResult{Artifact: art, Dir: i.WorkDir, Binary: path}, nil
}
