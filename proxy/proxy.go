// Package proxy installs and checks the enclave proxy CLI that operators use
// to reach deployed nodes. Installation is best effort: it downloads the
// platform archive, extracts it and links the binary onto the PATH. Nothing
// is rolled back on failure and a second install over an existing link fails.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	DefaultBinary  = "oblv"
	DefaultVersion = "0.4.0"
	DefaultBaseURL = "https://api.oblivious.ai/oblv-ccli"
	DefaultBinDir  = "/usr/local/bin"
)

var (
	// ErrNotInstalled is returned by Status when the binary is not on the PATH
	ErrNotInstalled = errors.New("proxy not installed")
	// ErrUnsupportedPlatform is returned for platforms without a published build
	ErrUnsupportedPlatform = errors.New("unsupported platform")
)

// Platform is a target operating system and architecture
type Platform struct {
	OS   string
	Arch string
}

// CurrentPlatform returns the platform this process runs on
func CurrentPlatform() Platform {
	return Platform{OS: runtime.GOOS, Arch: runtime.GOARCH}
}

func (p Platform) String() string { return p.OS + "/" + p.Arch }

// Artifact is a downloadable proxy build
type Artifact struct {
	Name string // archive stem, also the extraction directory
	URL  string
	Zip  bool
}

// ArtifactFor picks the build for p. Only x86_64 builds are published;
// darwin/arm64 runs them under translation.
func ArtifactFor(baseURL, version string, p Platform) (Artifact, error) {
	if p.Arch != "amd64" && !(p.OS == "darwin" && p.Arch == "arm64") {
		return Artifact{}, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, p)
	}

	var triple, ext string
	switch p.OS {
	case "windows":
		triple, ext = "x86_64-pc-windows-msvc", ".zip"
	case "linux":
		triple, ext = "x86_64-unknown-linux-musl", ".tar.gz"
	case "darwin":
		triple, ext = "x86_64-apple-darwin", ".tar.gz"
	default:
		return Artifact{}, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, p)
	}

	name := fmt.Sprintf("oblv-ccli-%s-%s", version, triple)
	return Artifact{
		Name: name,
		URL:  fmt.Sprintf("%s/%s/%s%s", strings.TrimRight(baseURL, "/"), version, name, ext),
		Zip:  ext == ".zip",
	}, nil
}

// Installer checks for and installs the proxy binary
type Installer struct {
	Binary  string
	Version string
	BaseURL string
	WorkDir string // receives the archive and its extracted tree
	BinDir  string // receives the binary link; unused on windows
	Fetcher Fetcher
	// Package installs the msi, deb or rpm through the OS package manager
	// instead of extracting an archive
	Package bool

	run      func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
	lookPath func(file string) (string, error)
}

// NewInstaller creates an installer with the published defaults
func NewInstaller(fetcher Fetcher) *Installer {
	return &Installer{
		Binary:  DefaultBinary,
		Version: DefaultVersion,
		BaseURL: DefaultBaseURL,
		WorkDir: ".",
		BinDir:  DefaultBinDir,
		Fetcher: fetcher,
		run:     runCommand,
	}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Status runs `<binary> -V` and returns its version line
func (i *Installer) Status(ctx context.Context) (string, error) {
	run := i.run
	if run == nil {
		run = runCommand
	}
	stdout, stderr, err := run(ctx, i.Binary, "-V")
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotInstalled, installHint(runtime.GOOS, i.Binary))
	}
	if msg := strings.TrimSpace(string(stderr)); msg != "" {
		return "", fmt.Errorf("%s -V: %s", i.Binary, msg)
	}
	if err != nil {
		return "", fmt.Errorf("%s -V: %w", i.Binary, err)
	}
	return strings.TrimSpace(string(stdout)), nil
}

func installHint(goos, binary string) string {
	switch goos {
	case "windows":
		return "run install-proxy, or add an existing installation to your PATH"
	case "linux", "darwin":
		return fmt.Sprintf("run install-proxy, or link an existing installation as %s", filepath.Join(DefaultBinDir, binary))
	default:
		return "run install-proxy"
	}
}

// InstallResult describes what Install left on disk
type InstallResult struct {
	Artifact Artifact
	Dir      string
	Binary   string // the downloaded package when installing a package
	Link     string // empty on windows, where Dir must be added to the PATH
}

// Install downloads, extracts and links the build for p. With Package set it
// installs the OS package instead.
func (i *Installer) Install(ctx context.Context, p Platform) (*InstallResult, error) {
	if i.Package {
		return i.installPackage(ctx, p)
	}
	art, err := ArtifactFor(i.BaseURL, i.Version, p)
	if err != nil {
		return nil, err
	}
	if i.Fetcher == nil {
		return nil, fmt.Errorf("no fetcher configured")
	}

	log.Info().Str("platform", p.String()).Str("url", art.URL).Msg("Downloading proxy")
	body, err := i.Fetcher.Fetch(ctx, art.URL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	dir := filepath.Join(i.WorkDir, art.Name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	if art.Zip {
		// zip needs random access, so the archive lands on disk first
		archive := dir + ".zip"
		if err := saveFile(archive, body); err != nil {
			return nil, err
		}
		if err := extractZip(archive, dir); err != nil {
			return nil, err
		}
	} else if err := extractTarGz(body, dir); err != nil {
		return nil, err
	}

	binName := i.Binary
	if p.OS == "windows" {
		binName += ".exe"
	}
	bin, err := findFile(dir, binName)
	if err != nil {
		return nil, err
	}
	res := &InstallResult{Artifact: art, Dir: filepath.Dir(bin), Binary: bin}

	if p.OS == "windows" {
		log.Info().Str("dir", res.Dir).Msg("Proxy extracted, add the directory to PATH")
		return res, nil
	}

	abs, err := filepath.Abs(bin)
	if err != nil {
		return nil, err
	}
	link := filepath.Join(i.BinDir, i.Binary)
	if err := os.Symlink(abs, link); err != nil {
		return res, fmt.Errorf("failed to link %s: %w", link, err)
	}
	res.Link = link
	log.Info().Str("binary", abs).Str("link", link).Msg("Proxy installed")
	return res, nil
}

func saveFile(path string, r io.Reader) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, io.LimitReader(r, maxExtractSize))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}

func findFile(root, name string) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == name {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("%s not found in archive", name)
	}
	return found, nil
}
