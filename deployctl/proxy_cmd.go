package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/pcsoni007/syft-node/proxy"
)

const defaultConfigPath = "deployctl.yaml"

func installProxyCommand() *Command {
	cmd := &Command{
		Name:        "install-proxy",
		Description: "Download the enclave proxy and link it onto the PATH",
		Usage:       "deployctl install-proxy [-config file] [-platform os/arch] [-package]",
		Examples: []string{
			"deployctl install-proxy",
			"deployctl install-proxy -platform darwin/arm64",
			"deployctl install-proxy -package",
		},
	}
	cmd.Run = func(args []string) error {
		fs := cmd.NewFlagSet()
		configPath := fs.String("config", defaultConfigPath, "Path to configuration file")
		platform := fs.String("platform", proxy.CurrentPlatform().String(), "Target platform as os/arch")
		pkg := fs.Bool("package", false, "Install the msi, deb or rpm package instead of the archive")
		if err := fs.Parse(args); err != nil {
			return err
		}
		cfg, err := LoadConfig(*configPath)
		if err != nil {
			return err
		}
		p, err := parsePlatform(*platform)
		if err != nil {
			return err
		}

		ctx := context.Background()
		inst, err := newInstaller(ctx, cfg.Proxy)
		if err != nil {
			return err
		}
		inst.Package = *pkg
		res, err := inst.Install(ctx, p)
		if err != nil {
			return err
		}
		switch {
		case inst.Package:
			fmt.Printf("Installed package %s\n", res.Binary)
		case res.Link != "":
			fmt.Printf("Installed %s -> %s\n", res.Link, res.Binary)
		default:
			fmt.Printf("Extracted %s; add %s to your PATH\n", res.Binary, res.Dir)
		}
		return nil
	}
	return cmd
}

func proxyStatusCommand() *Command {
	cmd := &Command{
		Name:        "proxy-status",
		Description: "Report the installed enclave proxy version",
		Usage:       "deployctl proxy-status [-binary name]",
		Examples:    []string{"deployctl proxy-status"},
	}
	cmd.Run = func(args []string) error {
		fs := cmd.NewFlagSet()
		binary := fs.String("binary", proxy.DefaultBinary, "Proxy binary name or path")
		if err := fs.Parse(args); err != nil {
			return err
		}
		inst := proxy.NewInstaller(nil)
		inst.Binary = *binary
		version, err := inst.Status(context.Background())
		if err != nil {
			return err
		}
		fmt.Println(version)
		return nil
	}
	return cmd
}

func newInstaller(ctx context.Context, cfg ProxyConfig) (*proxy.Installer, error) {
	fetcher := proxy.SchemeFetcher{HTTP: proxy.NewHTTPFetcher()}
	if strings.HasPrefix(cfg.BaseURL, "s3://") {
		s3f, err := proxy.NewS3Fetcher(ctx, cfg.Region)
		if err != nil {
			return nil, err
		}
		fetcher.S3 = s3f
	}

	inst := proxy.NewInstaller(fetcher)
	if cfg.BaseURL != "" {
		inst.BaseURL = cfg.BaseURL
	}
	if cfg.Version != "" {
		inst.Version = cfg.Version
	}
	if cfg.BinDir != "" {
		inst.BinDir = cfg.BinDir
	}
	if cfg.WorkDir != "" {
		inst.WorkDir = cfg.WorkDir
	}
	return inst, nil
}

func parsePlatform(s string) (proxy.Platform, error) {
	goos, arch, ok := strings.Cut(s, "/")
	if !ok || goos == "" || arch == "" {
		return proxy.Platform{}, fmt.Errorf("invalid platform %q, want os/arch", s)
	}
	return proxy.Platform{OS: goos, Arch: arch}, nil
}
