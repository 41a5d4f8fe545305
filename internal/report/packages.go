package report

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"transit/internal/protocol"
	"transit/internal/watcher"
)

const (
	manifestName    = "package.json"
	maxManifestSize = 2 * 1024 * 1024
)

// lockfileNames are checked in order; the first present one is sent.
var lockfileNames = []string{"package-lock.json", "yarn.lock", "pnpm-lock.yaml", "npm-shrinkwrap.json"}

// Packages reports package manifests from configured project directories.
// Enumerating dependencies is left to the collector.
type Packages struct {
	sender  Sender
	dirs    []string
	watcher *watcher.Watcher
	logger  *slog.Logger
}

// NewPackages creates a Packages emitter. A nil watcher disables change
// tracking.
func NewPackages(sender Sender, dirs []string, w *watcher.Watcher, logger *slog.Logger) *Packages {
	if logger == nil {
		logger = slog.Default()
	}
	return &Packages{
		sender:  sender,
		dirs:    dirs,
		watcher: w,
		logger:  logger.With("component", "packages"),
	}
}

// Collect reads the manifest and lock file of dir.
func (p *Packages) Collect(dir string) (protocol.PackageReport, error) {
	manifest := filepath.Join(dir, manifestName)
	content, err := readCapped(manifest)
	if err != nil {
		return protocol.PackageReport{}, err
	}

	report := protocol.PackageReport{Path: manifest, Content: content}
	for _, name := range lockfileNames {
		lock, err := readCapped(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			p.logger.Warn("skipping lock file", "dir", dir, "file", name, "error", err)
			break
		}
		report.Lockfile = lock
		break
	}
	return report, nil
}

// SendAll reports every configured directory.
func (p *Packages) SendAll() {
	for _, dir := range p.dirs {
		p.sendDir(dir)
	}
}

func (p *Packages) sendDir(dir string) {
	report, err := p.Collect(dir)
	if err != nil {
		p.logger.Warn("reading package manifest failed", "dir", dir, "error", err)
		return
	}
	send(p.sender, p.logger, report)
}

// Start watches each directory's manifest and lock files and resends the
// report when they change.
func (p *Packages) Start() error {
	if p.watcher == nil {
		return nil
	}
	for _, dir := range p.dirs {
		files := []string{filepath.Join(dir, manifestName)}
		for _, name := range lockfileNames {
			files = append(files, filepath.Join(dir, name))
		}
		if err := p.watcher.Watch("packages:"+dir, files, func(string, []string) {
			p.sendDir(dir)
		}); err != nil {
			return fmt.Errorf("watch packages in %s: %w", dir, err)
		}
	}
	return nil
}

// Stop ends change tracking.
func (p *Packages) Stop() {
	if p.watcher == nil {
		return
	}
	for _, dir := range p.dirs {
		p.watcher.Unwatch("packages:" + dir)
	}
}

// OnOnline resends all manifests on every new connection.
func (p *Packages) OnOnline(int) { p.SendAll() }

func (p *Packages) OnOffline(error) {}

func readCapped(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.Size() > maxManifestSize {
		return "", fmt.Errorf("%s is %d bytes, limit is %d", path, info.Size(), maxManifestSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
