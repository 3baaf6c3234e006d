// Package backup archives the scan history database and config file into a
// tar.gz and restores them.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/HerbHall/netmapper/internal/store"
	"github.com/HerbHall/netmapper/internal/version"
)

// ManifestName is the archive entry describing the backup.
const ManifestName = "manifest.json"

// maxEntrySize caps a single restored file.
const maxEntrySize = 1 << 30

// Manifest records what a backup contains.
type Manifest struct {
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	Database  string    `json:"database"`
	Schema    int       `json:"schema"`
	Config    string    `json:"config,omitempty"`
}

// Backup writes a tar.gz archive to outputPath containing the history
// database, the optional config file and a manifest. The database is
// checkpointed first so the copy includes everything committed to its WAL.
func Backup(ctx context.Context, dbPath, configPath, outputPath string) (*Manifest, error) {
	if dbPath == "" || dbPath == store.MemoryDSN {
		return nil, errors.New("history database is in memory; set history.dsn to a file to back it up")
	}
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("database file not found: %w", err)
	}
	schema, err := prepareDatabase(ctx, dbPath)
	if err != nil {
		return nil, err
	}

	m := &Manifest{
		Version:   version.Short(),
		CreatedAt: time.Now().UTC(),
		Database:  filepath.Base(dbPath),
		Schema:    schema,
	}
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			m.Config = filepath.Base(configPath)
		}
	}

	outFile, err := os.Create(outputPath)
	if err != nil {
		return nil, fmt.Errorf("creating output file: %w", err)
	}
	if err := writeArchive(outFile, m, dbPath, configPath); err != nil {
		outFile.Close()
		os.Remove(outputPath)
		return nil, err
	}
	if err := outFile.Close(); err != nil {
		return nil, fmt.Errorf("closing output file: %w", err)
	}
	return m, nil
}

func writeArchive(w io.Writer, m *Manifest, dbPath, configPath string) error {
	gw := gzip.NewWriter(w)
	tw := tar.NewWriter(gw)

	manifest, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	hdr := &tar.Header{
		Name:    ManifestName,
		Mode:    0o644,
		Size:    int64(len(manifest)),
		ModTime: m.CreatedAt,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	if _, err := tw.Write(manifest); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}

	if err := addFileToTar(tw, dbPath, m.Database); err != nil {
		return fmt.Errorf("adding database to archive: %w", err)
	}
	if m.Config != "" {
		if err := addFileToTar(tw, configPath, m.Config); err != nil {
			return fmt.Errorf("adding config to archive: %w", err)
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gw.Close()
}

// Restore extracts an archive created by Backup into dataDir. Existing files
// are only replaced when force is set.
func Restore(_ context.Context, inputPath, dataDir string, force bool) (*Manifest, error) {
	f, err := os.Open(inputPath)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("reading gzip: %w", err)
	}
	defer gr.Close()

	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	var m *Manifest
	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name, err := entryName(hdr.Name)
		if err != nil {
			return nil, err
		}

		if name == ManifestName {
			m = &Manifest{}
			if err := json.NewDecoder(io.LimitReader(tr, 1<<20)).Decode(m); err != nil {
				return nil, fmt.Errorf("reading manifest: %w", err)
			}
			continue
		}
		if err := extractFile(tr, filepath.Join(dataDir, name), hdr.Size, force); err != nil {
			return nil, fmt.Errorf("restoring %s: %w", name, err)
		}
	}
	if m == nil {
		return nil, errors.New("archive has no manifest; not a netmapper backup")
	}
	return m, nil
}

// entryName rejects entries that would escape the target directory.
func entryName(name string) (string, error) {
	clean := path.Clean(name)
	if clean != path.Base(clean) || clean == "." || clean == ".." || strings.ContainsAny(clean, `\:`) {
		return "", fmt.Errorf("unsafe archive entry %q", name)
	}
	return clean, nil
}

func extractFile(r io.Reader, dest string, size int64, force bool) error {
	if size > maxEntrySize {
		return fmt.Errorf("entry too large (%d bytes)", size)
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	out, err := os.OpenFile(dest, flags, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s exists (use --force to overwrite)", dest)
		}
		return err
	}
	if _, err := io.Copy(out, io.LimitReader(r, size)); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// prepareDatabase checkpoints the database so the file holds every
// committed row, and returns its history schema version.
func prepareDatabase(ctx context.Context, dbPath string) (int, error) {
	db, err := store.New(dbPath)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	if err := db.Checkpoint(ctx); err != nil {
		return 0, err
	}
	return db.SchemaVersion(ctx, "history")
}

// addFileToTar adds a single file to the tar archive under the given name.
func addFileToTar(tw *tar.Writer, filePath, archiveName string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = archiveName

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}

	_, err = io.Copy(tw, f)
	return err
}
