package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"threadsage/internal/config"
)

// Archive entry names. The config keeps its extension so the codec
// survives a restore to a differently named path.
const (
	archiveConfigPrefix = "config"
	archiveUsageDB      = "usage.db"
)

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the config file and the usage database",
		Long: `Creates a compressed .tar.gz archive containing the config file and the
SQLite usage ledger (with its WAL files when present).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			dbPath := usageDBPath(cfgPath)

			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				outputPath = filepath.Join(backupDir, fmt.Sprintf("threadsage-backup-%s.tar.gz", time.Now().Format("20060102-150405")))
			}

			var entries []archiveEntry
			if _, err := os.Stat(cfgPath); err == nil {
				entries = append(entries, archiveEntry{path: cfgPath, name: archiveConfigPrefix + filepath.Ext(cfgPath)})
			}
			if dbPath != "" {
				for _, suffix := range []string{"", "-wal", "-shm"} {
					if _, err := os.Stat(dbPath + suffix); err == nil {
						entries = append(entries, archiveEntry{path: dbPath + suffix, name: archiveUsageDB + suffix})
					}
				}
			}
			if len(entries) == 0 {
				return fmt.Errorf("nothing to back up (config: %s, usage db: %s)", cfgPath, dbPath)
			}

			if err := writeArchive(outputPath, entries); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			for _, e := range entries {
				var size uint64
				if info, err := os.Stat(e.path); err == nil {
					size = uint64(info.Size())
				}
				fmt.Printf("  - %s (%s)\n", e.name, humanize.Bytes(size))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file (default: ~/.threadsage/backups/threadsage-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [archive]",
		Short: "Restore the config file and usage database from a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			dbPath := usageDBPath(cfgPath)

			if !force {
				for _, p := range []string{cfgPath, dbPath} {
					if p == "" {
						continue
					}
					if _, err := os.Stat(p); err == nil {
						fmt.Printf("This would overwrite %s\n", p)
						return errors.New("restore aborted (use --force to overwrite)")
					}
				}
			}

			restored, err := extractArchive(args[0], cfgPath, dbPath)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			fmt.Printf("Restored from %s:\n", args[0])
			for _, p := range restored {
				fmt.Printf("  - %s\n", p)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

// usageDBPath returns the ledger path of the config at cfgPath, or the
// default location when the config cannot be read.
func usageDBPath(cfgPath string) string {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
		cfg.Usage.DBPath = config.ExpandPath(cfg.Usage.DBPath)
	}
	if cfg.Usage.DBPath == ":memory:" {
		return ""
	}
	return cfg.Usage.DBPath
}

type archiveEntry struct {
	path string // on disk
	name string // in the archive
}

func writeArchive(outputPath string, entries []archiveEntry) (err error) {
	out, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		if err := addToArchive(tw, e); err != nil {
			return fmt.Errorf("add %s: %w", e.path, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func addToArchive(tw *tar.Writer, e archiveEntry) error {
	f, err := os.Open(e.path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = e.name
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// extractArchive restores known entries; anything else in the archive is
// skipped.
func extractArchive(archivePath, cfgPath, dbPath string) ([]string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var restored []string
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		var target string
		name := header.Name
		switch {
		case strings.HasPrefix(name, archiveConfigPrefix+"."):
			target = cfgPath
		case strings.HasPrefix(name, archiveUsageDB) && dbPath != "":
			target = dbPath + strings.TrimPrefix(name, archiveUsageDB)
		default:
			logger.Warn("skipping unknown archive entry", "name", name)
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, err
		}
		if err := writeFile(target, tr, os.FileMode(header.Mode).Perm()); err != nil {
			return nil, fmt.Errorf("extract %s: %w", target, err)
		}
		restored = append(restored, target)
	}
	return restored, nil
}

func writeFile(path string, r io.Reader, perm os.FileMode) error {
	if perm == 0 {
		perm = 0o600
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
