package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/cuemby/bbp/pkg/bbpdir"
)

var (
	dataDir = flag.String("data-dir", "/var/lib/bbp", "BBP data directory")
	dryRun  = flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	backup  = flag.String("backup", "", "Path to back up BBP.dir before migration (default: <data-dir>/BBP.dir.backup)")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("BBP Directory Migration Tool")
	log.Println("============================")

	dirPath := filepath.Join(*dataDir, "BBP.dir")
	if _, err := os.Stat(dirPath); os.IsNotExist(err) {
		log.Fatalf("BBP.dir not found at %s", dirPath)
	}

	log.Printf("Directory: %s", dirPath)
	log.Printf("Dry run: %v", *dryRun)

	f, err := os.Open(dirPath)
	if err != nil {
		log.Fatalf("Failed to open BBP.dir: %v", err)
	}
	header, entries, err := bbpdir.ReadDir(f)
	f.Close()
	if err != nil {
		log.Fatalf("Failed to parse BBP.dir: %v", err)
	}

	log.Printf("Found GDKversion %d, %d entries", header.GDKVersion, len(entries))

	if header.GDKVersion == bbpdir.VersionCurrent && !bbpdir.HasSignal(*dataDir) {
		log.Println("✓ Directory is already at the current version, nothing to do")
		return
	}

	needsRename := header.GDKVersion.NeedsTailRename()
	var toRename []bbpdir.DirEntry
	if needsRename {
		for _, e := range entries {
			if e.Var && e.Width != 0 {
				toRename = append(toRename, e)
			}
		}
		log.Printf("%d variable-width tail heaps need renaming to tail1/tail2/tail4", len(toRename))
	}

	if *dryRun {
		log.Println("\n[DRY RUN] Would perform the following operations:")
		log.Printf("1. Rewrite BBP.dir header as GDKversion %d\n", bbpdir.VersionCurrent)
		for _, e := range toRename {
			log.Printf("2. Rename heap file %s.tail -> %s.tail%d\n", e.Physical, e.Physical, e.Width)
		}
		if bbpdir.HasSignal(*dataDir) {
			log.Println("3. Clear pending needstrbatmove signal")
		}
		log.Println("\nDry run completed. No changes made.")
		return
	}

	backupFile := *backup
	if backupFile == "" {
		backupFile = dirPath + ".backup"
	}
	log.Printf("Creating backup: %s", backupFile)
	if err := copyFile(dirPath, backupFile); err != nil {
		log.Fatalf("Failed to create backup: %v", err)
	}
	log.Println("✓ Backup created successfully")

	renamed := 0
	for _, e := range toRename {
		oldPath := filepath.Join(*dataDir, e.Physical+".tail")
		newPath := filepath.Join(*dataDir, fmt.Sprintf("%s.tail%d", e.Physical, e.Width))
		if _, err := os.Stat(oldPath); os.IsNotExist(err) {
			continue
		}
		if err := os.Rename(oldPath, newPath); err != nil {
			log.Fatalf("Failed to rename %s -> %s: %v", oldPath, newPath, err)
		}
		renamed++
	}
	log.Printf("✓ Renamed %d tail heap files", renamed)

	out, err := os.Create(dirPath)
	if err != nil {
		log.Fatalf("Failed to write BBP.dir: %v", err)
	}
	err = bbpdir.WriteDir(out, header, nil, entries)
	closeErr := out.Close()
	if err != nil {
		log.Fatalf("Failed to serialize BBP.dir: %v", err)
	}
	if closeErr != nil {
		log.Fatalf("Failed to close BBP.dir: %v", closeErr)
	}

	if bbpdir.HasSignal(*dataDir) {
		if err := bbpdir.ClearSignal(*dataDir); err != nil {
			log.Fatalf("Failed to clear needstrbatmove signal: %v", err)
		}
		log.Println("✓ Cleared needstrbatmove signal")
	}

	log.Println("\n✓ Migration completed successfully!")
	log.Printf("Original directory preserved at %s for rollback if needed.\n", backupFile)
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0o600)
}
