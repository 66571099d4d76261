package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cuemby/bbp/pkg/bbp"
	"github.com/cuemby/bbp/pkg/catalogcache"
	"github.com/cuemby/bbp/pkg/farm"
	"github.com/cuemby/bbp/pkg/log"
	"github.com/cuemby/bbp/pkg/viewgraph"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bbpctl",
	Short: "Inspect and drive a BAT Buffer Pool data directory",
	Long: `bbpctl operates directly on a BBP data directory: it can
initialize one, insert test BATs, force a commit, trigger a trim
pass, run startup recovery, print directory statistics, and render the
parent/view share graph.`,
	Version: Version,
}

var (
	flagDataDir string
)

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("bbpctl version %s\ncommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "./bbpdata", "BBP data directory")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(insertCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(trimCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(viewgraphCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(renameCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

// openPool brings up a Pool against flagDataDir, running full startup
// recovery (firstTime=false is always safe: a brand-new directory just
// finds nothing to recover).
func openPool() (*bbp.Pool, error) {
	p := bbp.New(bbp.Config{DataDir: flagDataDir})
	if _, err := p.AddFarm(flagDataDir, farm.RolePersistent|farm.RoleTransient); err != nil {
		return nil, err
	}
	if err := p.Init(false); err != nil {
		return nil, err
	}
	return p, nil
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new, empty BBP data directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		p := bbp.New(bbp.Config{DataDir: flagDataDir})
		if _, err := p.AddFarm(flagDataDir, farm.RolePersistent|farm.RoleTransient); err != nil {
			return err
		}
		if err := p.Init(true); err != nil {
			return err
		}
		defer p.Exit()
		fmt.Printf("initialized empty pool at %s\n", flagDataDir)
		return nil
	},
}

var insertCmd = &cobra.Command{
	Use:   "insert <type> <name>",
	Short: "Insert a new persistent BAT of the given atom type and rename it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openPool()
		if err != nil {
			return err
		}
		defer p.Exit()

		width, _ := cmd.Flags().GetInt("width")
		id, err := p.Insert(&bbp.Descriptor{Type: args[0], Width: width}, farm.RolePersistent)
		if err != nil {
			return err
		}
		if _, err := p.Rename(id, args[1]); err != nil {
			return err
		}
		if _, err := p.Retain(id); err != nil {
			return err
		}
		if _, err := p.Unfix(id); err != nil {
			return err
		}
		fmt.Printf("inserted bat id=%d name=%s type=%s\n", id, args[1], args[0])
		return nil
	},
}

func init() {
	insertCmd.Flags().Int("width", 4, "fixed element width in bytes (0 for variable-width)")
}

var syncCmd = &cobra.Command{
	Use:   "sync [name...]",
	Short: "Commit the pool: a full commit with no names, a subcommit otherwise",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openPool()
		if err != nil {
			return err
		}
		defer p.Exit()

		var ids []bbp.BATID
		for _, name := range args {
			id := p.Index(name)
			if id == 0 {
				return fmt.Errorf("bbpctl: unknown name %q", name)
			}
			ids = append(ids, id)
		}

		logSeqNo, _ := cmd.Flags().GetInt64("log-seq-no")
		transID, _ := cmd.Flags().GetInt64("trans-id")
		if err := p.Sync(ids, logSeqNo, transID); err != nil {
			return err
		}
		fmt.Printf("commit complete: %d bats, log_seq_no=%d, trans_id=%d\n", len(ids), logSeqNo, transID)
		return nil
	},
}

func init() {
	syncCmd.Flags().Int64("log-seq-no", 0, "log sequence number to stamp the directory with")
	syncCmd.Flags().Int64("trans-id", 0, "transaction id to stamp the directory with")
}

var trimCmd = &cobra.Command{
	Use:   "trim",
	Short: "Reclaim the BATs named with --name immediately, outside the background trimmer's schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openPool()
		if err != nil {
			return err
		}
		defer p.Exit()

		names, _ := cmd.Flags().GetStringArray("name")
		evicted := 0
		for _, name := range names {
			id := p.Index(name)
			if id == 0 {
				continue
			}
			if p.Reclaim(id) == 1 {
				evicted++
			}
		}
		fmt.Printf("reclaimed %d of %d requested bats\n", evicted, len(names))
		return nil
	},
}

func init() {
	trimCmd.Flags().StringArray("name", nil, "logical name to attempt to reclaim (repeatable)")
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Run startup recovery against the data directory, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openPool()
		if err != nil {
			return err
		}
		defer p.Exit()
		fmt.Println("recovery complete")
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print the data directory and the number of BATs in its catalog cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openPool()
		if err != nil {
			return err
		}
		defer p.Exit()

		cache, err := catalogcache.Open(flagDataDir)
		if err != nil {
			return err
		}
		defer cache.Close()

		entries, err := cache.List()
		if err != nil {
			return err
		}
		fmt.Printf("data dir: %s\n", flagDataDir)
		fmt.Printf("cached bats: %d\n", len(entries))
		return nil
	},
}

var viewgraphCmd = &cobra.Command{
	Use:   "viewgraph <out.dot>",
	Short: "Render the parent/view share graph as Graphviz DOT",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openPool()
		if err != nil {
			return err
		}
		defer p.Exit()

		dot, err := viewgraph.Render(p)
		if err != nil {
			return err
		}
		if err := os.WriteFile(args[0], []byte(dot), 0o644); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", args[0])
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream pool lifecycle events to stdout for --seconds seconds",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openPool()
		if err != nil {
			return err
		}
		defer p.Exit()

		sub := p.Events.Subscribe()
		defer p.Events.Unsubscribe(sub)

		seconds, _ := cmd.Flags().GetInt("seconds")
		deadline := time.After(time.Duration(seconds) * time.Second)
		for {
			select {
			case ev := <-sub:
				fmt.Printf("[%s] %s %s %v\n", ev.Timestamp.Format(time.RFC3339), ev.Type, ev.Message, ev.Metadata)
			case <-deadline:
				return nil
			}
		}
	},
}

func init() {
	watchCmd.Flags().Int("seconds", 30, "how long to watch before exiting")
}

var renameCmd = &cobra.Command{
	Use:   "rename <id> <new-name>",
	Short: "Rename an existing BAT by numeric id",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openPool()
		if err != nil {
			return err
		}
		defer p.Exit()

		n, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("bbpctl: invalid id %q: %w", args[0], err)
		}
		outcome, err := p.Rename(bbp.BATID(n), args[1])
		if err != nil {
			return fmt.Errorf("bbpctl: rename failed (outcome=%v): %w", outcome, err)
		}
		fmt.Printf("renamed bat id=%d to %s\n", n, args[1])
		return nil
	},
}
