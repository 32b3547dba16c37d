// Command proxmoxcore is a thin operational CLI over the backup storage
// core: create a datastore, run garbage collection, prune a group's
// snapshots, verify a snapshot (or every snapshot), and list groups.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"proxmoxcore/internal/chunkstore"
	"proxmoxcore/internal/config"
	"proxmoxcore/internal/datastore"
	"proxmoxcore/internal/digest"
	"proxmoxcore/internal/jobs"
	"proxmoxcore/internal/logging"
	"proxmoxcore/internal/prune"
	"proxmoxcore/internal/verify"
)

// loadConfig reads root's datastore.cfg if present, returning nil (not an
// error) when no config file has been written, so commands fall back to
// their own flag defaults against an unconfigured datastore.
func loadConfig(root string) (*config.Config, error) {
	cfg, err := config.Load(filepath.Join(root, config.FileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return cfg, err
}

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "proxmoxcore",
		Short: "Deduplicating backup storage core",
	}

	rootCmd.AddCommand(
		datastoreCmd(logger),
		gcCmd(logger),
		pruneCmd(logger),
		verifyCmd(logger),
		listCmd(logger),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func datastoreCmd(logger *slog.Logger) *cobra.Command {
	var name string
	cmd := &cobra.Command{Use: "datastore", Short: "Manage datastores"}
	createCmd := &cobra.Command{
		Use:   "create <path>",
		Short: "Create a new, empty datastore at path, with its config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := args[0]
			if err := chunkstore.Create(root, logger); err != nil {
				return fmt.Errorf("create datastore: %w", err)
			}
			if name == "" {
				name = filepath.Base(root)
			}
			cfg := &config.Config{
				DatastoreName:  name,
				RootPath:       root,
				GCSafetyMargin: chunkstore.MinGCSafetyMargin,
				VerifyWorkers:  4,
			}
			if err := config.Save(filepath.Join(root, config.FileName), cfg); err != nil {
				return fmt.Errorf("write datastore config: %w", err)
			}
			logger.Info("datastore created", "root", root, "name", name)
			return nil
		},
	}
	createCmd.Flags().StringVar(&name, "name", "", "datastore name recorded in its config (default: the final path component)")
	cmd.AddCommand(createCmd)
	return cmd
}

func gcCmd(logger *slog.Logger) *cobra.Command {
	var safetyMargin time.Duration
	cmd := &cobra.Command{
		Use:   "gc <path>",
		Short: "Run garbage collection against a datastore",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := args[0]
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			cfg, err := loadConfig(root)
			if err != nil {
				return fmt.Errorf("load datastore config: %w", err)
			}
			if cfg != nil && !cmd.Flags().Changed("safety-margin") {
				safetyMargin = cfg.GCSafetyMargin
			}

			store, err := chunkstore.Open(root, chunkstore.LockExclusive, logger)
			if err != nil {
				return fmt.Errorf("open datastore: %w", err)
			}
			defer store.Close()

			runner := jobs.New(root, time.Now)
			h, err := runner.Start(ctx, jobs.KindGC, "", func(runCtx context.Context) error {
				mark := func(markCtx context.Context, touch func(digest.Digest) error) error {
					return datastore.MarkReferencedChunks(markCtx, root, touch)
				}
				_, err := store.GC(runCtx, safetyMargin, mark)
				return err
			})
			if err != nil {
				return fmt.Errorf("start gc: %w", err)
			}
			h.Wait()
			logger.Info("gc run finished", "upid", h.UPID)
			return nil
		},
	}
	cmd.Flags().DurationVar(&safetyMargin, "safety-margin", chunkstore.MinGCSafetyMargin, "minimum gap between GC's mark cutoff and now")
	return cmd
}

func pruneCmd(logger *slog.Logger) *cobra.Command {
	var keepLast, keepHourly, keepDaily, keepWeekly, keepMonthly, keepYearly uint64
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "prune <path> <type>/<id>",
		Short: "Apply a retention policy to one backup group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, groupPath := args[0], args[1]
			groupDir := filepath.Join(root, groupPath)

			cfg, err := loadConfig(root)
			if err != nil {
				return fmt.Errorf("load datastore config: %w", err)
			}

			snaps, err := datastore.ListSnapshots(groupPath, groupDir)
			if err != nil {
				return fmt.Errorf("list snapshots: %w", err)
			}
			infos := make([]prune.BackupInfo, len(snaps))
			for i, s := range snaps {
				infos[i] = s.ToBackupInfo()
			}

			keep := prune.KeepSpec{}
			if cfg != nil {
				keep = cfg.DefaultKeep
			}
			setIfFlagged(cmd, "keep-last", &keep.KeepLast, keepLast)
			setIfFlagged(cmd, "keep-hourly", &keep.KeepHourly, keepHourly)
			setIfFlagged(cmd, "keep-daily", &keep.KeepDaily, keepDaily)
			setIfFlagged(cmd, "keep-weekly", &keep.KeepWeekly, keepWeekly)
			setIfFlagged(cmd, "keep-monthly", &keep.KeepMonthly, keepMonthly)
			setIfFlagged(cmd, "keep-yearly", &keep.KeepYearly, keepYearly)

			results := prune.Compute(infos, keep)
			for _, r := range results {
				action := "remove"
				if r.Mark.Keep() {
					action = "keep"
				}
				if dryRun {
					action = "would-" + action
				} else if !r.Mark.Keep() {
					dir := filepath.Join(root, r.Info.Path)
					if err := os.RemoveAll(dir); err != nil {
						logger.Error("failed to remove snapshot", "path", r.Info.Path, "error", err)
						continue
					}
				}
				logger.Info("prune decision", "path", r.Info.Path, "action", action)
			}
			return nil
		},
	}
	cmd.Flags().Uint64Var(&keepLast, "keep-last", 0, "number of most recent snapshots to keep")
	cmd.Flags().Uint64Var(&keepHourly, "keep-hourly", 0, "number of hourly snapshots to keep")
	cmd.Flags().Uint64Var(&keepDaily, "keep-daily", 0, "number of daily snapshots to keep")
	cmd.Flags().Uint64Var(&keepWeekly, "keep-weekly", 0, "number of weekly snapshots to keep")
	cmd.Flags().Uint64Var(&keepMonthly, "keep-monthly", 0, "number of monthly snapshots to keep")
	cmd.Flags().Uint64Var(&keepYearly, "keep-yearly", 0, "number of yearly snapshots to keep")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print decisions without removing anything")
	return cmd
}

// setIfFlagged copies value into *dst only if the named flag was
// explicitly set; otherwise *dst keeps its current value (the datastore
// config's default, or nil, which prune's KeepSpec treats as a disabled
// bucket).
func setIfFlagged(cmd *cobra.Command, name string, dst **uint64, value uint64) {
	if cmd.Flags().Changed(name) {
		v := value
		*dst = &v
	}
}

func verifyCmd(logger *slog.Logger) *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "verify <path> [<type>/<id>[/<timestamp>]]",
		Short: "Verify one snapshot, or every snapshot in a datastore",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := args[0]
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			cfg, err := loadConfig(root)
			if err != nil {
				return fmt.Errorf("load datastore config: %w", err)
			}
			if cfg != nil && !cmd.Flags().Changed("workers") {
				workers = cfg.VerifyWorkers
			}

			store, err := chunkstore.Open(root, chunkstore.LockShared, logger)
			if err != nil {
				return fmt.Errorf("open datastore: %w", err)
			}
			defer store.Close()

			v := verify.New(store, verify.Options{Workers: workers}, logger)
			runner := jobs.New(root, time.Now)

			var targets []string
			if len(args) == 2 {
				dir, snapErr := resolveSnapshotDir(root, args[1])
				if snapErr != nil {
					return snapErr
				}
				targets = []string{dir}
			} else {
				if err := datastore.WalkGroups(root, func(groupPath, groupDir string) error {
					snaps, err := datastore.ListSnapshots(groupPath, groupDir)
					if err != nil {
						return err
					}
					for _, s := range snaps {
						if s.IsComplete {
							targets = append(targets, s.Dir)
						}
					}
					return nil
				}); err != nil {
					return err
				}
			}

			h, err := runner.Start(ctx, jobs.KindVerify, "", func(runCtx context.Context) error {
				for _, dir := range targets {
					result, err := v.VerifySnapshot(runCtx, dir, "verify:"+strconv.Itoa(os.Getpid()))
					if err != nil {
						return fmt.Errorf("verify %s: %w", dir, err)
					}
					logger.Info("verify result", "snapshot", dir, "result", result)
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("start verify: %w", err)
			}
			h.Wait()
			return nil
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 4, "bounded worker pool size for chunk verification")
	return cmd
}

// resolveSnapshotDir turns "<type>/<id>" or "<type>/<id>/<rfc3339>" into an
// absolute snapshot directory, resolving to the latest snapshot when no
// timestamp is given.
func resolveSnapshotDir(root, ref string) (string, error) {
	parts := strings.SplitN(ref, "/", 3)
	if len(parts) == 3 {
		return filepath.Join(root, ref), nil
	}
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid snapshot reference %q, want <type>/<id>[/<timestamp>]", ref)
	}
	groupDir := filepath.Join(root, ref)
	snaps, err := datastore.ListSnapshots(ref, groupDir)
	if err != nil {
		return "", err
	}
	if len(snaps) == 0 {
		return "", fmt.Errorf("no snapshots found for group %q", ref)
	}
	return snaps[len(snaps)-1].Dir, nil
}

func listCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "list <path>",
		Short: "List backup groups and their snapshots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := args[0]
			return datastore.WalkGroups(root, func(groupPath, groupDir string) error {
				snaps, err := datastore.ListSnapshots(groupPath, groupDir)
				if err != nil {
					return err
				}
				fmt.Printf("%s (%d snapshots)\n", groupPath, len(snaps))
				for _, s := range snaps {
					status := "complete"
					if !s.IsComplete {
						status = "partial"
					}
					fmt.Printf("  %s  %s\n", s.Timestamp.UTC().Format(time.RFC3339), status)
				}
				return nil
			})
		},
	}
}
