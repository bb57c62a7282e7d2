package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stlalpha/v3mail/internal/archiver"
	"github.com/stlalpha/v3mail/internal/config"
	"github.com/stlalpha/v3mail/internal/file"
	"github.com/stlalpha/v3mail/internal/message"
	"github.com/stlalpha/v3mail/internal/scheduler"
	"github.com/stlalpha/v3mail/internal/tosser"
)

// ftnDeps is everything a tosser run needs, opened from the config dir.
type ftnDeps struct {
	server config.ServerConfig
	ftn    *config.FTNConfig
	store  *message.Store
	engine *tosser.Tosser
}

// loadFTNDeps loads the configuration, opens the stores and starts the
// engine. The caller must defer deps.close().
func loadFTNDeps(ctx context.Context) (*ftnDeps, error) {
	server, err := config.LoadServerConfig(configDir)
	if err != nil {
		return nil, err
	}
	ftnCfg, err := config.LoadFTNConfig(configDir)
	if err != nil {
		return nil, err
	}
	if len(ftnCfg.Networks) == 0 {
		return nil, fmt.Errorf("no FTN networks configured in %s", filepath.Join(configDir, "ftn.json"))
	}

	dbPath := server.MessageDBPath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := message.Open(dbPath)
	if err != nil {
		return nil, err
	}

	var files *file.FileManager
	if files, err = file.NewFileManager(server.FilesPath(), configDir); err != nil {
		log.Printf("WARN: File base unavailable, TIC import disabled: %v", err)
		files = nil
	}

	arcCfg, err := archiver.LoadConfig(configDir)
	if err != nil {
		store.Close()
		return nil, err
	}

	engine, err := tosser.New(tosser.Options{
		Config:    ftnCfg,
		Store:     store,
		Files:     files,
		Archiver:  archiver.NewUtility(arcCfg),
		BoardName: server.BoardName,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	if err := engine.Startup(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return &ftnDeps{server: server, ftn: ftnCfg, store: store, engine: engine}, nil
}

func (d *ftnDeps) close() {
	if err := d.engine.Shutdown(); err != nil {
		log.Printf("ERROR: Engine shutdown: %v", err)
	}
	if err := d.store.Close(); err != nil {
		log.Printf("ERROR: Closing message store: %v", err)
	}
}

var tossCmd = &cobra.Command{
	Use:   "toss",
	Short: "Import inbound packets, bundles and TIC files",
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, err := loadFTNDeps(cmd.Context())
		if err != nil {
			return fail(err)
		}
		defer deps.close()

		stats, err := deps.engine.Import()
		if err != nil {
			return fail(err)
		}
		summary("Toss complete: %d packet(s), %d bundle(s), %d imported, %d dupe(s), %d failed, %d rejected",
			stats.Packets, stats.Bundles, stats.Imported(), stats.Duplicates, stats.Failed(), stats.Rejected)
		if stats.TicSuccess+stats.TicFail > 0 {
			summary("TIC: %d stored, %d rejected", stats.TicSuccess, stats.TicFail)
		}
		if stats.Rejected > 0 || stats.TicFail > 0 {
			return fail(fmt.Errorf("%d packet(s) and %d tic(s) rejected", stats.Rejected, stats.TicFail))
		}
		return nil
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Export new EchoMail and NetMail to the outbound",
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, err := loadFTNDeps(cmd.Context())
		if err != nil {
			return fail(err)
		}
		defer deps.close()

		stats, err := deps.engine.Export()
		if err != nil {
			return fail(err)
		}
		summary("Scan complete: %d echomail, %d netmail, %d packet(s), %d bundle(s)",
			stats.EchoMail, stats.NetMail, stats.Packets, stats.Bundles)
		if stats.Failed > 0 || stats.FailedAreas > 0 {
			return fail(fmt.Errorf("%d message(s) and %d area(s) left for retry", stats.Failed, stats.FailedAreas))
		}
		return nil
	},
}

var ticCmd = &cobra.Command{
	Use:   "tic",
	Short: "Process inbound TIC files only",
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, err := loadFTNDeps(cmd.Context())
		if err != nil {
			return fail(err)
		}
		defer deps.close()

		stats, err := deps.engine.ImportTics()
		if err != nil {
			return fail(err)
		}
		summary("TIC complete: %d stored, %d rejected", stats.TicSuccess, stats.TicFail)
		if stats.TicFail > 0 {
			return fail(fmt.Errorf("%d tic(s) rejected", stats.TicFail))
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the export/import scheduler until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		deps, err := loadFTNDeps(ctx)
		if err != nil {
			return fail(err)
		}
		defer deps.close()

		exportSched, err := scheduler.ParseSchedule(deps.ftn.Schedule.Export)
		if err != nil {
			return fail(fmt.Errorf("export schedule: %w", err))
		}
		importSched, err := scheduler.ParseSchedule(deps.ftn.Schedule.Import)
		if err != nil {
			return fail(fmt.Errorf("import schedule: %w", err))
		}

		histPath := filepath.Join(filepath.Dir(deps.ftn.Paths.Outbound), "run_history.json")
		history, err := scheduler.LoadHistory(histPath, scheduler.DefaultHistoryKeep)
		if err != nil {
			log.Printf("WARN: Failed to load run history from %s: %v", histPath, err)
			history, _ = scheduler.LoadHistory("", scheduler.DefaultHistoryKeep)
		}

		sched := newScheduler(deps.engine, history, exportSched, importSched)

		summary("Scheduler running (export: %q, import: %q); Ctrl-C to stop", exportSched, importSched)
		if err := sched.Start(ctx); err != nil {
			return fail(err)
		}
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply message store schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		server, err := config.LoadServerConfig(configDir)
		if err != nil {
			return fail(err)
		}
		dbPath := server.MessageDBPath()
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return fail(err)
		}
		// Open applies pending migrations.
		store, err := message.Open(dbPath)
		if err != nil {
			return fail(err)
		}
		defer store.Close()

		current, latest, dirty, err := message.SchemaVersion(store.DB())
		if err != nil {
			return fail(err)
		}
		if dirty {
			return fail(fmt.Errorf("schema version %d is dirty; repair %s by hand", current, dbPath))
		}
		summary("Message store %s at schema version %d (latest %d)", dbPath, current, latest)
		return nil
	},
}

// newScheduler builds the export/import scheduler for engine and routes its
// record hook to the export job's immediate trigger. Embedders that persist
// local posts call Record on the engine.
func newScheduler(engine *tosser.Tosser, history *scheduler.History, exportSched, importSched scheduler.Schedule) *scheduler.Scheduler {
	sched := scheduler.New(history,
		scheduler.Job{Direction: scheduler.DirExport, Schedule: exportSched, Run: exportJob(engine)},
		scheduler.Job{Direction: scheduler.DirImport, Schedule: importSched, Run: importJob(engine)},
	)
	engine.OnRecord(func() { sched.Notify(scheduler.DirExport) })
	return sched
}

// exportJob adapts Tosser.Export to a scheduler job.
func exportJob(engine *tosser.Tosser) func() (scheduler.Counters, error) {
	return func() (scheduler.Counters, error) {
		stats, err := engine.Export()
		if errors.Is(err, tosser.ErrBusy) {
			return nil, scheduler.ErrSkipped
		}
		if err != nil {
			return nil, err
		}
		return scheduler.Counters{
			"echomail": stats.EchoMail,
			"netmail":  stats.NetMail,
			"packets":  stats.Packets,
			"bundles":  stats.Bundles,
			"failed":   stats.Failed,
		}, nil
	}
}

// importJob adapts Tosser.Import to a scheduler job.
func importJob(engine *tosser.Tosser) func() (scheduler.Counters, error) {
	return func() (scheduler.Counters, error) {
		stats, err := engine.Import()
		if errors.Is(err, tosser.ErrBusy) {
			return nil, scheduler.ErrSkipped
		}
		if err != nil {
			return nil, err
		}
		return scheduler.Counters{
			"packets":    stats.Packets,
			"bundles":    stats.Bundles,
			"imported":   stats.Imported(),
			"duplicates": stats.Duplicates,
			"failed":     stats.Failed(),
			"rejected":   stats.Rejected,
			"tic_ok":     stats.TicSuccess,
			"tic_failed": stats.TicFail,
		}, nil
	}
}
