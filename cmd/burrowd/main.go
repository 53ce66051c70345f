// Command burrowd drives the piece manager end-to-end against a single-file
// torrent: parse metainfo, recheck whatever already exists on disk, then run
// the dispatcher loop until the torrent completes or the process is signaled
// to stop.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nnyan/burrow/internal/bitfield"
	"github.com/nnyan/burrow/internal/config"
	"github.com/nnyan/burrow/internal/fsio"
	"github.com/nnyan/burrow/internal/logging"
	"github.com/nnyan/burrow/internal/metainfo"
	"github.com/nnyan/burrow/internal/notify"
	"github.com/nnyan/burrow/internal/pieces"
)

func main() {
	config.Init()

	opts := logging.DefaultOptions()
	log := slog.New(logging.NewPrettyHandler(os.Stderr, &opts))
	slog.SetDefault(log)

	if err := newRootCmd(log).ExecuteContext(context.Background()); err != nil {
		log.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func newRootCmd(log *slog.Logger) *cobra.Command {
	var downloadDir string

	root := &cobra.Command{
		Use:   "burrowd",
		Short: "burrowd drives the piece manager for a single torrent",
	}
	root.PersistentFlags().StringVar(&downloadDir, "download-dir", "", "override the default download directory")

	root.AddCommand(newServeCmd(log, &downloadDir))
	root.AddCommand(newRecheckCmd(log, &downloadDir))

	return root
}

func newServeCmd(log *slog.Logger, downloadDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve <torrent-file>",
		Short: "load a .torrent file and run the piece manager until completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), log, args[0], *downloadDir)
		},
	}
}

func newRecheckCmd(log *slog.Logger, downloadDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "recheck <torrent-file>",
		Short: "verify on-disk pieces against their digests and report progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecheck(cmd.Context(), log, args[0], *downloadDir)
		},
	}
}

func loadTorrent(path, downloadDirOverride string) (*metainfo.Metainfo, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("reading torrent file: %w", err)
	}

	mi, err := metainfo.Parse(data)
	if err != nil {
		return nil, "", fmt.Errorf("parsing torrent file: %w", err)
	}
	if !mi.Info.IsSingleFile() {
		return nil, "", fmt.Errorf("burrowd: multi-file torrents are not supported")
	}

	dir := downloadDirOverride
	if dir == "" {
		dir = config.Load().DefaultDownloadDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("creating download dir: %w", err)
	}

	return mi, filepath.Join(dir, mi.Info.Name), nil
}

func buildStore(log *slog.Logger, mi *metainfo.Metainfo, dataPath string) (*fsio.Store, *pieces.PieceMap, error) {
	cfg := config.Load()

	pm, err := pieces.NewPieceMap(mi.Info.Pieces, int(mi.Info.PieceLength), mi.Info.Length, cfg.BlockSize)
	if err != nil {
		return nil, nil, fmt.Errorf("building piece map: %w", err)
	}

	geometry := make([]fsio.PieceGeometry, pm.Count())
	for i := 0; i < pm.Count(); i++ {
		info := pm.Lookup(pieces.PieceNum(i))
		geometry[i] = fsio.PieceGeometry{
			ByteOffsetInFile: info.ByteOffsetInFile,
			Length:           info.Length,
			ExpectedDigest:   info.ExpectedDigest,
		}
	}

	store, err := fsio.Open(log, dataPath, mi.Info.Length, geometry, cfg.RecheckConcurrency)
	if err != nil {
		return nil, nil, fmt.Errorf("opening backing file: %w", err)
	}

	return store, pm, nil
}

// bitfieldFromDoneMap reports a torrent's on-disk progress the way the wire
// protocol would advertise it to peers: one bit per piece, set iff done.
func bitfieldFromDoneMap(doneMap map[pieces.PieceNum]bool, count int) bitfield.Bitfield {
	bf := bitfield.New(count)
	for pn, ok := range doneMap {
		if ok {
			bf.Set(int(pn))
		}
	}
	return bf
}

func runRecheck(ctx context.Context, log *slog.Logger, torrentPath, downloadDir string) error {
	mi, dataPath, err := loadTorrent(torrentPath, downloadDir)
	if err != nil {
		return err
	}

	store, pm, err := buildStore(log, mi, dataPath)
	if err != nil {
		return err
	}
	defer store.Close()

	doneMap, err := store.RecheckTorrent(ctx)
	if err != nil {
		return fmt.Errorf("rechecking torrent: %w", err)
	}

	bf := bitfieldFromDoneMap(doneMap, pm.Count())
	log.Info("recheck finished", "done", bf.Count(), "total", pm.Count(), "bitfield", bf.String())
	return nil
}

func runServe(ctx context.Context, log *slog.Logger, torrentPath, downloadDir string) error {
	mi, dataPath, err := loadTorrent(torrentPath, downloadDir)
	if err != nil {
		return err
	}

	store, pm, err := buildStore(log, mi, dataPath)
	if err != nil {
		return err
	}
	defer store.Close()

	doneMap, err := store.RecheckTorrent(ctx)
	if err != nil {
		return fmt.Errorf("initial recheck: %w", err)
	}

	status := notify.NewStatus(log, 16)
	choke := notify.NewChoke(log, 16)

	cfg := config.Load()
	manager := pieces.NewManager(pieces.Opts{
		Log:            log,
		PieceMap:       pm,
		DoneMap:        doneMap,
		AssertInterval: cfg.AssertInterval,
		Filesystem:     store,
		Status:         status,
		OnFatal: func(err *pieces.FatalError) {
			log.Error("piece manager stopped fatally", "kind", err.Kind, "pieces", err.Pieces, "msg", err.Message)
		},
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return manager.Run(gctx)
	})
	g.Go(func() error {
		return choke.Run(gctx, manager.ChokeNotifications())
	})
	g.Go(func() error {
		select {
		case <-sigCh:
			log.Info("received shutdown signal")
			cancel()
		case <-gctx.Done():
		}
		return nil
	})
	g.Go(func() error {
		// Once progress reporting ends (torrent complete), stop the group.
		err := reportProgress(gctx, log, manager, pm.Count())
		cancel()
		return err
	})

	log.Info("piece manager running", "torrent", mi.Info.Name, "pieces", pm.Count())
	return g.Wait()
}

// reportProgress polls the manager's done set and logs it as the same
// bitfield representation a peer connection would advertise, until ctx is
// cancelled or the torrent completes.
func reportProgress(ctx context.Context, log *slog.Logger, manager *pieces.Manager, count int) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			doneList, err := manager.GetDone(ctx)
			if err != nil {
				return nil
			}

			doneMap := make(map[pieces.PieceNum]bool, len(doneList))
			for _, pn := range doneList {
				doneMap[pn] = true
			}

			bf := bitfieldFromDoneMap(doneMap, count)
			log.Info("progress", "done", bf.Count(), "total", count, "bitfield", bf.String())

			if bf.Count() == count {
				return nil
			}
		}
	}
}
