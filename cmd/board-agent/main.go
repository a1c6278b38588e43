// Command board-agent joins a board as a headless participant. It can add a
// note or edit a node under a lock, then stays in the board and logs what the
// other participants do until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lumina-backend/application/collab"
	"lumina-backend/domain/core/entities"
	"lumina-backend/domain/core/valueobjects"
	"lumina-backend/domain/events"
	"lumina-backend/infrastructure/config"
	"lumina-backend/infrastructure/di"
)

type options struct {
	boardID string
	create  string
	userID  string
	name    string
	note    string
	edit    string
	stay    time.Duration
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "board-agent",
		Short: "Join a board as a headless participant",
		Long: `board-agent joins a board, optionally adds a note or edits a node under
a lock, then logs what the other participants do until interrupted.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.boardID == "" && opts.create == "" {
				return fmt.Errorf("one of --board or --create is required")
			}
			if opts.edit != "" && !strings.Contains(opts.edit, "=") {
				return fmt.Errorf("--edit takes nodeID=content")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.boardID, "board", "b", "", "board to join")
	f.StringVar(&opts.create, "create", "", "create a board with this name and join it")
	f.StringVarP(&opts.userID, "user", "u", "", "user id; empty joins as a guest")
	f.StringVarP(&opts.name, "name", "n", "", "display name")
	f.StringVar(&opts.note, "note", "", "add a note with this content")
	f.StringVar(&opts.edit, "edit", "", "nodeID=content to replace under a lock")
	f.DurationVar(&opts.stay, "for", 0, "leave after this long; 0 waits for a signal")
	cmd.MarkFlagsMutuallyExclusive("board", "create")
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	if opts.stay > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.stay)
		defer cancel()
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	container, err := di.InitializeContainer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize container: %w", err)
	}
	container.Start(ctx)
	logger := container.Logger

	client, err := container.NewSyncClient(ctx, di.Participant{UserID: opts.userID, Name: opts.name})
	if err != nil {
		return fmt.Errorf("failed to create sync client: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := client.Close(closeCtx); err != nil {
			logger.Warn("Unsaved changes may be lost", zap.Error(err))
		}
		container.Shutdown(closeCtx)
	}()

	boardID := opts.boardID
	if opts.create != "" {
		board, err := client.CreateBoard(ctx, opts.create)
		if err != nil {
			return fmt.Errorf("failed to create board: %w", err)
		}
		boardID = board.ID().String()
		logger.Info("Board created", zap.String("boardID", boardID))
	}

	session, err := client.JoinBoard(ctx, boardID)
	if err != nil {
		return fmt.Errorf("failed to join board %s: %w", boardID, err)
	}
	me := client.Me()
	logger.Info("Joined board",
		zap.String("boardID", session.BoardID()),
		zap.String("as", me.Name),
		zap.Int("nodes", len(session.Nodes())),
		zap.Int("members", len(session.Members())),
	)

	if err := act(ctx, session, opts.note, opts.edit); err != nil {
		logger.Error("Edit failed", zap.Error(err))
	}
	watch(ctx, session, me.ID, logger)
	return nil
}

// act performs the requested edits and saves them right away.
func act(ctx context.Context, s *collab.Session, note, edit string) error {
	if note != "" {
		if _, err := s.CreateNode(ctx, collab.NodeSpec{
			Type:     valueobjects.NodeTypeGenerated,
			Content:  note,
			Position: valueobjects.Position{X: 40, Y: 40},
		}); err != nil {
			return err
		}
	}
	if nodeID, content, ok := strings.Cut(edit, "="); ok {
		if _, err := s.RequestLock(ctx, nodeID); err != nil {
			return err
		}
		defer s.ReleaseLock(context.WithoutCancel(ctx), nodeID)
		if _, err := s.Mutate(ctx, nodeID, entities.NodePatch{Content: &content}); err != nil {
			return err
		}
	}
	if note == "" && edit == "" {
		return nil
	}
	return s.ForceSave(ctx)
}

func watch(ctx context.Context, s *collab.Session, self string, logger *zap.Logger) {
	sub := s.Events(events.CategoryMembers, events.CategoryLocks, events.CategoryNodes, events.CategoryBoard, events.CategorySpace)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			if evt.UserID == self {
				continue
			}
			fields := []zap.Field{zap.String("kind", string(evt.Kind)), zap.String("userID", evt.UserID)}
			switch {
			case evt.Node != nil:
				fields = append(fields, zap.String("nodeID", evt.Node.NodeID), zap.Int("version", evt.Node.Version))
			case evt.Lock != nil:
				fields = append(fields, zap.String("nodeID", evt.Lock.NodeID), zap.String("holder", evt.Lock.Holder))
			case evt.Member != nil:
				fields = append(fields, zap.String("name", evt.Member.Name))
			}
			logger.Info("Board activity", fields...)
			if evt.Kind == events.KindSpaceResynced {
				logger.Info("Save status", zap.Any("status", s.SaveStatus()))
			}
		}
	}
}
