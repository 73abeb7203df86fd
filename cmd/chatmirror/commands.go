package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/chatmirror/pkg/mirror"
)

var setupCommand = &cli.Command{
	Name:  "setup",
	Usage: "Authenticate against the source and save the chat list",
	Action: func(ctx *cli.Context) error {
		return withMirror(ctx, func(runCtx context.Context, m *mirror.Mirror) error {
			path, err := m.WriteChatList(runCtx)
			if err != nil {
				return err
			}
			fmt.Printf("Chat list saved to %s — add the chat ids you want mirrored to the config.\n", path)
			return nil
		})
	},
}

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "Mirror all configured chats in a loop",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "once",
			Usage: "Perform a single pass instead of looping",
		},
	},
	Action: func(ctx *cli.Context) error {
		once := ctx.Bool("once")
		interval := getConfig(ctx).RunInterval
		log := getLogger(ctx)
		return withMirror(ctx, func(runCtx context.Context, m *mirror.Mirror) error {
			for {
				if err := m.RunOnce(runCtx); err != nil {
					if runCtx.Err() != nil {
						return nil
					}
					log.Error().Err(err).Msg("Mirror pass failed")
				}
				if once {
					return nil
				}
				log.Info().Dur("interval", interval).Msg("Pass complete, idling")
				select {
				case <-time.After(interval):
				case <-runCtx.Done():
					return nil
				}
			}
		})
	},
}

var syncCommand = &cli.Command{
	Name:      "sync",
	Usage:     "Sync one chat's message history into the catalog",
	ArgsUsage: "<chat_id> [min_id] [max_id]",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "no-resume",
			Usage: "Start from min_id even if the catalog has newer messages",
		},
	},
	Action: func(ctx *cli.Context) error {
		chatID, minID, maxID, err := parseSyncArgs(ctx)
		if err != nil {
			return err
		}
		return withMirror(ctx, func(runCtx context.Context, m *mirror.Mirror) error {
			lastID, err := m.SyncChat(runCtx, chatID, minID, maxID, !ctx.Bool("no-resume"))
			if err != nil {
				return err
			}
			fmt.Printf("Synced chat %d up to message %d\n", chatID, lastID)
			return nil
		})
	},
}

var saveCommand = &cli.Command{
	Name:      "save",
	Usage:     "Download pending attachments for one chat",
	ArgsUsage: "<chat_id> <photo|document>",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 2 {
			return fmt.Errorf("usage: save <chat_id> <photo|document>")
		}
		chatID, err := strconv.ParseInt(ctx.Args().Get(0), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid chat id: %w", err)
		}
		kind := mirror.MediaKind(ctx.Args().Get(1))
		if kind != mirror.MediaPhoto && kind != mirror.MediaDocument {
			return fmt.Errorf("invalid media kind %q", ctx.Args().Get(1))
		}
		return withMirror(ctx, func(runCtx context.Context, m *mirror.Mirror) error {
			return m.SaveAll(runCtx, chatID, kind)
		})
	},
}

var linkCommand = &cli.Command{
	Name:  "link",
	Usage: "Publish saved attachments into per-chat link directories",
	Action: func(ctx *cli.Context) error {
		return withMirror(ctx, func(runCtx context.Context, m *mirror.Mirror) error {
			return m.LinkPending(runCtx)
		})
	},
}

var codesCommand = &cli.Command{
	Name:      "codes",
	Usage:     "Scan a text file for file codes and retrieve them via bots",
	ArgsUsage: "[file]",
	Action: func(ctx *cli.Context) error {
		return withMirror(ctx, func(runCtx context.Context, m *mirror.Mirror) error {
			if ctx.NArg() > 0 {
				data, err := os.ReadFile(ctx.Args().First())
				if err != nil {
					return fmt.Errorf("failed to read code file: %w", err)
				}
				if err = m.ScanFileCodes(runCtx, string(data)); err != nil {
					return err
				}
			}
			return m.RetrieveFiles(runCtx)
		})
	},
}

func parseSyncArgs(ctx *cli.Context) (chatID, minID, maxID int64, err error) {
	if ctx.NArg() < 1 || ctx.NArg() > 3 {
		return 0, 0, 0, fmt.Errorf("usage: sync <chat_id> [min_id] [max_id]")
	}
	args := []*int64{&chatID, &minID, &maxID}
	for i := 0; i < ctx.NArg(); i++ {
		*args[i], err = strconv.ParseInt(ctx.Args().Get(i), 10, 64)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("invalid argument %q: %w", ctx.Args().Get(i), err)
		}
	}
	return chatID, minID, maxID, nil
}
