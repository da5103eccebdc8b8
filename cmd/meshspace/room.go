package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/meshspace/meshspace/internal/config"
	"github.com/meshspace/meshspace/internal/persist"
)

var flagRoomDB string

var createRoomCmd = &cobra.Command{
	Use:   "create-room <room-id>",
	Short: "Register a room in durable storage",
	Long: `Register a room so its text boards persist. Rooms can always be joined
over the relay; only registered rooms keep their documents after the
last participant leaves.

Examples:
  meshspace create-room demo
  meshspace create-room demo --db /var/lib/meshspace/rooms.db`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return createRoom(args[0])
	},
}

func init() {
	rootCmd.AddCommand(createRoomCmd)
	createRoomCmd.Flags().StringVar(&flagRoomDB, "db", "", "SQLite database path")
}

func createRoom(roomID string) error {
	cfg, err := config.Load(config.Options{DatabasePath: flagRoomDB})
	if err != nil {
		return err
	}

	store, err := persist.Open(persist.Config{
		Path:   cfg.DatabasePath,
		Logger: slog.New(slog.DiscardHandler),
	})
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.CreateRoom(context.Background(), roomID); err != nil {
		return err
	}
	fmt.Printf("Room %q registered in %s\n", roomID, cfg.DatabasePath)
	return nil
}
