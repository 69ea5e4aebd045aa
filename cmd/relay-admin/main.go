package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/relaychat/relay/config"
	"github.com/relaychat/relay/globals"
	"github.com/relaychat/relay/persistence"
)

// A very simple CLI tool for the administration of relay rooms and messages.

var (
	configPath   = pflag.StringP("config", "c", "", "path to config file or directory")
	historyLimit = pflag.Int("limit", 50, "number of history entries to show")
)

func main() {
	log.SetFlags(0)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)

	go func() {
		<-c
		log.Fatal("interrupted!")
	}()

	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)

	pflag.Parse()

	globalConfig, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}

	if globalConfig.LogLevel != "" {
		globals.AppLogger.SetLevel(hclog.LevelFromString(globalConfig.LogLevel))
	}

	persister, err := persistence.NewPersister(globalConfig)
	if err != nil {
		panic(err)
	}
	if persister == nil {
		panic("no persistence configured")
	}
	defer persister.Close()

	var cmdShow = &cobra.Command{
		Use:   "show",
		Short: "Show history or message owner",
		Long:  `show is for printing stored chat data.`,
		Args:  cobra.MinimumNArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}
	var cmdShowHistory = &cobra.Command{
		Use:   "history [room]",
		Short: "Show room history",
		Long:  `show history prints the most recent messages of the given room in chronological order.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			history, err := persister.RoomHistory(args[0], *historyLimit)
			if err != nil {
				globals.AppLogger.Error("could not get history", "error", err)
				return
			}
			h, err := json.Marshal(history)
			if err != nil {
				globals.AppLogger.Error("could not marshal history", "error", err)
				return
			}
			fmt.Println(string(h))
		},
	}
	var cmdShowOwner = &cobra.Command{
		Use:   "owner [message id]",
		Short: "Show message owner",
		Long:  `show owner prints the identity that authored the message with the given id.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			owner, err := persister.FindMessageOwner(args[0])
			if err != nil {
				globals.AppLogger.Error("could not get message owner", "error", err)
				return
			}
			o, err := json.Marshal(owner)
			if err != nil {
				globals.AppLogger.Error("could not marshal owner", "error", err)
				return
			}
			fmt.Println(string(o))
		},
	}
	var cmdSet = &cobra.Command{
		Use:   "set",
		Short: "update a message",
		Long:  `set updates stored chat data.`,
		Args:  cobra.MinimumNArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}
	var cmdSetMessage = &cobra.Command{
		Use:   "message [message id] [content]",
		Short: "Replace message content",
		Long:  `set message replaces the content of the message with the given id.`,
		Args:  cobra.MinimumNArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			msg, err := persister.EditMessage(args[0], args[1])
			if err != nil {
				globals.AppLogger.Error("could not edit message", "error", err)
				return
			}
			m, err := json.Marshal(msg)
			if err != nil {
				globals.AppLogger.Error("could not marshal message", "error", err)
				return
			}
			fmt.Println(string(m))
		},
	}
	var cmdDelete = &cobra.Command{
		Use:   "delete",
		Short: "delete a message",
		Long:  `delete removes stored chat data.`,
		Args:  cobra.MinimumNArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}
	var cmdDeleteMessage = &cobra.Command{
		Use:   "message [message id]",
		Short: "Delete message",
		Long:  `delete message removes the message with the given id.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := persister.DeleteMessage(args[0]); err != nil {
				globals.AppLogger.Error("could not delete message", "error", err)
				return
			}
		},
	}

	var rootCmd = &cobra.Command{Use: "relay-admin"}
	rootCmd.AddCommand(cmdShow, cmdSet, cmdDelete)
	cmdShow.AddCommand(cmdShowHistory, cmdShowOwner)
	cmdSet.AddCommand(cmdSetMessage)
	cmdDelete.AddCommand(cmdDeleteMessage)
	if err := rootCmd.Execute(); err != nil {
		globals.AppLogger.Error("could not execute command", "error", err)
	}
}
