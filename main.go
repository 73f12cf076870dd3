package main

import (
	"fmt"
	"os"

	config "lunchrun/app/configs"

	"github.com/spf13/cobra"
)

const version = "0.3.0"

var (
	configPath string
	withCLI    bool
	resumeID   string
	taskStatus string
	taskLimit  int
)

var rootCmd = &cobra.Command{
	Use:   "lunchrun",
	Short: "LunchRun - group food order assistant",
	Long: `LunchRun plans a group food order in conversation: it finds shops,
opens an order form, and tallies the responses at the deadline.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and run scheduled tallies",
	RunE:  runServe,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the assistant in this terminal",
	RunE:  runChat,
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the assistant as MCP tools over stdio",
	RunE:  runMCP,
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and manage scheduled tallies",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled tallies as JSON",
	RunE:  runTasksList,
}

var tasksCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a pending tally",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksCancel,
}

var tasksRunDueCmd = &cobra.Command{
	Use:   "run-due",
	Short: "Recover stale claims and run every due tally once",
	RunE:  runTasksRunDue,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "Path to config file")

	serveCmd.Flags().BoolVar(&withCLI, "cli", false, "Also attach an interactive terminal session")
	rootCmd.Flags().BoolVar(&withCLI, "cli", false, "Also attach an interactive terminal session")
	chatCmd.Flags().StringVar(&resumeID, "resume", "", "Continue an existing conversation id")

	tasksListCmd.Flags().StringVar(&taskStatus, "status", "", "Filter by status (pending, in_progress, executed, failed, cancelled)")
	tasksListCmd.Flags().IntVar(&taskLimit, "limit", 20, "Maximum tasks to list")

	tasksCmd.AddCommand(tasksListCmd, tasksCancelCmd, tasksRunDueCmd)
	rootCmd.AddCommand(serveCmd, chatCmd, mcpCmd, tasksCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
