// Curio serves the Curio science tutoring chatbot and inspects stored conversations.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "Curio",
	Short: "Inquiry-based science tutor for children",
	Long: "Curio runs a conversational tutor that guides a child through observing a picture,\n" +
		"asking questions about it and reflecting on what they learned.",
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		initializeLogger(logLevel)
	},
}

var (
	stateDirFlag string
	dsnFlag      string
	logLevel     string
)

func init() {
	addCommonFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.Version = version
}

func addCommonFlags(f *pflag.FlagSet) {
	f.StringVar(&stateDirFlag, "state-dir", "", "state directory (overrides $CURIO_STATE_DIR)")
	f.StringVar(&dsnFlag, "db-dsn", "", "database DSN; PostgreSQL URL or SQLite path (overrides $DATABASE_URL)")
	f.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error (overrides $CURIO_LOG_LEVEL)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initializeLogger installs a text handler on stdout. An empty level falls back to
// CURIO_LOG_LEVEL and then to info.
func initializeLogger(level string) {
	if level == "" {
		level = os.Getenv("CURIO_LOG_LEVEL")
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
