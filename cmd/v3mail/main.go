package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/stlalpha/v3mail/internal/logging"
	"github.com/stlalpha/v3mail/internal/tosser"
)

var (
	configDir string
	debug     bool
	quiet     bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "v3mail",
	Short:         "FidoNet BSO scanner/tosser",
	Version:       tosser.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(debug)
		if !quiet {
			printHeader()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "configs", "Config directory")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress summaries")

	rootCmd.AddCommand(tossCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(ticCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCmd)

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		cmd.PrintErrln(bullet(err.Error()))
		return err
	})
}

const (
	clrReset   = "\033[0m"
	clrCyan    = "\033[36m"
	clrMagenta = "\033[35m"
	clrRed     = "\033[31m"
	clrBold    = "\033[1m"
	separator  = "────────────────────────────────────────────────────────────────────────────"
)

// colour returns code when stderr is a terminal, else "".
func colour(code string) string {
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return code
	}
	return ""
}

func printHeader() {
	fmt.Fprintf(os.Stderr, "%sv3mail FTN Tosser v%s (%s/%s)%s\n",
		colour(clrBold), tosser.Version, runtime.GOOS, runtime.GOARCH, colour(clrReset))
	fmt.Fprintln(os.Stderr, separator)
}

func bullet(msg string) string {
	return fmt.Sprintf("%s■%s  %s%s%s", colour(clrMagenta), colour(clrReset), colour(clrCyan), msg, colour(clrReset))
}

// fail prints err as a red bullet and returns it for cobra's exit status.
func fail(err error) error {
	fmt.Fprintf(os.Stderr, "%s■%s  %sError: %v%s\n", colour(clrRed), colour(clrReset), colour(clrBold), err, colour(clrReset))
	return err
}

// summary prints a run summary line to stdout unless --quiet.
func summary(format string, args ...any) {
	if quiet {
		return
	}
	fmt.Println(bullet(fmt.Sprintf(format, args...)))
}
