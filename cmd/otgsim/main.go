// Command otgsim drives the OTG device driver against the simulated core.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ardnew/otgusb/internal/config"
	"github.com/ardnew/otgusb/pkg"
	"github.com/ardnew/otgusb/pkg/prof"
)

var configFile string
var verbose bool

var rootCmd = &cobra.Command{
	Use:   "otgsim",
	Short: "Run the OTG device driver on a simulated core",
	Long: `otgsim brings the device-mode driver up on a simulated DWC2 core,
enumerates it from a simulated host and runs a loopback exchange.`,
	SilenceUsage: true,
}

// loadConfig reads the configuration file, if any, and applies its log
// settings.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if configFile != "" {
		var err error
		if cfg, err = config.Load(configFile); err != nil {
			return config.Config{}, err
		}
	}
	level, err := cfg.Level()
	if err != nil {
		return config.Config{}, err
	}
	format, err := cfg.Format()
	if err != nil {
		return config.Config{}, err
	}
	if verbose {
		level = min(level, slog.LevelDebug)
	}
	pkg.SetLogLevel(level)
	pkg.SetLogFormat(format)
	pkg.LogDebug(pkg.ComponentCLI, "config loaded", "file", configFile)
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file (TOML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	run := &cobra.Command{
		Use:   "run",
		Short: "Enumerate the device and run the loopback exchange",
		Args:  cobra.NoArgs,
		RunE:  runLoopback,
	}
	run.Flags().StringVar(&traceFile, "trace", "", "Write a CBOR trace of the session to this file")
	run.Flags().IntVar(&traceLimit, "trace-limit", 0, "Maximum number of trace records (0 keeps all)")
	run.Flags().IntVarP(&packets, "packets", "n", -1, "Override the number of loopback packets")
	run.Flags().StringVar(&profiling.CPU, "cpuprofile", "", "Write a CPU profile to this file")
	run.Flags().StringVar(&profiling.Heap, "memprofile", "", "Write a heap profile to this file")
	run.Flags().StringVar(&profiling.Mutex, "mutexprofile", "", "Write a mutex contention profile to this file")
	run.Flags().StringVar(&profiling.HTTP, "pprof", "", "Serve /debug/pprof/ on this address during the run")
	if !prof.Enabled {
		for _, name := range []string{"cpuprofile", "memprofile", "mutexprofile", "pprof"} {
			run.Flags().Lookup(name).Hidden = true
		}
	}
	rootCmd.AddCommand(run)

	fifo := &cobra.Command{
		Use:   "fifo",
		Short: "Show the transmit FIFO layout of the configured endpoints",
		Args:  cobra.NoArgs,
		RunE:  showLayout,
	}
	rootCmd.AddCommand(fifo)

	traceCmd := &cobra.Command{
		Use:   "trace <file>",
		Short: "Summarise a recorded trace",
		Args:  cobra.ExactArgs(1),
		RunE:  showTrace,
	}
	traceCmd.Flags().BoolVar(&listRecords, "records", false, "List every record")
	rootCmd.AddCommand(traceCmd)

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE:  dumpConfig,
	}
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
