package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"fastcon-bridge/internal/controller"
	"fastcon-bridge/internal/store"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Wake lights and list what answers, without pairing",
	Long: `Broadcast the wake command for the discovery window and print every light
that answered. Nothing is paired and the configured store is not touched.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	tmp, err := os.MkdirTemp("", "fastcon-scan-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)
	db, err := store.NewBoltStore(filepath.Join(tmp, "scan.db"))
	if err != nil {
		return fmt.Errorf("open scratch store: %w", err)
	}
	defer db.Close()

	r, err := openRadio(cmd.Context(), cfg, logger)
	if err != nil {
		return fmt.Errorf("open radio: %w", err)
	}
	defer r.Close()

	ccfg := cfg.controllerConfig()
	ccfg.PersistKey = false
	ctrl, err := controller.New(r, db, controller.NewEventBus(logger), ccfg, logger.With("component", "controller"))
	if err != nil {
		return err
	}
	defer ctrl.Stop()

	fmt.Fprintf(cmd.ErrOrStderr(), "Scanning for %s...\n", ccfg.DiscoveryWindow)
	n, err := ctrl.Discover(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if n == 0 {
		fmt.Fprintln(out, "No lights found.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tID\tADDRESS\tTYPE\tCODE\tRSSI")
	for _, d := range ctrl.Lights() {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\n", d.Order+1, d.ID, d.Address, d.Type, d.TypeCode, d.RSSI)
	}
	return tw.Flush()
}
