package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/meshspy/dashboard/internal/actions"
	"github.com/meshspy/dashboard/internal/api"
	"github.com/meshspy/dashboard/internal/app"
	"github.com/meshspy/dashboard/internal/config"
	"github.com/meshspy/dashboard/internal/node"
)

var (
	configDir string
	wifiReq   api.WifiRequest
	wifiOut   string

	rootCmd = &cobra.Command{
		Use:           "meshspy-dashboard",
		Short:         "Live map and control panel for a MeshSpy mesh network",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Poll the backend and serve the dashboard",
		RunE:  runServe,
	}

	nodesCmd = &cobra.Command{
		Use:   "nodes",
		Short: "Fetch the node list once and print it",
		RunE:  runNodes,
	}

	wifiCmd = &cobra.Command{
		Use:   "wifi-config",
		Short: "Generate a device WiFi/MQTT configuration file",
		RunE:  runWifiConfig,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "meshspy-dashboard %s (built %s)\n", Version, BuildDate)
		},
	}
)

func init() {
	cwd, _ := os.Getwd()

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configDir, "config-dir", cwd, "directory holding "+config.FileName)
	pf.String("api", "", "backend base URL (default derived from --listen)")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	must(viper.BindPFlag("api.baseUrl", pf.Lookup("api")))
	must(viper.BindPFlag("logLevel", pf.Lookup("log-level")))

	serveCmd.Flags().String("listen", "", "dashboard listen address")
	serveCmd.Flags().Duration("interval", 0, "poll interval")
	must(viper.BindPFlag("server.listen", serveCmd.Flags().Lookup("listen")))
	must(viper.BindPFlag("poll.interval", serveCmd.Flags().Lookup("interval")))

	wf := wifiCmd.Flags()
	wf.StringVar(&wifiReq.SSID, "ssid", "", "WiFi network name")
	wf.StringVar(&wifiReq.Password, "password", "", "WiFi password")
	wf.StringVar(&wifiReq.MQTTHost, "mqtt-host", "", "MQTT broker host")
	wf.StringVar(&wifiReq.MQTTUser, "mqtt-user", "", "MQTT user")
	wf.StringVar(&wifiReq.MQTTPass, "mqtt-pass", "", "MQTT password")
	wf.StringVarP(&wifiOut, "out", "o", actions.WifiFilename, "output file")

	rootCmd.AddCommand(serveCmd, nodesCmd, wifiCmd, versionCmd)
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, app.Options{ConfigDir: configDir, Version: Version})
	if err != nil {
		return err
	}
	defer a.Close()

	a.Logger().Info("Starting MeshSpy dashboard", "version", Version, "buildDate", BuildDate)
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.Logger().Info("MeshSpy dashboard stopped")
	return nil
}

// backend loads the config and builds a backend client for one-shot commands.
func backend() (*api.Client, error) {
	if err := config.Load(configDir); err != nil && !errors.Is(err, config.ErrNotFound) {
		return nil, err
	}
	cfg := config.GetAPIConfig()
	return api.New(cfg.BaseURL,
		api.WithNodesPath(cfg.NodesPath),
		api.WithRequestLocationPath(cfg.RequestLocationPath),
		api.WithTimeout(cfg.Timeout),
	), nil
}

func runNodes(cmd *cobra.Command, args []string) error {
	client, err := backend()
	if err != nil {
		return err
	}
	records, err := client.FetchNodes(cmd.Context())
	if err != nil {
		return err
	}
	res := node.Normalize(records)

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPOSITION\tSTATUS")
	for _, n := range res.Nodes {
		pos := "-"
		if p, ok := n.Position(); ok {
			pos = fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lng)
		}
		status := "online"
		if n.IsOffline() {
			status = "offline"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", n.ID, n.Name, pos, status)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	c := node.Count(res.Nodes)
	fmt.Fprintf(cmd.OutOrStdout(), "\n%d nodes, %d with position, %d offline, %d malformed\n",
		c.Total, c.WithPosition, c.Offline, len(res.Dropped))
	return nil
}

func runWifiConfig(cmd *cobra.Command, args []string) error {
	if err := validator.New().Struct(wifiReq); err != nil {
		return fmt.Errorf("%w: %v", actions.ErrInvalidParams, err)
	}
	client, err := backend()
	if err != nil {
		return err
	}
	content, err := client.WifiConfig(cmd.Context(), wifiReq)
	if err != nil {
		return err
	}
	if err := actions.CheckYAML(content); err != nil {
		return err
	}

	out, err := filepath.Abs(wifiOut)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, content, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wifi config for %s saved to %s\n", wifiReq.SSID, out)
	return nil
}
