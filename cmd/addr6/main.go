package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/codelaboratoryltd/addr6/pkg/addrmgr"
	"github.com/codelaboratoryltd/addr6/pkg/audit"
	"github.com/codelaboratoryltd/addr6/pkg/duid"
	"github.com/codelaboratoryltd/addr6/pkg/ifinfo"
	"github.com/codelaboratoryltd/addr6/pkg/metrics"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "addr6",
	Short: "DHCPv6 lease database tool",
	Long: `addr6 - inspect and maintain the DHCPv6 lease database.

The database is the plain-text snapshot a DHCPv6 node writes between
restarts: clients keyed by DUID, their identity associations and the
addresses and prefixes delegated to them.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the lease database",
	RunE:  runShow,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Load the database and reconcile it against the system interfaces",
	RunE:  runCheck,
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Write a sample lease database",
	RunE:  runDemo,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("addr6 %s (commit: %s)\n", version, commit)
	},
}

var (
	dbPath      string
	configFile  string
	logLevel    string
	metricsAddr string
	journalPath string
	nodeID      string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "addr6.db", "Lease database path")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "addr6.yaml", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	checkCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address until interrupted")

	demoCmd.Flags().StringVar(&journalPath, "journal", "", "Record demo events to this JSON-lines journal")
	demoCmd.Flags().StringVar(&nodeID, "node-id", "demo", "Node ID recorded in journal events")

	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(versionCmd)
}

func runShow(cmd *cobra.Command, args []string) error {
	logger, err := initLogger(logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := loadConfigFile(cmd, logger); err != nil {
		return err
	}

	cfg := addrmgr.DefaultConfig()
	cfg.DBPath = dbPath
	mgr := addrmgr.New(cfg, logger)
	if err := mgr.Load(); err != nil {
		return err
	}

	now := time.Now().Unix()
	fmt.Printf("%d client(s), replay detection %d\n", mgr.CountClients(), mgr.ReplayDetection())
	for _, c := range mgr.Clients() {
		fmt.Printf("\nclient %s\n", c.DUID.Describe())
		printAssignments(c.IA, now)
		printAssignments(c.TA, now)
		printAssignments(c.PD, now)
	}
	return nil
}

func printAssignments(list []*addrmgr.Assignment, now int64) {
	for _, a := range list {
		fmt.Printf("  %s iaid=%d iface=%s/%d T1=%d T2=%d state=%s\n",
			a.Type, a.IAID, a.Ifacename, a.Ifindex, a.T1, a.T2, a.State)
		for _, l := range a.Leases {
			fmt.Printf("    %s/%d pref=%ds valid=%ds\n",
				l.Addr, l.Length, l.PrefTimeout(now), l.ValidTimeout(now))
		}
	}
}

func runCheck(cmd *cobra.Command, args []string) error {
	logger, err := initLogger(logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := loadConfigFile(cmd, logger); err != nil {
		return err
	}

	cfg := addrmgr.DefaultConfig()
	cfg.DBPath = dbPath
	mgr := addrmgr.New(cfg, logger)
	if err := mgr.Load(); err != nil {
		return err
	}

	tables, err := ifinfo.Current()
	if err != nil {
		return err
	}
	if !mgr.UpdateInterfacesInfo(tables.NameToIndex, tables.IndexToName) {
		return fmt.Errorf("lease database refers to interfaces that no longer exist")
	}
	logger.Info("lease database consistent with system interfaces",
		zap.Int("clients", mgr.CountClients()))

	if metricsAddr == "" {
		return nil
	}

	m := metrics.New(mgr, logger)
	if err := m.Register(); err != nil {
		return err
	}
	m.Collect()

	stopCh := make(chan struct{})
	go m.StartCollector(15*time.Second, stopCh)

	http.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: metricsAddr}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", metricsAddr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	close(stopCh)
	return srv.Close()
}

func runDemo(cmd *cobra.Command, args []string) error {
	logger, err := initLogger(logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := loadConfigFile(cmd, logger); err != nil {
		return err
	}

	var journal *audit.Journal
	if journalPath != "" {
		jcfg := audit.DefaultConfig()
		jcfg.Path = journalPath
		jcfg.NodeID = nodeID
		jcfg.SyncWrites = true
		journal = audit.NewJournal(jcfg, logger)
		if err := journal.Start(); err != nil {
			return err
		}
		defer journal.Stop()
	}

	cfg := addrmgr.DefaultConfig()
	cfg.DBPath = dbPath
	mgr := addrmgr.New(cfg, logger)

	type lease struct {
		duid  string
		iaid  uint32
		addr  string
		pd    bool
		plen  uint8
		pref  uint32
		valid uint32
	}
	samples := []lease{
		{"00:01:00:01:de:ad:be:ef:00:0c:29:aa:bb:cc", 1, "2001:db8::1001", false, 128, 3600, 7200},
		{"00:01:00:01:de:ad:be:ef:00:0c:29:aa:bb:cc", 2, "2001:db8:ff00::", true, 56, 3600, 7200},
		{"00:03:00:01:02:42:ac:11:00:02", 1, "2001:db8::1002", false, 128, 1800, 3600},
	}

	for _, s := range samples {
		d, err := duid.Parse(s.duid)
		if err != nil {
			return err
		}
		p := addrmgr.LeaseParams{
			ClientDUID: d,
			Ifacename:  "eth0",
			Ifindex:    2,
			IAID:       s.iaid,
			T1:         1000,
			T2:         2000,
			Addr:       net.ParseIP(s.addr),
			Pref:       s.pref,
			Valid:      s.valid,
			Length:     s.plen,
		}
		var ok bool
		iaType := "IA"
		if s.pd {
			ok = mgr.AddPrefix(p)
			iaType = "PD"
		} else {
			ok = mgr.AddAddress(p)
		}
		if !ok {
			return fmt.Errorf("demo lease %s not accepted", s.addr)
		}
		if journal != nil {
			journal.Record(&audit.Event{
				Type:       audit.EventLeaseAdded,
				ClientDUID: d.String(),
				IAType:     iaType,
				IAID:       s.iaid,
				Addr:       s.addr,
				Length:     s.plen,
				Pref:       s.pref,
				Valid:      s.valid,
				Iface:      "eth0",
			})
		}
	}
	mgr.NextReplayDetectionValue()

	if err := mgr.Dump(); err != nil {
		return err
	}
	if journal != nil {
		journal.Record(&audit.Event{
			Type:    audit.EventDatabaseSaved,
			Clients: mgr.CountClients(),
			Path:    dbPath,
		})
	}
	logger.Info("sample lease database written",
		zap.String("path", dbPath),
		zap.Int("clients", mgr.CountClients()))
	return nil
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	config := zap.NewProductionConfig()
	config.Level = zapLevel
	config.Encoding = "json"

	return config.Build()
}

// loadConfigFile reads a YAML config file and applies values to unset flags.
// CLI flags take precedence over config file values.
func loadConfigFile(cmd *cobra.Command, logger *zap.Logger) error {
	data, err := os.ReadFile(configFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg map[string]string
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", configFile, err)
	}

	logger.Info("Loaded config file", zap.String("path", configFile), zap.Int("keys", len(cfg)))

	for key, val := range cfg {
		f := cmd.Flags().Lookup(key)
		if f == nil {
			logger.Warn("Unknown config key, skipping", zap.String("key", key))
			continue
		}
		if cmd.Flags().Changed(key) {
			continue
		}
		if err := cmd.Flags().Set(key, val); err != nil {
			logger.Warn("Failed to set config value",
				zap.String("key", key),
				zap.String("value", val),
				zap.Error(err),
			)
		}
	}

	return nil
}
