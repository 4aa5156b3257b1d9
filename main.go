package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"text/tabwriter"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/xshayank/VpnMarket-sub001/config"
	"github.com/xshayank/VpnMarket-sub001/database"
	"github.com/xshayank/VpnMarket-sub001/database/model"
	"github.com/xshayank/VpnMarket-sub001/logger"
	"github.com/xshayank/VpnMarket-sub001/provider"
	"github.com/xshayank/VpnMarket-sub001/util/common"
	redisutil "github.com/xshayank/VpnMarket-sub001/util/redis"
	"github.com/xshayank/VpnMarket-sub001/web"
	"github.com/xshayank/VpnMarket-sub001/web/service"
)

func initLogger() {
	level, err := logger.ParseLevel(config.GetLogLevel())
	if err != nil {
		log.Fatal(err)
	}
	logger.InitLogger(level)
}

func initStores() error {
	if err := database.InitDBWithConfig(config.GetDefaultDatabaseConfig()); err != nil {
		return err
	}
	return redisutil.Init(config.GetRedisAddr())
}

func closeStores() {
	if err := redisutil.Close(); err != nil {
		logger.Warning("close redis:", err)
	}
	if err := database.CloseDB(); err != nil {
		logger.Warning("close database:", err)
	}
}

func runWebServer() {
	log.Printf("%v %v", config.GetName(), config.GetVersion())
	initLogger()
	if err := initStores(); err != nil {
		log.Fatal(err)
	}
	defer closeStores()

	registry := provider.DefaultRegistry()
	server := web.NewServer(registry)
	if err := server.Start(); err != nil {
		log.Println(err)
		return
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	for {
		sig := <-sigCh

		switch sig {
		case syscall.SIGHUP:
			// reload settings by restarting the server and its schedule
			if err := server.Stop(); err != nil {
				logger.Warning("stop server err:", err)
			}
			server = web.NewServer(registry)
			if err := server.Start(); err != nil {
				log.Println(err)
				return
			}
		default:
			if err := server.Stop(); err != nil {
				logger.Warning("stop server err:", err)
			}
			return
		}
	}
}

// withEngine opens the stores, builds an engine from the stored settings and runs fn
// until it returns or the process is interrupted.
func withEngine(fn func(ctx context.Context, e *service.Engine) error) error {
	initLogger()
	if err := initStores(); err != nil {
		return err
	}
	defer closeStores()

	e, err := service.NewEngineFromSettings(provider.DefaultRegistry())
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return fn(ctx, e)
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
}

func printSync(summary *service.SyncSummary) {
	w := newTable()
	fmt.Fprintln(w, "RESELLER\tUSED\tFAILED READS\tSUSPENDED\tOVERRUN\tERROR")
	for _, res := range summary.Resellers {
		used, failures := "-", 0
		if res.Usage != nil {
			used = common.FormatTraffic(res.Usage.EffectiveUsedBytes)
			failures = res.Usage.Failures
		}
		suspended, overrun := false, 0
		if res.Enforcement != nil {
			suspended = res.Enforcement.Suspended
			overrun = len(res.Enforcement.OverrunConfigs)
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%t\t%d\t%s\n", res.ResellerId, used, failures, suspended, overrun, res.Error)
	}
	w.Flush()
	fmt.Printf("run %s: %d resellers, %d failed\n", summary.RunId, len(summary.Resellers), summary.Failures)
}

func printCharges(outcomes []service.ChargeOutcome) {
	w := newTable()
	fmt.Fprintln(w, "RESELLER\tSTATUS\tREASON\tDELTA\tCOST\tBALANCE\tSUSPENDED\tERROR")
	for _, o := range outcomes {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			o.ResellerId, o.Status, o.Reason, common.FormatTraffic(o.DeltaBytes),
			o.Cost, o.BalanceAfter, o.Suspended, o.Error)
	}
	w.Flush()
}

func printReports(reports []*service.ReactivationReport) {
	if len(reports) == 0 {
		fmt.Println("nothing to reactivate")
		return
	}
	w := newTable()
	fmt.Fprintln(w, "RESELLER\tREASON\tSTATUS\tRESTORED\tMATCHED\tENABLED\tFAILED\tSTILL SUSPENDED")
	for _, r := range reports {
		fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%d\t%d\t%d\t%d\n",
			r.ResellerId, r.Reason, r.Status, r.ResellerRestored, r.Matched, r.Enabled, r.Failed, r.StillSuspended)
	}
	w.Flush()
}

func showSettings() error {
	if err := database.InitDBWithConfig(config.GetDefaultDatabaseConfig()); err != nil {
		return err
	}
	defer database.CloseDB()

	settingService := service.SettingService{}
	all, err := settingService.GetAllSettings()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w := newTable()
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%s\n", k, all[k])
	}
	return w.Flush()
}

func updateSetting(key, value string) error {
	if err := database.InitDBWithConfig(config.GetDefaultDatabaseConfig()); err != nil {
		return err
	}
	defer database.CloseDB()

	settingService := service.SettingService{}
	if err := settingService.SetSetting(key, value); err != nil {
		return err
	}
	fmt.Printf("%s = %s\n", key, value)
	return nil
}

func resetSetting() error {
	if err := database.InitDBWithConfig(config.GetDefaultDatabaseConfig()); err != nil {
		return err
	}
	defer database.CloseDB()

	settingService := service.SettingService{}
	if err := settingService.ResetSettings(); err != nil {
		return fmt.Errorf("reset setting failed: %w", err)
	}
	fmt.Println("reset setting success")
	return nil
}

func main() {
	if err := config.LoadEnvFile(os.Getenv("VPNMARKET_ENV_FILE")); err != nil {
		log.Fatal(err)
	}

	var rootCmd = &cobra.Command{
		Use:          config.GetName(),
		Short:        "Reseller usage aggregation and suspension engine",
		SilenceUsage: true,
	}

	var runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the API server and the scheduled jobs",
		Run: func(cmd *cobra.Command, args []string) {
			runWebServer()
		},
	}

	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(config.GetVersion())
		},
	}

	var usageSyncCmd = &cobra.Command{
		Use:   "usage-sync",
		Short: "Aggregate usage and enforce quotas once",
		RunE: func(cmd *cobra.Command, args []string) error {
			resellerId, _ := cmd.Flags().GetInt("reseller")
			return withEngine(func(ctx context.Context, e *service.Engine) error {
				if resellerId > 0 {
					res, err := e.SyncReseller(ctx, resellerId)
					if err != nil {
						return err
					}
					printSync(&service.SyncSummary{RunId: "-", Resellers: []service.ResellerSyncResult{res}})
					return nil
				}
				summary, err := e.RunUsageSync(ctx)
				if err != nil {
					return err
				}
				printSync(summary)
				return nil
			})
		},
	}
	usageSyncCmd.Flags().Int("reseller", 0, "sync only this reseller")

	var chargeCmd = &cobra.Command{
		Use:   "charge",
		Short: "Charge wallet resellers for usage since their last snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			resellerId, _ := cmd.Flags().GetInt("reseller")
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			force, _ := cmd.Flags().GetBool("force")
			return withEngine(func(ctx context.Context, e *service.Engine) error {
				opts := service.ChargeOptions{DryRun: dryRun, Force: force, Source: "cli"}
				if resellerId > 0 {
					printCharges([]service.ChargeOutcome{e.Wallet.Charge(ctx, resellerId, opts)})
					return nil
				}
				outcomes, err := e.Wallet.ChargeAll(ctx, opts)
				if err != nil {
					return err
				}
				printCharges(outcomes)
				return nil
			})
		},
	}
	chargeCmd.Flags().Int("reseller", 0, "charge only this reseller")
	chargeCmd.Flags().Bool("dry-run", false, "compute the charge without writing anything")
	chargeCmd.Flags().Bool("force", false, "bypass the idempotency checks")

	var reenableCmd = &cobra.Command{
		Use:   "reenable",
		Short: "Re-enable configs whose suspension condition has cleared",
		RunE: func(cmd *cobra.Command, args []string) error {
			resellerId, _ := cmd.Flags().GetInt("reseller")
			reasonTag, _ := cmd.Flags().GetString("reason")
			force, _ := cmd.Flags().GetBool("force")
			var reason model.SuspensionReason
			if reasonTag != "" {
				r, ok := model.ParseSuspensionReason(reasonTag)
				if !ok {
					return fmt.Errorf("unknown reason %q", reasonTag)
				}
				reason = r
			}
			return withEngine(func(ctx context.Context, e *service.Engine) error {
				reports, err := e.RunReenable(ctx, resellerId, reason, force)
				if err != nil {
					return err
				}
				printReports(reports)
				return nil
			})
		},
	}
	reenableCmd.Flags().Int("reseller", 0, "reseller id, 0 for all")
	reenableCmd.Flags().String("reason", "", "reason tag, empty for all")
	reenableCmd.Flags().Bool("force", false, "skip the condition check")

	var signalCmd = &cobra.Command{
		Use:   "signal <reseller> <wallet_topup|window_extended|quota_reset|manual_reactivate>",
		Short: "Apply an operator signal to a reseller",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resellerId, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid reseller id %q", args[0])
			}
			sig, ok := service.ParseOperatorSignal(args[1])
			if !ok {
				return fmt.Errorf("unknown signal %q", args[1])
			}
			return withEngine(func(ctx context.Context, e *service.Engine) error {
				reports, err := e.OnOperatorSignal(ctx, resellerId, sig)
				if err != nil {
					return err
				}
				printReports(reports)
				return nil
			})
		},
	}

	var topUpCmd = &cobra.Command{
		Use:   "topup <reseller> <amount>",
		Short: "Credit a wallet reseller and reactivate it when the balance allows",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resellerId, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid reseller id %q", args[0])
			}
			amount, err := decimal.NewFromString(args[1])
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[1], err)
			}
			return withEngine(func(ctx context.Context, e *service.Engine) error {
				balance, err := e.Wallet.TopUp(resellerId, amount, "cli")
				if err != nil {
					return err
				}
				fmt.Println("balance:", balance)
				reports, err := e.OnOperatorSignal(ctx, resellerId, service.SignalWalletTopUp)
				if err != nil {
					return err
				}
				printReports(reports)
				return nil
			})
		},
	}

	var settingCmd = &cobra.Command{
		Use:   "setting",
		Short: "Show or change engine settings",
	}

	var showCmd = &cobra.Command{
		Use:   "show",
		Short: "Show all settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showSettings()
		},
	}

	var setCmd = &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set one setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return updateSetting(args[0], args[1])
		},
	}

	var resetCmd = &cobra.Command{
		Use:   "reset",
		Short: "Reset all settings to their defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			return resetSetting()
		},
	}

	settingCmd.AddCommand(showCmd, setCmd, resetCmd)

	rootCmd.AddCommand(runCmd, versionCmd, usageSyncCmd, chargeCmd, reenableCmd, signalCmd, topUpCmd, settingCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
