// Package main provides the eos-connect entry point and CLI interface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devskill-org/eos-connect/internal/battery"
	"github.com/devskill-org/eos-connect/internal/config"
	"github.com/devskill-org/eos-connect/internal/control"
	"github.com/devskill-org/eos-connect/internal/eos"
	"github.com/devskill-org/eos-connect/internal/evcc"
	"github.com/devskill-org/eos-connect/internal/httpapi"
	"github.com/devskill-org/eos-connect/internal/inverter"
	"github.com/devskill-org/eos-connect/internal/load"
	"github.com/devskill-org/eos-connect/internal/price"
	"github.com/devskill-org/eos-connect/internal/pv"
	"github.com/devskill-org/eos-connect/internal/scheduler"
)

func main() {
	var (
		configFile = flag.String("config", "config.yaml", "Configuration file path")
		once       = flag.Bool("once", false, "Run a single optimization tick and exit")
		info       = flag.Bool("info", false, "Show the resolved configuration and exit")
		help       = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()

	if *help {
		showHelp()
		return
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Println("Error loading configuration:", err)
		os.Exit(1)
	}

	if *info {
		printConfig(cfg)
		return
	}

	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		fmt.Printf("Error loading time zone %q: %v\n", cfg.TimeZone, err)
		os.Exit(1)
	}

	logger := log.New(os.Stdout, "[EOS-CONNECT] ", log.LstdFlags)
	invDriver := inverter.New(cfg.Inverter, cfg.DataDir, newLogger("INVERTER"))
	ctl := control.New(invDriver, cfg.Inverter.Enabled, newLogger("CONTROL"))

	batteryP := battery.New(cfg.Battery, newLogger("BATTERY"), ctl.SetBatteryInfo)

	var evccP *evcc.Provider
	evccP = evcc.New(cfg.EVCC, newLogger("EVCC"), func(charging bool) {
		ctl.SetEVState(evccP.Current())
	})

	priceP := price.New(cfg.Price, loc, newLogger("PRICE"))
	pvP := pv.New(cfg.PVForecastSource, cfg.PVForecast, loc, newLogger("PV"))
	loadP := load.New(cfg.Load, loc, newLogger("LOAD"))
	eosClient := eos.New(cfg.EOS.Server, cfg.EOS.Port, time.Duration(cfg.EOS.Timeout)*time.Second)

	sched := scheduler.New(cfg, loc, newLogger("SCHEDULER"), priceP, pvP, loadP, batteryP, eosClient, ctl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *once {
		sched.RunOnce(ctx)
		fmt.Println("Request:", string(sched.LastRequestJSON()))
		fmt.Println("Response:", string(sched.LastResponseJSON()))
		return
	}

	fmt.Printf("Starting eos-connect with the following configuration:\n")
	fmt.Printf("  EOS endpoint: %s:%d\n", cfg.EOS.Server, cfg.EOS.Port)
	fmt.Printf("  Refresh interval: %d min\n", cfg.RefreshTimeMinutes)
	fmt.Printf("  Inverter: %s (enabled=%v)\n", cfg.Inverter.Type, cfg.Inverter.Enabled)
	fmt.Printf("  Web port: %d\n", cfg.WebPort)
	fmt.Println()

	httpServer := httpapi.NewServer(cfg.WebPort, sched, ctl, batteryP, func() bool { return sched.Status().IsRunning }, loc, "")

	priceP.Start(ctx)
	pvP.Start(ctx)
	loadP.Start(ctx)
	batteryP.Start(ctx)
	evccP.Start(ctx)
	sched.Start(ctx)
	httpServer.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Printf("eos-connect started. Press Ctrl+C to stop...")
	<-sigChan
	logger.Printf("Shutdown signal received, stopping...")

	cancel()
	sched.Stop()
	priceP.Stop()
	pvP.Stop()
	loadP.Stop()
	batteryP.Stop()
	evccP.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Printf("HTTP server shutdown error: %v", err)
	}

	if gen24, ok := invDriver.(*inverter.GEN24); ok {
		if err := gen24.RestoreBackup(shutdownCtx); err != nil {
			logger.Printf("inverter config restore failed: %v", err)
		}
	}

	logger.Printf("eos-connect stopped")
}

func newLogger(component string) *log.Logger {
	return log.New(os.Stdout, fmt.Sprintf("[%s] ", component), log.LstdFlags)
}

func printConfig(cfg *config.Config) {
	fmt.Printf("Resolved configuration:\n")
	fmt.Printf("  load.source: %s\n", cfg.Load.Source)
	fmt.Printf("  eos.server: %s:%d (timeout=%ds)\n", cfg.EOS.Server, cfg.EOS.Port, cfg.EOS.Timeout)
	fmt.Printf("  price.source: %s\n", cfg.Price.Source)
	fmt.Printf("  battery.source: %s (capacity=%.0fWh)\n", cfg.Battery.Source, cfg.Battery.CapacityWh)
	fmt.Printf("  pv_forecast_source.source: %s (%d arrays)\n", cfg.PVForecastSource.Source, len(cfg.PVForecast))
	fmt.Printf("  inverter.type: %s (enabled=%v)\n", cfg.Inverter.Type, cfg.Inverter.Enabled)
	fmt.Printf("  evcc.url: %s\n", cfg.EVCC.URL)
	fmt.Printf("  refresh_time: %d min\n", cfg.RefreshTimeMinutes)
	fmt.Printf("  time_zone: %s\n", cfg.TimeZone)
	fmt.Printf("  eos_connect_web_port: %d\n", cfg.WebPort)
	fmt.Printf("  data_dir: %s\n", cfg.DataDir)
}

func showHelp() {
	fmt.Println("eos-connect - bridge an EOS optimizer's hourly plan to a home inverter")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Periodically collects price, PV, load, and battery forecasts/telemetry,")
	fmt.Println("  posts them to an EOS optimizer, and drives a hybrid inverter's charge/")
	fmt.Println("  discharge behaviour from the returned hourly plan, fused with EV-charging")
	fmt.Println("  state and any operator override.")
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  eosconnect [OPTIONS]")
	fmt.Println()
	fmt.Println("OPTIONS:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Basic usage with default settings")
	fmt.Println("  eosconnect")
	fmt.Println()
	fmt.Println("  # Custom configuration file")
	fmt.Println("  eosconnect -config=/etc/eos-connect/config.yaml")
	fmt.Println()
	fmt.Println("  # Run a single optimization tick and exit")
	fmt.Println("  eosconnect -once")
	fmt.Println()
	fmt.Println("  # Show the resolved configuration")
	fmt.Println("  eosconnect -info")
}
