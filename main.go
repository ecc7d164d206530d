package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/op/go-logging"
	"github.com/spf13/cobra"

	"github.com/veilgate/veilgate/config"
	"github.com/veilgate/veilgate/database"
	"github.com/veilgate/veilgate/database/model"
	"github.com/veilgate/veilgate/job"
	"github.com/veilgate/veilgate/logger"
	"github.com/veilgate/veilgate/service"
	"github.com/veilgate/veilgate/xray"
)

func initLogger() {
	switch config.GetLogLevel() {
	case config.Debug:
		logger.InitLogger(logging.DEBUG)
	case config.Info:
		logger.InitLogger(logging.INFO)
	case config.Notice:
		logger.InitLogger(logging.NOTICE)
	case config.Warn:
		logger.InitLogger(logging.WARNING)
	case config.Error:
		logger.InitLogger(logging.ERROR)
	default:
		log.Fatal("unknown log level:", config.GetLogLevel())
	}
}

// bootstrap resolves the inbound, negotiates the engine client backend and
// wires the services. Fatal on config errors, per startup semantics.
func bootstrap() (*service.ProvisionService, *service.SubscriptionService, *service.NotificationService, xray.Client, error) {
	inbound, err := xray.ResolveInbound(xray.ResolverOptions{
		ConfigPath:        config.GetXrayConfigPath(),
		TagOverride:       config.GetInboundTag(),
		PublicHost:        config.GetPublicHost(),
		PublicKeyOverride: config.GetPublicKeyOverride(),
	})
	if err != nil {
		return nil, nil, nil, nil, err
	}
	logger.Infof("selected inbound %q (port %d, security %s, network %s)",
		inbound.Tag, inbound.Port, inbound.Security, inbound.Network)

	client, err := xray.NewClient(xray.ClientOptions{
		APIAddr:         config.GetAPIAddr(),
		DescriptorFiles: config.GetDescriptorFiles(),
	})
	if err != nil {
		return nil, nil, nil, nil, err
	}

	provision := service.NewProvisionService(
		client,
		inbound,
		config.GetPublicHost(),
		config.GetDefaultFlow(),
		config.GetMaxCredentialsPerOwner(),
		config.GetDefaultValidityDays(),
	)
	// Delivery transport is external; until one is attached the outcomes
	// are only logged (and still recorded in the notification log).
	notify := service.NewNotificationService(func(owner *model.Owner, kind string, payload map[string]any) error {
		logger.Infof("notify owner %d (%s): %s %v", owner.Id, owner.TelegramId, kind, payload)
		return nil
	})
	subService := service.NewSubscriptionService(
		provision,
		notify,
		time.Duration(config.GetTrialDurationHours())*time.Hour,
		config.GetTrialTrafficLimitBytes(),
	)
	return provision, subService, notify, client, nil
}

func runDaemon() {
	log.Printf("%v %v", config.GetName(), config.GetVersion())
	initLogger()
	defer logger.CloseLogger()

	if err := database.InitDB(config.GetDBPath()); err != nil {
		log.Fatal(err)
	}
	defer database.CloseDB()

	provision, subService, notify, client, err := bootstrap()
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	scheduler := job.NewScheduler(
		config.GetExpiryCheckSpec(),
		config.GetTrafficCheckSpec(),
		job.NewCheckExpiryJob(subService, notify),
		job.NewTrafficCapJob(provision, subService, notify, config.GetTrafficWarnPercent()),
	)
	if err := scheduler.Start(); err != nil {
		log.Fatal(err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)
	for {
		sig := <-sigCh
		switch sig {
		case syscall.SIGHUP:
			scheduler.Stop()
			if err := scheduler.Start(); err != nil {
				logger.Error("scheduler restart failed:", err)
				return
			}
		default:
			scheduler.Stop()
			return
		}
	}
}

// adminService builds the provisioning service for the one-shot client
// commands (no database, engine only).
func adminService() (*service.ProvisionService, xray.Client, error) {
	inbound, err := xray.ResolveInbound(xray.ResolverOptions{
		ConfigPath:        config.GetXrayConfigPath(),
		TagOverride:       config.GetInboundTag(),
		PublicHost:        config.GetPublicHost(),
		PublicKeyOverride: config.GetPublicKeyOverride(),
	})
	if err != nil {
		return nil, nil, err
	}
	client, err := xray.NewClient(xray.ClientOptions{
		APIAddr:         config.GetAPIAddr(),
		DescriptorFiles: config.GetDescriptorFiles(),
	})
	if err != nil {
		return nil, nil, err
	}
	provision := service.NewProvisionService(
		client,
		inbound,
		config.GetPublicHost(),
		config.GetDefaultFlow(),
		config.GetMaxCredentialsPerOwner(),
		config.GetDefaultValidityDays(),
	)
	return provision, client, nil
}

func clientAdd(email, flow, remark string) {
	provision, client, err := adminService()
	if err != nil {
		fmt.Println(err)
		return
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	link, secret, err := provision.AdminCreate(ctx, email, flow, remark)
	if err != nil {
		fmt.Println("add client failed:", err)
		return
	}
	fmt.Println("uuid:", secret)
	fmt.Println("link:", link.URI)
}

func clientRemove(email string) {
	provision, client, err := adminService()
	if err != nil {
		fmt.Println(err)
		return
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := provision.AdminRemove(ctx, email); err != nil {
		fmt.Println("remove client failed:", err)
		return
	}
	fmt.Println("removed", email)
}

func clientTraffic(email string, reset bool) {
	provision, client, err := adminService()
	if err != nil {
		fmt.Println(err)
		return
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	info, err := provision.AdminTraffic(ctx, email, reset)
	if err != nil {
		fmt.Println("get traffic failed:", err)
		return
	}
	fmt.Printf("up: %d\ndown: %d\ntotal: %d\nresetApplied: %v\n", info.Up, info.Down, info.Total, info.ResetApplied)
}

func main() {
	config.LoadEnvFile()

	rootCmd := &cobra.Command{
		Use: "veilgate",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the lifecycle daemon",
		Run: func(cmd *cobra.Command, args []string) {
			runDaemon()
		},
	}

	clientCmd := &cobra.Command{
		Use:   "client",
		Short: "Manage engine credentials directly (trusted automation)",
	}

	var addEmail, addFlow, addRemark string
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add an engine credential and print its link",
		Run: func(cmd *cobra.Command, args []string) {
			clientAdd(addEmail, addFlow, addRemark)
		},
	}
	addCmd.Flags().StringVar(&addEmail, "email", "", "engine-facing identity (generated when empty)")
	addCmd.Flags().StringVar(&addFlow, "flow", "", "flow variant (default from config)")
	addCmd.Flags().StringVar(&addRemark, "remark", "", "display label")

	removeCmd := &cobra.Command{
		Use:   "remove <email>",
		Short: "Remove an engine credential",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			clientRemove(args[0])
		},
	}

	var trafficReset bool
	trafficCmd := &cobra.Command{
		Use:   "traffic <email>",
		Short: "Read a credential's traffic counters",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			clientTraffic(args[0], trafficReset)
		},
	}
	trafficCmd.Flags().BoolVar(&trafficReset, "reset", false, "reset the counters as part of the read")

	clientCmd.AddCommand(addCmd, removeCmd, trafficCmd)
	rootCmd.AddCommand(runCmd, clientCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
