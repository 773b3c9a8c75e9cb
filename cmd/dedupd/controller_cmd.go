package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/dedupd/pkg/api"
	"github.com/cuemby/dedupd/pkg/config"
	"github.com/cuemby/dedupd/pkg/controller"
	"github.com/cuemby/dedupd/pkg/log"
	"github.com/cuemby/dedupd/pkg/metrics"
	"github.com/cuemby/dedupd/pkg/rpc"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

var controllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "Controller operations",
}

var controllerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the cluster controller",
	Long: `Run the controller: serve the controller gRPC surface for workers, and
optionally replay a trace file against the registered machines.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		threads, _ := cmd.Flags().GetInt("threads")
		tracePath, _ := cmd.Flags().GetString("trace")
		clusterConfigPath, _ := cmd.Flags().GetString("cluster-config")
		controllerConfigPath, _ := cmd.Flags().GetString("controller-config")
		agentConfigPath, _ := cmd.Flags().GetString("agent-config")
		adminAddr, _ := cmd.Flags().GetString("admin-addr")

		logger := log.WithComponent("controller")

		cluster, err := config.LoadClusterConfig(clusterConfigPath)
		if err != nil {
			return err
		}
		ctrlCfg, err := config.LoadControllerConfig(controllerConfigPath)
		if err != nil {
			return err
		}
		agentCfg, err := config.LoadAgentConfig(agentConfigPath)
		if err != nil {
			return err
		}

		apps, envs := config.BuildTables(agentCfg, config.PolicyFromInt(ctrlCfg.Policy.Policy))
		ctrl := controller.New(*ctrlCfg, apps, envs)

		for _, n := range cluster.GRPCNodes {
			ctrl.RegisterMachine(n.MachineID, n.Addr+":"+n.Port, ctrlCfg.Params.MemCapMB)
		}

		listenAddr := cluster.Controller.Addr + ":" + cluster.Controller.Port
		lis, err := net.Listen("tcp", listenAddr)
		if err != nil {
			return fmt.Errorf("controller: listen %s: %w", listenAddr, err)
		}
		grpcServer := grpc.NewServer()
		rpc.RegisterControllerServer(grpcServer, ctrl)
		go func() {
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error().Err(err).Msg("controller grpc server stopped")
			}
		}()
		defer grpcServer.GracefulStop()

		collector := metrics.NewCollector(ctrl)
		collector.Start()
		defer collector.Stop()

		healthSrv := api.NewHealthServer(ctrl)
		go func() {
			if err := healthSrv.Start(adminAddr); err != nil {
				logger.Warn().Err(err).Msg("admin http server stopped")
			}
		}()

		logger.Info().Str("addr", listenAddr).Str("admin_addr", adminAddr).Msg("controller listening")

		sched := controller.NewScheduler(ctrl, cluster, agentCfg, threads)
		defer sched.Close()

		ctx, cancel := context.WithCancel(context.Background())
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()

		if tracePath == "" {
			<-ctx.Done()
			return nil
		}

		records, err := controller.ReadTrace(tracePath)
		if err != nil {
			return fmt.Errorf("controller: %w", err)
		}
		if err := sched.RunTrace(ctx, records); err != nil {
			return fmt.Errorf("controller: trace run: %w", err)
		}

		fmt.Printf("issued=%d completed=%d dropped=%d\n", ctrl.Issued(), ctrl.Completed(), ctrl.Dropped())
		return nil
	},
}

func init() {
	controllerCmd.AddCommand(controllerRunCmd)

	controllerRunCmd.Flags().Int("threads", 16, "Max concurrent in-flight requests")
	controllerRunCmd.Flags().String("trace", "", "Trace file to replay (omit to just serve RPCs)")
	controllerRunCmd.Flags().String("cluster-config", "cluster.json", "Cluster topology file")
	controllerRunCmd.Flags().String("controller-config", "controller.yaml", "Controller parameter file")
	controllerRunCmd.Flags().String("agent-config", "agent.yaml", "Agent parameter file")
	controllerRunCmd.Flags().String("admin-addr", "127.0.0.1:9090", "Admin HTTP address (/health, /ready, /metrics)")
}
