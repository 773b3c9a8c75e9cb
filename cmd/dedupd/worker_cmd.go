package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cuemby/dedupd/pkg/config"
	"github.com/cuemby/dedupd/pkg/log"
	"github.com/cuemby/dedupd/pkg/memxfer"
	"github.com/cuemby/dedupd/pkg/rpc"
	"github.com/cuemby/dedupd/pkg/runtime"
	"github.com/cuemby/dedupd/pkg/worker"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Worker operations",
}

var workerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a worker's sandbox daemon",
	Long: `Run a worker: serve the worker gRPC surface for the controller, join the
memory-transfer mesh, and drive the local sandbox residency state machine.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		machineID, _ := cmd.Flags().GetInt("machine-id")
		threads, _ := cmd.Flags().GetInt("threads")
		clusterConfigPath, _ := cmd.Flags().GetString("cluster-config")
		agentConfigPath, _ := cmd.Flags().GetString("agent-config")
		runtimeSocket, _ := cmd.Flags().GetString("runtime-socket")
		dataDir, _ := cmd.Flags().GetString("data-dir")

		logger := log.WithComponent("worker")

		cluster, err := config.LoadClusterConfig(clusterConfigPath)
		if err != nil {
			return err
		}
		agentCfg, err := config.LoadAgentConfig(agentConfigPath)
		if err != nil {
			return err
		}

		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return fmt.Errorf("worker: create data dir: %w", err)
		}

		memAddr, err := memoryNodeAddr(cluster, machineID)
		if err != nil {
			return err
		}
		mem, err := memxfer.New(machineID, memAddr)
		if err != nil {
			return fmt.Errorf("worker: start memory-transfer layer: %w", err)
		}

		rt := runtime.New(runtimeSocket)
		defer rt.Close()

		pipes := worker.NewPipeHelper(
			filepath.Join(dataDir, "dump.pipe"),
			filepath.Join(dataDir, "restore.pipe"),
		)

		controllerAddr := cluster.Controller.Addr + ":" + cluster.Controller.Port
		dialOpts := append(rpc.DialOptions(), grpc.WithTransportCredentials(insecure.NewCredentials()))
		ctrlConn, err := grpc.NewClient(controllerAddr, dialOpts...)
		if err != nil {
			return fmt.Errorf("worker: dial controller %s: %w", controllerAddr, err)
		}
		defer ctrlConn.Close()

		w := worker.New(worker.Config{
			MachineID: machineID,
			DataDir:   dataDir,
			Cluster:   cluster,
			Agent:     agentCfg,
			Runtime:   rt,
			Mem:       mem,
			Pipes:     pipes,
			CtrlConn:  ctrlConn,
			PoolSize:  threads,
		})

		listenAddr, err := grpcNodeAddr(cluster, machineID)
		if err != nil {
			return err
		}
		lis, err := net.Listen("tcp", listenAddr)
		if err != nil {
			return fmt.Errorf("worker: listen %s: %w", listenAddr, err)
		}
		grpcServer := grpc.NewServer()
		rpc.RegisterWorkerServer(grpcServer, w)
		go func() {
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error().Err(err).Msg("worker grpc server stopped")
			}
		}()
		defer grpcServer.GracefulStop()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		w.Start(ctx)
		defer w.Stop()

		logger.Info().Str("addr", listenAddr).Int("machine_id", machineID).Msg("worker listening")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		logger.Info().Msg("shutting down")
		return nil
	},
}

func memoryNodeAddr(cluster *config.ClusterConfig, machineID int) (string, error) {
	for _, n := range cluster.MemoryNodes {
		if n.MachineID == machineID {
			return n.Addr + ":" + n.Port, nil
		}
	}
	return "", fmt.Errorf("worker: no memory-transfer endpoint configured for machine %d", machineID)
}

func grpcNodeAddr(cluster *config.ClusterConfig, machineID int) (string, error) {
	for _, n := range cluster.GRPCNodes {
		if n.MachineID == machineID {
			return n.Addr + ":" + n.Port, nil
		}
	}
	return "", fmt.Errorf("worker: no grpc endpoint configured for machine %d", machineID)
}

func init() {
	workerCmd.AddCommand(workerRunCmd)

	workerRunCmd.Flags().Int("machine-id", 0, "This worker's machine ID")
	workerRunCmd.Flags().Int("threads", 16, "Worker pool size for tick processing")
	workerRunCmd.Flags().String("cluster-config", "cluster.json", "Cluster topology file")
	workerRunCmd.Flags().String("agent-config", "agent.yaml", "Agent parameter file")
	workerRunCmd.Flags().String("runtime-socket", "/run/dedupd/runtime.sock", "Sandbox runtime daemon unix socket")
	workerRunCmd.Flags().String("data-dir", "./dedupd-worker-data", "Worker data directory (dumps, patches, helper pipes)")
}
