// Package config loads the cluster topology file and the controller/worker
// parameter files.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cuemby/dedupd/pkg/types"
	"gopkg.in/yaml.v3"
)

// ClusterConfig is the JSON cluster topology file: controller address plus
// the gRPC endpoint of every worker ("grpc_nodes") and memory-transfer
// endpoint of every worker ("memory_nodes").
type ClusterConfig struct {
	Controller struct {
		Addr string `json:"addr"`
		Port string `json:"port"`
	} `json:"controller"`
	GRPCNodes []struct {
		MachineID int    `json:"machine_id"`
		Addr      string `json:"addr"`
		Port      string `json:"port"`
	} `json:"grpc_nodes"`
	MemoryNodes []struct {
		MachineID int    `json:"machine_id"`
		Addr      string `json:"addr"`
		Port      string `json:"port"`
	} `json:"memory_nodes"`
}

// LoadClusterConfig reads and parses the JSON cluster topology file.
func LoadClusterConfig(path string) (*ClusterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cluster config: %w", err)
	}
	var cfg ClusterConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse cluster config: %w", err)
	}
	return &cfg, nil
}

// ControllerConfig is the controller's parameter file. It is YAML rather
// than the original's INI format — same flat section/key shape, better Go
// ergonomics, and the teacher pack already depends on yaml.v3.
type ControllerConfig struct {
	Heuristics struct {
		BaseChoiceWeights  []float64 `yaml:"base_choice_weights"`
		StatePolicyWeights []float64 `yaml:"state_policy_weights"`
	} `yaml:"heuristics"`

	Policy struct {
		Policy       int     `yaml:"policy"`
		Constraint   int     `yaml:"constraint"` // 1 = latency-constrained, 0 = memory-constrained
		DedupPerBase int     `yaml:"dedup_per_base"`
		Threshold    float64 `yaml:"threshold"`
		Alpha        float64 `yaml:"alpha"`
		Beta         float64 `yaml:"beta"`
		Gamma        float64 `yaml:"gamma"`
		Provisioned  int     `yaml:"provisioned"`
	} `yaml:"policy"`

	Params struct {
		ReusePeriodMs int     `yaml:"reuse_period_ms"`
		WindowMinutes int     `yaml:"window_minutes"`
		MemCapMB      float64 `yaml:"mem_cap_mb"`
	} `yaml:"params"`
}

// Defaults mirror the original source's INIReader fallback values.
func DefaultControllerConfig() ControllerConfig {
	var c ControllerConfig
	c.Policy.DedupPerBase = 10
	c.Policy.Threshold = 10.0
	c.Policy.Alpha = 4
	c.Policy.Beta = 10
	c.Policy.Gamma = 2
	c.Params.ReusePeriodMs = 500
	c.Params.WindowMinutes = 10
	c.Params.MemCapMB = 500
	return c
}

// LoadControllerConfig reads and parses the controller's YAML parameter
// file, applying defaults for any zero-valued field left unset.
func LoadControllerConfig(path string) (*ControllerConfig, error) {
	cfg := DefaultControllerConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read controller config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse controller config: %w", err)
	}
	return &cfg, nil
}

// AgentApplication is one application's entry in the agent parameter file.
type AgentApplication struct {
	KeepAlive    int     `yaml:"keep_alive"`
	ExecTime     int     `yaml:"exec_time"`
	Memory       float64 `yaml:"memory"`
	DedupBenefit float64 `yaml:"dedup_benefit"`
}

// AgentConfig is the worker-side (and controller-shared) agent parameter
// file: idle/keep-alive timing plus per-application sizing.
type AgentConfig struct {
	Parameters struct {
		IdleTimeSec     int  `yaml:"idle_time_sec"`
		NoPause         bool `yaml:"no_pause"`
		Adaptive        bool `yaml:"adaptive"`
		PatchThreshold  int  `yaml:"patch_threshold"`
		ChunksPerPage   int  `yaml:"chunks_per_page"`
	} `yaml:"parameters"`

	Configuration struct {
		NumEnv         int                          `yaml:"num_env"`
		NumAppl        int                          `yaml:"num_appl"`
		Applications   map[string]AgentApplication  `yaml:"applications"`
	} `yaml:"configuration"`
}

// DefaultAgentConfig mirrors the original source's fallback values.
func DefaultAgentConfig() AgentConfig {
	var c AgentConfig
	c.Parameters.IdleTimeSec = 60
	c.Parameters.ChunksPerPage = 2
	c.Parameters.PatchThreshold = 4096
	return c
}

// LoadAgentConfig reads and parses the agent parameter file.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse agent config: %w", err)
	}
	return &cfg, nil
}

// BuildTables derives the controller's per-application and per-environment
// tables from the agent parameter file: one application and one
// environment per named entry, sharing the cluster's single configured
// decision policy, matching how the original source shares this same file
// between controller and workers.
func BuildTables(agent *AgentConfig, policy types.Policy) (map[string]types.Application, map[string]*types.Environment) {
	apps := make(map[string]types.Application, len(agent.Configuration.Applications))
	envs := make(map[string]*types.Environment, len(agent.Configuration.Applications))
	for name, a := range agent.Configuration.Applications {
		apps[name] = types.Application{
			Name:      name,
			KeepAlive: a.KeepAlive,
			ExecTime:  a.ExecTime,
			Policy:    policy,
		}
		envs[name] = &types.Environment{
			Name:         name,
			Memory:       a.Memory,
			DedupBenefit: a.DedupBenefit,
		}
	}
	return apps, envs
}

// PolicyFromInt maps the config file's integer policy id to types.Policy.
func PolicyFromInt(id int) types.Policy {
	switch id {
	case 1:
		return types.PolicyOpenwhisk
	case 2:
		return types.PolicyHeuristicOpenwhisk
	case 3:
		return types.PolicyNone
	case 4:
		return types.PolicyHeuristic
	case 5:
		return types.PolicyBoundary
	default:
		return types.PolicyDefault
	}
}
