package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/pocketsync/internal/client"
	"github.com/openmined/pocketsync/internal/config"
	"github.com/openmined/pocketsync/internal/exclude"
	"github.com/openmined/pocketsync/internal/state"
	"github.com/openmined/pocketsync/internal/tree"
	"github.com/openmined/pocketsync/internal/workspace"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type treeStatus struct {
	Files int    `yaml:"files"`
	Dirs  int    `yaml:"dirs"`
	Size  string `yaml:"size"`
}

type lockStatus struct {
	PID     int    `yaml:"pid"`
	Host    string `yaml:"host"`
	Started string `yaml:"started,omitempty"`
	Alive   bool   `yaml:"alive"`
	Stale   bool   `yaml:"stale,omitempty"`
}

type statusReport struct {
	Root       string      `yaml:"root"`
	Remote     string      `yaml:"remote"`
	Transport  string      `yaml:"transport"`
	State      string      `yaml:"state"`
	LastSync   string      `yaml:"last_sync"`
	LocalTree  treeStatus  `yaml:"local_tree"`
	RemoteTree treeStatus  `yaml:"remote_tree"`
	Exclude    []string    `yaml:"exclude,omitempty"`
	Lock       *lockStatus `yaml:"lock,omitempty"`
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the configuration, lock holder and last committed state as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, _ := cmd.Flags().GetString("root")
			ws, err := workspace.Find(root)
			if err != nil {
				return withCode(exitConfig, err)
			}
			cfg, err := config.Load(ws.ConfigPath, nil)
			if err != nil {
				return withCode(exitConfig, err)
			}
			cmd.SilenceUsage = true

			report, err := buildStatus(cmd, ws, cfg)
			if err != nil {
				return withCode(exitFailed, err)
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(report)
		},
	}
}

func buildStatus(cmd *cobra.Command, ws *workspace.Workspace, cfg *config.Config) (*statusReport, error) {
	store, err := state.Open(ws, cfg.State)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	st, err := store.Load(cmd.Context())
	if err != nil {
		return nil, err
	}

	report := &statusReport{
		Root:       ws.Root,
		Remote:     cfg.Remote,
		Transport:  client.Kind(cfg.Remote),
		State:      cfg.State,
		LastSync:   "never",
		LocalTree:  treeStatusOf(st.Local),
		RemoteTree: treeStatusOf(st.Remote),
	}
	if !st.CommittedAt.IsZero() {
		report.LastSync = fmt.Sprintf("%s (%s)", st.CommittedAt.Local().Format(time.RFC3339), humanize.Time(st.CommittedAt))
	}

	if m, err := exclude.Load(ws.ExcludePath); err == nil {
		report.Exclude = m.Rules()
	}

	info, err := state.NewFileLocker(ws.LockPath).Inspect(cmd.Context())
	if err != nil {
		return nil, err
	}
	if holder := info.Holder; holder.PID != 0 {
		report.Lock = &lockStatus{PID: holder.PID, Host: holder.Host, Alive: info.Alive, Stale: !info.Held}
		if !holder.Started.IsZero() {
			report.Lock.Started = holder.Started.Format(time.RFC3339)
		}
	}
	return report, nil
}

func treeStatusOf(s tree.Snapshot) treeStatus {
	files, dirs, size := s.Stats()
	return treeStatus{Files: files, Dirs: dirs, Size: humanize.Bytes(uint64(size))}
}
