package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bioflow-dev/bioflow/internal/capability"
	"github.com/bioflow-dev/bioflow/internal/core"
	"github.com/bioflow-dev/bioflow/internal/dispatch"
	"github.com/bioflow-dev/bioflow/internal/remote"
	"github.com/bioflow-dev/bioflow/internal/report"
	"github.com/bioflow-dev/bioflow/internal/validate"
)

// Resolve the engine
func resolveEngine(cmd *cobra.Command) (*core.Engine, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	return core.NewEngine(cfg)
}

// runOne pushes a single request through validate, estimate, and dispatch.
func runOne(cmd *cobra.Command, eng *core.Engine, req *capability.Request) error {
	res := eng.Validator.Validate(req)
	for _, f := range res.Findings {
		fmt.Println(f.String())
	}
	if !res.Pass() {
		return fmt.Errorf("validation failed")
	}
	if findings := eng.Validator.CheckFiles(req); len(findings) > 0 {
		failed := false
		for _, f := range findings {
			fmt.Println(f.String())
			if f.Severity == validate.SeverityError {
				failed = true
			}
		}
		if failed {
			return fmt.Errorf("file check failed")
		}
	}
	est := eng.Estimator.Estimate(cmd.Context(), req, res)
	out := eng.Dispatcher.Dispatch(cmd.Context(), req, est.Order)
	printOutcome(*out)
	if out.State != dispatch.StateSucceeded {
		return fmt.Errorf("request %s: %s", out.RequestID, out.Detail)
	}
	return nil
}

func printOutcome(o dispatch.Outcome) {
	fmt.Printf("%s\t%s\t%s\n", o.RequestID, o.State, o.Backend)
	if o.ArtifactPath != "" {
		fmt.Printf("artifact\t%s\n", o.ArtifactPath)
	}
	for k, v := range o.Fields {
		fmt.Printf("%s\t%s\n", k, v)
	}
	if o.State != dispatch.StateSucceeded && o.Detail != "" {
		fmt.Printf("detail\t%s\n", o.Detail)
	}
}

// Initialize configuration and environment
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "bioflow initialization command. Run this the first time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := core.WriteDefault()
			if err != nil {
				return err
			}
			fmt.Printf("wrote default config to %s\n", path)
			fmt.Println("add NVIDIA_API_KEY to the secrets.env file next to it")
			return nil
		},
	}
}

// List registered capabilities and their backends
func newCapabilitiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "capabilities",
		Short: "List registered capabilities and backend readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := resolveEngine(cmd)
			if err != nil {
				return err
			}
			for _, name := range eng.Registry.Names() {
				c, err := eng.Registry.Lookup(name)
				if err != nil {
					return err
				}
				for _, b := range c.Backends() {
					status := "ready"
					if err := b.Ready(cmd.Context()); err != nil {
						status = err.Error()
					}
					fmt.Printf("%s\t%s\trank=%d\t%s\n", name, b.Name(), b.CostRank(), status)
				}
			}
			return nil
		},
	}
}

// Validate a request without dispatching
func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate request parameters against a capability schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			capName, _ := cmd.Flags().GetString("capability")
			pairs, _ := cmd.Flags().GetStringSlice("param")
			params, err := parseParams(pairs)
			if err != nil {
				return err
			}
			eng, err := resolveEngine(cmd)
			if err != nil {
				return err
			}
			req := capability.NewRequest(capName, params)
			res := eng.Validator.Validate(req)
			for _, f := range res.Findings {
				fmt.Println(f.String())
			}
			for _, f := range eng.Validator.CheckFiles(req) {
				fmt.Println(f.String())
			}
			fmt.Printf("verdict\t%s\n", res.Verdict)
			if !res.Pass() {
				return fmt.Errorf("validation failed")
			}
			return nil
		},
	}
	cmd.Flags().StringP("capability", "c", "", "capability name")
	cmd.Flags().StringSlice("param", nil, "key=value request parameters")
	_ = cmd.MarkFlagRequired("capability")
	return cmd
}

// Read microscopy image metadata
func newMetaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "meta <image> [image...]",
		Short: "Read microscopy image metadata and derived physical dimensions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scene, _ := cmd.Flags().GetString("scene")
			eng, err := resolveEngine(cmd)
			if err != nil {
				return err
			}
			build := func(path string) *capability.Request {
				params := map[string]string{"path": path}
				if scene != "" {
					params["scene"] = scene
				}
				return capability.NewRequest(core.CapMetadata, params)
			}
			if len(args) == 1 {
				return runOne(cmd, eng, build(args[0]))
			}
			requests := make([]*capability.Request, 0, len(args))
			for _, path := range args {
				requests = append(requests, build(path))
			}
			ledger := eng.Orchestrator.Run(cmd.Context(), requests)
			r := report.Summarize(ledger.Outcomes(), report.Fields("file", "X", "Y", "width_um", "height_um"))
			printSummary(r)
			fmt.Println(strings.Join(r.Columns, "\t"))
			for _, row := range r.Rows {
				fmt.Println(strings.Join(row, "\t"))
			}
			return nil
		},
	}
	cmd.Flags().String("scene", "", "scene identifier for multi-scene formats")
	return cmd
}

// Predict a structure from FASTA
func newPredictCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "predict <fasta-file>",
		Short: "Predict a 3D structure for the sequences in a FASTA file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ligand, _ := cmd.Flags().GetString("ligand")
			molType, _ := cmd.Flags().GetString("molecule-type")
			mode, _ := cmd.Flags().GetString("mode")
			estimateOnly, _ := cmd.Flags().GetBool("estimate")
			backend, err := backendForMode(mode)
			if err != nil {
				return err
			}
			fasta, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			eng, err := resolveEngine(cmd)
			if err != nil {
				return err
			}
			params := map[string]string{"fasta": string(fasta)}
			if molType != "" {
				params["molecule_type"] = molType
			}
			if ligand != "" {
				params["ligand"] = ligand
			}
			req := capability.NewRequest(core.CapStructure, params)
			if backend != "" {
				req = req.WithPreferred(backend)
			}
			if estimateOnly {
				return printEstimate(cmd, eng, req)
			}
			return runOne(cmd, eng, req)
		},
	}
	cmd.Flags().String("ligand", "", "SMILES ligand to dock alongside the structure")
	cmd.Flags().String("molecule-type", "", "polymer type: protein, dna, or rna")
	cmd.Flags().String("mode", "auto", "execution mode: cloud, local, or auto")
	cmd.Flags().Bool("estimate", false, "print cost estimate without dispatching")
	return cmd
}

// backendForMode maps the user-facing mode onto a backend preference.
// auto leaves routing to the estimator's recommendation.
func backendForMode(mode string) (string, error) {
	switch mode {
	case "", "auto":
		return "", nil
	case "cloud":
		return "nim", nil
	case "local":
		return "boltz", nil
	default:
		return "", fmt.Errorf("unknown mode %q (want cloud, local, or auto)", mode)
	}
}

func printEstimate(cmd *cobra.Command, eng *core.Engine, req *capability.Request) error {
	res := eng.Validator.Validate(req)
	for _, f := range res.Findings {
		fmt.Println(f.String())
	}
	if !res.Pass() {
		return fmt.Errorf("validation failed")
	}
	est := eng.Estimator.Estimate(cmd.Context(), req, res)
	fmt.Printf("duration\t%s\n", est.Duration.Round(time.Second))
	fmt.Printf("confidence\t%s\n", est.Confidence)
	fmt.Printf("vram_gb\t%.1f\n", est.VRAMGB)
	fmt.Printf("order\t%s\n", strings.Join(est.Order, ","))
	for _, ex := range est.Excluded {
		fmt.Printf("excluded\t%s\t%s\n", ex.Backend, ex.Reason)
	}
	return nil
}

// Predict binding affinity
func newAffinityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "affinity",
		Short: "Predict binding affinity for a protein and a SMILES ligand",
		RunE: func(cmd *cobra.Command, args []string) error {
			sequence, _ := cmd.Flags().GetString("sequence")
			smiles, _ := cmd.Flags().GetString("smiles")
			label, _ := cmd.Flags().GetString("label")
			eng, err := resolveEngine(cmd)
			if err != nil {
				return err
			}
			params := map[string]string{"sequence": sequence, "smiles": smiles}
			if label != "" {
				params["label"] = label
			}
			return runOne(cmd, eng, capability.NewRequest(core.CapAffinity, params))
		},
	}
	cmd.Flags().String("sequence", "", "protein sequence")
	cmd.Flags().String("smiles", "", "ligand SMILES")
	cmd.Flags().String("label", "", "ligand label for reports")
	_ = cmd.MarkFlagRequired("sequence")
	_ = cmd.MarkFlagRequired("smiles")
	return cmd
}

// manifest is the YAML shape of a batch job file.
type manifest struct {
	Capability string              `yaml:"capability"`
	Items      []map[string]string `yaml:"items"`
}

// Run a batch from a manifest file
func newBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run a batch of requests from a YAML manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			backend, _ := cmd.Flags().GetString("backend")
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var m manifest
			if err := yaml.Unmarshal(data, &m); err != nil {
				return fmt.Errorf("parse manifest: %w", err)
			}
			if m.Capability == "" {
				return fmt.Errorf("manifest missing capability")
			}
			if len(m.Items) == 0 {
				return fmt.Errorf("manifest has no items")
			}
			eng, err := resolveEngine(cmd)
			if err != nil {
				return err
			}
			requests := make([]*capability.Request, 0, len(m.Items))
			for _, item := range m.Items {
				req := capability.NewRequest(m.Capability, item)
				if backend != "" {
					req = req.WithPreferred(backend)
				}
				requests = append(requests, req)
			}

			ledger := eng.Orchestrator.Run(cmd.Context(), requests)

			store, err := core.OpenRunStore(eng.Cfg.Store.Path)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.SaveRun(cmd.Context(), ledger); err != nil {
				return fmt.Errorf("save run: %w", err)
			}

			r := report.Summarize(ledger.Outcomes(), nil)
			fmt.Printf("run\t%s\n", ledger.RunID)
			printSummary(r)
			return nil
		},
	}
	cmd.Flags().StringP("file", "f", "", "batch manifest file")
	cmd.Flags().String("backend", "", "pin every request to one backend")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func printSummary(r report.Report) {
	fmt.Printf("total\t%d\nsucceeded\t%d\nfailed\t%d\nskipped\t%d\nwarnings\t%d\n",
		r.Total, r.Succeeded, r.Failed, r.Skipped, r.Warnings)
	for _, kind := range r.Kinds() {
		fmt.Printf("failures[%s]\t%d\n", kind, r.FailuresByKind[kind])
	}
}

// List stored runs
func newRunsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "List stored batch runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := resolveEngine(cmd)
			if err != nil {
				return err
			}
			store, err := core.OpenRunStore(eng.Cfg.Store.Path)
			if err != nil {
				return err
			}
			defer store.Close()
			runs, err := store.ListRuns(cmd.Context())
			if err != nil {
				return err
			}
			for _, r := range runs {
				fmt.Printf("%s\t%s\t%s\t%d/%d\n", r.ID, r.Capability,
					r.Started.Local().Format(time.RFC3339), r.Succeeded, r.Total)
			}
			return nil
		},
	}
}

// Report on a stored run
func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report <run-id>",
		Short: "Summarize a stored run, optionally projecting payload fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			columns, _ := cmd.Flags().GetStringSlice("columns")
			eng, err := resolveEngine(cmd)
			if err != nil {
				return err
			}
			store, err := core.OpenRunStore(eng.Cfg.Store.Path)
			if err != nil {
				return err
			}
			defer store.Close()
			outcomes, err := store.LoadOutcomes(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			var proj *report.Projection
			if len(columns) > 0 {
				proj = report.Fields(columns...)
			}
			r := report.Summarize(outcomes, proj)
			printSummary(r)
			if proj != nil {
				fmt.Println(strings.Join(r.Columns, "\t"))
				for _, row := range r.Rows {
					fmt.Println(strings.Join(row, "\t"))
				}
			}
			return nil
		},
	}
	cmd.Flags().StringSlice("columns", nil, "payload fields to tabulate, e.g. delta_g,confidence")
	return cmd
}

// Push run artifacts to the lab file server
func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync <run-id>",
		Short: "Push a run's artifacts to the configured remote over SFTP",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := resolveEngine(cmd)
			if err != nil {
				return err
			}
			rc := eng.Cfg.Remote
			if rc.Host == "" {
				return fmt.Errorf("remote host not configured")
			}
			store, err := core.OpenRunStore(eng.Cfg.Store.Path)
			if err != nil {
				return err
			}
			defer store.Close()
			outcomes, err := store.LoadOutcomes(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			var paths []string
			for _, o := range outcomes {
				if o.ArtifactPath != "" {
					paths = append(paths, o.ArtifactPath)
				}
			}
			if len(paths) == 0 {
				return fmt.Errorf("run %s produced no artifacts", args[0])
			}
			signer, err := remote.LoadSigner(rc.KeyPath)
			if err != nil {
				return err
			}
			kh, err := remote.LoadKnownHostsCallback(rc.KnownHosts)
			if err != nil {
				return err
			}
			client := &remote.Client{
				Addr:       rc.Host,
				User:       rc.User,
				Signer:     signer,
				KnownHosts: kh,
				Timeout:    30 * time.Second,
			}
			dir := strings.TrimRight(rc.Dir, "/") + "/" + args[0]
			if err := client.Push(cmd.Context(), paths, dir); err != nil {
				return err
			}
			fmt.Printf("pushed %d artifacts to %s:%s\n", len(paths), rc.Host, dir)
			return nil
		},
	}
	return cmd
}

func parseParams(pairs []string) (map[string]string, error) {
	params := make(map[string]string, len(pairs))
	for _, p := range pairs {
		parts := strings.SplitN(p, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid --param spec: %s", p)
		}
		params[parts[0]] = parts[1]
	}
	return params, nil
}
