package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stagegate/internal/app"
	"stagegate/internal/config"
	"stagegate/internal/db"
	"stagegate/internal/domain"
	"stagegate/internal/engine"
	"stagegate/internal/jobs"
	"stagegate/internal/migrate"
	"stagegate/internal/repo"
	"stagegate/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sg",
	Short: "Stagegate CLI",
	Long: `Stagegate compiles, seals and promotes AI application operating policy.
- Baseline: the org-wide policy defaults, published as immutable revisions.
- Profile: per-project environment settings (risk level, autonomy, capabilities).
- Package: the sealed merge of baseline + environment overrides + app spec,
  stamped with a content hash so later drift is detectable.
- Ladder: the org's ordered promotion stages; moving up needs the configured
  approval evidence, rolling back never does.
- Jobs: background work (scans, compiles) dispatched through a registry with
  idempotent submission and end-to-end correlation IDs.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STAGEGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("org", "", "org slug (overrides config default)")
	rootCmd.PersistentFlags().String("project", "", "project id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("org", rootCmd.PersistentFlags().Lookup("org"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(orgCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(baselineCmd())
	rootCmd.AddCommand(appspecCmd())
	rootCmd.AddCommand(envCmd())
	rootCmd.AddCommand(ladderCmd())
	rootCmd.AddCommand(compileCmd())
	rootCmd.AddCommand(packageCmd())
	rootCmd.AddCommand(promoteCmd())
	rootCmd.AddCommand(signalCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- org ---

func orgCmd() *cobra.Command {
	org := &cobra.Command{Use: "org", Short: "Manage organizations"}
	org.AddCommand(orgCreateCmd())
	org.AddCommand(orgListCmd())
	org.AddCommand(orgShowCmd())
	org.AddCommand(orgConfigCmd())
	return org
}

func orgCreateCmd() *cobra.Command {
	var name, slug, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			if slug == "" {
				return fmt.Errorf("--slug required")
			}
			if name == "" {
				name = slug
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.CreateOrg(ctx, engine.OrgCreateOptions{
					Name: name, Slug: slug, Description: desc,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "organization name")
	cmd.Flags().StringVar(&slug, "slug", "", "organization slug")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	return cmd
}

func orgListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List organizations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListOrgs(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Slug", "Name", "Created"})
				for _, o := range items {
					tw.AppendRow(table.Row{o.ID, o.Slug, o.Name, o.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func orgShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show active organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrg(cmd.Context(), func(ctx context.Context, e engine.Engine, o domain.Organization) error {
				return printJSONOrTable(o)
			})
		},
	}
}

func orgConfigCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Org configuration"}
	var file string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import stagegate.yml and apply its ladder",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			raw, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(raw)
			if err != nil {
				return err
			}
			return withOrg(cmd.Context(), func(ctx context.Context, e engine.Engine, o domain.Organization) error {
				e.Config = cfg
				if err := e.Repo.SaveOrgConfig(ctx, nil, o.ID, string(raw)); err != nil {
					return err
				}
				stages := make([]domain.LadderStage, 0, len(cfg.Ladder.Stages))
				for _, s := range cfg.Ladder.Stages {
					stages = append(stages, domain.LadderStage{
						Name: s.Name, OrderIndex: s.OrderIndex, RiskLevel: s.RiskLevel,
						RequiresApproval: s.RequiresApproval, ApprovalType: s.ApprovalType,
						UseCaseRefRequired: s.UseCaseRefRequired,
					})
				}
				applied, err := e.PutLadder(ctx, o.ID, stages, viper.GetString("actor-id"), "")
				if err != nil {
					return err
				}
				fmt.Printf("applied %d ladder stages for %s\n", len(applied), o.Slug)
				return nil
			})
		},
	}
	importCmd.Flags().StringVar(&file, "file", "", "path to stagegate.yml")
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the org's stored config YAML, or the default template",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withOrg(cmd.Context(), func(ctx context.Context, e engine.Engine, o domain.Organization) error {
				raw, err := e.Repo.GetOrgConfig(ctx, o.ID)
				if err != nil {
					return err
				}
				fmt.Print(raw)
				return nil
			})
			if err != nil {
				slug := viper.GetString("org")
				if slug == "" {
					slug = "default"
				}
				fmt.Print(config.GenerateDefault(slug))
			}
			return nil
		},
	}
	cfgCmd.AddCommand(importCmd)
	cfgCmd.AddCommand(showCmd)
	return cfgCmd
}

// --- project ---

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	var name, desc string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withOrg(cmd.Context(), func(ctx context.Context, e engine.Engine, o domain.Organization) error {
				p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
					OrgID: o.ID, Name: name, Description: desc,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "project name")
	create.Flags().StringVar(&desc, "description", "", "description")
	list := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrg(cmd.Context(), func(ctx context.Context, e engine.Engine, o domain.Organization) error {
				items, err := e.Repo.ListProjects(ctx, o.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	show := &cobra.Command{
		Use:   "show",
		Short: "Show project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrg(cmd.Context(), func(ctx context.Context, e engine.Engine, o domain.Organization) error {
				p, err := app.ResolveProject(ctx, e.Repo, o.ID, viper.GetString("project"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	prj.AddCommand(create, list, show)
	return prj
}

// --- baseline ---

func baselineCmd() *cobra.Command {
	base := &cobra.Command{Use: "baseline", Short: "Org policy baseline revisions"}
	var file, schemaVersion string
	set := &cobra.Command{
		Use:   "set",
		Short: "Publish a new baseline revision from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var doc struct {
				SchemaVersion string                    `json:"schema_version"`
				Defaults      map[string]any            `json:"defaults"`
				EnvOverrides  map[string]map[string]any `json:"env_overrides"`
			}
			if err := json.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("parse baseline file: %w", err)
			}
			if schemaVersion != "" {
				doc.SchemaVersion = schemaVersion
			}
			return withOrg(cmd.Context(), func(ctx context.Context, e engine.Engine, o domain.Organization) error {
				b, err := e.SetBaseline(ctx, engine.BaselineSetOptions{
					OrgID:         o.ID,
					SchemaVersion: doc.SchemaVersion,
					Defaults:      doc.Defaults,
					EnvOverrides:  doc.EnvOverrides,
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				fmt.Printf("published baseline revision %d (hash %s)\n", b.Revision, b.Integrity.Hash)
				return nil
			})
		},
	}
	set.Flags().StringVar(&file, "file", "", "baseline JSON file")
	set.Flags().StringVar(&schemaVersion, "schema-version", "", "override schema version")
	show := &cobra.Command{
		Use:   "show",
		Short: "Show latest baseline revision",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrg(cmd.Context(), func(ctx context.Context, e engine.Engine, o domain.Organization) error {
				b, err := e.Repo.LatestBaseline(ctx, o.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	base.AddCommand(set, show)
	return base
}

// --- app spec ---

func appspecCmd() *cobra.Command {
	spec := &cobra.Command{Use: "appspec", Short: "Project app spec"}
	var file, schemaVersion string
	set := &cobra.Command{
		Use:   "set",
		Short: "Declare the project's app spec from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var constraints map[string]any
			if err := json.Unmarshal(data, &constraints); err != nil {
				return fmt.Errorf("parse app spec file: %w", err)
			}
			if schemaVersion == "" {
				schemaVersion = "1.0"
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project) error {
				s, err := e.PutAppSpec(ctx, engine.AppSpecPutOptions{
					ProjectID:     p.ID,
					SchemaVersion: schemaVersion,
					Constraints:   constraints,
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	set.Flags().StringVar(&file, "file", "", "constraints JSON file")
	set.Flags().StringVar(&schemaVersion, "schema-version", "", "spec schema version")
	show := &cobra.Command{
		Use:   "show",
		Short: "Show the project's app spec",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project) error {
				s, err := e.Repo.GetAppSpec(ctx, p.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	spec.AddCommand(set, show)
	return spec
}

// --- environment profiles ---

func envCmd() *cobra.Command {
	env := &cobra.Command{Use: "env", Short: "Environment profiles"}
	var environment, stage, riskLevel, autonomy, approvalLevel string
	var allow, block []string
	set := &cobra.Command{
		Use:   "set",
		Short: "Create or update an environment profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			if environment == "" {
				return fmt.Errorf("--environment required")
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project) error {
				prof, err := e.UpsertProfile(ctx, engine.ProfileUpsertOptions{
					ProjectID:     p.ID,
					Environment:   environment,
					Stage:         stage,
					RiskLevel:     riskLevel,
					AutonomyMode:  autonomy,
					AllowedCaps:   allow,
					BlockedCaps:   block,
					ApprovalLevel: approvalLevel,
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(prof)
			})
		},
	}
	set.Flags().StringVar(&environment, "environment", "", "environment name")
	set.Flags().StringVar(&stage, "stage", "", "ladder stage (defaults to first stage)")
	set.Flags().StringVar(&riskLevel, "risk-level", "", "low|medium|high|critical")
	set.Flags().StringVar(&autonomy, "autonomy", "", "manual|assisted|supervised|autonomous")
	set.Flags().StringVar(&approvalLevel, "approval-level", "", "approval level")
	set.Flags().StringArrayVar(&allow, "allow", nil, "allowed capability (repeatable)")
	set.Flags().StringArrayVar(&block, "block", nil, "blocked capability (repeatable)")
	list := &cobra.Command{
		Use:   "list",
		Short: "List environment profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project) error {
				items, err := e.Repo.ListProfiles(ctx, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Environment", "Stage", "Risk", "Autonomy"})
				for _, pr := range items {
					tw.AppendRow(table.Row{pr.Environment, pr.Stage, pr.RiskLevel, pr.AutonomyMode})
				}
				tw.Render()
				return nil
			})
		},
	}
	env.AddCommand(set, list)
	return env
}

// --- ladder ---

func ladderCmd() *cobra.Command {
	lad := &cobra.Command{Use: "ladder", Short: "Promotion ladder"}
	show := &cobra.Command{
		Use:   "show",
		Short: "Show the org's promotion ladder",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrg(cmd.Context(), func(ctx context.Context, e engine.Engine, o domain.Organization) error {
				stages, err := e.Repo.ListLadderStages(ctx, o.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stages)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Order", "Stage", "Risk", "Approval", "Use-case ref"})
				for _, s := range stages {
					approval := "-"
					if s.RequiresApproval {
						approval = s.ApprovalType
					}
					useCase := ""
					if s.UseCaseRefRequired {
						useCase = "required"
					}
					tw.AppendRow(table.Row{s.OrderIndex, s.Name, s.RiskLevel, approval, useCase})
				}
				tw.Render()
				return nil
			})
		},
	}
	lad.AddCommand(show)
	return lad
}

// --- compile / packages / promote ---

func compileCmd() *cobra.Command {
	var environment string
	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Compile and seal a policy package",
		RunE: func(cmd *cobra.Command, args []string) error {
			if environment == "" {
				return fmt.Errorf("--environment required")
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project) error {
				pkg, err := e.CompilePackage(ctx, engine.CompileOptions{
					ProjectID:     p.ID,
					Environment:   environment,
					ActorID:       viper.GetString("actor-id"),
					CorrelationID: domain.NewCorrelationID(),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(pkg)
				}
				fmt.Printf("compiled %s for %s/%s\n  tier: %s\n  stage: %s\n  hash: %s (%s)\n",
					pkg.ID, p.Name, pkg.Environment, pkg.Tier, pkg.Stage, pkg.Integrity.Hash, pkg.Integrity.HashAlg)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&environment, "environment", "", "environment to compile for")
	return cmd
}

func packageCmd() *cobra.Command {
	pkg := &cobra.Command{Use: "package", Short: "Compiled packages"}
	var includeSuperseded bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List compiled packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project) error {
				items, err := e.Repo.ListPackages(ctx, p.ID, includeSuperseded)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Env", "Stage", "Tier", "Hash", "Superseded"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Environment, it.Stage, it.Tier, it.Integrity.Hash, it.Superseded})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().BoolVar(&includeSuperseded, "all", false, "include superseded packages")
	show := &cobra.Command{
		Use:   "show <package-id>",
		Short: "Show a compiled package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetPackage(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	verify := &cobra.Command{
		Use:   "verify <package-id>",
		Short: "Verify a package's content hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ok, p, err := e.VerifyPackage(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("package %s FAILED verification: stored policy no longer matches sealed hash %s", p.ID, p.Integrity.Hash)
				}
				fmt.Printf("package %s verified (hash %s, %s)\n", p.ID, p.Integrity.Hash, p.Integrity.HashAlg)
				return nil
			})
		},
	}
	pkg.AddCommand(list, show, verify)
	return pkg
}

func promoteCmd() *cobra.Command {
	var toStage, approvalType, approver, useCaseRef string
	cmd := &cobra.Command{
		Use:   "promote <package-id>",
		Short: "Promote or demote a package on the ladder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if toStage == "" {
				return fmt.Errorf("--to required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pkg, err := e.PromotePackage(ctx, engine.PromoteOptions{
					PackageID:     args[0],
					ToStage:       toStage,
					ApprovalType:  approvalType,
					Approver:      approver,
					UseCaseRef:    useCaseRef,
					ActorID:       viper.GetString("actor-id"),
					CorrelationID: domain.NewCorrelationID(),
				})
				if err != nil {
					return err
				}
				fmt.Printf("package %s now at stage %s\n", pkg.ID, pkg.Stage)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&toStage, "to", "", "target stage")
	cmd.Flags().StringVar(&approvalType, "approval-type", "", "approval type (e.g. peer, security)")
	cmd.Flags().StringVar(&approver, "approver", "", "approver identity")
	cmd.Flags().StringVar(&useCaseRef, "use-case-ref", "", "use-case reference")
	return cmd
}

// --- signals ---

func signalCmd() *cobra.Command {
	sig := &cobra.Command{Use: "signal", Short: "Risk signals"}
	var severity, category, sigContext string
	add := &cobra.Command{
		Use:   "add",
		Short: "Record a risk signal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project) error {
				s, err := e.IngestSignal(ctx, engine.SignalIngestOptions{
					ProjectID: p.ID,
					Severity:  severity,
					Category:  category,
					Context:   sigContext,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	add.Flags().StringVar(&severity, "severity", "", "low|medium|high|critical")
	add.Flags().StringVar(&category, "category", "", "signal category")
	add.Flags().StringVar(&sigContext, "context", "", "free-form context")
	list := &cobra.Command{
		Use:   "list",
		Short: "List risk signals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project) error {
				items, err := e.Repo.ListRiskSignals(ctx, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Severity", "Category", "Created"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Severity, s.Category, s.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	tierCmd := &cobra.Command{
		Use:   "tier",
		Short: "Preview the tier selected from current signals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project) error {
				preview, err := e.PreviewTier(ctx, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"project_id":   p.ID,
						"tier":         preview.Tier,
						"defaults":     preview.Defaults,
						"signal_count": preview.SignalCount,
					})
				}
				fmt.Printf("tier %s selected from %d signals\n", preview.Tier, preview.SignalCount)
				return nil
			})
		},
	}
	sig.AddCommand(add, list, tierCmd)
	return sig
}

// --- jobs ---

func jobCmd() *cobra.Command {
	job := &cobra.Command{Use: "job", Short: "Background jobs"}
	var kind, environment string
	var dataJSON string
	submit := &cobra.Command{
		Use:   "submit",
		Short: "Submit a task packet",
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind == "" {
				return fmt.Errorf("--kind required")
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project) error {
				var data map[string]any
				if dataJSON != "" {
					if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
						return fmt.Errorf("parse --data: %w", err)
					}
				}
				coord := newCoordinator(e)
				j, err := coord.Submit(ctx, domain.TaskPacket{
					ProjectID:     p.ID,
					Environment:   environment,
					Kind:          kind,
					Data:          data,
					CorrelationID: domain.NewCorrelationID(),
				})
				if err != nil {
					return err
				}
				coord.Wait()
				j, err = e.Repo.GetJob(ctx, j.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	submit.Flags().StringVar(&kind, "kind", "", "job type (compile, verify)")
	submit.Flags().StringVar(&environment, "environment", "", "environment for compile packets")
	submit.Flags().StringVar(&dataJSON, "data", "", "packet data JSON")
	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListJobs(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Correlation", "Created"})
				for _, j := range items {
					tw.AppendRow(table.Row{j.ID, j.Type, j.Status, j.CorrelationID, j.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "status filter")
	show := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				j, err := r.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cancel := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := newCoordinator(e).Cancel(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("job %s is now %s\n", j.ID, j.Status)
				return nil
			})
		},
	}
	job.AddCommand(submit, list, show, cancel)
	return job
}

// newCoordinator wires the built-in workers. The compile worker lets policy
// recompilation run as a traced background job instead of inline.
func newCoordinator(e engine.Engine) *jobs.Coordinator {
	reg := jobs.NewRegistry()
	reg.Register("compile", jobs.WorkerFunc(func(ctx context.Context, packet domain.TaskPacket) (string, error) {
		env := packet.Environment
		if env == "" {
			if v, ok := packet.Data["environment"].(string); ok {
				env = v
			}
		}
		pkg, err := e.CompilePackage(ctx, engine.CompileOptions{
			ProjectID:     packet.ProjectID,
			Environment:   env,
			ActorID:       "coordinator",
			CorrelationID: packet.CorrelationID,
		})
		if err != nil {
			return "", err
		}
		return pkg.ID, nil
	}))
	reg.Register("scan.ingest", jobs.WorkerFunc(func(ctx context.Context, packet domain.TaskPacket) (string, error) {
		str := func(k string) string {
			v, _ := packet.Data[k].(string)
			return v
		}
		s, err := e.IngestSignal(ctx, engine.SignalIngestOptions{
			ProjectID:     packet.ProjectID,
			Severity:      str("severity"),
			Category:      str("category"),
			Context:       str("context"),
			ActorID:       "coordinator",
			CorrelationID: packet.CorrelationID,
		})
		if err != nil {
			return "", err
		}
		return s.ID, nil
	}))
	reg.Register("verify", jobs.WorkerFunc(func(ctx context.Context, packet domain.TaskPacket) (string, error) {
		items, err := e.Repo.ListPackages(ctx, packet.ProjectID, false)
		if err != nil {
			return "", err
		}
		for _, p := range items {
			ok, _, err := e.VerifyPackage(ctx, p.ID)
			if err != nil {
				return "", err
			}
			if !ok {
				return "", fmt.Errorf("package %s failed integrity verification", p.ID)
			}
		}
		return fmt.Sprintf("verified %d packages", len(items)), nil
	}))
	timeout := 5 * time.Minute
	if e.Config != nil {
		timeout = e.Config.JobTimeout()
	}
	return jobs.NewCoordinator(e.Repo, e.Events, reg, timeout)
}

// --- event log ---

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	var correlationID string
	var limit int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrg(cmd.Context(), func(ctx context.Context, e engine.Engine, o domain.Organization) error {
				items, err := e.Events.List(ctx, o.ID, correlationID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Entity", "Actor", "Correlation"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.TS, ev.Type, ev.EntityKind + ":" + ev.EntityID, ev.ActorID, ev.CorrelationID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().StringVar(&correlationID, "correlation-id", "", "filter by correlation id")
	tail.Flags().IntVar(&limit, "limit", 50, "max events")
	log.AddCommand(tail)
	return log
}

// --- api keys ---

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "API keys for the HTTP server"}
	var actorID, name, rawKey string
	create := &cobra.Command{
		Use:   "create",
		Short: "Register an API key (stores only its hash)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if rawKey == "" {
				return fmt.Errorf("--key required")
			}
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				k := domain.APIKey{
					ID:      domain.NewID("key"),
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(rawKey),
				}
				if err := r.InsertAPIKey(ctx, nil, k); err != nil {
					return err
				}
				fmt.Printf("registered api key %s for actor %s\n", k.ID, k.ActorID)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "key label")
	create.Flags().StringVar(&rawKey, "key", "", "the key value to hash and store")
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	del := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	key.AddCommand(create, list, del)
	return key
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrg(cmd.Context(), func(ctx context.Context, e engine.Engine, o domain.Organization) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("STAGEGATE_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("STAGEGATE_JWT_SECRET is required for bearer auth")
				}
				ttl := 24 * time.Hour
				if e.Config != nil {
					ttl = e.Config.IdempotencyTTL()
				}
				coord := newCoordinator(e)
				handler, err := server.New(server.Config{
					Engine:         e,
					Coordinator:    coord,
					BasePath:       basePath,
					Auth:           authCfg,
					IdempotencyTTL: ttl,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
					coord.Wait()
				}()
				fmt.Printf("Serving Stagegate API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = config.Default(viper.GetString("org"))
	}
	return fn(ctx, engine.New(conn, cfg))
}

func withOrg(ctx context.Context, fn func(context.Context, engine.Engine, domain.Organization) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	e := engine.New(conn, nil)
	o, cfg, err := app.ResolveOrgAndConfig(ctx, workspace, viper.GetString("org"), viper.GetString("actor-id"), e)
	if err != nil {
		return err
	}
	e.Config = cfg
	return fn(ctx, e, o)
}

func withProject(ctx context.Context, fn func(context.Context, engine.Engine, domain.Project) error) error {
	return withOrg(ctx, func(ctx context.Context, e engine.Engine, o domain.Organization) error {
		p, err := app.ResolveProject(ctx, e.Repo, o.ID, viper.GetString("project"))
		if err != nil {
			return err
		}
		return fn(ctx, e, p)
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}
