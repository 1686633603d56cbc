package cli

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nsai-detect/backend/internal/kg/neo4j"
	"github.com/nsai-detect/backend/internal/pipeline"
	"github.com/nsai-detect/backend/internal/symbolic"
)

var (
	rulesSet         string
	rulesSkipClasses bool
)

var errGraphDisabled = errors.New("neo4j is not enabled (set neo4j.enabled)")

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect rule files and manage rule sets in the knowledge graph",
}

var rulesCheckCmd = &cobra.Command{
	Use:   "check <source>",
	Short: "Load a rules source and report usable and rejected rules",
	Args:  cobra.ExactArgs(1),
	RunE:  runRulesCheck,
}

var rulesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a rule file into the knowledge graph",
	Long: `Import reads confidence_modifier facts (or a YAML rule list) and replaces
a named rule set in neo4j with them. Jobs then reference the set as
neo4j://<set>.

Examples:
  nsai rules import rules.pl
  nsai rules import aerial.yaml --set aerial`,
	Args: cobra.ExactArgs(1),
	RunE: runRulesImport,
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rule sets stored in the knowledge graph",
	RunE:  runRulesList,
}

func init() {
	rulesImportCmd.Flags().StringVarP(&rulesSet, "set", "s", "", "rule set name (default: file name without extension)")
	rulesImportCmd.Flags().BoolVar(&rulesSkipClasses, "skip-classes", false, "do not upsert the class map")

	rulesCmd.AddCommand(rulesCheckCmd)
	rulesCmd.AddCommand(rulesImportCmd)
	rulesCmd.AddCommand(rulesListCmd)
}

func runRulesCheck(cmd *cobra.Command, args []string) error {
	raw, err := svc.Rules.LoadRules(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	rs, rejected := symbolic.NewRuleSet(args[0], raw)
	printf(cmd, "%d usable rule(s), %d rejected\n", rs.Len(), len(rejected))
	for _, r := range rs.Rules() {
		printf(cmd, "  %-8s %-40s %.3f\n", r.Relation(), r.Pair(), r.Weight)
	}
	for _, msg := range rejected {
		printf(cmd, "  rejected: %s\n", msg)
	}
	return nil
}

func runRulesImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	b := svc.RuleBuilder()
	if b == nil {
		return errGraphDisabled
	}

	set := rulesSet
	if set == "" {
		set = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
	}

	if !rulesSkipClasses {
		classMap := pipeline.DefaultJobConfig(cfg.Pipeline).ClassMap
		if err := b.InitializeClasses(ctx, classMap); err != nil {
			return err
		}
	}

	result, err := b.ImportRules(ctx, args[0], set)
	if err != nil {
		return err
	}

	printf(cmd, "Imported %d rule(s) into %q (%d duplicate(s), %d rejected)\n",
		result.Imported, result.RuleSet, result.Duplicates, len(result.Rejected))
	printf(cmd, "Use rules_source %q\n", neo4j.Scheme+"://"+result.RuleSet)
	return nil
}

func runRulesList(cmd *cobra.Command, args []string) error {
	if svc.Graph == nil {
		return errGraphDisabled
	}

	sets, err := svc.Graph.ListRuleSets(cmd.Context())
	if err != nil {
		return fmt.Errorf("list rule sets: %w", err)
	}
	if len(sets) == 0 {
		printf(cmd, "No rule sets found.\n")
		return nil
	}
	for _, s := range sets {
		printf(cmd, "%s://%s\n", neo4j.Scheme, s)
	}
	return nil
}
