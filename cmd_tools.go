package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Perceptus-Labs/perceptus-guide/classifier"
	"github.com/Perceptus-Labs/perceptus-guide/knowledge"
	"github.com/Perceptus-Labs/perceptus-guide/matcher"
	"github.com/spf13/cobra"
)

var classifyCmd = &cobra.Command{
	Use:   "classify <query...>",
	Short: "Show the intent a query classifies to",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res := classifier.Default().Classify(strings.Join(args, " "))
		rule := res.Rule
		if rule == "" {
			rule = "-"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "intent=%s rule=%s confidence=%.2f\n", res.Intent, rule, res.Confidence)
		return nil
	},
}

var kbCmd = &cobra.Command{
	Use:   "kb",
	Short: "Knowledge base tools",
}

var kbCheckCmd = &cobra.Command{
	Use:   "check [path]",
	Short: "Load a knowledge base and report skipped entries",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfg.KnowledgePath
		if len(args) == 1 {
			path = args[0]
		}
		kb, err := knowledge.LoadPath(path, logger)
		if err != nil && !errors.Is(err, knowledge.ErrEmpty) {
			return err
		}

		out := cmd.OutOrStdout()
		for _, t := range kb.Tasks() {
			fmt.Fprintf(out, "%s (%s): %d steps\n", t.ID, t.Title, len(t.Steps))
			for _, s := range t.Steps {
				fmt.Fprintf(out, "  %d. %s [%s]\n", s.StepIndex, s.Title, strings.Join(s.VisualCues, ", "))
			}
		}
		for _, is := range kb.Issues() {
			where := is.TaskID
			if is.Step > 0 {
				where = fmt.Sprintf("%s step %d", is.TaskID, is.Step)
			}
			fmt.Fprintf(out, "SKIPPED %s %s: %s\n", is.Source, where, is.Reason)
		}
		return err
	},
}

var matchTopK int

var matchCmd = &cobra.Command{
	Use:   "match <observation...>",
	Short: "Rank knowledge-base steps against a scene description",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		kb, err := knowledge.LoadPath(cfg.KnowledgePath, logger)
		if err != nil {
			return err
		}
		st, err := newStack(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		mcfg := matcherConfig(cfg)
		if matchTopK > 0 {
			mcfg.TopK = matchTopK
		}
		m, err := matcher.New(st.embedder, st.index, mcfg, logger)
		if err != nil {
			return err
		}
		if err := m.Index(ctx, kb.Steps()); err != nil {
			return err
		}
		results, err := m.Match(ctx, matcher.Request{Text: strings.Join(args, " ")})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(results) == 0 {
			fmt.Fprintln(out, "no candidates")
		}
		for i, r := range results {
			step, _ := m.Step(r.TaskID, r.StepIndex)
			fmt.Fprintf(out, "%d. %s#%d %-6s %.3f  %s\n", i+1, r.TaskID, r.StepIndex, r.Tier, r.Similarity, step.Title)
		}
		return nil
	},
}

func init() {
	matchCmd.Flags().IntVarP(&matchTopK, "top", "k", 0, "Number of candidates (default GUIDE_TOP_K)")
}
