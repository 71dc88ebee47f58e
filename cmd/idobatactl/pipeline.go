package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/digitaldemocracy2030/idobata/internal/services"
	"github.com/digitaldemocracy2030/idobata/internal/workflows"
)

// Pipeline commands run synchronously in this process, whatever
// dispatcher the server uses.

func newQuestionsCmd() *cobra.Command {
	questions := &cobra.Command{
		Use:   "questions",
		Short: "Sharp question pipeline",
	}
	questions.AddCommand(&cobra.Command{
		Use:   "generate <themeId>",
		Short: "Generate sharp questions for a theme and link them to its problems and solutions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), services.Options{}, func(reg *services.Registry, logger *zap.Logger) error {
				res, err := workflows.RunQuestionPipeline(cmd.Context(), reg.Activities(), workflows.QuestionPipelineInput{ThemeID: strings.TrimSpace(args[0])})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Generated %d questions, stored %d links\n", len(res.QuestionIDs), res.Links)
				for _, id := range res.QuestionIDs {
					fmt.Fprintf(out, "  %s\n", id)
				}
				for _, e := range res.Errors {
					fmt.Fprintf(out, "  error: %s\n", e)
				}
				return nil
			})
		},
	})
	return questions
}

func newPolicyCmd() *cobra.Command {
	policy := &cobra.Command{
		Use:   "policy",
		Short: "Policy draft pipeline",
	}
	policy.AddCommand(&cobra.Command{
		Use:   "generate <questionId>",
		Short: "Write a policy draft for a sharp question",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			if err := (workflows.PolicyDraftInput{QuestionID: id}).Validate(); err != nil {
				return err
			}
			return withRegistry(cmd.Context(), services.Options{}, func(reg *services.Registry, logger *zap.Logger) error {
				res, err := reg.Activities().GeneratePolicyDraft(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Stored draft %s: %s\n", res.DraftID, res.Title)
				return nil
			})
		},
	})
	return policy
}

func newExtractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract <threadId>",
		Short: "Re-run problem and solution extraction for a chat thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			if err := (workflows.ExtractionInput{ThreadID: id}).Validate(); err != nil {
				return err
			}
			return withRegistry(cmd.Context(), services.Options{}, func(reg *services.Registry, logger *zap.Logger) error {
				res, err := reg.Activities().ExtractThread(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added %d, updated %d, skipped %d\n", res.Added, res.Updated, res.Skipped)
				return nil
			})
		},
	}
}
