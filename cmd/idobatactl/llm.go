package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/digitaldemocracy2030/idobata/internal/llm"
)

func newLLMCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "llm",
		Short: "LLM connection tools",
	}

	var model string
	test := &cobra.Command{
		Use:   "test",
		Short: "Send a test prompt to the configured OpenRouter model",
		Long: `Send a short test prompt and print the answer.

--model accepts a full model id or one of the short names:
gemini-flash, gemini-pro, claude-3-haiku, gpt-4, ...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if short, ok := llm.RecommendedModels[model]; ok {
				model = short
			}
			client, err := llm.New(llm.Config{
				BaseURL:      cfg.LLM.BaseURL,
				APIKey:       cfg.LLM.APIKey.Value(),
				DefaultModel: cfg.LLM.DefaultModel,
				ProModel:     cfg.LLM.ProModel,
				Timeout:      cfg.LLM.Timeout.Duration(),
				MaxRetries:   cfg.LLM.MaxRetries,
				Referer:      cfg.LLM.Referer,
				Title:        cfg.LLM.Title,
			}, llm.WithLogger(logger))
			if err != nil {
				return err
			}
			answer, err := client.Test(cmd.Context(), model)
			if err != nil {
				return err
			}
			used := model
			if used == "" {
				used = client.DefaultModel()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Model: %s\n%s\n", used, answer)
			return nil
		},
	}
	test.Flags().StringVar(&model, "model", "", "model id or short name (default from config)")

	cmd.AddCommand(test)
	return cmd
}
