package main

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/agrisense/agrisense-cli/internal/advisor"
	"github.com/agrisense/agrisense-cli/pkg/anthropic"
)

var askPlanCrop string

var askCmd = &cobra.Command{
	Use:   "ask [question...]",
	Short: "Ask the advisory model",
	Long:  "Sends a free-form farming question to the completion model. With --plan-crop, requests a dated schedule and stores it.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("ask"); err != nil {
			return err
		}

		ctx := cmd.Context()
		question := strings.Join(args, " ")

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return err
		}

		a := advisor.New(anthropic.NewClient(cfg.Advisor.Key), st, advisor.Options{
			Model:     cfg.Advisor.Model,
			MaxTokens: cfg.Advisor.MaxTokens,
		})

		if askPlanCrop != "" {
			steps, err := a.PlanCrop(ctx, question, askPlanCrop, "")
			if err != nil {
				return eris.Wrap(err, "ask")
			}
			for _, s := range steps {
				fmt.Printf("%s  %s\n", s.Date, s.Event)
				if s.Reason != "" {
					fmt.Printf("    %s\n", s.Reason)
				}
			}
			return nil
		}

		answer, err := a.Ask(ctx, question)
		if err != nil {
			return eris.Wrap(err, "ask")
		}
		fmt.Println(answer.Text)
		return nil
	},
}

func init() {
	askCmd.Flags().StringVar(&askPlanCrop, "plan-crop", "", "generate and store a plan for this crop instead of a free-form answer")
	rootCmd.AddCommand(askCmd)
}
