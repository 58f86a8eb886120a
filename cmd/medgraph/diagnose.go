package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dshills/medgraph/internal/session"
)

func (c *cli) diagnoseCmd() *cobra.Command {
	var (
		symptoms     []string
		maxQuestions int
		asJSON       bool
	)
	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Run an interactive diagnostic session in the terminal",
		Long: `diagnose starts a session for the given symptoms, asks the clarifying
questions on stdout and reads one answer per line from stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := session.StartRequest{Symptoms: symptoms}
			if cmd.Flags().Changed("max-questions") {
				req.MaxQuestions = &maxQuestions
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, c.cfg, c.log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			res, err := converse(ctx, a.sessions, req, cmd.InOrStdin(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			printDiagnosis(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&symptoms, "symptom", "s", nil, "observed symptom, repeatable")
	cmd.Flags().IntVar(&maxQuestions, "max-questions", 0, "clarifying question limit, defaults to the configured one")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the final result as JSON")
	_ = cmd.MarkFlagRequired("symptom")
	return cmd
}

// sessionClient is the part of the session service a conversation needs.
type sessionClient interface {
	Start(ctx context.Context, req session.StartRequest) (session.Result, error)
	Answer(ctx context.Context, sessionID string, answers map[string]string) (session.Result, error)
}

// converse drives a session until it produces a diagnosis, answering each
// round of questions from in.
func converse(ctx context.Context, sessions sessionClient, req session.StartRequest, in io.Reader, out io.Writer) (session.Result, error) {
	res, err := sessions.Start(ctx, req)
	if err != nil {
		return res, err
	}
	lines := bufio.NewScanner(in)

	for res.Type == session.TypeQuestion {
		if p := res.Progress; p != nil {
			fmt.Fprintf(out, "\nQuestions %d of %d\n", p.QuestionsAsked, p.MaxQuestions)
		}
		answers := make(map[string]string, len(res.Questions))
		for _, q := range res.Questions {
			fmt.Fprintf(out, "%s\n> ", q.QuestionText)
			if !lines.Scan() {
				if err := lines.Err(); err != nil {
					return res, fmt.Errorf("read answer: %w", err)
				}
				return res, errors.New("input closed before all questions were answered")
			}
			if a := strings.TrimSpace(lines.Text()); a != "" {
				answers[q.ID] = a
			}
		}
		if len(answers) == 0 {
			fmt.Fprintln(out, "Please answer at least one question.")
			continue
		}
		if res, err = sessions.Answer(ctx, res.SessionID, answers); err != nil {
			return res, err
		}
	}

	if res.Type == session.TypeError {
		return res, fmt.Errorf("session %s: %s", res.SessionID, res.Message)
	}
	return res, nil
}

func printDiagnosis(w io.Writer, res session.Result) {
	fmt.Fprintf(w, "\nSession %s\n", res.SessionID)
	if len(res.SymptomsAnalyzed) > 0 {
		fmt.Fprintf(w, "Symptoms analyzed: %s\n", strings.Join(res.SymptomsAnalyzed, ", "))
	}
	if res.Summary != nil && res.Summary.TopPrediction == nil {
		fmt.Fprintln(w, res.Summary.Message)
		return
	}

	fmt.Fprintln(w, "\nPredictions:")
	for i, p := range res.Predictions {
		fmt.Fprintf(w, "%d. %s  %.0f%% (%s)\n", i+1, p.Disease, p.Probability*100, p.Confidence)
		if p.Explanation != "" {
			fmt.Fprintf(w, "   %s\n", p.Explanation)
		}
		if len(p.Precautions) > 0 {
			fmt.Fprintf(w, "   Precautions: %s\n", strings.Join(p.Precautions, "; "))
		}
	}
	if s := res.Summary; s != nil {
		fmt.Fprintf(w, "\n%s\n", s.Recommendation)
	}
	if u := res.Usage; u != nil && u.ModelCalls > 0 {
		fmt.Fprintf(w, "Model calls: %d, tokens in/out: %d/%d, cost: %.4f %s\n",
			u.ModelCalls, u.InputTokens, u.OutputTokens, u.Cost, u.Currency)
	}
}
