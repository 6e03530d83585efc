package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vivitsaS/drive-qa/engine/app"
	"github.com/vivitsaS/drive-qa/engine/domain"
	"github.com/vivitsaS/drive-qa/engine/rag"
	"github.com/vivitsaS/drive-qa/pkg/fn"
)

// queryFlags are the location flags shared by prompt, ask and batch.
type queryFlags struct {
	scene    string
	keyframe string
	category string
	serial   int
}

func (q *queryFlags) register(cmd *cobra.Command, withSerial bool) {
	cmd.Flags().StringVarP(&q.scene, "scene", "s", "1", "Scene serial or token")
	cmd.Flags().StringVarP(&q.keyframe, "keyframe", "k", "1", "Keyframe serial or token")
	cmd.Flags().StringVarP(&q.category, "category", "t", "perception", "QA category: perception, prediction, planning or behavior")
	if withSerial {
		cmd.Flags().IntVarP(&q.serial, "serial", "n", 1, "QA pair serial within the category")
	}
}

func (q *queryFlags) query() (domain.Query, error) {
	var out domain.Query
	var err error
	if out.Scene, err = domain.ParseRef(q.scene); err != nil {
		return out, err
	}
	if out.Keyframe, err = domain.ParseRef(q.keyframe); err != nil {
		return out, err
	}
	if out.Category, err = domain.ParseCategory(q.category); err != nil {
		return out, err
	}
	out.Serial = q.serial
	return out, nil
}

func newScenesCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "scenes",
		Short: "List dataset scenes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.build(cmd, true)
			if err != nil {
				return err
			}
			scenes, err := a.Store.Scenes()
			if err != nil {
				return err
			}
			if ctx.jsonOutput(cmd) {
				return writeJSON(cmd, scenes)
			}
			rows := make([][]string, len(scenes))
			for i, s := range scenes {
				rows[i] = []string{strconv.Itoa(s.Serial), s.Token, s.Name, strconv.Itoa(s.Samples), strconv.Itoa(s.Keyframes)}
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"#", "Token", "Name", "Samples", "Keyframes"}, rows, 0, 3, 4))
			return nil
		},
	}
}

func newPromptCommand(ctx *commandContext) *cobra.Command {
	var q queryFlags
	var question string

	cmd := &cobra.Command{
		Use:   "prompt",
		Short: "Render the prompt for one QA pair without calling the model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			query, err := q.query()
			if err != nil {
				return err
			}
			query.Question = question
			if err := domain.ValidateQuery(query); err != nil {
				return err
			}
			a, err := ctx.build(cmd, true)
			if err != nil {
				return err
			}
			res := a.Assembler.Render(cmd.Context(), query)
			rendered, err := res.Unwrap()
			if err != nil {
				return err
			}
			if res.IsWarning() {
				fmt.Fprintln(stderr(cmd), "warning:", res.Message())
			}
			if ctx.jsonOutput(cmd) {
				return writeJSON(cmd, map[string]any{
					"prompt":  rendered.Prompt,
					"images":  len(rendered.Bundle.Frames),
					"missing": rendered.Bundle.Missing,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), rendered.Prompt)
			return nil
		},
	}
	q.register(cmd, true)
	cmd.Flags().StringVarP(&question, "question", "q", "", "Ask this instead of the dataset question")
	return cmd
}

func newAskCommand(ctx *commandContext) *cobra.Command {
	var q queryFlags
	var question string
	var showPrompt, remote bool

	cmd := &cobra.Command{
		Use:   "ask",
		Short: "Answer one QA pair with the model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			query, err := q.query()
			if err != nil {
				return err
			}
			query.Question = question
			var res fn.Result[*rag.Response]
			if remote {
				if showPrompt {
					return errors.New("--show-prompt is not available with --remote")
				}
				cfg, err := ctx.ensureConfig()
				if err != nil {
					return err
				}
				if res, err = askRemote(cmd.Context(), cfg, query); err != nil {
					return err
				}
			} else {
				var extra []app.Option
				if showPrompt {
					extra = append(extra, app.WithPrompt())
				}
				a, err := ctx.build(cmd, false, extra...)
				if err != nil {
					return err
				}
				res = a.Service.Ask(cmd.Context(), query)
			}
			if ctx.jsonOutput(cmd) {
				if err := writeJSON(cmd, res); err != nil {
					return err
				}
			} else {
				printAnswer(cmd, res)
			}
			return failure(res)
		},
	}
	q.register(cmd, true)
	cmd.Flags().StringVarP(&question, "question", "q", "", "Ask this instead of the dataset question")
	cmd.Flags().BoolVar(&showPrompt, "show-prompt", false, "Include the rendered prompt in the output")
	cmd.Flags().BoolVar(&remote, "remote", false, "Send the question to the NATS worker pool instead of answering locally")
	return cmd
}

func newBatchCommand(ctx *commandContext) *cobra.Command {
	var q queryFlags
	var workers int

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Answer every QA pair of a category at one keyframe",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			query, err := q.query()
			if err != nil {
				return err
			}
			a, err := ctx.build(cmd, false)
			if err != nil {
				return err
			}
			pairs, err := a.Store.QAPairs(query.Scene, query.Keyframe, query.Category)
			if err != nil {
				return err
			}
			if len(pairs) == 0 {
				return domain.Errorf(domain.ErrNotFound, "batch", "no %s pairs at keyframe %s", query.Category, query.Keyframe)
			}
			if workers <= 0 {
				workers = a.Config.NATS.Workers
			}
			reqs := rag.KeyframeRequests(query.Scene, query.Keyframe, query.Category, len(pairs))
			results := a.Service.AskBatch(cmd.Context(), reqs, workers)
			summary := rag.Summarize(results)

			if ctx.jsonOutput(cmd) {
				if err := writeJSON(cmd, map[string]any{"results": results, "summary": summary}); err != nil {
					return err
				}
			} else {
				rows := make([][]string, len(results))
				for i, r := range results {
					rows[i] = batchRow(reqs[i].Serial, r)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, renderTable([]string{"#", "Status", "Answer", "Detail"}, rows, 0))
				fmt.Fprintf(out, "%d total: %d success, %d warning, %d error\n", summary.Total, summary.Success, summary.Warning, summary.Error)
			}
			if summary.Error > 0 {
				return fmt.Errorf("%d of %d questions failed", summary.Error, summary.Total)
			}
			return nil
		},
	}
	q.register(cmd, false)
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Concurrent questions (default from config)")
	return cmd
}

func printAnswer(cmd *cobra.Command, res fn.Result[*rag.Response]) {
	out := cmd.OutOrStdout()
	if res.IsErr() {
		fmt.Fprintf(out, "error at %s (%s): %v\n", res.MetaString(rag.MetaStage), res.MetaString(rag.MetaKind), res.Error())
		return
	}
	resp := res.Must()
	if resp.Prompt != "" {
		fmt.Fprintln(out, resp.Prompt)
		fmt.Fprintln(out)
	}
	rows := [][]string{
		{"Question", resp.Question},
		{"Answer", resp.Answer},
		{"Ground truth", resp.GroundTruthAnswer},
		{"Model", resp.Model},
		{"Tokens", fmt.Sprintf("%d prompt / %d output", resp.PromptTokens, resp.OutputTokens)},
	}
	if len(resp.Missing) > 0 {
		rows = append(rows, []string{"Missing", strings.Join(resp.Missing, ", ")})
	}
	if res.IsWarning() {
		rows = append(rows, []string{"Warning", res.Message()})
	}
	fmt.Fprintln(out, renderTable([]string{"Field", "Value"}, rows))
}

func batchRow(serial int, r fn.Result[*rag.Response]) []string {
	row := []string{strconv.Itoa(serial), string(r.Status())}
	if r.IsErr() {
		return append(row, "", r.MetaString(rag.MetaStage)+": "+r.MetaString(rag.MetaKind))
	}
	return append(row, truncate(r.Must().Answer, 60), r.Message())
}

// failure turns an error envelope into the command's exit error.
func failure(res fn.Result[*rag.Response]) error {
	if !res.IsErr() {
		return nil
	}
	return errors.New(res.MetaString(rag.MetaStage) + ": " + res.MetaString(rag.MetaKind))
}
