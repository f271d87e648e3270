package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"nlpkit/internal/dispatch"
	"nlpkit/internal/tasks"
)

type runOptions struct {
	task     string
	variant  string
	model    string
	text     string
	context  string
	document string
	question string
	asJSON   bool
}

func runCmd(a *app) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run <task> [text...]",
		Short: "Run one task and print its result",
		Long: "Run one task against its model. The task is an id (sentiment) or a display name\n" +
			"(\"Question Answering\"). Remaining arguments are joined into --text; pass --text - to read stdin.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.task = args[0]
			if len(args) > 1 && opts.text == "" {
				opts.text = strings.Join(args[1:], " ")
			}
			if opts.text == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				opts.text = string(data)
			}

			svc, err := buildServices(a.cfg, a.log)
			if err != nil {
				return err
			}
			defer svc.Close()
			return runTask(cmd.Context(), svc.dispatcher, cmd.OutOrStdout(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.text, "text", "", "input text")
	f.StringVar(&opts.context, "context", "", "context passage for question answering")
	f.StringVar(&opts.document, "document", "", "document text for document QA")
	f.StringVar(&opts.question, "question", "", "question to answer")
	f.StringVar(&opts.variant, "variant", "", "task variant, e.g. \"English to French\"")
	f.StringVar(&opts.model, "model", "", "override the task's default model")
	f.BoolVar(&opts.asJSON, "json", false, "print the result as JSON")
	return cmd
}

func (o runOptions) fields() map[string]string {
	out := map[string]string{}
	set := func(name, v string) {
		if v != "" {
			out[name] = v
		}
	}
	set(tasks.FieldText, o.text)
	set(tasks.FieldContext, o.context)
	set(tasks.FieldDocument, o.document)
	set(tasks.FieldQuestion, o.question)
	return out
}

// runTask prints the result and returns an error for any non-ok status so
// the process exits non-zero.
func runTask(ctx context.Context, d *dispatch.Dispatcher, w io.Writer, opts runOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var res dispatch.Result
	if opts.model == "" {
		res = d.Handle(ctx, opts.task, opts.variant, opts.fields())
	} else {
		res = d.Dispatch(ctx, tasks.Request{TaskID: opts.task, Variant: opts.variant, Model: opts.model, Fields: opts.fields()})
	}

	if opts.asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(w, dispatch.Format(res))
	}
	if !res.OK() {
		return fmt.Errorf("%s", res.Status)
	}
	return nil
}
