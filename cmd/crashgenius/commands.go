package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"crashgenius/internal/analysis"
	"crashgenius/internal/auth"
	"crashgenius/internal/evidence"
	"crashgenius/internal/llm"
	"crashgenius/internal/report"
)

type selectorFlags struct {
	provider   string
	model      string
	mistralKey string
}

func (f *selectorFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.provider, "provider", "", "provider to use (google, mistral, noop)")
	cmd.Flags().StringVar(&f.model, "model", "", "catalogue model id")
	cmd.Flags().StringVar(&f.mistralKey, "mistral-key", os.Getenv("MISTRAL_API_KEY"), "Mistral API key")
}

func (f *selectorFlags) selector() (analysis.ProviderSelector, error) {
	sel := analysis.ProviderSelector{ModelID: strings.TrimSpace(f.model)}
	if strings.TrimSpace(f.provider) != "" {
		kind, err := llm.ParseProviderKind(f.provider)
		if err != nil {
			return sel, err
		}
		sel.Kind = kind
	}
	sel.APIKey = strings.TrimSpace(f.mistralKey)
	return sel, nil
}

func loadEvidence(paths []string, a *app) ([]evidence.Evidence, error) {
	out := make([]evidence.Evidence, 0, len(paths))
	for _, path := range paths {
		ev, err := evidence.NormalizeFile(path, a.logger)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func newAnalyzeCmd(a *app) *cobra.Command {
	var (
		sel      selectorFlags
		freeText string
		language string
		outPath  string
	)
	cmd := &cobra.Command{
		Use:   "analyze [files...]",
		Short: "Generate a crash report from photos, documents and a description",
		Example: `  crashgenius analyze front.jpg rear.jpg
  crashgenius analyze --context "rear-ended at a light" --language ru police.pdf
  crashgenius analyze --provider mistral --mistral-key $KEY damage.png --out report.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			selector, err := sel.selector()
			if err != nil {
				return err
			}
			ev, err := loadEvidence(args, a)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			out, err := a.service().Analyze(ctx, analysis.AnalyzeInput{
				Evidence: ev,
				FreeText: freeText,
				Language: llm.ParseLanguage(language),
				Selector: selector,
			})
			if err != nil {
				return err
			}
			if outPath != "" {
				data, err := json.MarshalIndent(out.Report, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(outPath, append(data, '\n'), 0o644); err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "%s (%s/%s) written to %s\n", out.Report.Title, out.Provider, out.Model, outPath)
				return nil
			}
			return a.printJSON(out.Report)
		},
	}
	sel.bind(cmd)
	cmd.Flags().StringVar(&freeText, "context", "", "free-text description of the accident")
	cmd.Flags().StringVar(&language, "language", "en", "report language (en or ru)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write the report to a file instead of stdout")
	return cmd
}

func newChatCmd(a *app) *cobra.Command {
	var (
		sel      selectorFlags
		language string
	)
	cmd := &cobra.Command{
		Use:   "chat <report.json> [files...]",
		Short: "Ask follow-up questions about a saved report",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			selector, err := sel.selector()
			if err != nil {
				return err
			}
			rep, err := readReport(args[0])
			if err != nil {
				return err
			}
			ev, err := loadEvidence(args[1:], a)
			if err != nil {
				return err
			}
			svc := a.service()
			sess, err := svc.CreateChatSession(cmd.Context(), rep, ev, llm.ParseLanguage(language), selector)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stderr, "chatting about %q with %s/%s, empty line or EOF to quit\n", rep.Title, sess.Provider, sess.Model)
			return chatLoop(cmd.Context(), a, svc, sess)
		},
	}
	sel.bind(cmd)
	cmd.Flags().StringVar(&language, "language", "en", "reply language (en or ru)")
	return cmd
}

func chatLoop(ctx context.Context, a *app, svc *analysis.Service, sess *analysis.Session) error {
	scanner := bufio.NewScanner(a.stdin)
	for {
		fmt.Fprint(a.stderr, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			return nil
		}
		turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
		stream, err := sess.SendMessageStream(turnCtx, text)
		if err != nil {
			stop()
			svc.ObserveChatTurn(sess.Provider, err)
			return err
		}
		for stream.Next() {
			fmt.Fprint(a.stdout, stream.Text())
		}
		stream.Close()
		err = stream.Err()
		interrupted := turnCtx.Err() != nil && ctx.Err() == nil
		stop()
		svc.ObserveChatTurn(sess.Provider, err)
		fmt.Fprintln(a.stdout)
		if err != nil {
			if interrupted {
				fmt.Fprintln(a.stderr, "interrupted")
				continue
			}
			return err
		}
	}
}

func newHashCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "hash <report.json>",
		Short: "Print the content hash and content id of a report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := readReport(args[0])
			if err != nil {
				return err
			}
			hash, err := report.Hash(rep)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "hash:       %s\ncontent id: %s\n", hash, report.ContentID(hash))
			return nil
		},
	}
}

func newModelsCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the model catalogue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if asJSON {
				return a.printJSON(a.cfg.Models)
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPROVIDER\tNAME\tBADGE")
			for _, m := range a.cfg.Models {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.ID, m.Provider, m.Name, m.Badge)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newRegionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "region <ymin> <xmin> <ymax> <xmax>",
		Short: "Convert a 0-1000 bounding box into percentage offsets",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			var box report.BoundingBox
			for i, arg := range args {
				v, err := strconv.ParseFloat(arg, 64)
				if err != nil {
					return fmt.Errorf("coordinate %d: %w", i+1, err)
				}
				box[i] = v
			}
			return a.printJSON(box.Region())
		},
	}
}

func newTokenCmd(a *app) *cobra.Command {
	var (
		subject string
		scopes  []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed API bearer token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(scopes) == 0 {
				scopes = auth.AllScopes
			}
			token, err := auth.NewService(a.cfg).IssueToken(subject, scopes, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "granted scope, repeatable (default all)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
