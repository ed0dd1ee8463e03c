package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"certmailer/internal/docstore"
	"certmailer/internal/mailer"
	"certmailer/internal/models"
	"certmailer/internal/pipeline"
	"certmailer/internal/roster"
	"certmailer/internal/storage"
)

var sendOpts struct {
	roster   string
	link     string
	subject  string
	bodyFile string
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Run one batch from the command line and print its summary",
	Long: `Reads a CSV roster with "Full Name" and "Email" columns, renders one
certificate per eligible row from the Slides template and emails it.
Rows are processed in order; failures are reported in the summary.`,
	Args: cobra.NoArgs,
	RunE: runSend,
}

func init() {
	f := sendCmd.Flags()
	f.StringVar(&sendOpts.roster, "roster", "", "CSV file with the recipients")
	f.StringVar(&sendOpts.link, "link", "", "shareable link to the Slides template")
	f.StringVar(&sendOpts.subject, "subject", "", "email subject, may contain the placeholder")
	f.StringVar(&sendOpts.bodyFile, "body-file", "", "HTML file with the email body, may contain the placeholder")
	_ = sendCmd.MarkFlagRequired("roster")
	_ = sendCmd.MarkFlagRequired("link")
	_ = sendCmd.MarkFlagRequired("subject")
	_ = sendCmd.MarkFlagRequired("body-file")
}

type failureLine struct {
	Row    int    `yaml:"row"`
	Name   string `yaml:"name"`
	Email  string `yaml:"email"`
	Kind   string `yaml:"kind"`
	Reason string `yaml:"reason"`
}

type summary struct {
	Batch     string        `yaml:"batch"`
	Total     int           `yaml:"total"`
	Processed int           `yaml:"processed"`
	Succeeded int           `yaml:"succeeded"`
	Failed    []failureLine `yaml:"failed,omitempty"`
}

func newSummary(batchID string, run models.BatchRun) summary {
	s := summary{Batch: batchID, Total: run.Total, Processed: run.Processed, Succeeded: run.Succeeded}
	for _, f := range run.Failed {
		s.Failed = append(s.Failed, failureLine{
			Row:    f.Recipient.Index + 1,
			Name:   f.Recipient.FullName,
			Email:  f.Recipient.Email,
			Kind:   string(f.Kind),
			Reason: f.Reason,
		})
	}
	return s
}

func runSend(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	in, err := os.Open(sendOpts.roster)
	if err != nil {
		return fmt.Errorf("open roster: %w", err)
	}
	r, err := roster.Parse(in)
	in.Close()
	if err != nil {
		return err
	}
	src, err := docstore.ParseLink(sendOpts.link)
	if err != nil {
		return err
	}
	body, err := os.ReadFile(sendOpts.bodyFile)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	tmpl := models.Template{
		Subject:     sendOpts.subject,
		Body:        string(body),
		Placeholder: cfg.BasicConfig.TemplatePlaceholder,
	}

	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()
	store, err := openGoogleStore(cmd)
	if err != nil {
		return err
	}

	batchID := uuid.NewString()
	lifecycle := docstore.NewLifecycle(store, append(lifecycleOptions(), docstore.WithLedger(storage.NewLedger(db), batchID))...)
	sender := mailer.NewSMTP(mailer.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		Timeout:  cfg.BasicConfig.RemoteTimeout(),
	}, logger.Named("mailer"))

	out := cmd.OutOrStdout()
	o := pipeline.New(lifecycle, sender,
		pipeline.WithLogger(logger.With(zap.String("batch_id", batchID))),
		pipeline.WithProgress(func(fraction float64, label string) {
			fmt.Fprintf(out, "%3.0f%%  %s\n", fraction*100, label)
		}),
	)
	fmt.Fprintf(out, "Mail Sent to [0/%d] rows\n", len(r.Eligible()))
	run := o.Run(ctx, r, src, tmpl)

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(newSummary(batchID, run)); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("batch interrupted after %d of %d rows: %w", run.Processed, len(r.Eligible()), err)
	}
	return nil
}
