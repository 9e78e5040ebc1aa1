package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/config"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/partition"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/transfer"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/tunnelerr"
)

// transferFlags override the transfer section of the config file for one
// session. Only flags set on the command line are applied.
type transferFlags struct {
	fieldDelimiter  string
	recordDelimiter string
	charset         string
	nullIndicator   string
	dateTimeFormat  string
	timeZone        string
	exponential     bool
	discard         bool
	maxBadRecords   int64
	strictSchema    bool
	threads         int
	blockSize       string
	header          bool
	retryAttempts   int
	retryDelay      time.Duration
}

func (f *transferFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.fieldDelimiter, "field-delimiter", ",", `field delimiter, escapes like \t and \u0001 allowed`)
	fs.StringVar(&f.recordDelimiter, "record-delimiter", `\n`, "record delimiter")
	fs.StringVar(&f.charset, "charset", "utf-8", `text encoding, or "ignore" to pass bytes through`)
	fs.StringVar(&f.nullIndicator, "null-indicator", "", "text that stands for a null value")
	fs.StringVar(&f.dateTimeFormat, "datetime-format", "yyyy-MM-dd HH:mm:ss", "DATETIME pattern")
	fs.StringVar(&f.timeZone, "time-zone", "UTC", "time zone for DATETIME values")
	fs.BoolVar(&f.exponential, "exponential", false, "format floating point values in exponential notation")
	fs.BoolVar(&f.discard, "discard-bad-records", false, "skip records that fail conversion instead of aborting")
	fs.Int64Var(&f.maxBadRecords, "max-bad-records", 1000, "bad records tolerated before the session fails")
	fs.BoolVar(&f.strictSchema, "strict-schema", true, "fail records whose column count differs from the schema")
	fs.IntVar(&f.threads, "threads", 1, "number of block workers")
	fs.StringVar(&f.blockSize, "block-size", "100M", "block size, with an optional K, M or G suffix")
	fs.BoolVar(&f.header, "header", false, "first record of each file is a header")
	fs.IntVar(&f.retryAttempts, "retry-attempts", 5, "attempts per block on transient failures")
	fs.DurationVar(&f.retryDelay, "retry-delay", 5*time.Second, "delay between block attempts")
}

func (f *transferFlags) apply(cmd *cobra.Command, t config.Transfer) (config.Transfer, error) {
	fs := cmd.Flags()
	var err error
	if fs.Changed("field-delimiter") {
		if t.FieldDelimiter, err = config.UnescapeDelimiter(f.fieldDelimiter); err != nil {
			return t, err
		}
	}
	if fs.Changed("record-delimiter") {
		if t.RecordDelimiter, err = config.UnescapeDelimiter(f.recordDelimiter); err != nil {
			return t, err
		}
	}
	if fs.Changed("block-size") {
		if t.BlockSize, err = config.ParseSize(f.blockSize); err != nil {
			return t, fmt.Errorf("--block-size: %w", err)
		}
	}
	if fs.Changed("charset") {
		t.Charset = f.charset
	}
	if fs.Changed("null-indicator") {
		t.NullIndicator = f.nullIndicator
	}
	if fs.Changed("datetime-format") {
		t.DateTimeFormat = f.dateTimeFormat
	}
	if fs.Changed("time-zone") {
		t.TimeZone = f.timeZone
	}
	if fs.Changed("exponential") {
		t.Exponential = f.exponential
	}
	if fs.Changed("discard-bad-records") {
		t.DiscardBadRecords = f.discard
	}
	if fs.Changed("max-bad-records") {
		t.MaxBadRecords = f.maxBadRecords
	}
	if fs.Changed("strict-schema") {
		t.StrictSchema = f.strictSchema
	}
	if fs.Changed("threads") {
		t.Threads = f.threads
	}
	if fs.Changed("header") {
		t.Header = f.header
	}
	if fs.Changed("retry-attempts") {
		t.RetryAttempts = f.retryAttempts
	}
	if fs.Changed("retry-delay") {
		t.RetryDelay = f.retryDelay
	}
	return t, t.Validate()
}

func newUploadCmd(a *app) *cobra.Command {
	var (
		table string
		spec  string
		tf    transferFlags
	)
	cmd := &cobra.Command{
		Use:   "upload <file-or-dir>",
		Short: "Upload a delimited file or a directory of files into a table partition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runTransfer(cmd, &tf, table, spec, args[0], true)
		},
	}
	cmd.Flags().StringVarP(&table, "table", "t", "", "target table")
	cmd.Flags().StringVarP(&spec, "partition", "p", "", "target partition, e.g. ds='2024-01-01',region=eu")
	cmd.MarkFlagRequired("table")
	tf.register(cmd)
	return cmd
}

func newDownloadCmd(a *app) *cobra.Command {
	var (
		table string
		spec  string
		tf    transferFlags
	)
	cmd := &cobra.Command{
		Use:   "download <file-or-dir>",
		Short: "Download the matching partitions of a table into delimited files",
		Long: "Download writes a single matching partition to the given file. When several\n" +
			"partitions match, the path is a directory and each partition goes to its own file.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runTransfer(cmd, &tf, table, spec, args[0], false)
		},
	}
	cmd.Flags().StringVarP(&table, "table", "t", "", "source table")
	cmd.Flags().StringVarP(&spec, "partition", "p", "", "partition filter; all partitions when empty")
	cmd.MarkFlagRequired("table")
	tf.register(cmd)
	return cmd
}

func (a *app) runTransfer(cmd *cobra.Command, tf *transferFlags, table, spec, path string, upload bool) error {
	ctx := cmd.Context()
	opts, err := tf.apply(cmd, a.cfg.Transfer)
	if err != nil {
		return err
	}
	ps, err := partition.ParseSpec(spec)
	if err != nil {
		return err
	}

	engine, b, err := a.engine(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	req := transfer.Request{Table: table, Partition: ps, Path: path, Config: opts}
	var res *transfer.Result
	if upload {
		res, err = engine.Upload(ctx, req)
	} else {
		res, err = engine.Download(ctx, req)
	}
	return report(cmd, res, err)
}

func newResumeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Resume a failed or interrupted session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine, b, err := a.engine(ctx)
			if err != nil {
				return err
			}
			defer b.Close()

			res, err := engine.Resume(ctx, args[0])
			return report(cmd, res, err)
		},
	}
}

// report prints the outcome of a session. A failed session lists its bad
// record samples and the id to resume it with.
func report(cmd *cobra.Command, res *transfer.Result, err error) error {
	out := cmd.OutOrStdout()
	if err == nil {
		fmt.Fprintf(out, "%s complete: %d records", res.Direction, res.Records)
		if res.BadRecords > 0 {
			fmt.Fprintf(out, ", %d bad records discarded", res.BadRecords)
		}
		if res.Skipped > 0 {
			fmt.Fprintf(out, ", %d of %d units already done", res.Skipped, res.Units)
		}
		fmt.Fprintln(out)
		return nil
	}
	if res == nil {
		return err
	}

	w := cmd.ErrOrStderr()
	printSamples(w, res.Samples)
	var limit *tunnelerr.BadRecordLimitExceededError
	if errors.As(err, &limit) {
		fmt.Fprintf(w, "bad records: %d (limit %d)\n", limit.Count, limit.Limit)
	} else if res.BadRecords > 0 {
		fmt.Fprintf(w, "bad records: %d\n", res.BadRecords)
	}
	fmt.Fprintf(w, "records so far: %d\n", res.Records)
	fmt.Fprintf(w, "resume with: bulk-tunnel resume %s\n", res.SessionID)
	return err
}

func printSamples(w io.Writer, samples []string) {
	if len(samples) == 0 {
		return
	}
	fmt.Fprintln(w, "bad record samples:")
	for _, s := range samples {
		fmt.Fprintf(w, "  %s\n", s)
	}
}
