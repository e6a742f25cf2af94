// Command scah is the operator CLI: it migrates the database, previews and
// commits guest files, creates accounts and takes backups without going
// through the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/JonMunkholm/scah/internal/app"
	"github.com/JonMunkholm/scah/internal/auth"
	"github.com/JonMunkholm/scah/internal/batch"
	"github.com/JonMunkholm/scah/internal/config"
	"github.com/JonMunkholm/scah/internal/core"
	"github.com/JonMunkholm/scah/internal/logging"
	"github.com/JonMunkholm/scah/internal/maintenance"
	"github.com/JonMunkholm/scah/internal/mapping"
	"github.com/JonMunkholm/scah/internal/storage"
	"github.com/JonMunkholm/scah/internal/tabular"
)

const usage = `usage: scah <command> [flags]

commands:
  migrate                 apply pending database migrations
  preview  [flags] FILE   classify every row of FILE without writing
  commit   [flags] FILE   import FILE
  useradd  [flags]        create an account
  backup                  snapshot the database now
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if _, err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, "read .env:", err)
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load configuration:", err)
		os.Exit(1)
	}
	// Reports go to stdout, logs to stderr.
	logging.SetupWriter(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		var ue usageError
		if errors.As(err, &ue) {
			fmt.Fprintln(os.Stderr, ue.Error())
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		slog.Error(os.Args[1]+" failed", "error", err)
		os.Exit(1)
	}
}

type usageError string

func (e usageError) Error() string { return string(e) }

func run(ctx context.Context, cfg *config.Config, cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "migrate":
		return withApp(ctx, cfg, func(a *app.App) error {
			fmt.Fprintf(out, "database ready (%s)\n", a.Store.Dialect())
			return nil
		})
	case "preview":
		return runImport(ctx, cfg, args, out, false)
	case "commit":
		return runImport(ctx, cfg, args, out, true)
	case "useradd":
		return runUserAdd(ctx, cfg, args, out)
	case "backup":
		return runBackup(ctx, cfg, out)
	case "help", "-h", "--help":
		fmt.Fprint(out, usage)
		return nil
	default:
		return usageError(fmt.Sprintf("unknown command %q", cmd))
	}
}

// withApp opens the store, runs fn and closes everything again.
func withApp(ctx context.Context, cfg *config.Config, fn func(a *app.App) error) error {
	// The CLI never runs scheduled jobs.
	cfg.Backup.Enabled = false
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	runErr := fn(a)
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.Close(closeCtx))
}

// asUser attaches the acting account. A blank username acts as the system
// user with admin rights.
func asUser(ctx context.Context, st *storage.Store, username string) (context.Context, error) {
	if username == "" || username == core.SystemUser {
		return core.ContextWithActor(ctx, core.Actor{Username: core.SystemUser, Role: string(auth.RoleAdmin)}), nil
	}
	u, err := st.UserByUsername(ctx, strings.ToLower(strings.TrimSpace(username)))
	if err != nil {
		return nil, fmt.Errorf("user %q: %w", username, err)
	}
	if !u.Active {
		return nil, fmt.Errorf("user %q is disabled", username)
	}
	return core.ContextWithActor(ctx, core.Actor{UserID: u.ID, Username: u.Username, Role: u.Role}), nil
}

func runImport(ctx context.Context, cfg *config.Config, args []string, out io.Writer, commit bool) error {
	name := "preview"
	if commit {
		name = "commit"
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	policy := fs.String("policy", "strict", "commit policy: strict or best-effort")
	sheets := fs.String("sheet", "", "comma-separated XLSX sheets to read (default all)")
	charset := fs.String("charset", "", "CSV charset: utf-8 or windows-1252")
	templateID := fs.String("template", "", "mapping template id")
	confirm := fs.String("confirm", "", "comma-separated low-confidence columns to accept as proposed")
	user := fs.String("user", "", "account to act as (default system)")
	verbose := fs.Bool("v", false, "list every row, not only failures")
	if err := fs.Parse(args); err != nil {
		return usageError(err.Error())
	}
	if fs.NArg() != 1 {
		return usageError(name + " takes exactly one FILE")
	}
	path := fs.Arg(0)

	pol, err := batch.ParsePolicy(*policy)
	if err != nil {
		return usageError(err.Error())
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	opts := tabular.Options{
		MaxBytes: cfg.Import.MaxFileSize,
		MaxRows:  cfg.Import.MaxRows,
		Charset:  *charset,
	}
	if *sheets != "" {
		opts.Sheets = strings.Split(*sheets, ",")
	}
	file, err := tabular.Read(filepath.Base(path), f, opts)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	return withApp(ctx, cfg, func(a *app.App) error {
		ctx, err := asUser(ctx, a.Store, *user)
		if err != nil {
			return err
		}

		b := batch.New(file.Name, file)
		m := mapping.Propose(b.Header)
		if *templateID != "" {
			tpl, err := a.Templates.Get(ctx, *templateID)
			if err != nil {
				return err
			}
			if m, err = mapping.FromTemplate(b.Header, tpl); err != nil {
				return err
			}
		}
		if *confirm != "" {
			if m, err = m.Confirm(strings.Split(*confirm, ",")); err != nil {
				return err
			}
		}
		writeMapping(out, m)

		bopts := batch.Options{
			Policy:   pol,
			Defaults: batch.DefaultsFrom(cfg.Import),
			Today:    storage.NewDate(time.Now()),
		}

		var rep *batch.Report
		if commit {
			last := -1
			bopts.Progress = func(p batch.Progress) {
				if pct := p.Percent(); p.Phase == batch.PhaseCommitting && pct/10 != last/10 {
					last = pct
					slog.Info("committing", "batch_id", p.BatchID, "percent", pct, "committed", p.Committed)
				}
			}
			rep, err = a.Applier.Commit(ctx, b, m, bopts)
		} else {
			rep, err = a.Applier.Preview(ctx, b, m, bopts)
		}
		if rep != nil {
			writeReport(out, rep, *verbose)
		}
		return err
	})
}

func writeMapping(out io.Writer, m mapping.Mapping) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COLUMN\tFIELD\tCONFIDENCE\tREASON")
	for _, c := range m.Columns {
		field := string(c.Field)
		if field == "" {
			field = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%s\n", c.Label, field, c.Confidence, c.Reason)
	}
	tw.Flush()
	for _, c := range m.Unresolved() {
		fmt.Fprintf(out, "ambiguous column %q\n", c.Label)
	}
	for _, c := range m.Unconfirmed() {
		fmt.Fprintf(out, "low-confidence column %q: check it and pass -confirm %q\n", c.Label, c.Label)
	}
	fmt.Fprintln(out)
}

func writeReport(out io.Writer, rep *batch.Report, verbose bool) {
	rows := rep.Failed()
	if verbose {
		rows = rep.Rows
	}
	if len(rows) > 0 {
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ROW\tSTATUS\tPERSON\tDETAIL")
		for _, r := range rows {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Label(), r.Status, personCell(r), rowDetail(r))
		}
		tw.Flush()
	}
	for _, f := range rep.Missing {
		fmt.Fprintf(out, "required field %s has no column\n", f)
	}
	fmt.Fprintln(out, rep.Summary())
	if rep.Error != "" {
		fmt.Fprintln(out, "error:", rep.Error)
	}
}

func personCell(r batch.RowResult) string {
	if r.PersonID == 0 {
		return "-"
	}
	return fmt.Sprint(r.PersonID)
}

func rowDetail(r batch.RowResult) string {
	if r.Conflict != nil {
		return r.Conflict.Error()
	}
	msgs := make([]string, len(r.Errors))
	for i, fe := range r.Errors {
		msgs[i] = fe.Error()
	}
	return strings.Join(msgs, "; ")
}

func runUserAdd(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("useradd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	username := fs.String("username", "", "login name")
	fullName := fs.String("name", "", "full name")
	role := fs.String("role", string(auth.RoleOperator), "admin, supervisor or operator")
	password := fs.String("password", "", "initial password (default: $SCAH_PASSWORD)")
	if err := fs.Parse(args); err != nil {
		return usageError(err.Error())
	}
	if *password == "" {
		*password = os.Getenv("SCAH_PASSWORD")
	}

	return withApp(ctx, cfg, func(a *app.App) error {
		ctx, _ := asUser(ctx, a.Store, "")
		u, err := a.Auth.CreateUser(ctx, auth.NewUser{
			Username: *username,
			Password: *password,
			FullName: *fullName,
			Role:     auth.Role(*role),
		})
		if err != nil {
			var ve *core.ValidationError
			if errors.As(err, &ve) {
				for _, fe := range ve.Fields {
					fmt.Fprintln(out, fe.Error())
				}
			}
			return err
		}
		fmt.Fprintf(out, "created user %s (id %d, %s)\n", u.Username, u.ID, u.Role)
		return nil
	})
}

func runBackup(ctx context.Context, cfg *config.Config, out io.Writer) error {
	return withApp(ctx, cfg, func(a *app.App) error {
		s, err := maintenance.NewScheduler(a.Store, a.Writer, maintenance.BackupConfigFrom(cfg.Backup))
		if err != nil {
			return err
		}
		// Backups run as the system user, like the scheduled job.
		ctx, _ := asUser(ctx, a.Store, "")
		res, err := s.RunBackup(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "backup written to %s in %s\n", res.Path, res.Duration.Round(time.Millisecond))
		for _, p := range res.Pruned {
			fmt.Fprintf(out, "pruned %s\n", p)
		}
		return nil
	})
}
