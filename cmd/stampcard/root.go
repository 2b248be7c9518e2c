package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dukerupert/stamptour/internal/client"
	"github.com/dukerupert/stamptour/internal/logging"
	"github.com/dukerupert/stamptour/internal/reward"
	"github.com/dukerupert/stamptour/internal/session"
)

type app struct {
	serverURL string
	statePath string
	logLevel  string
	booths    int

	logger  *slog.Logger
	client  *client.Client
	session *session.Session
}

func defaultStatePath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "stampcard", "state.json")
	}
	return "stampcard.json"
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// NewRootCmd builds the stampcard command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "stampcard",
		Short:         "Carry one device's booth stamps and register for a reward",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.serverURL, "server", envOr("STAMPCARD_SERVER", "http://localhost:8080"), "stamp tour server URL")
	flags.StringVar(&a.statePath, "state", envOr("STAMPCARD_STATE", defaultStatePath()), "device state file")
	flags.StringVar(&a.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	flags.IntVar(&a.booths, "booths", session.DefaultBoothCount, "number of booths on the floor")

	root.AddCommand(
		a.stampCmd(),
		a.statusCmd(),
		a.quotaCmd(),
		a.offerCmd(),
		a.registerCmd(),
		a.resetCmd(),
		a.adminCmd(),
	)
	return root
}

func (a *app) open(cmd *cobra.Command) error {
	a.logger = logging.New(cmd.ErrOrStderr(), a.logLevel, "text")
	a.client = client.New(client.Config{BaseURL: a.serverURL, Logger: a.logger})

	table, err := a.client.Tiers(cmd.Context())
	if err != nil {
		a.logger.Warn("could not fetch tier table, using built-in table", "error", err)
		table = reward.DefaultTable()
	} else {
		a.client = client.New(client.Config{BaseURL: a.serverURL, Table: table, Logger: a.logger})
	}

	a.session, err = session.New(session.Config{
		Table:  table,
		Booths: session.Booths(a.booths),
	}, session.NewFileStore(a.statePath), a.client, a.logger)
	return err
}

func (a *app) stampCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stamp BOOTH...",
		Short: "Stamp one or more booths (by number or id)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, arg := range args {
				id := session.BoothID(arg)
				added, err := a.session.Stamp(id)
				if err != nil {
					return err
				}
				if added {
					fmt.Fprintf(out, "stamped %s\n", id)
				} else {
					fmt.Fprintf(out, "%s already stamped\n", id)
				}
			}
			fmt.Fprintf(out, "%d/%d booths\n", a.session.CompletedCount(), a.booths)
			if a.session.Complete() {
				fmt.Fprintln(out, "all booths visited")
			}
			return nil
		},
	}
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show stamps and registration state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			stamps := a.session.Stamps()
			var ids []string
			for id, ok := range stamps {
				if ok {
					ids = append(ids, id)
				}
			}
			sort.Strings(ids)

			fmt.Fprintf(out, "stamps:  %d/%d %s\n", a.session.CompletedCount(), a.booths, strings.Join(ids, " "))
			fmt.Fprintf(out, "state:   %s\n", a.session.State())
			if pending := a.session.Pending(); len(pending) > 0 {
				fmt.Fprintf(out, "pending: %d unconfirmed registration(s)\n", len(pending))
			}
			return nil
		},
	}
}

func (a *app) quotaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quota",
		Short: "Show remaining reward units per tier",
		RunE: func(cmd *cobra.Command, _ []string) error {
			snap, err := a.client.Remaining(cmd.Context())
			if err != nil {
				return err
			}
			table, err := a.client.Tiers(cmd.Context())
			if err != nil {
				table = reward.DefaultTable()
			}
			writeSnapshot(cmd.OutOrStdout(), table, snap)
			return nil
		},
	}
}

func writeSnapshot(w io.Writer, table reward.Table, snap reward.Snapshot) {
	for _, t := range table.Tiers() {
		fmt.Fprintf(w, "%-8s %-14s %3d stamps  %d/%d left\n", t.Key, t.Label, t.Threshold, snap.Remaining(t.Key), t.Limit)
	}
}

func describeOffer(w io.Writer, o *session.Offer) {
	fmt.Fprintf(w, "reward: %s (%s)\n", o.Tier.Label, o.Tier.Key)
	if o.Degraded {
		fmt.Fprintf(w, "note: %s is sold out, offering the next available reward\n", o.Eligible.Label)
	}
	if o.Optimistic {
		fmt.Fprintln(w, "note: could not read remaining quota, the server will confirm on submit")
	}
}

func (a *app) offerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "offer",
		Short: "Show which reward this device would receive now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			offer, err := a.session.Offer(cmd.Context())
			if err != nil {
				return explain(err)
			}
			describeOffer(cmd.OutOrStdout(), offer)
			a.session.Close()
			return nil
		},
	}
}

func (a *app) registerCmd() *cobra.Command {
	var c session.Contact
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register this device for its reward",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			offer, err := a.session.Offer(cmd.Context())
			if err != nil {
				return explain(err)
			}
			describeOffer(out, offer)

			receipt, err := a.session.Confirm(cmd.Context(), c)
			return reportRegistration(out, receipt, err)
		},
	}
	f := cmd.Flags()
	f.StringVar(&c.Name, "name", "", "visitor name")
	f.StringVar(&c.Position, "position", "", "job title")
	f.StringVar(&c.Company, "company", "", "company")
	f.StringVar(&c.Phone, "phone", "", "phone number")
	f.StringVar(&c.Email, "email", "", "email address")
	return cmd
}

func (a *app) resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear this device's stamps, registration flag and pending journal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.session.Reset(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "device reset")
			return nil
		},
	}
}

func (a *app) adminCmd() *cobra.Command {
	admin := &cobra.Command{
		Use:   "admin",
		Short: "Server administration",
	}

	var key string
	reset := &cobra.Command{
		Use:   "reset-ledger",
		Short: "Archive and clear every registration on the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if key == "" {
				key = os.Getenv("STAMPTOUR_ADMIN_KEY")
			}
			location, err := a.client.Reset(cmd.Context(), key)
			if err != nil {
				return explain(err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "ledger cleared")
			if location != "" {
				fmt.Fprintf(out, "archive: %s\n", location)
			}
			return nil
		},
	}
	reset.Flags().StringVar(&key, "key", "", "admin key (default $STAMPTOUR_ADMIN_KEY)")
	admin.AddCommand(reset)
	return admin
}

// explain rewrites errors into the messages a visitor at the desk needs.
// reportRegistration prints the receipt whenever the server returned one,
// even if the device then failed to record it.
func reportRegistration(out io.Writer, receipt *reward.Receipt, err error) error {
	if receipt != nil {
		fmt.Fprintf(out, "registered: %s for %s at %s\n", receipt.Tier.Label, receipt.Submission.Name,
			receipt.Submission.SubmittedAt.Local().Format(time.DateTime))
	}
	if err != nil {
		return explain(err)
	}
	return nil
}

func explain(err error) error {
	var verr *reward.ValidationError
	switch {
	case errors.Is(err, session.ErrNotSaved):
		return fmt.Errorf("the server accepted this registration, but this device could not save it; do not register again (%w)", err)
	case errors.Is(err, session.ErrAlreadySubmitted):
		return errors.New("this device has already been registered")
	case errors.Is(err, session.ErrInFlight):
		return errors.New("a registration is already in progress on this device")
	case errors.Is(err, session.ErrNotEligible):
		return errors.New("not enough stamps yet")
	case errors.As(err, &verr) && verr.Field != "":
		return fmt.Errorf("please check %s: %s", verr.Field, verr.Msg)
	case errors.Is(err, reward.ErrQuotaExhausted):
		return errors.New("all rewards you qualify for have been given out")
	case errors.Is(err, reward.ErrQuotaChanged):
		return errors.New("rewards changed while you were registering, please try again")
	case errors.Is(err, reward.ErrStorageUnavailable):
		return fmt.Errorf("could not reach the server: %w", err)
	case errors.Is(err, reward.ErrAuth):
		return errors.New("admin key rejected")
	}
	return err
}
