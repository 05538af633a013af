package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jogardn/salon-storefront/internal/delivery"
	"github.com/jogardn/salon-storefront/internal/shopclient"
)

type globalFlags struct {
	url      string
	token    string
	email    string
	password string
	asJSON   bool
	verbose  bool
}

func main() {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)

	var g globalFlags
	root := &cobra.Command{
		Use:           "shopctl",
		Short:         "Administer the salon storefront",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if g.verbose {
				logger.SetLevel(logrus.DebugLevel)
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&g.url, "url", envOr("SHOPCTL_URL", "http://localhost:8080"), "Storefront base URL")
	pf.StringVar(&g.token, "token", os.Getenv("SHOPCTL_TOKEN"), "Admin access token")
	pf.StringVar(&g.email, "email", os.Getenv("SHOPCTL_EMAIL"), "Admin email, used when no token is given")
	pf.StringVar(&g.password, "password", os.Getenv("SHOPCTL_PASSWORD"), "Admin password, used when no token is given")
	pf.BoolVar(&g.asJSON, "json", false, "Print JSON instead of a table")
	pf.BoolVar(&g.verbose, "verbose", false, "Log requests to stderr")

	connect := func(ctx context.Context) (*shopclient.Client, error) {
		c := shopclient.New(g.url, logger)
		if g.token != "" {
			return c.WithToken(g.token), nil
		}
		if g.email == "" || g.password == "" {
			return nil, errors.New("either --token or --email and --password are required")
		}
		sess, err := c.SignIn(ctx, g.email, g.password)
		if err != nil {
			return nil, err
		}
		return c.WithToken(sess.AccessToken), nil
	}

	root.AddCommand(
		signInCommand(&g, logger),
		ordersCommand(&g, connect, logger),
		zonesCommand(&g, connect),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type connector func(ctx context.Context) (*shopclient.Client, error)

func signInCommand(g *globalFlags, logger *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "sign-in",
		Short: "Sign in and print an access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := shopclient.New(g.url, logger).SignIn(cmd.Context(), g.email, g.password)
			if err != nil {
				return err
			}
			if g.asJSON {
				return printJSON(sess)
			}
			fmt.Println(sess.AccessToken)
			return nil
		},
	}
}

func ordersCommand(g *globalFlags, connect connector, logger *logrus.Logger) *cobra.Command {
	cmd := &cobra.Command{Use: "orders", Short: "List and update orders"}

	var status string
	var limit, offset int
	list := &cobra.Command{
		Use:   "list",
		Short: "List orders, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			orders, err := c.ListOrders(cmd.Context(), status, limit, offset)
			if err != nil {
				return err
			}
			if g.asJSON {
				return printJSON(orders)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CODE\tSTATUS\tCUSTOMER\tAREA\tTOTAL\tID")
			for _, o := range orders {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", o.OrderCode, o.Status, o.CustomerName, o.DeliveryArea, o.Total, o.ID)
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&status, "status", "", "Only orders with this status")
	list.Flags().IntVar(&limit, "limit", 0, "Maximum number of orders")
	list.Flags().IntVar(&offset, "offset", 0, "Number of orders to skip")

	track := &cobra.Command{
		Use:   "track <code>",
		Short: "Show an order by its customer-facing code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := shopclient.New(g.url, logger).TrackOrder(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(o)
		},
	}

	setStatus := &cobra.Command{
		Use:   "set-status <id> <status>",
		Short: "Move an order to a new status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			o, err := c.UpdateStatus(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("%s is now %s\n", o.OrderCode, o.Status)
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			if err := c.DeleteOrder(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, track, setStatus, del)
	return cmd
}

type zoneFlags struct {
	name      string
	areas     []string
	fee       int64
	freeAbove int64
	noFree    bool
	days      string
	active    bool
}

func zonesCommand(g *globalFlags, connect connector) *cobra.Command {
	cmd := &cobra.Command{Use: "zones", Short: "Manage delivery zones"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List all delivery zones, including inactive ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			zones, err := c.ListZones(cmd.Context())
			if err != nil {
				return err
			}
			if g.asJSON {
				return printJSON(zones)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tFEE\tFREE ABOVE\tDAYS\tACTIVE\tAREAS\tID")
			for _, z := range zones {
				free := "-"
				if z.FreeAbove != nil {
					free = fmt.Sprint(*z.FreeAbove)
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%t\t%s\t%s\n", z.Name, z.Fee, free, z.EstimatedDays, z.Active, strings.Join(z.Areas, ", "), z.ID)
			}
			return w.Flush()
		},
	}

	var cf zoneFlags
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a delivery zone",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			z := delivery.Zone{
				Name:          cf.name,
				Areas:         cf.areas,
				Fee:           cf.fee,
				EstimatedDays: cf.days,
				Active:        cf.active,
			}
			if cmd.Flags().Changed("free-above") {
				z.FreeAbove = &cf.freeAbove
			}
			created, err := c.CreateZone(cmd.Context(), z)
			if err != nil {
				return err
			}
			return printJSON(created)
		},
	}
	zoneFlagSet(create, &cf)
	create.MarkFlagRequired("name")
	create.MarkFlagRequired("areas")

	var uf zoneFlags
	update := &cobra.Command{
		Use:   "update <id>",
		Short: "Change the given fields of a delivery zone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields := changedZoneFields(cmd, uf)
			if len(fields) == 0 {
				return errors.New("no fields to update")
			}
			c, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			z, err := c.PatchZone(cmd.Context(), args[0], fields)
			if err != nil {
				return err
			}
			return printJSON(z)
		},
	}
	zoneFlagSet(update, &uf)
	update.Flags().BoolVar(&uf.noFree, "no-free-above", false, "Remove the free delivery threshold")

	cmd.AddCommand(list, create, update)
	return cmd
}

func zoneFlagSet(cmd *cobra.Command, zf *zoneFlags) {
	f := cmd.Flags()
	f.StringVar(&zf.name, "name", "", "Zone name")
	f.StringSliceVar(&zf.areas, "areas", nil, "Areas served, comma separated")
	f.Int64Var(&zf.fee, "fee", 0, "Delivery fee")
	f.Int64Var(&zf.freeAbove, "free-above", 0, "Subtotal at which delivery is free")
	f.StringVar(&zf.days, "days", "", "Estimated delivery days, for display")
	f.BoolVar(&zf.active, "active", true, "Whether the zone is offered at checkout")
}

// changedZoneFields builds a patch from the flags the user actually set.
func changedZoneFields(cmd *cobra.Command, zf zoneFlags) map[string]interface{} {
	f := cmd.Flags()
	fields := map[string]interface{}{}
	if f.Changed("name") {
		fields["name"] = zf.name
	}
	if f.Changed("areas") {
		fields["areas"] = zf.areas
	}
	if f.Changed("fee") {
		fields["fee"] = zf.fee
	}
	if f.Changed("free-above") {
		fields["freeAbove"] = zf.freeAbove
	}
	if zf.noFree {
		fields["freeAbove"] = nil
	}
	if f.Changed("days") {
		fields["estimatedDays"] = zf.days
	}
	if f.Changed("active") {
		fields["active"] = zf.active
	}
	return fields
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
