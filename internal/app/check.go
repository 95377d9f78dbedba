package app

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/nulpointcorp/llm-costproxy/internal/config"
)

// Check loads the routing and pricing documents named by cfg and writes the
// resolved tables to w. It returns the first validation error.
func Check(cfg *config.Config, w io.Writer) error {
	routes, prices, err := loadTables(cfg.RoutesFile, cfg.PricingFile)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "ROUTE\tPATTERN\tPROVIDER\tENDPOINT\tCREDENTIAL\tTIMEOUT\tRETRIES")
	for _, r := range routes.Routes() {
		cred := "client key"
		if r.CredentialRef != "" {
			state := "missing"
			if os.Getenv(r.CredentialRef) != "" {
				state = "set"
			}
			cred = r.CredentialRef + " (" + state + ")"
		}
		endpoint := r.Endpoint
		if endpoint == "" {
			endpoint = "default"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			r.Name, r.Pattern, r.Provider, endpoint, cred, r.Timeout, r.MaxRetries)
	}
	fmt.Fprintln(tw)

	chains := routes.Fallbacks()
	if len(chains) > 0 {
		models := make([]string, 0, len(chains))
		for m := range chains {
			models = append(models, m)
		}
		sort.Strings(models)

		fmt.Fprintln(tw, "MODEL\tFALLBACKS")
		for _, m := range models {
			fmt.Fprintf(tw, "%s\t%s\n", m, strings.Join(chains[m], " → "))
		}
		fmt.Fprintln(tw)
	}

	ref := prices.Reference().Model
	fmt.Fprintln(tw, "MODEL\tINPUT\tOUTPUT\tCACHE READ\tCACHE WRITE\t")
	for _, e := range prices.Entries() {
		mark := ""
		if e.Model == ref {
			mark = "reference"
		}
		fmt.Fprintf(tw, "%s\t%.4g\t%.4g\t%.4g\t%.4g\t%s\n",
			e.Model, e.Input, e.Output, e.CacheRead, e.CacheWrite, mark)
	}

	return tw.Flush()
}
